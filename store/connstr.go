package store

import (
	"fmt"
	"net/url"
	"strings"
)

// ConnectionString holds the parsed parts of an account connection string:
//
//	AccountEndpoint=https://dynamodb.us-west-2.amazonaws.com;AccessKeyId=AKIA...;AccountKey=...;Region=us-west-2
//
// Keys are case-insensitive. Region is optional when PreferredRegions is set.
type ConnectionString struct {
	Endpoint    string
	AccessKeyID string
	AccountKey  string
	Region      string
}

// ParseConnectionString parses and validates a connection string.
// Every failure wraps ErrConfiguration.
func ParseConnectionString(s string) (ConnectionString, error) {
	var cs ConnectionString
	if strings.TrimSpace(s) == "" {
		return cs, fmt.Errorf("%w: connection string is empty", ErrConfiguration)
	}

	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return ConnectionString{}, fmt.Errorf("%w: malformed connection string segment %q", ErrConfiguration, redact(part))
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "accountendpoint":
			cs.Endpoint = value
		case "accesskeyid":
			cs.AccessKeyID = value
		case "accountkey":
			cs.AccountKey = value
		case "region":
			cs.Region = value
		default:
			return ConnectionString{}, fmt.Errorf("%w: unknown connection string key %q", ErrConfiguration, key)
		}
	}

	if cs.Endpoint == "" {
		return ConnectionString{}, fmt.Errorf("%w: AccountEndpoint is required", ErrConfiguration)
	}
	u, err := url.Parse(cs.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ConnectionString{}, fmt.Errorf("%w: AccountEndpoint %q is not an http(s) URL", ErrConfiguration, cs.Endpoint)
	}
	if cs.AccessKeyID == "" {
		return ConnectionString{}, fmt.Errorf("%w: AccessKeyId is required", ErrConfiguration)
	}
	if cs.AccountKey == "" {
		return ConnectionString{}, fmt.Errorf("%w: AccountKey is required", ErrConfiguration)
	}
	return cs, nil
}

// String renders the connection string with the account key masked.
func (cs ConnectionString) String() string {
	s := fmt.Sprintf("AccountEndpoint=%s;AccessKeyId=%s;AccountKey=***", cs.Endpoint, cs.AccessKeyID)
	if cs.Region != "" {
		s += ";Region=" + cs.Region
	}
	return s
}

// redact keeps the key of a segment and hides its value.
func redact(segment string) string {
	if len(segment) <= 4 {
		return "***"
	}
	return segment[:4] + "***"
}
