package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/jacentio/catalogstore/internal/segment"
)

// ConsistencyLevel is the read guarantee applied to every operation issued through a Client.
type ConsistencyLevel string

const (
	Strong           ConsistencyLevel = "Strong"
	BoundedStaleness ConsistencyLevel = "BoundedStaleness"
	Session          ConsistencyLevel = "Session"
	ConsistentPrefix ConsistencyLevel = "ConsistentPrefix"
	Eventual         ConsistencyLevel = "Eventual"
)

var consistencyLevels = []ConsistencyLevel{Strong, BoundedStaleness, Session, ConsistentPrefix, Eventual}

// ParseConsistencyLevel parses a level name, ignoring case and separators
// ("bounded_staleness" and "Bounded Staleness" are both accepted).
func ParseConsistencyLevel(s string) (ConsistencyLevel, error) {
	norm := strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.TrimSpace(s))
	for _, l := range consistencyLevels {
		if strings.EqualFold(norm, string(l)) {
			return l, nil
		}
	}
	return "", fmt.Errorf("%w: unknown consistency level %q", ErrConfiguration, s)
}

// Valid reports whether l is one of the five supported levels.
func (l ConsistencyLevel) Valid() bool {
	for _, v := range consistencyLevels {
		if l == v {
			return true
		}
	}
	return false
}

// Config holds account-level configuration for a Client.
type Config struct {
	// ConsistencyLevel applies to all reads issued through the client.
	// Default: Session
	ConsistencyLevel ConsistencyLevel

	// PreferredRegions is the ordered list of regions. The first one serves
	// all operations; every region is probed by Client.Account.
	PreferredRegions []string

	// ConnectionTimeout bounds each individual network round trip.
	// Default: 10s
	ConnectionTimeout time.Duration

	// MaxRetries is the number of extra attempts the Catalog makes for
	// throttled or unavailable responses.
	// Default: 3
	// Max: 10
	MaxRetries int

	// MaxBackoff caps the exponential jitter delay between retries.
	// Default: 2s
	MaxBackoff time.Duration

	// ScanSegments is the number of parallel segments used by full scans
	// and unscoped queries. Higher values finish large scans sooner but
	// consume more read capacity at once.
	// Default: 1 (sequential)
	// Max: 64
	ScanSegments int

	// PageSize limits the number of items fetched per page (0 = store default).
	PageSize int32
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		ConsistencyLevel:  Session,
		ConnectionTimeout: 10 * time.Second,
		MaxRetries:        3,
		MaxBackoff:        2 * time.Second,
		ScanSegments:      1,
	}
}

// validate fills defaults and clamps values. An unknown consistency level is
// the only unrecoverable case.
func (c *Config) validate() error {
	if c.ConsistencyLevel == "" {
		c.ConsistencyLevel = Session
	}
	if !c.ConsistencyLevel.Valid() {
		return fmt.Errorf("%w: unknown consistency level %q", ErrConfiguration, c.ConsistencyLevel)
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.MaxRetries > 10 {
		c.MaxRetries = 10
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.ScanSegments < 1 {
		c.ScanSegments = 1
	}
	if c.ScanSegments > segment.Max {
		c.ScanSegments = segment.Max
	}
	if c.PageSize < 0 {
		c.PageSize = 0
	}
	regions := c.PreferredRegions[:0:0]
	for _, r := range c.PreferredRegions {
		if r = strings.TrimSpace(r); r != "" {
			regions = append(regions, r)
		}
	}
	c.PreferredRegions = regions
	return nil
}
