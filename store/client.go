package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"
)

// API is the subset of the DynamoDB client used by this package.
// *dynamodb.Client satisfies it; tests substitute an in-memory implementation.
type API interface {
	dynamodb.DescribeTableAPIClient
	dynamodb.QueryAPIClient
	dynamodb.ScanAPIClient

	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	DescribeEndpoints(ctx context.Context, params *dynamodb.DescribeEndpointsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeEndpointsOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

// RegionAPI binds an API to the region it serves.
type RegionAPI struct {
	Region string
	API    API
}

// Client holds the configured connection to the document store for the
// process lifetime. It is safe for concurrent use.
type Client struct {
	regions []RegionAPI
	config  Config
	logger  *zap.Logger

	// Partitions written through this client, for Session consistency.
	written  sync.Map
	wroteAny atomic.Bool
}

// NewClient builds a Client from a connection string. It fails with
// ErrConfiguration before any network traffic if the endpoint or credentials
// are missing or malformed.
//
// The SDK retryer is disabled: retries are decided by Catalog.
func NewClient(ctx context.Context, connectionString string, config Config, logger *zap.Logger) (*Client, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	cs, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}

	endpoint, _ := url.Parse(cs.Endpoint)
	regions := config.PreferredRegions
	if len(regions) == 0 {
		region := cs.Region
		if region == "" {
			region = regionFromHost(endpoint.Hostname())
		}
		if region == "" {
			return nil, fmt.Errorf("%w: no region: set Region in the connection string or PreferredRegions", ErrConfiguration)
		}
		regions = []string{region}
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx,
		awscfg.WithRegion(regions[0]),
		awscfg.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cs.AccessKeyID, cs.AccountKey, "")),
		awscfg.WithHTTPClient(awshttp.NewBuildableClient().WithTimeout(config.ConnectionTimeout)),
		awscfg.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrConfiguration, err)
	}

	// A public AWS endpoint only selects the partition; every region then
	// resolves its own endpoint. Anything else (DynamoDB Local, a proxy)
	// serves all regions.
	customEndpoint := !strings.HasSuffix(endpoint.Hostname(), ".amazonaws.com")

	apis := make([]RegionAPI, 0, len(regions))
	for _, region := range regions {
		region := region
		apis = append(apis, RegionAPI{
			Region: region,
			API: dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
				o.Region = region
				if customEndpoint {
					o.BaseEndpoint = aws.String(cs.Endpoint)
				}
			}),
		})
	}

	c := newClient(apis, config, logger)
	c.logger.Info("store client ready",
		zap.String("endpoint", cs.Endpoint),
		zap.Strings("regions", regions),
		zap.String("consistency", string(config.ConsistencyLevel)),
		zap.Duration("connectionTimeout", config.ConnectionTimeout),
	)
	return c, nil
}

// NewClientWithAPI builds a Client over already constructed regional APIs.
// The first entry is the primary region.
func NewClientWithAPI(config Config, logger *zap.Logger, regions ...RegionAPI) (*Client, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	if len(regions) == 0 || regions[0].API == nil {
		return nil, fmt.Errorf("%w: at least one regional API is required", ErrConfiguration)
	}
	return newClient(regions, config, logger), nil
}

func newClient(regions []RegionAPI, config Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		regions: regions,
		config:  config,
		logger:  logger,
	}
}

// Config returns the validated client configuration.
func (c *Client) Config() Config {
	return c.config
}

// Logger returns the client's logger.
func (c *Client) Logger() *zap.Logger {
	return c.logger
}

// api returns the primary region's API.
func (c *Client) api() API {
	return c.regions[0].API
}

// consistentRead decides the read mode for a single partition.
func (c *Client) consistentRead(categoryID string) bool {
	switch c.config.ConsistencyLevel {
	case Strong, BoundedStaleness:
		return true
	case Session:
		_, ok := c.written.Load(categoryID)
		return ok
	default:
		return false
	}
}

// consistentScan decides the read mode for cross-partition reads.
func (c *Client) consistentScan() bool {
	switch c.config.ConsistencyLevel {
	case Strong, BoundedStaleness:
		return true
	case Session:
		return c.wroteAny.Load()
	default:
		return false
	}
}

// markWritten records a partition written in this session.
func (c *Client) markWritten(categoryID string) {
	c.written.Store(categoryID, struct{}{})
	c.wroteAny.Store(true)
}

// RegionEndpoint is a readable endpoint reported by one region.
type RegionEndpoint struct {
	Region      string
	Address     string
	CachePeriod time.Duration
}

// AccountProperties describes the account as seen from this client.
type AccountProperties struct {
	ConsistencyLevel  ConsistencyLevel
	ReadableLocations []RegionEndpoint
}

// Account probes every preferred region for its readable endpoints.
// It is meant for diagnostics; regions that fail to answer are logged and
// skipped. An error is returned only when no region answered.
func (c *Client) Account(ctx context.Context) (AccountProperties, error) {
	props := AccountProperties{ConsistencyLevel: c.config.ConsistencyLevel}
	var errs []error

	for _, r := range c.regions {
		callCtx, cancel := context.WithTimeout(ctx, c.config.ConnectionTimeout)
		out, err := r.API.DescribeEndpoints(callCtx, &dynamodb.DescribeEndpointsInput{})
		cancel()
		if err != nil {
			c.logger.Warn("region did not answer endpoint probe",
				zap.String("region", r.Region),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("region %s: %w", r.Region, err))
			continue
		}
		for _, ep := range out.Endpoints {
			props.ReadableLocations = append(props.ReadableLocations, RegionEndpoint{
				Region:      r.Region,
				Address:     aws.ToString(ep.Address),
				CachePeriod: time.Duration(ep.CachePeriodInMinutes) * time.Minute,
			})
		}
	}

	if len(props.ReadableLocations) == 0 && len(errs) > 0 {
		joined := errors.Join(errs...)
		return props, opError("account", classifyKind(joined), joined)
	}
	return props, nil
}

// regionFromHost extracts the region from hosts like dynamodb.us-west-2.amazonaws.com.
func regionFromHost(host string) string {
	parts := strings.Split(host, ".")
	if len(parts) >= 4 && parts[0] == "dynamodb" && strings.HasSuffix(host, ".amazonaws.com") {
		return parts[1]
	}
	return ""
}
