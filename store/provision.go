package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

const (
	// DefaultPartitionKeyPath is the partition key path of product containers.
	DefaultPartitionKeyPath = "/categoryId"

	// DefaultAutoscaleMax is the default request-unit ceiling of a container.
	DefaultAutoscaleMax int64 = 1000

	// idAttr is the sort key of every container.
	idAttr = "id"

	// containerAttr is the key of a database catalog table.
	containerAttr = "container"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,255}$`)

// Throughput is the capacity policy of a container.
type Throughput struct {
	// AutoscaleMax is the request-unit ceiling the store may scale to.
	AutoscaleMax int64
}

// ContainerSpec is what EnsureContainer is asked to provide.
type ContainerSpec struct {
	Name string

	// PartitionKeyPath is a single top-level path such as "/categoryId".
	// Default: DefaultPartitionKeyPath
	PartitionKeyPath string

	// Default: DefaultAutoscaleMax
	Throughput Throughput
}

// ContainerDescriptor describes a provisioned container as the store reports it.
type ContainerDescriptor struct {
	Name             string
	PartitionKeyPath string
	Throughput       Throughput
	TableName        string
	TableARN         string
}

// Database is a handle on a provisioned database. Its identity is TableARN.
type Database struct {
	Name     string
	TableARN string
}

// Container is a handle on a provisioned container.
type Container struct {
	Database   *Database
	Descriptor ContainerDescriptor
}

// TableName returns the name of the table backing the container.
func (c *Container) TableName() string {
	return c.Descriptor.TableName
}

// PartitionKey returns the attribute named by the partition key path.
func (c *Container) PartitionKey() string {
	return strings.TrimPrefix(c.Descriptor.PartitionKeyPath, "/")
}

// ProvisionerOptions configures a Provisioner.
type ProvisionerOptions struct {
	// WaitTimeout bounds how long a newly created table may take to become active.
	// Default: 2m
	WaitTimeout time.Duration

	// PollInterval is the minimum delay between readiness checks.
	// Default: 1s
	PollInterval time.Duration
}

// Provisioner creates databases and containers if they are absent.
// All methods are idempotent and safe to call on every startup, including
// from several processes at once: create-if-absent relies on the store's
// server-side table creation semantics.
type Provisioner struct {
	client *Client
	opts   ProvisionerOptions
}

// NewProvisioner creates a Provisioner bound to client.
func NewProvisioner(client *Client, opts ProvisionerOptions) *Provisioner {
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = 2 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Provisioner{client: client, opts: opts}
}

// EnsureDatabase returns a handle on the named database, creating it if absent.
func (p *Provisioner) EnsureDatabase(ctx context.Context, name string) (*Database, error) {
	const op = "ensure_database"
	if !tableNamePattern.MatchString(name) {
		return nil, opError(op, ErrConfiguration, fmt.Errorf("invalid database name %q", name))
	}

	desc, _, err := p.ensureTable(ctx, op, &dynamodb.CreateTableInput{
		TableName: aws.String(name),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(containerAttr), KeyType: types.KeyTypeHash},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(containerAttr), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	if err != nil {
		return nil, err
	}

	hash, _ := keySchema(desc.KeySchema)
	if hash != containerAttr {
		return nil, opError(op, ErrProvisioningConflict,
			fmt.Errorf("table %q exists but is not a database (hash key %q)", name, hash))
	}

	p.client.logger.Info("database is ready", zap.String("database", name))
	return &Database{Name: name, TableARN: aws.ToString(desc.TableArn)}, nil
}

// EnsureContainer returns a handle on the named container of db, creating it
// with spec's partition key and throughput ceiling if absent. An existing
// container partitioned differently yields ErrProvisioningConflict.
// The throughput of an existing container is never changed.
func (p *Provisioner) EnsureContainer(ctx context.Context, db *Database, spec ContainerSpec) (*Container, error) {
	const op = "ensure_container"
	if db == nil {
		return nil, opError(op, ErrConfiguration, errors.New("database handle is required"))
	}
	if spec.PartitionKeyPath == "" {
		spec.PartitionKeyPath = DefaultPartitionKeyPath
	}
	if spec.Throughput.AutoscaleMax == 0 {
		spec.Throughput.AutoscaleMax = DefaultAutoscaleMax
	}

	pkAttr, err := partitionKeyAttr(spec.PartitionKeyPath)
	if err != nil {
		return nil, opError(op, ErrConfiguration, err)
	}
	if spec.Throughput.AutoscaleMax < 0 {
		return nil, opError(op, ErrConfiguration, fmt.Errorf("autoscale ceiling must be positive, got %d", spec.Throughput.AutoscaleMax))
	}
	tableName := db.Name + "." + spec.Name
	if spec.Name == "" || !tableNamePattern.MatchString(tableName) {
		return nil, opError(op, ErrConfiguration, fmt.Errorf("invalid container name %q", spec.Name))
	}

	desc, created, err := p.ensureTable(ctx, op, &dynamodb.CreateTableInput{
		TableName: aws.String(tableName),
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(pkAttr), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(idAttr), KeyType: types.KeyTypeRange},
		},
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(pkAttr), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(idAttr), AttributeType: types.ScalarAttributeTypeS},
		},
		BillingMode: types.BillingModePayPerRequest,
		OnDemandThroughput: &types.OnDemandThroughput{
			MaxReadRequestUnits:  aws.Int64(spec.Throughput.AutoscaleMax),
			MaxWriteRequestUnits: aws.Int64(spec.Throughput.AutoscaleMax),
		},
	})
	if err != nil {
		return nil, err
	}

	hash, rng := keySchema(desc.KeySchema)
	if hash != pkAttr || rng != idAttr {
		return nil, opError(op, ErrProvisioningConflict,
			fmt.Errorf("container %q is keyed by (/%s, %s), want (%s, %s)", spec.Name, hash, rng, spec.PartitionKeyPath, idAttr))
	}

	actual := spec.Throughput
	if desc.OnDemandThroughput != nil && desc.OnDemandThroughput.MaxReadRequestUnits != nil {
		actual.AutoscaleMax = aws.ToInt64(desc.OnDemandThroughput.MaxReadRequestUnits)
	}
	if !created && actual != spec.Throughput {
		p.client.logger.Warn("container throughput differs from requested, leaving it unchanged",
			zap.String("container", spec.Name),
			zap.Int64("actual", actual.AutoscaleMax),
			zap.Int64("requested", spec.Throughput.AutoscaleMax),
		)
	}

	container := &Container{
		Database: db,
		Descriptor: ContainerDescriptor{
			Name:             spec.Name,
			PartitionKeyPath: "/" + hash,
			Throughput:       actual,
			TableName:        tableName,
			TableARN:         aws.ToString(desc.TableArn),
		},
	}
	if err := p.register(ctx, container); err != nil {
		return nil, err
	}

	p.client.logger.Info("container is ready",
		zap.String("database", db.Name),
		zap.String("container", spec.Name),
		zap.String("partitionKeyPath", container.Descriptor.PartitionKeyPath),
		zap.Int64("autoscaleMax", actual.AutoscaleMax),
		zap.Bool("created", created),
	)
	return container, nil
}

// Containers lists the container descriptors recorded in db.
func (p *Provisioner) Containers(ctx context.Context, db *Database) ([]ContainerDescriptor, error) {
	const op = "list_containers"
	var descriptors []ContainerDescriptor

	paginator := dynamodb.NewScanPaginator(p.client.api(), &dynamodb.ScanInput{
		TableName:      aws.String(db.Name),
		ConsistentRead: aws.Bool(true),
	})
	for paginator.HasMorePages() {
		page, err := do(ctx, p.client, op, nil, func(ctx context.Context) (*dynamodb.ScanOutput, error) {
			return paginator.NextPage(ctx)
		})
		if err != nil {
			return nil, err
		}
		for _, item := range page.Items {
			var rec descriptorRecord
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				return nil, opError(op, nil, fmt.Errorf("unmarshal descriptor: %w", err))
			}
			descriptors = append(descriptors, rec.descriptor())
		}
	}
	return descriptors, nil
}

// ensureTable creates a table unless it exists and waits until it is active.
// created reports whether this call created it.
func (p *Provisioner) ensureTable(ctx context.Context, op string, input *dynamodb.CreateTableInput) (*types.TableDescription, bool, error) {
	api := p.client.api()
	name := aws.ToString(input.TableName)

	created := true
	_, err := do(ctx, p.client, op, nil, func(ctx context.Context) (*dynamodb.CreateTableOutput, error) {
		return api.CreateTable(ctx, input)
	})
	if err != nil {
		// Another caller created it first, or it already existed.
		var inUse *types.ResourceInUseException
		if !errors.As(err, &inUse) {
			return nil, false, err
		}
		created = false
		p.client.logger.Debug("table already exists", zap.String("table", name))
	}

	waiter := dynamodb.NewTableExistsWaiter(api, func(o *dynamodb.TableExistsWaiterOptions) {
		o.MinDelay = p.opts.PollInterval
		if o.MaxDelay < o.MinDelay {
			o.MaxDelay = o.MinDelay
		}
	})
	out, err := waiter.WaitForOutput(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)}, p.opts.WaitTimeout)
	if err != nil {
		kind := classifyKind(err)
		if kind == nil {
			kind = ErrUnavailable
		}
		return nil, false, opError(op, kind, fmt.Errorf("wait for table %q: %w", name, err))
	}
	return out.Table, created, nil
}

// register records the descriptor in the database catalog table.
// An existing record is the benign outcome of a concurrent or repeated call.
func (p *Provisioner) register(ctx context.Context, c *Container) error {
	const op = "ensure_container"
	item, err := attributevalue.MarshalMap(newDescriptorRecord(c.Descriptor))
	if err != nil {
		return opError(op, nil, fmt.Errorf("marshal descriptor: %w", err))
	}

	_, err = do(ctx, p.client, op, nil, func(ctx context.Context) (*dynamodb.PutItemOutput, error) {
		return p.client.api().PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                aws.String(c.Database.Name),
			Item:                     item,
			ConditionExpression:      aws.String("attribute_not_exists(#c)"),
			ExpressionAttributeNames: map[string]string{"#c": containerAttr},
		})
	})
	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return nil
	}
	return err
}

// descriptorRecord is the catalog table item for one container.
type descriptorRecord struct {
	Container        string `dynamodbav:"container"`
	TableName        string `dynamodbav:"tableName"`
	TableARN         string `dynamodbav:"tableArn"`
	PartitionKeyPath string `dynamodbav:"partitionKeyPath"`
	AutoscaleMax     int64  `dynamodbav:"autoscaleMax"`
	CreatedAt        string `dynamodbav:"createdAt"`
}

func newDescriptorRecord(d ContainerDescriptor) descriptorRecord {
	return descriptorRecord{
		Container:        d.Name,
		TableName:        d.TableName,
		TableARN:         d.TableARN,
		PartitionKeyPath: d.PartitionKeyPath,
		AutoscaleMax:     d.Throughput.AutoscaleMax,
		CreatedAt:        time.Now().UTC().Format(time.RFC3339),
	}
}

func (r descriptorRecord) descriptor() ContainerDescriptor {
	return ContainerDescriptor{
		Name:             r.Container,
		PartitionKeyPath: r.PartitionKeyPath,
		Throughput:       Throughput{AutoscaleMax: r.AutoscaleMax},
		TableName:        r.TableName,
		TableARN:         r.TableARN,
	}
}

// partitionKeyAttr turns "/categoryId" into "categoryId". Only top-level
// paths can back a table key.
func partitionKeyAttr(path string) (string, error) {
	attr, ok := strings.CutPrefix(path, "/")
	if !ok || attr == "" || strings.ContainsAny(attr, "/[]") {
		return "", fmt.Errorf("partition key path %q must be a single top-level path like %q", path, DefaultPartitionKeyPath)
	}
	return attr, nil
}

// keySchema returns the hash and range attribute names.
func keySchema(elems []types.KeySchemaElement) (hash, rng string) {
	for _, e := range elems {
		switch e.KeyType {
		case types.KeyTypeHash:
			hash = aws.ToString(e.AttributeName)
		case types.KeyTypeRange:
			rng = aws.ToString(e.AttributeName)
		}
	}
	return hash, rng
}
