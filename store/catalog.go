package store

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"reflect"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"github.com/jacentio/catalogstore/internal/segment"
)

// productPartitionKey is the attribute every product container is keyed by.
const productPartitionKey = "categoryId"

// Catalog reads and writes products in one container. It is safe for
// concurrent use.
type Catalog struct {
	client    *Client
	container *Container
	table     string
}

// NewCatalog binds a Catalog to a provisioned container. The container must
// be partitioned by /categoryId.
func NewCatalog(client *Client, container *Container) (*Catalog, error) {
	if client == nil || container == nil {
		return nil, fmt.Errorf("%w: catalog needs a client and a container", ErrConfiguration)
	}
	if pk := container.PartitionKey(); pk != productPartitionKey {
		return nil, fmt.Errorf("%w: container %q is partitioned by %q, products need %q",
			ErrConfiguration, container.Descriptor.Name, pk, productPartitionKey)
	}
	return &Catalog{
		client:    client,
		container: container,
		table:     container.TableName(),
	}, nil
}

// Container returns the container the catalog is bound to.
func (c *Catalog) Container() *Container {
	return c.container
}

func (c *Catalog) key(id, categoryID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		productPartitionKey: &types.AttributeValueMemberS{Value: categoryID},
		idAttr:              &types.AttributeValueMemberS{Value: id},
	}
}

// Create inserts a new product. It fails with ErrConflict if a product with
// the same id already exists in the partition.
func (c *Catalog) Create(ctx context.Context, p Product) (Product, error) {
	const op = "create"

	p, err := Validate(p)
	if err != nil {
		return Product{}, err
	}
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return Product{}, opError(op, ErrInvalidDocument, err)
	}

	attempts := 0
	_, err = do(ctx, c.client, op, ErrConflict, func(ctx context.Context) (*dynamodb.PutItemOutput, error) {
		attempts++
		return c.client.api().PutItem(ctx, &dynamodb.PutItemInput{
			TableName:                aws.String(c.table),
			Item:                     item,
			ConditionExpression:      aws.String("attribute_not_exists(#id)"),
			ExpressionAttributeNames: map[string]string{"#id": idAttr},
		})
	})
	if err != nil && attempts > 1 && errors.Is(err, ErrConflict) {
		// An earlier attempt may have landed before its response was lost.
		if stored, rerr := c.read(ctx, op, p.ID, p.CategoryID, true); rerr == nil && sameProduct(stored, p) {
			err = nil
		}
	}
	if err != nil {
		return Product{}, err
	}

	c.client.markWritten(p.CategoryID)
	c.client.logger.Debug("product created",
		zap.String("table", c.table),
		zap.String("id", p.ID),
		zap.String("categoryId", p.CategoryID),
	)
	return p, nil
}

// Read fetches a product by id within its partition.
func (c *Catalog) Read(ctx context.Context, id, categoryID string) (Product, error) {
	const op = "read"
	if id == "" || categoryID == "" {
		return Product{}, opError(op, ErrInvalidQuery, errors.New("id and categoryId are required"))
	}
	return c.read(ctx, op, id, categoryID, c.client.consistentRead(categoryID))
}

func (c *Catalog) read(ctx context.Context, op, id, categoryID string, consistent bool) (Product, error) {
	out, err := do(ctx, c.client, op, nil, func(ctx context.Context) (*dynamodb.GetItemOutput, error) {
		return c.client.api().GetItem(ctx, &dynamodb.GetItemInput{
			TableName:      aws.String(c.table),
			Key:            c.key(id, categoryID),
			ConsistentRead: aws.Bool(consistent),
		})
	})
	if err != nil {
		return Product{}, err
	}
	if len(out.Item) == 0 {
		return Product{}, opError(op, ErrNotFound, fmt.Errorf("product %q in partition %q", id, categoryID))
	}
	return decodeProduct(op, out.Item)
}

// Upsert writes a product, replacing any existing one with the same id in
// the partition.
func (c *Catalog) Upsert(ctx context.Context, p Product) (Product, error) {
	return c.put(ctx, "upsert", p, "", nil)
}

// Replace overwrites an existing product. It fails with ErrNotFound if no
// product with p.ID exists in p.CategoryID.
func (c *Catalog) Replace(ctx context.Context, p Product) (Product, error) {
	if p.ID == "" {
		return Product{}, opError("replace", ErrInvalidDocument, errors.New("id is required"))
	}
	return c.put(ctx, "replace", p, "attribute_exists(#id)", ErrNotFound)
}

func (c *Catalog) put(ctx context.Context, op string, p Product, condition string, conditionKind error) (Product, error) {
	p, err := Validate(p)
	if err != nil {
		return Product{}, err
	}
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return Product{}, opError(op, ErrInvalidDocument, err)
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(c.table),
		Item:      item,
	}
	if condition != "" {
		input.ConditionExpression = aws.String(condition)
		input.ExpressionAttributeNames = map[string]string{"#id": idAttr}
	}
	if _, err := do(ctx, c.client, op, conditionKind, func(ctx context.Context) (*dynamodb.PutItemOutput, error) {
		return c.client.api().PutItem(ctx, input)
	}); err != nil {
		return Product{}, err
	}

	c.client.markWritten(p.CategoryID)
	return p, nil
}

// Delete removes a product. It fails with ErrNotFound if it does not exist.
func (c *Catalog) Delete(ctx context.Context, id, categoryID string) error {
	const op = "delete"
	if id == "" || categoryID == "" {
		return opError(op, ErrInvalidQuery, errors.New("id and categoryId are required"))
	}
	_, err := do(ctx, c.client, op, ErrNotFound, func(ctx context.Context) (*dynamodb.DeleteItemOutput, error) {
		return c.client.api().DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName:                aws.String(c.table),
			Key:                      c.key(id, categoryID),
			ConditionExpression:      aws.String("attribute_exists(#id)"),
			ExpressionAttributeNames: map[string]string{"#id": idAttr},
		})
	})
	if err != nil {
		return err
	}
	c.client.markWritten(categoryID)
	return nil
}

// ListAll streams every product in the container, page by page. The
// sequence stops after the first store error, which is yielded with a zero
// Product. Breaking out of the loop releases all resources.
func (c *Catalog) ListAll(ctx context.Context) iter.Seq2[Product, error] {
	return c.scan(ctx, "list_all", plan{})
}

// Query parses expr with ParseFilter and streams the matching products.
// A filter pinning category_id with equality reads a single partition;
// anything else scans the container. An empty result is not an error.
func (c *Catalog) Query(ctx context.Context, expr string) iter.Seq2[Product, error] {
	f, err := ParseFilter(expr)
	if err != nil {
		return failed(opError("query", nil, err))
	}
	return c.QueryFilter(ctx, f)
}

// QueryFilter streams the products matching f.
func (c *Catalog) QueryFilter(ctx context.Context, f Filter) iter.Seq2[Product, error] {
	f, err := f.normalize()
	if err != nil {
		return failed(opError("query", nil, err))
	}
	pl := planFilter(f, productPartitionKey)
	if pl.scoped() {
		return c.query(ctx, "query", pl)
	}
	return c.scan(ctx, "query", pl)
}

func failed(err error) iter.Seq2[Product, error] {
	return func(yield func(Product, error) bool) {
		yield(Product{}, err)
	}
}

func (c *Catalog) query(ctx context.Context, op string, pl plan) iter.Seq2[Product, error] {
	return func(yield func(Product, error) bool) {
		input := &dynamodb.QueryInput{
			TableName:                 aws.String(c.table),
			KeyConditionExpression:    aws.String(pl.keyCondition),
			ExpressionAttributeNames:  pl.names,
			ExpressionAttributeValues: pl.values,
			ConsistentRead:            aws.Bool(c.client.consistentRead(pl.partition)),
		}
		if pl.filter != "" {
			input.FilterExpression = aws.String(pl.filter)
		}
		if c.client.config.PageSize > 0 {
			input.Limit = aws.Int32(c.client.config.PageSize)
		}

		paginator := dynamodb.NewQueryPaginator(c.client.api(), input)
		for paginator.HasMorePages() {
			page, err := do(ctx, c.client, op, nil, func(ctx context.Context) (*dynamodb.QueryOutput, error) {
				return paginator.NextPage(ctx)
			})
			if err != nil {
				yield(Product{}, err)
				return
			}
			for _, item := range page.Items {
				if !yield(decodeProduct(op, item)) {
					return
				}
			}
		}
	}
}

func (c *Catalog) scanInput(pl plan) *dynamodb.ScanInput {
	input := &dynamodb.ScanInput{
		TableName:      aws.String(c.table),
		ConsistentRead: aws.Bool(c.client.consistentScan()),
	}
	if pl.filter != "" {
		input.FilterExpression = aws.String(pl.filter)
		input.ExpressionAttributeNames = pl.names
		input.ExpressionAttributeValues = pl.values
	}
	if c.client.config.PageSize > 0 {
		input.Limit = aws.Int32(c.client.config.PageSize)
	}
	return input
}

// scanSegment pages through one scan segment, handing items to emit until
// it returns false. A failed page ends the segment and is returned.
func (c *Catalog) scanSegment(ctx context.Context, op string, input *dynamodb.ScanInput, emit func(Product, error) bool) error {
	paginator := dynamodb.NewScanPaginator(c.client.api(), input)
	for paginator.HasMorePages() {
		page, err := do(ctx, c.client, op, nil, func(ctx context.Context) (*dynamodb.ScanOutput, error) {
			return paginator.NextPage(ctx)
		})
		if err != nil {
			return err
		}
		for _, item := range page.Items {
			if !emit(decodeProduct(op, item)) {
				return nil
			}
		}
	}
	return nil
}

type scanResult struct {
	product Product
	err     error
	fatal   bool
}

func (c *Catalog) scan(ctx context.Context, op string, pl plan) iter.Seq2[Product, error] {
	segs := segment.Plan(c.client.config.ScanSegments)
	if len(segs) == 1 {
		return func(yield func(Product, error) bool) {
			stopped := false
			err := c.scanSegment(ctx, op, c.scanInput(pl), func(p Product, err error) bool {
				if !yield(p, err) {
					stopped = true
				}
				return !stopped
			})
			if err == nil && !stopped && ctx.Err() != nil {
				err = fmt.Errorf("%s: %w", op, ctx.Err())
			}
			if err != nil {
				yield(Product{}, err)
			}
		}
	}

	parent := ctx
	return func(yield func(Product, error) bool) {
		ctx, cancel := context.WithCancel(parent)
		defer cancel()

		results := make(chan scanResult)
		send := func(r scanResult) bool {
			select {
			case results <- r:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var wg sync.WaitGroup
		for _, seg := range segs {
			input := c.scanInput(pl)
			input.Segment = aws.Int32(seg.Index)
			input.TotalSegments = aws.Int32(seg.Total)

			wg.Add(1)
			go func() {
				defer wg.Done()
				err := c.scanSegment(ctx, op, input, func(p Product, err error) bool {
					return send(scanResult{product: p, err: err})
				})
				if err != nil {
					send(scanResult{err: err, fatal: true})
				}
			}()
		}
		go func() {
			wg.Wait()
			close(results)
		}()

		// Drain until every segment has exited so no goroutine outlives the loop.
		stopped := false
		for r := range results {
			if stopped {
				continue
			}
			if !yield(r.product, r.err) || r.fatal {
				stopped = true
				cancel()
			}
		}
		// Segments exit quietly once the caller's context is done.
		if !stopped && parent.Err() != nil {
			yield(Product{}, fmt.Errorf("%s: %w", op, parent.Err()))
		}
	}
}

func decodeProduct(op string, item map[string]types.AttributeValue) (Product, error) {
	var p Product
	if err := attributevalue.UnmarshalMap(item, &p); err != nil {
		return Product{}, opError(op, nil, fmt.Errorf("decode product: %w", err))
	}
	if p.Embedding == nil {
		p.Embedding = []float64{}
	}
	return p, nil
}

func sameProduct(a, b Product) bool {
	if len(a.Embedding) == 0 && len(b.Embedding) == 0 {
		a.Embedding, b.Embedding = nil, nil
	}
	return reflect.DeepEqual(a, b)
}
