// Package store provides a product catalog on top of DynamoDB.
//
// A database is a catalog table that records the containers created in it.
// A container is a table keyed by its partition key (categoryId by default)
// and the product id. Every product belongs to exactly one logical partition
// for its whole life.
//
// # Key Features
//
//   - Idempotent provisioning of databases and containers
//   - Schema validation before any write
//   - Conditional create, replace and delete
//   - Streaming queries with a small filter grammar
//   - Partition-scoped queries that never touch other partitions
//   - Parallel scan segments for full listings
//   - Bounded retries of throttled and unavailable responses
//
// # Getting Started
//
//	client, err := store.NewClient(ctx, os.Getenv("CONNECTION_STRING"), store.DefaultConfig(), logger)
//	p := store.NewProvisioner(client, store.ProvisionerOptions{})
//	db, err := p.EnsureDatabase(ctx, "catalog")
//	c, err := p.EnsureContainer(ctx, db, store.ContainerSpec{Name: "products"})
//	catalog, err := store.NewCatalog(client, c)
//
// # Queries
//
// [Catalog.Query] accepts conjunctions of comparisons, optionally wrapped in
// a SELECT clause:
//
//	category_id = 'bikes' AND price < 500
//	SELECT * FROM c WHERE c.categoryId = 'bikes'
//
// An equality on the partition key scopes the query to one partition.
// Results are yielded as they arrive; breaking out of the loop stops paging.
//
//	for p, err := range catalog.Query(ctx, "category_id = 'bikes'") {
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Println(p.Name)
//	}
//
// # Configuration
//
// Use [DefaultConfig] for Session consistency and sequential scans.
// Increase ScanSegments for large listings:
//
//	cfg := store.DefaultConfig()
//	cfg.ScanSegments = 8
//
// # Errors
//
// Failures are returned as [*OpError] and match one of:
//
//   - [ErrConfiguration] - missing or invalid connection parameters
//   - [ErrProvisioningConflict] - container exists with another partition key
//   - [ErrInvalidDocument] - product failed validation
//   - [ErrNotFound] - product doesn't exist
//   - [ErrConflict] - product with the same id and partition already exists
//   - [ErrThrottled] - rate limited after all retries
//   - [ErrUnavailable] - store unreachable after all retries
//   - [ErrInvalidQuery] - filter expression could not be parsed
package store
