package store_test

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/jacentio/catalogstore/internal/segment"
	"github.com/jacentio/catalogstore/store"
)

type item = map[string]types.AttributeValue

// fault is an injected failure. With commit set the operation is applied
// before the error is returned, as when a response is lost in transit.
type fault struct {
	err    error
	commit bool
}

type fakeTable struct {
	desc  types.TableDescription
	hash  string
	rng   string
	items map[string]item
}

func (t *fakeTable) keyOf(it item) string {
	k := str(it[t.hash])
	if t.rng != "" {
		k += "\x00" + str(it[t.rng])
	}
	return k
}

// sorted returns the items ordered by hash then range key.
func (t *fakeTable) sorted() []item {
	keys := make([]string, 0, len(t.items))
	for k := range t.items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]item, len(keys))
	for i, k := range keys {
		out[i] = t.items[k]
	}
	return out
}

// fakeDynamo is an in-memory store.API. It understands the condition, key
// and filter expression shapes the store package generates.
type fakeDynamo struct {
	mu         sync.Mutex
	tables     map[string]*fakeTable
	faults     map[string][]fault
	calls      map[string]int
	consistent map[string][]bool
}

var _ store.API = (*fakeDynamo)(nil)

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{
		tables:     map[string]*fakeTable{},
		faults:     map[string][]fault{},
		calls:      map[string]int{},
		consistent: map[string][]bool{},
	}
}

// fail queues errors returned by the next calls to op.
func (f *fakeDynamo) fail(op string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, err := range errs {
		f.faults[op] = append(f.faults[op], fault{err: err})
	}
}

// failAfterCommit queues an error returned after op has been applied.
func (f *fakeDynamo) failAfterCommit(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op] = append(f.faults[op], fault{err: err, commit: true})
}

func (f *fakeDynamo) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// reads returns the ConsistentRead flags seen by op, in call order.
func (f *fakeDynamo) reads(op string) []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.consistent[op]...)
}

// begin must be called with f.mu held.
func (f *fakeDynamo) begin(op string) (fault, bool) {
	f.calls[op]++
	q := f.faults[op]
	if len(q) == 0 {
		return fault{}, false
	}
	f.faults[op] = q[1:]
	return q[0], true
}

func (f *fakeDynamo) table(name *string) (*fakeTable, error) {
	t, ok := f.tables[aws.ToString(name)]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found: " + aws.ToString(name))}
	}
	return t, nil
}

func (f *fakeDynamo) CreateTable(ctx context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ft, ok := f.begin("CreateTable"); ok && !ft.commit {
		return nil, ft.err
	}
	name := aws.ToString(in.TableName)
	if _, ok := f.tables[name]; ok {
		return nil, &types.ResourceInUseException{Message: aws.String("Table already exists: " + name)}
	}
	t := &fakeTable{
		desc: types.TableDescription{
			TableName:            aws.String(name),
			TableArn:             aws.String("arn:aws:dynamodb:us-east-1:000000000000:table/" + name),
			TableStatus:          types.TableStatusActive,
			KeySchema:            in.KeySchema,
			AttributeDefinitions: in.AttributeDefinitions,
			BillingModeSummary:   &types.BillingModeSummary{BillingMode: in.BillingMode},
			OnDemandThroughput:   in.OnDemandThroughput,
		},
		items: map[string]item{},
	}
	for _, k := range in.KeySchema {
		switch k.KeyType {
		case types.KeyTypeHash:
			t.hash = aws.ToString(k.AttributeName)
		case types.KeyTypeRange:
			t.rng = aws.ToString(k.AttributeName)
		}
	}
	f.tables[name] = t
	desc := t.desc
	return &dynamodb.CreateTableOutput{TableDescription: &desc}, nil
}

func (f *fakeDynamo) DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ft, ok := f.begin("DescribeTable"); ok {
		return nil, ft.err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	desc := t.desc
	return &dynamodb.DescribeTableOutput{Table: &desc}, nil
}

func (f *fakeDynamo) DescribeEndpoints(ctx context.Context, in *dynamodb.DescribeEndpointsInput, _ ...func(*dynamodb.Options)) (*dynamodb.DescribeEndpointsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ft, ok := f.begin("DescribeEndpoints"); ok {
		return nil, ft.err
	}
	return &dynamodb.DescribeEndpointsOutput{
		Endpoints: []types.Endpoint{{Address: aws.String("dynamodb.local"), CachePeriodInMinutes: 1440}},
	}, nil
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consistent["GetItem"] = append(f.consistent["GetItem"], aws.ToBool(in.ConsistentRead))
	if ft, ok := f.begin("GetItem"); ok {
		return nil, ft.err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	return &dynamodb.GetItemOutput{Item: copyItem(t.items[t.keyOf(in.Key)])}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft, faulted := f.begin("PutItem")
	if faulted && !ft.commit {
		return nil, ft.err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	key := t.keyOf(in.Item)
	if err := checkCondition(aws.ToString(in.ConditionExpression), in.ExpressionAttributeNames, t.items[key]); err != nil {
		return nil, err
	}
	t.items[key] = copyItem(in.Item)
	if faulted {
		return nil, ft.err
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ft, faulted := f.begin("DeleteItem")
	if faulted && !ft.commit {
		return nil, ft.err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}
	key := t.keyOf(in.Key)
	if err := checkCondition(aws.ToString(in.ConditionExpression), in.ExpressionAttributeNames, t.items[key]); err != nil {
		return nil, err
	}
	delete(t.items, key)
	if faulted {
		return nil, ft.err
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consistent["Query"] = append(f.consistent["Query"], aws.ToBool(in.ConsistentRead))
	if ft, ok := f.begin("Query"); ok {
		return nil, ft.err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}

	var candidates []item
	for _, it := range t.sorted() {
		if matches(aws.ToString(in.KeyConditionExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues, it) {
			candidates = append(candidates, it)
		}
	}
	page, last := paginate(t, candidates, in.ExclusiveStartKey, aws.ToInt32(in.Limit))
	items := filterItems(page, aws.ToString(in.FilterExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	return &dynamodb.QueryOutput{Items: items, Count: int32(len(items)), LastEvaluatedKey: last}, nil
}

func (f *fakeDynamo) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consistent["Scan"] = append(f.consistent["Scan"], aws.ToBool(in.ConsistentRead))
	if ft, ok := f.begin("Scan"); ok {
		return nil, ft.err
	}
	t, err := f.table(in.TableName)
	if err != nil {
		return nil, err
	}

	var candidates []item
	total := int(aws.ToInt32(in.TotalSegments))
	for _, it := range t.sorted() {
		if total > 1 && segment.Of(str(it[t.hash]), total) != aws.ToInt32(in.Segment) {
			continue
		}
		candidates = append(candidates, it)
	}
	page, last := paginate(t, candidates, in.ExclusiveStartKey, aws.ToInt32(in.Limit))
	items := filterItems(page, aws.ToString(in.FilterExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	return &dynamodb.ScanOutput{Items: items, Count: int32(len(items)), LastEvaluatedKey: last}, nil
}

// paginate applies ExclusiveStartKey and Limit, which counts evaluated items.
func paginate(t *fakeTable, items []item, start item, limit int32) ([]item, item) {
	if len(start) > 0 {
		startKey := t.keyOf(start)
		for i, it := range items {
			if t.keyOf(it) == startKey {
				items = items[i+1:]
				break
			}
		}
	}
	if limit <= 0 || int(limit) >= len(items) {
		return items, nil
	}
	page := items[:limit]
	lastItem := page[len(page)-1]
	last := item{t.hash: lastItem[t.hash]}
	if t.rng != "" {
		last[t.rng] = lastItem[t.rng]
	}
	return page, last
}

func filterItems(items []item, expr string, names map[string]string, values map[string]types.AttributeValue) []item {
	out := make([]item, 0, len(items))
	for _, it := range items {
		if expr == "" || matches(expr, names, values, it) {
			out = append(out, copyItem(it))
		}
	}
	return out
}

// matches evaluates "#a op :v AND #b op :w ..." against it.
func matches(expr string, names map[string]string, values map[string]types.AttributeValue, it item) bool {
	for _, clause := range strings.Split(expr, " AND ") {
		parts := strings.Fields(clause)
		if len(parts) != 3 {
			panic(fmt.Sprintf("fake: unsupported clause %q", clause))
		}
		got, ok := it[names[parts[0]]]
		if !ok {
			return false
		}
		want := values[parts[2]]
		cmp, ok := compare(got, want)
		if !ok {
			return false
		}
		var keep bool
		switch parts[1] {
		case "=":
			keep = cmp == 0
		case "<>":
			keep = cmp != 0
		case "<":
			keep = cmp < 0
		case "<=":
			keep = cmp <= 0
		case ">":
			keep = cmp > 0
		case ">=":
			keep = cmp >= 0
		default:
			panic(fmt.Sprintf("fake: unsupported operator %q", parts[1]))
		}
		if !keep {
			return false
		}
	}
	return true
}

func compare(a, b types.AttributeValue) (int, bool) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, false
		}
		return strings.Compare(av.Value, bv.Value), true
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, false
		}
		x, _ := strconv.ParseFloat(av.Value, 64)
		y, _ := strconv.ParseFloat(bv.Value, 64)
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// checkCondition supports attribute_exists(#x) and attribute_not_exists(#x).
func checkCondition(expr string, names map[string]string, existing item) error {
	if expr == "" {
		return nil
	}
	fn, arg, ok := strings.Cut(strings.TrimSuffix(expr, ")"), "(")
	if !ok {
		panic(fmt.Sprintf("fake: unsupported condition %q", expr))
	}
	_, present := existing[names[arg]]
	var pass bool
	switch fn {
	case "attribute_exists":
		pass = present
	case "attribute_not_exists":
		pass = !present
	default:
		panic(fmt.Sprintf("fake: unsupported condition %q", expr))
	}
	if !pass {
		return &types.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
	}
	return nil
}

func str(v types.AttributeValue) string {
	if s, ok := v.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}

func copyItem(it item) item {
	if it == nil {
		return nil
	}
	out := make(item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}
