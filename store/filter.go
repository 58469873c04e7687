package store

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Op is a comparison operator of a filter condition.
type Op string

const (
	OpEq Op = "="
	OpNe Op = "<>"
	OpLt Op = "<"
	OpLe Op = "<="
	OpGt Op = ">"
	OpGe Op = ">="
)

// Condition compares one product field with a literal.
// Value is a string for text fields and a float64 for numeric fields.
type Condition struct {
	Field string
	Op    Op
	Value any
}

// Eq returns an equality condition.
func Eq(field string, value any) Condition {
	return Condition{Field: field, Op: OpEq, Value: value}
}

// Filter is a conjunction of conditions. The zero Filter matches every product.
type Filter struct {
	Conditions []Condition
}

// CategoryEquals returns the filter scoped to a single partition.
func CategoryEquals(categoryID string) Filter {
	return Filter{Conditions: []Condition{Eq("categoryId", categoryID)}}
}

// And returns a copy of f with more conditions.
func (f Filter) And(conds ...Condition) Filter {
	out := Filter{Conditions: make([]Condition, 0, len(f.Conditions)+len(conds))}
	out.Conditions = append(out.Conditions, f.Conditions...)
	out.Conditions = append(out.Conditions, conds...)
	return out
}

// String renders f in the syntax accepted by ParseFilter.
func (f Filter) String() string {
	parts := make([]string, 0, len(f.Conditions))
	for _, c := range f.Conditions {
		var lit string
		switch v := c.Value.(type) {
		case string:
			lit = "'" + strings.ReplaceAll(v, "'", "''") + "'"
		case float64:
			lit = strconv.FormatFloat(v, 'f', -1, 64)
		default:
			lit = fmt.Sprint(v)
		}
		parts = append(parts, fmt.Sprintf("%s %s %s", c.Field, c.Op, lit))
	}
	return strings.Join(parts, " AND ")
}

type fieldSpec struct {
	attr    string
	numeric bool
}

// filterFields is keyed by lower-cased field names without underscores, so
// category_id, categoryId and CATEGORYID all resolve to the same attribute.
var filterFields = map[string]fieldSpec{
	"id":           {attr: "id"},
	"categoryid":   {attr: "categoryId"},
	"categoryname": {attr: "categoryName"},
	"sku":          {attr: "sku"},
	"name":         {attr: "name"},
	"description":  {attr: "description"},
	"price":        {attr: "price", numeric: true},
	"discount":     {attr: "discount", numeric: true},
	"saleprice":    {attr: "salePrice", numeric: true},
}

func lookupField(name string) (fieldSpec, bool) {
	if _, rest, ok := strings.Cut(name, "."); ok {
		name = rest
	}
	spec, ok := filterFields[strings.ToLower(strings.ReplaceAll(name, "_", ""))]
	return spec, ok
}

// normalize resolves field aliases and checks literal types.
func (f Filter) normalize() (Filter, error) {
	out := Filter{Conditions: make([]Condition, 0, len(f.Conditions))}
	for _, c := range f.Conditions {
		spec, ok := lookupField(c.Field)
		if !ok {
			return Filter{}, fmt.Errorf("%w: unknown field %q", ErrInvalidQuery, c.Field)
		}
		switch c.Op {
		case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe:
		case "!=":
			c.Op = OpNe
		default:
			return Filter{}, fmt.Errorf("%w: unknown operator %q", ErrInvalidQuery, c.Op)
		}
		switch v := c.Value.(type) {
		case string:
			if spec.numeric {
				return Filter{}, fmt.Errorf("%w: field %q needs a number, got %q", ErrInvalidQuery, c.Field, v)
			}
			if v == "" && c.Op == OpEq && (spec.attr == productPartitionKey || spec.attr == idAttr) {
				return Filter{}, fmt.Errorf("%w: field %q cannot equal an empty string", ErrInvalidQuery, c.Field)
			}
		case float64:
			if !spec.numeric {
				return Filter{}, fmt.Errorf("%w: field %q needs a string, got %v", ErrInvalidQuery, c.Field, v)
			}
		case int:
			if !spec.numeric {
				return Filter{}, fmt.Errorf("%w: field %q needs a string, got %v", ErrInvalidQuery, c.Field, v)
			}
			c.Value = float64(v)
		default:
			return Filter{}, fmt.Errorf("%w: unsupported literal %v for field %q", ErrInvalidQuery, v, c.Field)
		}
		c.Field = spec.attr
		out.Conditions = append(out.Conditions, c)
	}
	return out, nil
}

var selectPrefix = regexp.MustCompile(`(?is)^\s*select\s+\*\s+from\s+[A-Za-z_][A-Za-z0-9_]*\s+where\s+`)

// ParseFilter parses a declarative filter such as
//
//	category_id = 'bikes'
//	SELECT * FROM c WHERE c.categoryId = 'bikes' AND c.price < 500
//
// Conditions are joined by AND; fields may carry an alias prefix; string
// literals use single or double quotes with doubled quotes as escapes.
// An empty string yields the zero Filter.
func ParseFilter(s string) (Filter, error) {
	s = selectPrefix.ReplaceAllString(s, "")
	toks, err := lex(s)
	if err != nil {
		return Filter{}, err
	}
	if len(toks) == 0 {
		return Filter{}, nil
	}

	var f Filter
	for i := 0; ; {
		if i+3 > len(toks) {
			return Filter{}, fmt.Errorf("%w: incomplete condition in %q", ErrInvalidQuery, s)
		}
		field, op, lit := toks[i], toks[i+1], toks[i+2]
		if field.kind != tokIdent || op.kind != tokOp || (lit.kind != tokString && lit.kind != tokNumber) {
			return Filter{}, fmt.Errorf("%w: expected <field> <op> <literal> near %q", ErrInvalidQuery, field.text)
		}
		c := Condition{Field: field.text, Op: Op(op.text)}
		if lit.kind == tokNumber {
			n, err := strconv.ParseFloat(lit.text, 64)
			if err != nil {
				return Filter{}, fmt.Errorf("%w: bad number %q", ErrInvalidQuery, lit.text)
			}
			c.Value = n
		} else {
			c.Value = lit.text
		}
		f.Conditions = append(f.Conditions, c)

		i += 3
		if i == len(toks) {
			break
		}
		if toks[i].kind != tokIdent || !strings.EqualFold(toks[i].text, "and") {
			return Filter{}, fmt.Errorf("%w: expected AND, got %q", ErrInvalidQuery, toks[i].text)
		}
		i++
	}
	return f.normalize()
}

type tokKind int

const (
	tokIdent tokKind = iota
	tokOp
	tokString
	tokNumber
)

type token struct {
	kind tokKind
	text string
}

func lex(s string) ([]token, error) {
	var toks []token
	rs := []rune(s)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '\'' || r == '"':
			var sb strings.Builder
			j := i + 1
			for {
				if j >= len(rs) {
					return nil, fmt.Errorf("%w: unterminated string in %q", ErrInvalidQuery, s)
				}
				if rs[j] == r {
					if j+1 < len(rs) && rs[j+1] == r {
						sb.WriteRune(r)
						j += 2
						continue
					}
					break
				}
				sb.WriteRune(rs[j])
				j++
			}
			toks = append(toks, token{kind: tokString, text: sb.String()})
			i = j + 1
		case r == '=' || r == '<' || r == '>' || r == '!':
			j := i + 1
			if j < len(rs) && (rs[j] == '=' || (r == '<' && rs[j] == '>')) {
				j++
			}
			op := string(rs[i:j])
			if op == "!" {
				return nil, fmt.Errorf("%w: unexpected '!' in %q", ErrInvalidQuery, s)
			}
			toks = append(toks, token{kind: tokOp, text: op})
			i = j
		case unicode.IsDigit(r) || ((r == '-' || r == '+' || r == '.') && i+1 < len(rs) && (unicode.IsDigit(rs[i+1]) || rs[i+1] == '.')):
			j := i + 1
			for j < len(rs) && (unicode.IsDigit(rs[j]) || strings.ContainsRune(".eE", rs[j]) ||
				((rs[j] == '-' || rs[j] == '+') && (rs[j-1] == 'e' || rs[j-1] == 'E'))) {
				j++
			}
			toks = append(toks, token{kind: tokNumber, text: string(rs[i:j])})
			i = j
		case unicode.IsLetter(r) || r == '_':
			j := i + 1
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_' || rs[j] == '.') {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: string(rs[i:j])})
			i = j
		default:
			return nil, fmt.Errorf("%w: unexpected %q in %q", ErrInvalidQuery, r, s)
		}
	}
	return toks, nil
}

// plan is the DynamoDB request shape derived from a normalized filter.
type plan struct {
	// partition is the pinned partition key value when keyCondition is set.
	partition string

	keyCondition string
	filter       string
	names        map[string]string
	values       map[string]types.AttributeValue
}

// scoped reports whether the filter pins the partition key, which turns the
// request into a single-partition Query.
func (p plan) scoped() bool {
	return p.keyCondition != ""
}

// planFilter builds key and filter expressions. The first equality on the
// partition key becomes the key condition, and an equality on id then
// becomes the sort key condition. Everything else is a filter expression.
func planFilter(f Filter, partitionKey string) plan {
	pkAt, idAt := -1, -1
	for i, c := range f.Conditions {
		if c.Op != OpEq {
			continue
		}
		if pkAt < 0 && c.Field == partitionKey {
			pkAt = i
		}
	}
	if pkAt >= 0 {
		for i, c := range f.Conditions {
			if i != pkAt && c.Op == OpEq && c.Field == idAttr {
				idAt = i
				break
			}
		}
	}

	var (
		p       plan
		keys    []string
		filters []string
	)
	names := map[string]string{}
	values := map[string]types.AttributeValue{}

	if pkAt >= 0 {
		c := f.Conditions[pkAt]
		p.partition = c.Value.(string)
		names["#k0"] = c.Field
		values[":k0"] = literal(c.Value)
		keys = append(keys, "#k0 = :k0")
	}
	if idAt >= 0 {
		c := f.Conditions[idAt]
		names["#k1"] = c.Field
		values[":k1"] = literal(c.Value)
		keys = append(keys, "#k1 = :k1")
	}
	for i, c := range f.Conditions {
		if i == pkAt || i == idAt {
			continue
		}
		n := len(filters)
		name, value := fmt.Sprintf("#f%d", n), fmt.Sprintf(":f%d", n)
		names[name] = c.Field
		values[value] = literal(c.Value)
		filters = append(filters, fmt.Sprintf("%s %s %s", name, c.Op, value))
	}

	p.keyCondition = strings.Join(keys, " AND ")
	p.filter = strings.Join(filters, " AND ")
	if len(names) > 0 {
		p.names = names
		p.values = values
	}
	return p
}

func literal(v any) types.AttributeValue {
	switch x := v.(type) {
	case float64:
		return &types.AttributeValueMemberN{Value: strconv.FormatFloat(x, 'f', -1, 64)}
	default:
		return &types.AttributeValueMemberS{Value: fmt.Sprint(x)}
	}
}
