package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Product is a catalog document. CategoryID is its partition key value and
// binds the document to one logical partition for its whole life.
type Product struct {
	ID           string    `json:"id" dynamodbav:"id" validate:"required,nonblank"`
	CategoryID   string    `json:"categoryId" dynamodbav:"categoryId" validate:"required,nonblank"`
	CategoryName string    `json:"categoryName" dynamodbav:"categoryName" validate:"required,nonblank"`
	SKU          string    `json:"sku" dynamodbav:"sku" validate:"required,nonblank"`
	Name         string    `json:"name" dynamodbav:"name" validate:"required,nonblank"`
	Description  string    `json:"description" dynamodbav:"description" validate:"required,nonblank"`
	Price        float64   `json:"price" dynamodbav:"price" validate:"finite,gte=0"`
	Discount     *float64  `json:"discount,omitempty" dynamodbav:"discount,omitempty" validate:"omitempty,finite,gte=0"`
	SalePrice    *float64  `json:"salePrice,omitempty" dynamodbav:"salePrice,omitempty" validate:"omitempty,finite,gte=0"`
	Embedding    []float64 `json:"embedding" dynamodbav:"embedding" validate:"dive,finite"`
}

// Categories splits CategoryName into its trimmed, non-empty labels.
func (p Product) Categories() []string {
	var labels []string
	for _, l := range strings.Split(p.CategoryName, ",") {
		if l = strings.TrimSpace(l); l != "" {
			labels = append(labels, l)
		}
	}
	return labels
}

// OnSale reports whether a discount or sale price is set.
func (p Product) OnSale() bool {
	return p.Discount != nil || p.SalePrice != nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
		f := fl.Field()
		switch f.Kind() {
		case reflect.Float32, reflect.Float64:
			x := f.Float()
			return !math.IsNaN(x) && !math.IsInf(x, 0)
		default:
			return true
		}
	})
	_ = v.RegisterValidation("nonblank", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
	return v
}

// Validate checks p against the Product invariants and returns the document
// to be written: a fresh id when p.ID is empty, and an empty embedding
// instead of nil. It performs no I/O and is safe for concurrent use.
//
// Failures wrap ErrInvalidDocument; the field details are available through
// errors.As with validator.ValidationErrors.
func Validate(p Product) (Product, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Embedding == nil {
		p.Embedding = []float64{}
	} else {
		p.Embedding = append([]float64(nil), p.Embedding...)
	}
	if err := validate.Struct(p); err != nil {
		return Product{}, opError("validate", ErrInvalidDocument, describeValidation(err))
	}
	return p, nil
}

// ParseProduct decodes a raw JSON document and validates it. Unlike
// Validate it can tell a missing price from a zero one, and reports
// non-numeric embedding entries by index.
func ParseProduct(data []byte) (Product, error) {
	var raw struct {
		Product
		Price     *float64          `json:"price"`
		Embedding []json.RawMessage `json:"embedding"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return Product{}, opError("validate", ErrInvalidDocument, fmt.Errorf("decode: %w", err))
	}
	if raw.Price == nil {
		return Product{}, opError("validate", ErrInvalidDocument, errors.New("price is required"))
	}

	p := raw.Product
	p.Price = *raw.Price
	if raw.Embedding != nil {
		p.Embedding = make([]float64, len(raw.Embedding))
		for i, entry := range raw.Embedding {
			var x *float64
			if err := json.Unmarshal(entry, &x); err != nil || x == nil {
				return Product{}, opError("validate", ErrInvalidDocument,
					fmt.Errorf("embedding[%d] is not a number: %s", i, bytes.TrimSpace(entry)))
			}
			p.Embedding[i] = *x
		}
	}
	return Validate(p)
}

// describeValidation keeps validator.ValidationErrors reachable through
// errors.As while rendering a readable message.
func describeValidation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Product.")
		switch fe.Tag() {
		case "required", "nonblank":
			msgs = append(msgs, field+" is required")
		case "gte":
			msgs = append(msgs, field+" must be >= "+fe.Param())
		case "finite":
			msgs = append(msgs, field+" must be a finite number")
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %q", field, fe.Tag()))
		}
	}
	return &fieldErrors{msg: strings.Join(msgs, "; "), errs: verrs}
}

type fieldErrors struct {
	msg  string
	errs validator.ValidationErrors
}

func (e *fieldErrors) Error() string { return e.msg }
func (e *fieldErrors) Unwrap() error { return e.errs }
