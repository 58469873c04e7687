package store_test

import (
	"errors"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"

	"github.com/jacentio/catalogstore/store"
)

const validDoc = `{
	"id": "p1",
	"categoryId": "bikes",
	"categoryName": "Bikes, Road",
	"sku": "RB-3000",
	"name": "Road Bike 3000",
	"description": "Lightweight aluminium road bike",
	"price": 899.99,
	"embedding": [0.5, -1, 2e-3]
}`

func TestParseProduct_Valid(t *testing.T) {
	p, err := store.ParseProduct([]byte(validDoc))
	if err != nil {
		t.Fatalf("ParseProduct failed: %v", err)
	}
	want := []float64{0.5, -1, 0.002}
	if !reflect.DeepEqual(p.Embedding, want) {
		t.Errorf("expected embedding %v, got %v", want, p.Embedding)
	}
	if p.Price != 899.99 || p.CategoryID != "bikes" {
		t.Errorf("unexpected product %+v", p)
	}
}

func TestParseProduct_ZeroPriceAndNoEmbedding(t *testing.T) {
	doc := `{"id": "p2", "categoryId": "bikes", "categoryName": "Bikes", "sku": "B-1",
		"name": "Bell", "description": "Brass bell", "price": 0}`
	p, err := store.ParseProduct([]byte(doc))
	if err != nil {
		t.Fatalf("ParseProduct failed: %v", err)
	}
	if p.Price != 0 {
		t.Errorf("expected price 0, got %v", p.Price)
	}
	if p.Embedding == nil || len(p.Embedding) != 0 {
		t.Errorf("expected empty non-nil embedding, got %#v", p.Embedding)
	}
}

func TestParseProduct_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		message string
	}{
		{"null entry", strings.Replace(validDoc, "[0.5, -1, 2e-3]", "[0.5, null]", 1), "embedding[1] is not a number"},
		{"string entry", strings.Replace(validDoc, "[0.5, -1, 2e-3]", `[0.5, "0.7"]`, 1), "embedding[1] is not a number"},
		{"object entry", strings.Replace(validDoc, "[0.5, -1, 2e-3]", `[{"x": 1}]`, 1), "embedding[0] is not a number"},
		{"missing price", strings.Replace(validDoc, `"price": 899.99,`, "", 1), "price is required"},
		{"negative price", strings.Replace(validDoc, "899.99", "-1", 1), "price must be >= 0"},
		{"blank sku", strings.Replace(validDoc, `"RB-3000"`, `"  "`, 1), "sku is required"},
		{"unknown field", strings.Replace(validDoc, `"id": "p1",`, `"id": "p1", "colour": "red",`, 1), "decode"},
		{"not json", "{", "decode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.ParseProduct([]byte(tt.doc))
			if !errors.Is(err, store.ErrInvalidDocument) {
				t.Fatalf("expected ErrInvalidDocument, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.message) {
				t.Errorf("expected message containing %q, got %q", tt.message, err.Error())
			}
		})
	}
}

func TestValidate_ReportsFields(t *testing.T) {
	p := roadBike()
	p.Name = ""
	p.Embedding = []float64{0.1, math.NaN()}

	_, err := store.Validate(p)
	if !errors.Is(err, store.ErrInvalidDocument) {
		t.Fatalf("expected ErrInvalidDocument, got %v", err)
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected validator.ValidationErrors, got %T", err)
	}
	if len(verrs) != 2 {
		t.Errorf("expected 2 field errors, got %d: %v", len(verrs), err)
	}
}

func TestValidate_CopiesEmbedding(t *testing.T) {
	p := roadBike()
	got, err := store.Validate(p)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	got.Embedding[0] = 9
	if p.Embedding[0] != 0.1 {
		t.Errorf("expected input embedding untouched, got %v", p.Embedding)
	}
}

func TestProduct_CategoriesAndOnSale(t *testing.T) {
	p := roadBike()
	p.CategoryName = " Bikes, ,Road ,"
	if got := p.Categories(); !reflect.DeepEqual(got, []string{"Bikes", "Road"}) {
		t.Errorf("expected [Bikes Road], got %v", got)
	}
	if p.OnSale() {
		t.Error("expected product without discount not on sale")
	}
	sale := 799.0
	p.SalePrice = &sale
	if !p.OnSale() {
		t.Error("expected product with sale price on sale")
	}
}
