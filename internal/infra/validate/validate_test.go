package validate

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type samplePayload struct {
	Name  string `json:"name" validate:"required,min=3"`
	Count int    `json:"count" validate:"gte=0,lte=10"`
}

func TestDecodeAndValidate_Valid(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"alpha","count":2}`))
	var p samplePayload
	errs, err := DecodeAndValidate(req, &p)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if len(errs) != 0 {
		t.Fatalf("unexpected validation errors: %v", errs)
	}
	if p.Name != "alpha" || p.Count != 2 {
		t.Fatalf("unexpected decoded payload: %+v", p)
	}
}

func TestDecodeAndValidate_MissingField(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"count":2}`))
	var p samplePayload
	errs, err := DecodeAndValidate(req, &p)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if len(errs) != 1 || errs[0].Field != "name" {
		t.Fatalf("expected a single name error, got %v", errs)
	}
}

func TestDecodeAndValidate_UnknownField(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"alpha","count":2,"bogus":true}`))
	var p samplePayload
	_, err := DecodeAndValidate(req, &p)
	if err == nil {
		t.Fatal("expected an error for an unknown field")
	}
}

func TestDecodeAndValidate_OutOfRange(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"alpha","count":99}`))
	var p samplePayload
	errs, err := DecodeAndValidate(req, &p)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if len(errs) != 1 || errs[0].Field != "count" {
		t.Fatalf("expected a single count error, got %v", errs)
	}
}
