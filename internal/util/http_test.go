package util

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestDecodeJSONLimit(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"`+strings.Repeat("n", 64)+`"}`))
	err := DecodeJSON(httptest.NewRecorder(), r, &dst, 16)
	if !BodyTooLarge(err) {
		t.Fatalf("expected body too large, got %v", err)
	}

	r = httptest.NewRequest("POST", "/", strings.NewReader(`{"name":"ok"}`))
	if err := DecodeJSON(httptest.NewRecorder(), r, &dst, 16); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dst.Name != "ok" {
		t.Fatalf("unexpected name %q", dst.Name)
	}
}

func TestDecodeJSONRejectsTrailingData(t *testing.T) {
	var dst map[string]string
	r := httptest.NewRequest("POST", "/", strings.NewReader(`{"a":"b"}{"c":"d"}`))
	err := DecodeJSON(httptest.NewRecorder(), r, &dst, MaxJSONBytes)
	if err == nil || BodyTooLarge(err) {
		t.Fatalf("expected trailing data error, got %v", err)
	}
}
