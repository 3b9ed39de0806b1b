package util

import (
	"errors"
	"testing"
)

func TestSealRoundTrip(t *testing.T) {
	key := Derive32ByteKey("a_sufficiently_long_test_secret")
	enc, err := SealString(key, "whsec_123", "req-1")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if enc == "whsec_123" {
		t.Fatalf("expected ciphertext")
	}
	plain, err := OpenString(key, enc, "req-1")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if plain != "whsec_123" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
	if _, err := OpenString(key, enc, "req-2"); !errors.Is(err, ErrSealedPayload) {
		t.Fatalf("expected binding mismatch to fail, got %v", err)
	}
	if _, err := OpenString(Derive32ByteKey("another_key_entirely_here"), enc, "req-1"); !errors.Is(err, ErrSealedPayload) {
		t.Fatalf("expected wrong key to fail, got %v", err)
	}
}
