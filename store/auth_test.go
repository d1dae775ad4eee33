package store_test

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/jacentio/wicker/store"
)

func TestBasicAuthApply(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example/db/x", nil)
	store.BasicAuth{Username: "svc", Password: "pw"}.Apply(req)
	user, pass, ok := req.BasicAuth()
	if !ok || user != "svc" || pass != "pw" {
		t.Errorf("expected basic credentials svc/pw, got %q/%q (%v)", user, pass, ok)
	}
}

func TestBearerAuthApply(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://example/db/x", nil)
	store.BearerAuth{Token: "tok123"}.Apply(req)
	if got := req.Header.Get("Authorization"); got != "Bearer tok123" {
		t.Errorf("expected Bearer tok123, got %q", got)
	}
}

// unsignedJWT assembles an alg=none token with the given claims.
func unsignedJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	encode := func(v any) string {
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		return base64.RawURLEncoding.EncodeToString(data)
	}
	header := encode(map[string]any{"alg": "none", "typ": "JWT"})
	return strings.Join([]string{header, encode(claims), ""}, ".")
}

func TestBearerAuthExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	auth := store.BearerAuth{Token: unsignedJWT(t, map[string]any{"exp": exp.Unix()})}
	got, err := auth.Expiry()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(exp) {
		t.Errorf("expected expiry %v, got %v", exp, got)
	}
}

func TestBearerAuthExpiryAbsent(t *testing.T) {
	auth := store.BearerAuth{Token: unsignedJWT(t, map[string]any{"sub": "svc"})}
	got, err := auth.Expiry()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected zero time for expiry-less token, got %v", got)
	}
}

func TestBearerAuthExpiryMalformed(t *testing.T) {
	auth := store.BearerAuth{Token: "not-a-jwt"}
	if _, err := auth.Expiry(); err == nil {
		t.Error("expected error for malformed token")
	}
}
