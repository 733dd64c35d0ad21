package secrets

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newVaultServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/kv/data/apps/dbdelta":
			_, _ = w.Write([]byte(`{
				"data": {
					"data": {"prod_password": "s3cret", "port": 5432},
					"metadata": {"created_time": "2026-10-01T00:00:00Z", "custom_metadata": null, "deletion_time": "", "destroyed": false, "version": 3}
				}
			}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVaultProvider_Get(t *testing.T) {
	srv := newVaultServer(t)
	p, err := NewVaultProvider(VaultConfig{Address: srv.URL, Token: "test-token", MountPath: "kv/"})
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}
	ctx := context.Background()

	got, err := p.Get(ctx, "apps/dbdelta#prod_password")
	if err != nil || got != "s3cret" {
		t.Fatalf("Get field = %q, %v", got, err)
	}
	got, err = p.Get(ctx, "apps/dbdelta#port")
	if err != nil || got != "5432" {
		t.Errorf("Get numeric field = %q, %v", got, err)
	}
	got, err = p.Get(ctx, "apps/dbdelta")
	if err != nil || !strings.Contains(got, `"prod_password":"s3cret"`) {
		t.Errorf("Get whole secret = %q, %v", got, err)
	}

	if _, err := p.Get(ctx, "apps/dbdelta#missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing field, got %v", err)
	}
	if _, err := p.Get(ctx, "apps/other#x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing path, got %v", err)
	}
}

func TestVaultProvider_InResolver(t *testing.T) {
	srv := newVaultServer(t)
	p, err := NewVaultProvider(VaultConfig{Address: srv.URL, Token: "test-token", MountPath: "kv"})
	if err != nil {
		t.Fatalf("NewVaultProvider: %v", err)
	}
	r := NewResolver()
	r.Register("vault", p)

	got, err := r.Expand(context.Background(), "postgres://app:${vault:apps/dbdelta#prod_password}@db/app")
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if got != "postgres://app:s3cret@db/app" {
		t.Errorf("Expand = %q", got)
	}
}

func TestNewVaultProvider_RequiresToken(t *testing.T) {
	t.Setenv("VAULT_TOKEN", "")
	_, err := NewVaultProvider(VaultConfig{Address: "http://127.0.0.1:8200"})
	if !errors.Is(err, ErrProviderInit) {
		t.Fatalf("expected ErrProviderInit, got %v", err)
	}
}
