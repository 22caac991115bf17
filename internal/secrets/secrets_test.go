package secrets

import (
	"context"
	"testing"

	"github.com/modelrelay/gateway/internal/crypto"
)

func TestResolver_Literal(t *testing.T) {
	r := NewResolver(nil, nil)

	got, err := r.Resolve(context.Background(), "sk-plain")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "sk-plain" {
		t.Errorf("expected literal passthrough, got %q", got)
	}
}

func TestResolver_Env(t *testing.T) {
	t.Setenv("TEST_UPSTREAM_KEY", "sk-from-env")
	r := NewResolver(nil, nil)

	got, err := r.Resolve(context.Background(), "env:TEST_UPSTREAM_KEY")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "sk-from-env" {
		t.Errorf("expected env value, got %q", got)
	}
}

func TestResolver_EnvMissing(t *testing.T) {
	r := NewResolver(nil, nil)

	if _, err := r.Resolve(context.Background(), "env:TEST_MISSING_VAR"); err == nil {
		t.Error("expected error for unset variable")
	}
}

func TestResolver_SecretStore(t *testing.T) {
	store := StaticStore{"prod/openai": "sk-from-store"}
	r := NewResolver(store, nil)

	got, err := r.Resolve(context.Background(), "aws-sm:prod/openai")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "sk-from-store" {
		t.Errorf("expected store value, got %q", got)
	}
}

func TestResolver_Sealed(t *testing.T) {
	sealer, err := crypto.NewSealer("passphrase")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	sealed, err := sealer.Seal("sk-sealed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := NewResolver(nil, sealer)
	got, err := r.Resolve(context.Background(), "enc:"+sealed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "sk-sealed" {
		t.Errorf("expected sealed value, got %q", got)
	}
}

func TestResolver_MissingCollaborators(t *testing.T) {
	r := NewResolver(nil, nil)

	if _, err := r.Resolve(context.Background(), "aws-sm:whatever"); err == nil {
		t.Error("expected error without a secret store")
	}
	if _, err := r.Resolve(context.Background(), "enc:whatever"); err == nil {
		t.Error("expected error without a sealer")
	}
}
