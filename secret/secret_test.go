package secret

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
)

type stubProvider struct {
	name   string
	values map[string]string
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := s.values[ref]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *stubProvider) Close() error { return nil }

func TestExpandEnvStrict(t *testing.T) {
	t.Setenv("MSG_URL", "https://example.supabase.co")
	t.Setenv("MSG_EMPTY", "")

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{"braced", "${MSG_URL}/rest/v1", "https://example.supabase.co/rest/v1", nil},
		{"bare", "$MSG_URL", "https://example.supabase.co", nil},
		{"set but empty", "x${MSG_EMPTY}y", "xy", nil},
		{"escaped dollar", "cost: $$5", "cost: $5", nil},
		{"no vars", "plain", "plain", nil},
		{"missing", "${MSG_NOPE_B} ${MSG_NOPE_A}", "", ErrMissingEnv},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandEnvStrict(tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ExpandEnvStrict() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ExpandEnvStrict() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExpandEnvStrict_ListsMissingSorted(t *testing.T) {
	_, err := ExpandEnvStrict("${MSG_ZZ} ${MSG_AA} ${MSG_ZZ}")
	if err == nil || err.Error() != "secret: missing required environment variables: MSG_AA, MSG_ZZ" {
		t.Errorf("error = %v", err)
	}
}

func TestParseSecretRef(t *testing.T) {
	tests := []struct {
		in       string
		provider string
		ref      string
		ok       bool
	}{
		{"secretref:env:SUPABASE_KEY", "env", "SUPABASE_KEY", true},
		{"secretref:file:/run/secrets/key", "file", "/run/secrets/key", true},
		{"secretref:env:", "", "", false},
		{"secretref::x", "", "", false},
		{"Bearer secretref:env:X", "", "", false},
		{"plain", "", "", false},
	}
	for _, tt := range tests {
		p, r, ok := ParseSecretRef(tt.in)
		if p != tt.provider || r != tt.ref || ok != tt.ok {
			t.Errorf("ParseSecretRef(%q) = %q, %q, %v", tt.in, p, r, ok)
		}
	}
}

func TestResolver_ResolveValue(t *testing.T) {
	r := NewResolver(true, &stubProvider{name: "stub", values: map[string]string{"key": "s3cr3t", "blank": ""}})
	ctx := context.Background()

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{"whole value", "secretref:stub:key", "s3cr3t", nil},
		{"inline", "Bearer secretref:stub:key", "Bearer s3cr3t", nil},
		{"two inline", "secretref:stub:key secretref:stub:key", "s3cr3t s3cr3t", nil},
		{"plain", "anon", "anon", nil},
		{"unknown provider", "secretref:vault:key", "", ErrProviderNotRegistered},
		{"strict empty", "secretref:stub:blank", "", ErrEmptySecret},
		{"missing ref", "secretref:stub:nope", "", ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.ResolveValue(ctx, tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ResolveValue() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ResolveValue() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolver_ResolveAll(t *testing.T) {
	t.Setenv("MSG_ANON_KEY", "anon-123")
	r := NewResolver(true, NewEnvProvider())

	url := "https://x.supabase.co"
	key := "secretref:env:MSG_ANON_KEY"
	empty := ""
	if err := r.ResolveAll(context.Background(), &url, &key, &empty, nil); err != nil {
		t.Fatalf("ResolveAll() error = %v", err)
	}
	if url != "https://x.supabase.co" || key != "anon-123" || empty != "" {
		t.Errorf("resolved = %q, %q, %q", url, key, empty)
	}
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "token"), []byte("file-secret\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	r, err := NewDefaultResolver(dir)
	if err != nil {
		t.Fatalf("NewDefaultResolver() error = %v", err)
	}

	got, err := r.ResolveValue(context.Background(), "secretref:file:token")
	if err != nil || got != "file-secret" {
		t.Errorf("ResolveValue() = %q, %v; want file-secret", got, err)
	}

	abs := filepath.Join(dir, "token")
	if got, _ := r.ResolveValue(context.Background(), "secretref:file:"+abs); got != "file-secret" {
		t.Errorf("absolute path = %q, want file-secret", got)
	}

	if _, err := r.ResolveValue(context.Background(), "secretref:file:missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing file error = %v, want ErrNotFound", err)
	}
}

func TestRegistry(t *testing.T) {
	if got := DefaultRegistry.List(); !slices.Equal(got, []string{"env", "file"}) {
		t.Errorf("DefaultRegistry.List() = %v", got)
	}

	r := NewRegistry()
	factory := func(map[string]any) (Provider, error) { return NewEnvProvider(), nil }
	if err := r.Register("env", factory); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register("env", factory); err == nil {
		t.Error("duplicate Register() succeeded")
	}
	if err := r.Register(" ", factory); err == nil {
		t.Error("blank Register() succeeded")
	}
	if _, err := r.Create("vault", nil); !errors.Is(err, ErrProviderNotRegistered) {
		t.Errorf("Create(vault) error = %v, want ErrProviderNotRegistered", err)
	}
}
