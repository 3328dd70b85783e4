package vault

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ashureev/shsh-labs/internal/apiconfig"
	"github.com/ashureev/shsh-labs/internal/store"
)

func newTestConfigStore(t *testing.T) *ConfigStore {
	t.Helper()
	dir := t.TempDir()
	s, err := store.NewSQLite(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	key, err := DeriveKey("test-ai-encryption-key")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	return NewConfigStore(s, key)
}

func TestSessionConfigNeverTouchesStore(t *testing.T) {
	cs := newTestConfigStore(t)
	cfg := apiconfig.Defaults()
	cfg.Model = "gpt-4o-mini"

	cs.PutSession("user1", cfg)

	got, ok, err := cs.Get(context.Background(), "user1")
	if err != nil || !ok {
		t.Fatalf("Get() ok=%v err=%v", ok, err)
	}
	if got.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q, want gpt-4o-mini", got.Model)
	}
}

func TestDurableConfigSurvivesCacheEviction(t *testing.T) {
	cs := newTestConfigStore(t)
	ctx := context.Background()
	cfg := apiconfig.Defaults()
	cfg.Model = "claude-sonnet"
	cfg.APIKey = "sk-abcdefghij"

	if err := cs.PutDurable(ctx, "user2", cfg); err != nil {
		t.Fatalf("PutDurable() error = %v", err)
	}

	delete(cs.cache, cacheKey("user2"))

	got, ok, err := cs.Get(ctx, "user2")
	if err != nil || !ok {
		t.Fatalf("Get() after eviction ok=%v err=%v", ok, err)
	}
	if got.APIKey != "sk-abcdefghij" {
		t.Errorf("APIKey = %q, want round-tripped plaintext", got.APIKey)
	}
}

func TestConfigStoreMissReturnsFalse(t *testing.T) {
	cs := newTestConfigStore(t)
	_, ok, err := cs.Get(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("expected miss for unknown user")
	}
}

func TestConfigStoreDelete(t *testing.T) {
	cs := newTestConfigStore(t)
	ctx := context.Background()
	cs.PutSession("user3", apiconfig.Defaults())

	if err := cs.Delete(ctx, "user3"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := cs.Get(ctx, "user3"); ok {
		t.Error("expected miss after delete")
	}
}
