package vault

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/shsh-labs/internal/apiconfig"
	"github.com/ashureev/shsh-labs/internal/store"
)

const (
	settingsCategory = "ai-config"
	sessionTTL       = time.Hour
)

type cacheEntry struct {
	config    apiconfig.Config
	expiresAt time.Time // zero = durable, never expires from the cache on its own
}

// ConfigStore is the Credential Vault's ApiConfig storage: an in-memory
// cache fronting either a session-only TTL slot (plaintext) or a durable
// AES-256-GCM encrypted blob persisted through settings.SettingsStore.
// Cache access is guarded by a single RWMutex — fine-grained enough that
// fan-out-style readers never block a writer longer than one entry.
type ConfigStore struct {
	mu       sync.RWMutex
	cache    map[string]*cacheEntry // key: userID
	settings store.SettingsStore
	key      []byte // derived AI_ENCRYPTION_KEY
}

// NewConfigStore creates a vault-backed ApiConfig store. key must come from
// DeriveKey(AI_ENCRYPTION_KEY).
func NewConfigStore(settings store.SettingsStore, key []byte) *ConfigStore {
	return &ConfigStore{
		cache:    make(map[string]*cacheEntry),
		settings: settings,
		key:      key,
	}
}

func cacheKey(userID string) string {
	return "ai_api_config:" + userID
}

// PutSession stores config in memory only, plaintext, expiring after 1h.
func (c *ConfigStore) PutSession(userID string, cfg apiconfig.Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[cacheKey(userID)] = &cacheEntry{config: cfg, expiresAt: time.Now().Add(sessionTTL)}
}

// PutDurable encrypts config and persists it through the settings store,
// then promotes the plaintext into the cache (durable entries never expire
// from the cache on their own — only an explicit delete or a Put removes
// them; the underlying blob is what actually survives a restart).
func (c *ConfigStore) PutDurable(ctx context.Context, userID string, cfg apiconfig.Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal api config: %w", err)
	}
	wire, err := Encrypt(c.key, string(raw))
	if err != nil {
		return fmt.Errorf("encrypt api config: %w", err)
	}
	if err := c.settings.PutSetting(ctx, userID, settingsCategory, wire); err != nil {
		return fmt.Errorf("persist api config: %w", err)
	}

	c.mu.Lock()
	c.cache[cacheKey(userID)] = &cacheEntry{config: cfg}
	c.mu.Unlock()
	return nil
}

// Get retrieves the ApiConfig for userID. On a cache miss it falls back to
// the persisted encrypted blob and promotes it into the cache on success.
func (c *ConfigStore) Get(ctx context.Context, userID string) (apiconfig.Config, bool, error) {
	if cfg, ok := c.getCached(userID); ok {
		return cfg, true, nil
	}

	wire, ok, err := c.settings.GetSetting(ctx, userID, settingsCategory)
	if err != nil {
		return apiconfig.Config{}, false, fmt.Errorf("load persisted api config: %w", err)
	}
	if !ok {
		return apiconfig.Config{}, false, nil
	}

	plaintext, err := Decrypt(c.key, wire)
	if err != nil {
		return apiconfig.Config{}, false, fmt.Errorf("decrypt persisted api config: %w", err)
	}
	var cfg apiconfig.Config
	if err := json.Unmarshal([]byte(plaintext), &cfg); err != nil {
		return apiconfig.Config{}, false, fmt.Errorf("unmarshal persisted api config: %w", err)
	}

	c.mu.Lock()
	c.cache[cacheKey(userID)] = &cacheEntry{config: cfg}
	c.mu.Unlock()

	return cfg, true, nil
}

func (c *ConfigStore) getCached(userID string) (apiconfig.Config, bool) {
	c.mu.RLock()
	entry, ok := c.cache[cacheKey(userID)]
	c.mu.RUnlock()
	if !ok {
		return apiconfig.Config{}, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.cache, cacheKey(userID))
		c.mu.Unlock()
		return apiconfig.Config{}, false
	}
	return entry.config, true
}

// Delete removes both the cache entry and the persisted blob for userID.
func (c *ConfigStore) Delete(ctx context.Context, userID string) error {
	c.mu.Lock()
	delete(c.cache, cacheKey(userID))
	c.mu.Unlock()
	return c.settings.DeleteSetting(ctx, userID, settingsCategory)
}
