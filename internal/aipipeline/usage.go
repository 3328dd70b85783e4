package aipipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/shsh-labs/internal/store"
)

const usageSettingsCategory = "ai-usage"

// DailyUsage is one day's accumulated token/cost totals.
type DailyUsage struct {
	Requests    int     `json:"requests"`
	InputTokens int64   `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
	Cost        float64 `json:"cost"`
}

// UsageStats is a user's running totals plus a 30-day daily breakdown,
// per spec §3. Days older than the TTL are pruned on load.
type UsageStats struct {
	TotalRequests int                   `json:"totalRequests"`
	TotalInput    int64                 `json:"totalInputTokens"`
	TotalOutput   int64                 `json:"totalOutputTokens"`
	TotalCost     float64               `json:"totalCost"`
	Daily         map[string]DailyUsage `json:"daily"` // key: YYYY-MM-DD (UTC)
}

const usageRetention = 30 * 24 * time.Hour

// UsageStore tracks per-user UsageStats with an in-memory cache fronting
// a persisted JSON blob, mirroring vault.ConfigStore's cache-then-fallback
// shape but without a session/durable split — usage is always durable.
type UsageStore struct {
	mu       sync.Mutex
	cache    map[string]*UsageStats
	settings store.SettingsStore
}

// NewUsageStore creates a usage tracker backed by settings.
func NewUsageStore(settings store.SettingsStore) *UsageStore {
	return &UsageStore{cache: make(map[string]*UsageStats), settings: settings}
}

// Record adds one request's token/cost totals to today's (UTC) bucket and
// persists the updated stats.
func (u *UsageStore) Record(ctx context.Context, userID string, inputTokens, outputTokens int64, cost float64) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	stats, err := u.loadLocked(ctx, userID)
	if err != nil {
		return err
	}

	today := time.Now().UTC().Format("2006-01-02")
	day := stats.Daily[today]
	day.Requests++
	day.InputTokens += inputTokens
	day.OutputTokens += outputTokens
	day.Cost += cost
	stats.Daily[today] = day

	stats.TotalRequests++
	stats.TotalInput += inputTokens
	stats.TotalOutput += outputTokens
	stats.TotalCost += cost

	pruneOldDays(stats)

	return u.saveLocked(ctx, userID, stats)
}

// Get returns a copy of a user's current usage stats.
func (u *UsageStore) Get(ctx context.Context, userID string) (UsageStats, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	stats, err := u.loadLocked(ctx, userID)
	if err != nil {
		return UsageStats{}, err
	}
	return *stats, nil
}

func (u *UsageStore) loadLocked(ctx context.Context, userID string) (*UsageStats, error) {
	if cached, ok := u.cache[userID]; ok {
		return cached, nil
	}

	raw, ok, err := u.settings.GetSetting(ctx, userID, usageSettingsCategory)
	if err != nil {
		return nil, fmt.Errorf("load usage stats: %w", err)
	}
	stats := &UsageStats{Daily: make(map[string]DailyUsage)}
	if ok {
		if err := json.Unmarshal([]byte(raw), stats); err != nil {
			return nil, fmt.Errorf("unmarshal usage stats: %w", err)
		}
		if stats.Daily == nil {
			stats.Daily = make(map[string]DailyUsage)
		}
	}
	u.cache[userID] = stats
	return stats, nil
}

func (u *UsageStore) saveLocked(ctx context.Context, userID string, stats *UsageStats) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal usage stats: %w", err)
	}
	if err := u.settings.PutSetting(ctx, userID, usageSettingsCategory, string(raw)); err != nil {
		return fmt.Errorf("persist usage stats: %w", err)
	}
	u.cache[userID] = stats
	return nil
}

func pruneOldDays(stats *UsageStats) {
	cutoff := time.Now().UTC().Add(-usageRetention)
	for day := range stats.Daily {
		t, err := time.Parse("2006-01-02", day)
		if err != nil || t.Before(cutoff) {
			delete(stats.Daily, day)
		}
	}
}
