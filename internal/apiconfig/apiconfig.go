// Package apiconfig defines the AI Request Pipeline's per-user provider
// configuration (spec §3 ApiConfig) and its wire-safe JSON projection.
package apiconfig

import "time"

// Config is a user's configured OpenAI-compatible chat provider.
type Config struct {
	Provider    string    `json:"provider"`
	BaseURL     string    `json:"baseUrl"`
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"maxTokens"`
	Timeout     int       `json:"timeout"` // seconds
	APIKey      string    `json:"apiKey"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Defaults returns a Config with the spec's stated defaults applied to the
// fields a caller did not set.
func Defaults() Config {
	return Config{
		Temperature: 0.7,
		MaxTokens:   2048,
		Timeout:     30,
	}
}

// Masked returns a copy of c with APIKey replaced by its masked form. Use
// this for every representation of c that leaves the vault — logs, API
// responses, anything but the owning user's getApiConfig call.
func (c Config) Masked(mask func(string) string) Config {
	masked := c
	masked.APIKey = mask(c.APIKey)
	return masked
}
