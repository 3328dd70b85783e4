// Package store provides the settings persistence the Credential Vault
// falls back to on a cache miss: a (userId, category) -> JSON blob table.
// This is the only persistence EasySSH's cores own directly; user/server/
// script/history CRUD lives in the external system this gateway sits next
// to (spec §1 Out of scope).
package store

import "context"

// SettingsStore persists arbitrary JSON blobs keyed by user and category.
// The AI vault uses category "ai-config"; other categories are left for
// operators building on top of this gateway.
type SettingsStore interface {
	// GetSetting retrieves the raw JSON blob for (userID, category). Returns
	// ok=false on a cache miss that is not an error.
	GetSetting(ctx context.Context, userID, category string) (value string, ok bool, err error)

	// PutSetting upserts the raw JSON blob for (userID, category).
	PutSetting(ctx context.Context, userID, category, value string) error

	// DeleteSetting removes the blob for (userID, category), if present.
	DeleteSetting(ctx context.Context, userID, category string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the underlying connection.
	Close() error
}
