// Package models holds the model catalog: the in-memory cache of
// (provider, model) metadata the gateway resolves requests against, and the
// persistent store synced models are reconciled into.
//
// The package has no dependency on the providers package so stores and the
// catalog can be used on their own (for example by the CLI).
package models

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no provider offers the requested model.
var ErrNotFound = errors.New("model not found")

// Source records where a catalog entry came from.
type Source string

const (
	// SourceStatic entries come from provider configuration.
	SourceStatic Source = "static"
	// SourceSync entries come from a live ListModels call.
	SourceSync Source = "sync"
)

// Model is the metadata of one model offered by one provider.
type Model struct {
	ModelID          string    `json:"model_id"`
	ProviderID       string    `json:"provider_id"`
	ContextLength    int       `json:"context_length,omitempty"`
	MaxTokens        int       `json:"max_tokens,omitempty"`
	IsChatModel      bool      `json:"is_chat_model"`
	IsEmbeddingModel bool      `json:"is_embedding_model"`
	IsDefault        bool      `json:"is_default"`
	IsActive         bool      `json:"is_active"`
	Source           Source    `json:"source"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Key identifies a catalog entry.
type Key struct {
	ProviderID string
	ModelID    string
}

// Key returns the catalog key of m.
func (m Model) Key() Key { return Key{ProviderID: m.ProviderID, ModelID: m.ModelID} }
