package storage

import "github.com/olehkaliuzhnyi/marketplace-client/pkg/models"

// NonceStore tracks the next nonce this client will use per sender, so
// back-to-back writes (approve then buy) do not collide while the node's
// pending count lags.
type NonceStore interface {
	// Reserve returns max(local next nonce, floor) and advances the local value past it.
	Reserve(address string, floor uint64) (uint64, error)
	// Reset forgets the local value so the next Reserve follows the chain again.
	Reset(address string) error
}

// TxStore provides idempotent transaction storage.
type TxStore interface {
	// Get returns a previously stored transaction by idempotency key, or nil if not found.
	Get(idempotencyKey string) (*models.Transaction, error)
	// Put stores a transaction keyed by idempotency key.
	Put(idempotencyKey string, tx *models.Transaction) error
}
