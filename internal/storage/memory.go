package storage

import (
	"strings"
	"sync"

	"github.com/olehkaliuzhnyi/marketplace-client/pkg/models"
)

// MemoryNonceStore is an in-memory NonceStore.
type MemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]uint64
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{nonces: make(map[string]uint64)}
}

func (s *MemoryNonceStore) Reserve(address string, floor uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(address)
	n := s.nonces[key]
	if floor > n {
		n = floor
	}
	s.nonces[key] = n + 1
	return n, nil
}

func (s *MemoryNonceStore) Reset(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nonces, strings.ToLower(address))
	return nil
}

// MemoryTxStore is an in-memory TxStore.
type MemoryTxStore struct {
	mu  sync.RWMutex
	txs map[string]*models.Transaction
}

func NewMemoryTxStore() *MemoryTxStore {
	return &MemoryTxStore{txs: make(map[string]*models.Transaction)}
}

func (s *MemoryTxStore) Get(idempotencyKey string) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.txs[idempotencyKey], nil
}

func (s *MemoryTxStore) Put(idempotencyKey string, tx *models.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[idempotencyKey] = tx
	return nil
}
