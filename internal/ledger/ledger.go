// Package ledger is the client's view of the two on-chain contracts: the
// ERC-20 payment token and the marketplace.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/olehkaliuzhnyi/marketplace-client/pkg/models"
)

// ErrInterfaceMismatch means code exists at the address but the call did
// not behave like the expected contract (revert on a view, undecodable output).
var ErrInterfaceMismatch = errors.New("contract interface mismatch")

// RevertError is a write the contract rejected.
type RevertError struct {
	Method string
	Reason string
	Err    error
}

func (e *RevertError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s reverted", e.Method)
	}
	return fmt.Sprintf("%s reverted: %s", e.Method, e.Reason)
}

func (e *RevertError) Unwrap() error { return e.Err }

// WriteOpts identifies who sends a write and deduplicates resubmissions.
type WriteOpts struct {
	From           string
	IdempotencyKey string
}

// TokenReader reads the payment token.
type TokenReader interface {
	BalanceOf(ctx context.Context, owner string) (*big.Int, error)
	Allowance(ctx context.Context, owner, spender string) (*big.Int, error)
}

// MarketReader reads the marketplace catalog.
type MarketReader interface {
	ProductCount(ctx context.Context) (uint64, error)
	GetProducts(ctx context.Context) ([]models.Product, error)
}

// Waiter blocks until a submitted write is mined.
type Waiter interface {
	WaitMined(ctx context.Context, tx *models.Transaction) error
}

// Ledger is the full read/write surface over both contracts.
type Ledger interface {
	TokenReader
	MarketReader
	Waiter

	CodeAt(ctx context.Context, address string) ([]byte, error)
	Approve(ctx context.Context, opts WriteOpts, spender string, amount *big.Int) (*models.Transaction, error)
	ListProduct(ctx context.Context, opts WriteOpts, name string, price *big.Int) (*models.Transaction, error)
	BuyProduct(ctx context.Context, opts WriteOpts, id uint64) (*models.Transaction, error)

	TokenAddress() string
	MarketplaceAddress() string
}
