// Package orchestrator drives user-initiated purchases and listings as
// explicit state machines against the synchronizer and the ledger.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/olehkaliuzhnyi/marketplace-client/internal/ledger"
	"github.com/olehkaliuzhnyi/marketplace-client/pkg/models"
)

// Precondition errors. These are returned before a run starts.
var (
	ErrBusy               = errors.New("operation already in progress")
	ErrNoAccount          = errors.New("no account connected")
	ErrUnsupportedNetwork = errors.New("unsupported network")
	ErrUnknownProduct     = errors.New("unknown product")
	ErrAlreadySold        = errors.New("product already sold")
	ErrInvalidInput       = errors.New("invalid input")
)

// Kind is what an operation does.
type Kind string

const (
	KindPurchase Kind = "purchase"
	KindListing  Kind = "listing"
)

// State is a step of an operation's pipeline.
type State string

const (
	StateIdle              State = "Idle"
	StateCheckingBalance   State = "CheckingBalance"
	StateCheckingAllowance State = "CheckingAllowance"
	StateApproving         State = "Approving"
	StateBuying            State = "Buying"
	StateListing           State = "Listing"
	StateConfirming        State = "Confirming"
	StateDone              State = "Done"
	StateFailed            State = "Failed"
)

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Operation is the inspectable record of one run.
type Operation struct {
	ID        string        `json:"id"`
	Kind      Kind          `json:"kind"`
	State     State         `json:"state"`
	Reason    models.Reason `json:"reason,omitempty"`
	Message   string        `json:"message,omitempty"`
	ProductID uint64        `json:"product_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Price     *big.Int      `json:"price,omitempty"`
	// Balance is what the signer held when the run checked it.
	Balance *big.Int `json:"balance,omitempty"`
	// NewBalance is the refreshed balance after a successful purchase.
	NewBalance *big.Int  `json:"new_balance,omitempty"`
	TxHashes   []string  `json:"tx_hashes,omitempty"`
	Demo       bool      `json:"demo"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (op Operation) clone() Operation {
	if op.Price != nil {
		op.Price = new(big.Int).Set(op.Price)
	}
	if op.Balance != nil {
		op.Balance = new(big.Int).Set(op.Balance)
	}
	if op.NewBalance != nil {
		op.NewBalance = new(big.Int).Set(op.NewBalance)
	}
	op.TxHashes = append([]string(nil), op.TxHashes...)
	return op
}

// FailureError is a run that ended in StateFailed.
type FailureError struct {
	Reason  models.Reason
	Balance *big.Int
	Price   *big.Int
	Err     error
}

func (e *FailureError) Error() string {
	switch {
	case e.Reason == models.ReasonInsufficientFunds && e.Balance != nil && e.Price != nil:
		return fmt.Sprintf("%s: balance %s below price %s", e.Reason, e.Balance, e.Price)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return string(e.Reason)
}

func (e *FailureError) Unwrap() error { return e.Err }

// ReasonOf extracts the failure reason from err, or "" if err is not a run failure.
func ReasonOf(err error) models.Reason {
	var fe *FailureError
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}

// Synchronizer is the canonical state the orchestrators read and report to.
type Synchronizer interface {
	Snapshot() models.State
	Product(id uint64) (models.Product, bool)
	MarkSold(id uint64) bool
	AddDemoProduct(name string, price *big.Int) (models.Product, error)
	Invalidate()
	RefreshBalance(ctx context.Context) (*big.Int, error)
	RefreshProducts(ctx context.Context) ([]models.Product, error)
}

// Writer is the ledger surface the orchestrators need.
type Writer interface {
	ledger.TokenReader
	ledger.Waiter
	Approve(ctx context.Context, opts ledger.WriteOpts, spender string, amount *big.Int) (*models.Transaction, error)
	ListProduct(ctx context.Context, opts ledger.WriteOpts, name string, price *big.Int) (*models.Transaction, error)
	BuyProduct(ctx context.Context, opts ledger.WriteOpts, id uint64) (*models.Transaction, error)
	MarketplaceAddress() string
}

// Config holds orchestrator parameters. Amounts are in smallest units.
type Config struct {
	ApprovalAmount *big.Int
	DemoDelay      time.Duration
}

// TransitionFunc observes every state change of a run.
type TransitionFunc func(op Operation)

// tracker owns the single active run of one orchestrator and the record
// of the last one.
type tracker struct {
	kind   Kind
	busy   atomic.Bool
	hook   TransitionFunc
	logger *slog.Logger

	mu   sync.Mutex
	last *Operation
}

func newTracker(kind Kind, logger *slog.Logger) *tracker {
	return &tracker{kind: kind, logger: logger}
}

// acquire claims the orchestrator. A second caller is refused, not queued.
func (t *tracker) acquire() error {
	if !t.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	return nil
}

func (t *tracker) release() { t.busy.Store(false) }

func (t *tracker) active() bool { return t.busy.Load() }

func (t *tracker) begin(op *Operation) {
	now := time.Now()
	op.ID = uuid.NewString()
	op.Kind = t.kind
	op.State = StateIdle
	op.StartedAt = now
	op.UpdatedAt = now
	t.publish(op)
}

func (t *tracker) transition(op *Operation, s State) {
	t.logger.Debug("operation transition", "id", op.ID, "from", op.State, "to", s)
	op.State = s
	op.UpdatedAt = time.Now()
	t.publish(op)
}

// fail moves op to StateFailed and returns the error the caller surfaces.
func (t *tracker) fail(op *Operation, fe *FailureError) error {
	op.Reason = fe.Reason
	op.Message = fe.Error()
	t.logger.Warn("operation failed",
		"id", op.ID,
		"state", op.State,
		"reason", fe.Reason,
		"error", fe.Err,
	)
	t.transition(op, StateFailed)
	return fe
}

func (t *tracker) done(op *Operation) {
	t.transition(op, StateDone)
	t.logger.Info("operation done", "id", op.ID, "kind", op.Kind, "tx_hashes", op.TxHashes)
}

func (t *tracker) publish(op *Operation) {
	c := op.clone()
	t.mu.Lock()
	t.last = &c
	hook := t.hook
	t.mu.Unlock()
	if hook != nil {
		hook(c.clone())
	}
}

// lastOp returns the most recent run, if any.
func (t *tracker) lastOp() (Operation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return Operation{}, false
	}
	return t.last.clone(), true
}

func (t *tracker) setHook(fn TransitionFunc) {
	t.mu.Lock()
	t.hook = fn
	t.mu.Unlock()
}

// simulate waits out the demo delay.
func simulate(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classifyRead maps a failed ledger read to a reason.
func classifyRead(err error) models.Reason {
	if ledger.IsInterfaceMismatch(err) {
		return models.ReasonInterfaceMismatch
	}
	return models.ReasonUnknown
}

// classifyPurchase maps a rejected purchase to a reason by its revert text.
func classifyPurchase(err error) models.Reason {
	switch {
	case ledger.ReasonContains(err, "Product not available"):
		return models.ReasonProductUnavailable
	case ledger.ReasonContains(err, "Payment failed"):
		return models.ReasonPaymentFailed
	}
	return models.ReasonUnknown
}
