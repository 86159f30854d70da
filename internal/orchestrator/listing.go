package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/olehkaliuzhnyi/marketplace-client/internal/ledger"
	"github.com/olehkaliuzhnyi/marketplace-client/internal/units"
	"github.com/olehkaliuzhnyi/marketplace-client/pkg/models"
)

// Lister runs the listing pipeline: Listing -> Confirming -> Done.
type Lister struct {
	cfg      Config
	decimals int32
	sync     Synchronizer
	ledger   Writer
	tr       *tracker
	logger   *slog.Logger
}

func NewLister(cfg Config, decimals int32, sync Synchronizer, w Writer) *Lister {
	logger := slog.Default().With("component", "listing_orchestrator")
	return &Lister{
		cfg:      cfg,
		decimals: decimals,
		sync:     sync,
		ledger:   w,
		tr:       newTracker(KindListing, logger),
		logger:   logger,
	}
}

// OnTransition registers fn to observe every state change.
func (l *Lister) OnTransition(fn TransitionFunc) { l.tr.setHook(fn) }

// Active reports whether a listing is in flight.
func (l *Lister) Active() bool { return l.tr.active() }

// Last returns the most recent listing run.
func (l *Lister) Last() (Operation, bool) { return l.tr.lastOp() }

// ParseListing validates a listing form. price is in human token units.
func ParseListing(name, price string, decimals int32) (string, *big.Int, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, fmt.Errorf("%w: product name is required", ErrInvalidInput)
	}
	amount, err := units.Parse(strings.TrimSpace(price), decimals)
	if err != nil {
		return "", nil, fmt.Errorf("%w: price %q: %v", ErrInvalidInput, price, err)
	}
	if amount.Sign() <= 0 {
		return "", nil, fmt.Errorf("%w: price must be positive", ErrInvalidInput)
	}
	return name, amount, nil
}

// List lists a product for the connected account. Invalid input is
// rejected before a run starts.
func (l *Lister) List(ctx context.Context, name, price string) (Operation, error) {
	name, amount, err := ParseListing(name, price, l.decimals)
	if err != nil {
		return Operation{}, err
	}
	if err := l.tr.acquire(); err != nil {
		return Operation{}, err
	}
	defer l.tr.release()

	st := l.sync.Snapshot()
	if st.Account == "" {
		return Operation{}, ErrNoAccount
	}
	if st.Network.Mode == models.ModeUnsupported {
		return Operation{}, ErrUnsupportedNetwork
	}

	op := &Operation{
		Name:  name,
		Price: amount,
		Demo:  st.Network.Mode == models.ModeDemo,
	}
	l.tr.begin(op)
	l.logger.Info("listing started",
		"id", op.ID,
		"name", name,
		"price", units.Format(amount, l.decimals),
		"account", st.Account,
		"network", st.Network.ID,
	)

	l.tr.transition(op, StateListing)
	if op.Demo {
		err = l.simulate(ctx, op)
	} else {
		err = l.run(ctx, op, st)
	}
	return op.clone(), err
}

func (l *Lister) simulate(ctx context.Context, op *Operation) error {
	if err := simulate(ctx, l.cfg.DemoDelay); err != nil {
		return l.tr.fail(op, &FailureError{Reason: models.ReasonUnknown, Err: err})
	}
	l.tr.transition(op, StateConfirming)
	p, err := l.sync.AddDemoProduct(op.Name, op.Price)
	if err != nil {
		return l.tr.fail(op, &FailureError{Reason: models.ReasonUnknown, Err: err})
	}
	op.ProductID = p.ID
	l.tr.done(op)
	return nil
}

func (l *Lister) run(ctx context.Context, op *Operation, st models.State) error {
	if c := st.Condition; c != nil && c.Kind == models.ConditionNoDeployment {
		return l.tr.fail(op, &FailureError{
			Reason: models.ReasonNoDeployment,
			Err:    fmt.Errorf("no contract at %s", c.Address),
		})
	}

	opts := ledger.WriteOpts{From: st.Account, IdempotencyKey: op.ID + ":list"}
	pending, err := l.ledger.ListProduct(ctx, opts, op.Name, op.Price)
	if err != nil {
		return l.tr.fail(op, &FailureError{Reason: classifyWrite(err), Err: err})
	}
	op.TxHashes = append(op.TxHashes, pending.TxHash)
	if err := l.ledger.WaitMined(ctx, pending); err != nil {
		return l.tr.fail(op, &FailureError{Reason: classifyWrite(err), Err: err})
	}

	l.tr.transition(op, StateConfirming)
	l.sync.Invalidate()
	products, err := l.sync.RefreshProducts(ctx)
	if err != nil {
		l.logger.Warn("catalog refresh after listing failed", "id", op.ID, "error", err)
	}
	for _, p := range products {
		if p.Name == op.Name && p.Seller == st.Account && p.Price.Cmp(op.Price) == 0 && p.ID > op.ProductID {
			op.ProductID = p.ID
		}
	}
	l.tr.done(op)
	return nil
}

func classifyWrite(err error) models.Reason {
	if ledger.IsInterfaceMismatch(err) {
		return models.ReasonInterfaceMismatch
	}
	return models.ReasonUnknown
}
