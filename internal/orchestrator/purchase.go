package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/olehkaliuzhnyi/marketplace-client/internal/ledger"
	"github.com/olehkaliuzhnyi/marketplace-client/pkg/models"
)

// Purchaser runs the buy pipeline:
// CheckingBalance -> CheckingAllowance -> [Approving] -> Buying -> Confirming -> Done.
// Any step may end in Failed. Nothing is retried.
type Purchaser struct {
	cfg    Config
	sync   Synchronizer
	ledger Writer
	tr     *tracker
	logger *slog.Logger
}

func NewPurchaser(cfg Config, sync Synchronizer, w Writer) *Purchaser {
	logger := slog.Default().With("component", "purchase_orchestrator")
	return &Purchaser{
		cfg:    cfg,
		sync:   sync,
		ledger: w,
		tr:     newTracker(KindPurchase, logger),
		logger: logger,
	}
}

// OnTransition registers fn to observe every state change.
func (p *Purchaser) OnTransition(fn TransitionFunc) { p.tr.setHook(fn) }

// Active reports whether a purchase is in flight.
func (p *Purchaser) Active() bool { return p.tr.active() }

// Last returns the most recent purchase run.
func (p *Purchaser) Last() (Operation, bool) { return p.tr.lastOp() }

// Buy purchases product id for the connected account. Precondition errors
// are returned without starting a run and without any remote call.
func (p *Purchaser) Buy(ctx context.Context, id uint64) (Operation, error) {
	if err := p.tr.acquire(); err != nil {
		return Operation{}, err
	}
	defer p.tr.release()

	st := p.sync.Snapshot()
	if st.Account == "" {
		return Operation{}, ErrNoAccount
	}
	if st.Network.Mode == models.ModeUnsupported {
		return Operation{}, ErrUnsupportedNetwork
	}
	product, ok := p.sync.Product(id)
	if !ok {
		return Operation{}, fmt.Errorf("product %d: %w", id, ErrUnknownProduct)
	}
	if product.Sold {
		return Operation{}, fmt.Errorf("product %d: %w", id, ErrAlreadySold)
	}
	if product.Synthetic && st.Network.Mode != models.ModeDemo {
		return Operation{}, fmt.Errorf("product %d is a placeholder: %w", id, ErrUnknownProduct)
	}

	op := &Operation{
		ProductID: id,
		Name:      product.Name,
		Price:     new(big.Int).Set(product.Price),
		Demo:      st.Network.Mode == models.ModeDemo,
	}
	p.tr.begin(op)
	p.logger.Info("purchase started",
		"id", op.ID,
		"product", id,
		"account", st.Account,
		"network", st.Network.ID,
		"mode", st.Network.Mode,
	)

	var err error
	if op.Demo {
		err = p.simulate(ctx, op, st)
	} else {
		err = p.run(ctx, op, st)
	}
	return op.clone(), err
}

func (p *Purchaser) simulate(ctx context.Context, op *Operation, st models.State) error {
	op.Balance = new(big.Int).Set(st.Balance)
	p.tr.transition(op, StateBuying)
	if err := simulate(ctx, p.cfg.DemoDelay); err != nil {
		return p.tr.fail(op, &FailureError{Reason: models.ReasonUnknown, Err: err})
	}

	p.tr.transition(op, StateConfirming)
	if !p.sync.MarkSold(op.ProductID) {
		return p.tr.fail(op, &FailureError{
			Reason: models.ReasonProductUnavailable,
			Err:    fmt.Errorf("product %d: %w", op.ProductID, ErrAlreadySold),
		})
	}
	op.NewBalance = new(big.Int).Set(st.Balance)
	p.tr.done(op)
	return nil
}

func (p *Purchaser) run(ctx context.Context, op *Operation, st models.State) error {
	if c := st.Condition; c != nil && c.Kind == models.ConditionNoDeployment {
		return p.tr.fail(op, &FailureError{
			Reason: models.ReasonNoDeployment,
			Err:    fmt.Errorf("no contract at %s", c.Address),
		})
	}
	account := st.Account
	market := p.ledger.MarketplaceAddress()

	p.tr.transition(op, StateCheckingBalance)
	balance, err := p.ledger.BalanceOf(ctx, account)
	if err != nil {
		return p.tr.fail(op, &FailureError{Reason: classifyRead(err), Err: err})
	}
	op.Balance = new(big.Int).Set(balance)
	if balance.Cmp(op.Price) < 0 {
		return p.tr.fail(op, &FailureError{
			Reason:  models.ReasonInsufficientFunds,
			Balance: new(big.Int).Set(balance),
			Price:   new(big.Int).Set(op.Price),
		})
	}

	p.tr.transition(op, StateCheckingAllowance)
	allowance, err := p.ledger.Allowance(ctx, account, market)
	if err != nil {
		return p.tr.fail(op, &FailureError{Reason: classifyRead(err), Err: err})
	}

	if allowance.Cmp(op.Price) < 0 {
		p.tr.transition(op, StateApproving)
		if err := p.approve(ctx, op, account, market); err != nil {
			return p.tr.fail(op, &FailureError{Reason: models.ReasonApprovalRejected, Err: err})
		}
	} else {
		p.logger.Debug("allowance covers price, skipping approval", "id", op.ID, "allowance", allowance)
	}

	p.tr.transition(op, StateBuying)
	opts := ledger.WriteOpts{From: account, IdempotencyKey: op.ID + ":buy"}
	pending, err := p.ledger.BuyProduct(ctx, opts, op.ProductID)
	if err != nil {
		return p.tr.fail(op, &FailureError{Reason: classifyPurchase(err), Err: err})
	}
	op.TxHashes = append(op.TxHashes, pending.TxHash)
	if err := p.ledger.WaitMined(ctx, pending); err != nil {
		return p.tr.fail(op, &FailureError{Reason: classifyPurchase(err), Err: err})
	}

	p.tr.transition(op, StateConfirming)
	p.sync.Invalidate()
	p.sync.MarkSold(op.ProductID)
	if bal, err := p.sync.RefreshBalance(ctx); err == nil {
		op.NewBalance = bal
	} else {
		p.logger.Warn("balance refresh after purchase failed", "id", op.ID, "error", err)
	}
	if _, err := p.sync.RefreshProducts(ctx); err != nil {
		p.logger.Warn("catalog refresh after purchase failed", "id", op.ID, "error", err)
	}
	p.tr.done(op)
	return nil
}

// approve grants the marketplace the configured amount, or the price if
// that is larger, and waits for it to be mined.
func (p *Purchaser) approve(ctx context.Context, op *Operation, account, market string) error {
	amount := new(big.Int).Set(op.Price)
	if p.cfg.ApprovalAmount != nil && p.cfg.ApprovalAmount.Cmp(amount) > 0 {
		amount.Set(p.cfg.ApprovalAmount)
	}

	opts := ledger.WriteOpts{From: account, IdempotencyKey: op.ID + ":approve"}
	pending, err := p.ledger.Approve(ctx, opts, market, amount)
	if err != nil {
		return err
	}
	op.TxHashes = append(op.TxHashes, pending.TxHash)
	return p.ledger.WaitMined(ctx, pending)
}
