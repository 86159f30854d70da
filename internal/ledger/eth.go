package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/olehkaliuzhnyi/marketplace-client/internal/tx"
	"github.com/olehkaliuzhnyi/marketplace-client/pkg/models"
)

// Backend is the read side of an Ethereum JSON-RPC client.
// *ethclient.Client satisfies it.
type Backend interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Sender submits and confirms writes. *tx.Builder satisfies it.
type Sender interface {
	Send(ctx context.Context, req tx.SendRequest) (*models.Transaction, error)
	WaitMined(ctx context.Context, t *models.Transaction) (*types.Receipt, error)
}

// productRecord mirrors the marketplace's Product struct for ABI decoding.
type productRecord struct {
	Id     *big.Int
	Name   string
	Price  *big.Int
	Seller common.Address
	Sold   bool
}

// EthLedger talks to the token and marketplace contracts over JSON-RPC.
type EthLedger struct {
	backend Backend
	sender  Sender
	token   common.Address
	market  common.Address
	logger  *slog.Logger
}

var _ Ledger = (*EthLedger)(nil)

// NewEthLedger binds the two contract addresses. sender may be nil for a
// read-only ledger; writes then fail.
func NewEthLedger(backend Backend, sender Sender, tokenAddress, marketplaceAddress string) *EthLedger {
	return &EthLedger{
		backend: backend,
		sender:  sender,
		token:   common.HexToAddress(tokenAddress),
		market:  common.HexToAddress(marketplaceAddress),
		logger:  slog.Default().With("component", "eth_ledger"),
	}
}

func (l *EthLedger) TokenAddress() string       { return l.token.Hex() }
func (l *EthLedger) MarketplaceAddress() string { return l.market.Hex() }

func (l *EthLedger) CodeAt(ctx context.Context, address string) ([]byte, error) {
	return l.backend.CodeAt(ctx, common.HexToAddress(address), nil)
}

func (l *EthLedger) BalanceOf(ctx context.Context, owner string) (*big.Int, error) {
	out, err := l.call(ctx, tokenABI, l.token, "balanceOf", common.HexToAddress(owner))
	if err != nil {
		return nil, err
	}
	return uint256Out(out, "balanceOf")
}

func (l *EthLedger) Allowance(ctx context.Context, owner, spender string) (*big.Int, error) {
	out, err := l.call(ctx, tokenABI, l.token, "allowance", common.HexToAddress(owner), common.HexToAddress(spender))
	if err != nil {
		return nil, err
	}
	return uint256Out(out, "allowance")
}

func (l *EthLedger) ProductCount(ctx context.Context) (uint64, error) {
	out, err := l.call(ctx, marketplaceABI, l.market, "productCount")
	if err != nil {
		return 0, err
	}
	n, err := uint256Out(out, "productCount")
	if err != nil {
		return 0, err
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("productCount %s: %w", n, ErrInterfaceMismatch)
	}
	return n.Uint64(), nil
}

func (l *EthLedger) GetProducts(ctx context.Context) ([]models.Product, error) {
	out, err := l.call(ctx, marketplaceABI, l.market, "getProducts")
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("getProducts: %w: %d outputs", ErrInterfaceMismatch, len(out))
	}
	records, ok := abi.ConvertType(out[0], new([]productRecord)).(*[]productRecord)
	if !ok {
		return nil, fmt.Errorf("getProducts: %w: unexpected tuple layout", ErrInterfaceMismatch)
	}

	products := make([]models.Product, 0, len(*records))
	for _, r := range *records {
		if r.Id == nil || !r.Id.IsUint64() {
			return nil, fmt.Errorf("getProducts: %w: product id out of range", ErrInterfaceMismatch)
		}
		products = append(products, models.Product{
			ID:     r.Id.Uint64(),
			Name:   r.Name,
			Price:  r.Price,
			Seller: r.Seller.Hex(),
			Sold:   r.Sold,
		})
	}
	return products, nil
}

func (l *EthLedger) Approve(ctx context.Context, opts WriteOpts, spender string, amount *big.Int) (*models.Transaction, error) {
	return l.transact(ctx, opts, tokenABI, l.token, "approve", common.HexToAddress(spender), amount)
}

func (l *EthLedger) ListProduct(ctx context.Context, opts WriteOpts, name string, price *big.Int) (*models.Transaction, error) {
	return l.transact(ctx, opts, marketplaceABI, l.market, "listProduct", name, price)
}

func (l *EthLedger) BuyProduct(ctx context.Context, opts WriteOpts, id uint64) (*models.Transaction, error) {
	return l.transact(ctx, opts, marketplaceABI, l.market, "buyProduct", new(big.Int).SetUint64(id))
}

func (l *EthLedger) WaitMined(ctx context.Context, t *models.Transaction) error {
	if l.sender == nil {
		return errors.New("ledger is read-only")
	}
	_, err := l.sender.WaitMined(ctx, t)
	var failed *tx.FailedError
	if errors.As(err, &failed) {
		return &RevertError{Method: t.Method, Reason: failed.Reason, Err: err}
	}
	return err
}

func (l *EthLedger) call(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	res, err := l.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		l.logger.Warn("contract call failed",
			"address", to.Hex(),
			"method", method,
			"error", err,
		)
		if _, reverted := tx.RevertReason(err); reverted {
			return nil, fmt.Errorf("%s: %w: %v", method, ErrInterfaceMismatch, err)
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	out, err := contract.Unpack(method, res)
	if err != nil {
		l.logger.Warn("contract output undecodable",
			"address", to.Hex(),
			"method", method,
			"bytes", len(res),
			"error", err,
		)
		return nil, fmt.Errorf("%s: %w: %v", method, ErrInterfaceMismatch, err)
	}
	return out, nil
}

func (l *EthLedger) transact(ctx context.Context, opts WriteOpts, contract abi.ABI, to common.Address, method string, args ...interface{}) (*models.Transaction, error) {
	if l.sender == nil {
		return nil, errors.New("ledger is read-only")
	}
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	t, err := l.sender.Send(ctx, tx.SendRequest{
		IdempotencyKey: opts.IdempotencyKey,
		From:           opts.From,
		To:             to.Hex(),
		Method:         method,
		Data:           data,
	})
	if err != nil {
		l.logger.Warn("write rejected",
			"address", to.Hex(),
			"method", method,
			"from", opts.From,
			"error", err,
		)
		var failed *tx.FailedError
		if errors.As(err, &failed) {
			return nil, &RevertError{Method: method, Reason: failed.Reason, Err: err}
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return t, nil
}

func uint256Out(out []interface{}, method string) (*big.Int, error) {
	if len(out) != 1 {
		return nil, fmt.Errorf("%s: %w: %d outputs", method, ErrInterfaceMismatch, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: %w: output is %T", method, ErrInterfaceMismatch, out[0])
	}
	return v, nil
}

// IsInterfaceMismatch reports whether err came from a contract that does not
// match the expected ABI.
func IsInterfaceMismatch(err error) bool {
	return errors.Is(err, ErrInterfaceMismatch)
}

// ReasonContains reports whether err is a revert whose reason mentions s.
func ReasonContains(err error, s string) bool {
	var rev *RevertError
	if errors.As(err, &rev) && strings.Contains(rev.Reason, s) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), s)
}
