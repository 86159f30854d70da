package tx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/olehkaliuzhnyi/marketplace-client/internal/storage"
	"github.com/olehkaliuzhnyi/marketplace-client/internal/wallet"
	"github.com/olehkaliuzhnyi/marketplace-client/pkg/models"
)

// Backend is the subset of an Ethereum JSON-RPC client the builder needs.
// *ethclient.Client satisfies it.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// FailedError reports a transaction that was mined with a failed status,
// or rejected by the node before broadcast.
type FailedError struct {
	TxHash string
	Reason string
	Err    error
}

func (e *FailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transaction %s failed", e.TxHash)
	}
	return fmt.Sprintf("transaction %s failed: %s", e.TxHash, e.Reason)
}

func (e *FailedError) Unwrap() error { return e.Err }

// BuilderConfig holds configurable parameters for the transaction builder.
type BuilderConfig struct {
	ChainID             *big.Int
	ReceiptPollInterval time.Duration
}

// Builder constructs and manages transaction lifecycle.
// Handles nonce management, gas pricing, signing, broadcast, and confirmation.
// Each request is broadcast exactly once; failures are returned to the caller.
type Builder struct {
	backend    Backend
	signer     wallet.Signer
	nonceStore storage.NonceStore
	txStore    storage.TxStore
	logger     *slog.Logger
	cfg        BuilderConfig
}

// NewBuilder creates a new transaction builder with the given config and stores.
func NewBuilder(cfg BuilderConfig, backend Backend, signer wallet.Signer, nonces storage.NonceStore, txs storage.TxStore) *Builder {
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 500 * time.Millisecond
	}
	if cfg.ChainID == nil {
		cfg.ChainID = big.NewInt(1)
	}
	return &Builder{
		backend:    backend,
		signer:     signer,
		nonceStore: nonces,
		txStore:    txs,
		logger:     slog.Default().With("component", "tx_builder"),
		cfg:        cfg,
	}
}

// SendRequest represents a request to send a contract call.
type SendRequest struct {
	IdempotencyKey string // prevents duplicate sends
	From           string
	To             string
	Method         string // for logs and error classification
	Data           []byte
}

// Send builds, signs, and broadcasts a transaction with idempotency.
func (b *Builder) Send(ctx context.Context, req SendRequest) (*models.Transaction, error) {
	if req.IdempotencyKey != "" {
		existing, err := b.txStore.Get(req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("tx store get: %w", err)
		}
		if existing != nil {
			b.logger.Info("duplicate request, returning existing tx",
				"idempotency_key", req.IdempotencyKey,
				"tx_hash", existing.TxHash,
			)
			return existing, nil
		}
	}

	from := common.HexToAddress(req.From)
	to := common.HexToAddress(req.To)
	msg := ethereum.CallMsg{From: from, To: &to, Data: req.Data}

	// Estimation runs the call against pending state, so contract
	// rejections surface here with their revert reason.
	gas, err := b.backend.EstimateGas(ctx, msg)
	if err != nil {
		if reason, ok := RevertReason(err); ok {
			return nil, &FailedError{Reason: reason, Err: err}
		}
		return nil, fmt.Errorf("estimate gas for %s: %w", req.Method, err)
	}
	gasPrice, err := b.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}

	pending, err := b.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	nonce, err := b.nonceStore.Reserve(from.Hex(), pending)
	if err != nil {
		return nil, fmt.Errorf("nonce store: %w", err)
	}

	raw := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     req.Data,
	})

	b.logger.Info("building transaction",
		"network", b.cfg.ChainID,
		"method", req.Method,
		"from", from.Hex(),
		"to", to.Hex(),
		"nonce", nonce,
		"gas", gas,
	)

	signed, err := b.signer.SignTx(ctx, from.Hex(), raw, b.cfg.ChainID)
	if err != nil {
		_ = b.nonceStore.Reset(from.Hex())
		return nil, fmt.Errorf("sign: %w", err)
	}

	if err := b.backend.SendTransaction(ctx, signed); err != nil {
		_ = b.nonceStore.Reset(from.Hex())
		b.logger.Warn("broadcast failed",
			"method", req.Method,
			"tx_hash", signed.Hash().Hex(),
			"error", err,
		)
		return nil, fmt.Errorf("broadcast: %w", err)
	}

	tx := &models.Transaction{
		Network:  b.cfg.ChainID.String(),
		From:     from.Hex(),
		To:       to.Hex(),
		Method:   req.Method,
		Data:     req.Data,
		Nonce:    nonce,
		GasPrice: gasPrice,
		Signed:   true,
		TxHash:   signed.Hash().Hex(),
	}
	if tx.RawSigned, err = signed.MarshalBinary(); err != nil {
		return nil, fmt.Errorf("encode signed tx: %w", err)
	}

	b.logger.Info("transaction broadcast", "method", req.Method, "tx_hash", tx.TxHash)

	if req.IdempotencyKey != "" {
		if err := b.txStore.Put(req.IdempotencyKey, tx); err != nil {
			return nil, fmt.Errorf("tx store put: %w", err)
		}
	}
	return tx, nil
}

// WaitMined polls for the receipt of tx until it is mined or ctx ends.
// A failed receipt is replayed as a call to recover the revert reason.
func (b *Builder) WaitMined(ctx context.Context, tx *models.Transaction) (*types.Receipt, error) {
	hash := common.HexToHash(tx.TxHash)
	ticker := time.NewTicker(b.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := b.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status == types.ReceiptStatusSuccessful {
				b.logger.Info("transaction confirmed",
					"tx_hash", tx.TxHash,
					"block", receipt.BlockNumber,
				)
				return receipt, nil
			}
			reason := b.replayReason(ctx, tx, receipt.BlockNumber)
			b.logger.Warn("transaction reverted", "tx_hash", tx.TxHash, "method", tx.Method, "reason", reason)
			return receipt, &FailedError{TxHash: tx.TxHash, Reason: reason}
		case !errors.Is(err, ethereum.NotFound):
			return nil, fmt.Errorf("receipt %s: %w", tx.TxHash, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (b *Builder) replayReason(ctx context.Context, tx *models.Transaction, block *big.Int) string {
	to := common.HexToAddress(tx.To)
	msg := ethereum.CallMsg{From: common.HexToAddress(tx.From), To: &to, Data: tx.Data}
	if _, err := b.backend.CallContract(ctx, msg, block); err != nil {
		if reason, ok := RevertReason(err); ok {
			return reason
		}
		return err.Error()
	}
	return ""
}

// RevertReason extracts a Solidity revert reason from a node error,
// preferring ABI-encoded revert data when the node supplies it.
func RevertReason(err error) (string, bool) {
	var dataErr interface{ ErrorData() interface{} }
	if errors.As(err, &dataErr) {
		if s, ok := dataErr.ErrorData().(string); ok {
			if reason, uerr := abi.UnpackRevert(common.FromHex(s)); uerr == nil {
				return reason, true
			}
		}
	}
	msg := err.Error()
	if _, after, found := strings.Cut(msg, "execution reverted"); found {
		return strings.TrimSpace(strings.TrimPrefix(after, ":")), true
	}
	if _, after, found := strings.Cut(msg, "reverted with reason string"); found {
		return strings.Trim(strings.TrimSpace(after), "'"), true
	}
	return "", false
}
