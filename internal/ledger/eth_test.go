package ledger

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/olehkaliuzhnyi/marketplace-client/internal/tx"
	"github.com/olehkaliuzhnyi/marketplace-client/pkg/models"
)

const (
	testToken  = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	testMarket = "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512"
	testBuyer  = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

// mockBackend answers eth_call by method selector.
type mockBackend struct {
	code    map[common.Address][]byte
	replies map[string][]byte
	errs    map[string]error
}

func (m *mockBackend) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return m.code[account], nil
}

func (m *mockBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	for _, contract := range []abi.ABI{tokenABI, marketplaceABI} {
		for name, method := range contract.Methods {
			if bytes.HasPrefix(msg.Data, method.ID) {
				if err := m.errs[name]; err != nil {
					return nil, err
				}
				return m.replies[name], nil
			}
		}
	}
	return nil, errors.New("unknown selector")
}

func mustPack(t *testing.T, contract abi.ABI, method string, values ...interface{}) []byte {
	t.Helper()
	out, err := contract.Methods[method].Outputs.Pack(values...)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestEthLedger_Reads(t *testing.T) {
	records := []productRecord{
		{Id: big.NewInt(1), Name: "Lamp", Price: big.NewInt(10), Seller: common.HexToAddress(testBuyer), Sold: false},
		{Id: big.NewInt(2), Name: "Desk", Price: big.NewInt(20), Seller: common.HexToAddress(testBuyer), Sold: true},
	}
	backend := &mockBackend{
		code: map[common.Address][]byte{common.HexToAddress(testMarket): {0x60}},
		replies: map[string][]byte{
			"balanceOf":    mustPack(t, tokenABI, "balanceOf", big.NewInt(500)),
			"allowance":    mustPack(t, tokenABI, "allowance", big.NewInt(7)),
			"productCount": mustPack(t, marketplaceABI, "productCount", big.NewInt(2)),
			"getProducts":  mustPack(t, marketplaceABI, "getProducts", records),
		},
	}
	l := NewEthLedger(backend, nil, testToken, testMarket)
	ctx := context.Background()

	bal, err := l.BalanceOf(ctx, testBuyer)
	if err != nil || bal.Int64() != 500 {
		t.Fatalf("BalanceOf = %v, %v", bal, err)
	}
	allow, err := l.Allowance(ctx, testBuyer, testMarket)
	if err != nil || allow.Int64() != 7 {
		t.Fatalf("Allowance = %v, %v", allow, err)
	}
	count, err := l.ProductCount(ctx)
	if err != nil || count != 2 {
		t.Fatalf("ProductCount = %v, %v", count, err)
	}
	products, err := l.GetProducts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(products) != 2 || products[0].Name != "Lamp" || !products[1].Sold || products[1].ID != 2 {
		t.Errorf("unexpected products %+v", products)
	}
	if products[0].Seller != testBuyer {
		t.Errorf("seller = %s, want %s", products[0].Seller, testBuyer)
	}

	code, err := l.CodeAt(ctx, testMarket)
	if err != nil || len(code) == 0 {
		t.Errorf("CodeAt = %v, %v", code, err)
	}
}

func TestEthLedger_InterfaceMismatch(t *testing.T) {
	backend := &mockBackend{
		replies: map[string][]byte{"balanceOf": nil},
		errs:    map[string]error{"productCount": errors.New("execution reverted")},
	}
	l := NewEthLedger(backend, nil, testToken, testMarket)
	ctx := context.Background()

	if _, err := l.BalanceOf(ctx, testBuyer); !IsInterfaceMismatch(err) {
		t.Errorf("empty output should be an interface mismatch, got %v", err)
	}
	if _, err := l.ProductCount(ctx); !IsInterfaceMismatch(err) {
		t.Errorf("revert on a view should be an interface mismatch, got %v", err)
	}
}

func TestEthLedger_TransportErrorIsNotMismatch(t *testing.T) {
	backend := &mockBackend{errs: map[string]error{"balanceOf": errors.New("dial tcp: connection refused")}}
	l := NewEthLedger(backend, nil, testToken, testMarket)

	_, err := l.BalanceOf(context.Background(), testBuyer)
	if err == nil || IsInterfaceMismatch(err) {
		t.Errorf("expected plain transport error, got %v", err)
	}
}

type mockSender struct {
	last    tx.SendRequest
	sendErr error
	waitErr error
}

func (m *mockSender) Send(ctx context.Context, req tx.SendRequest) (*models.Transaction, error) {
	m.last = req
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return &models.Transaction{TxHash: "0xabc", Method: req.Method, To: req.To, From: req.From}, nil
}

func (m *mockSender) WaitMined(ctx context.Context, t *models.Transaction) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, m.waitErr
}

func TestEthLedger_Writes(t *testing.T) {
	sender := &mockSender{}
	l := NewEthLedger(&mockBackend{}, sender, testToken, testMarket)
	ctx := context.Background()
	opts := WriteOpts{From: testBuyer, IdempotencyKey: "op:buy"}

	got, err := l.BuyProduct(ctx, opts, 3)
	if err != nil {
		t.Fatal(err)
	}
	if sender.last.Method != "buyProduct" || sender.last.To != common.HexToAddress(testMarket).Hex() {
		t.Errorf("unexpected request %+v", sender.last)
	}
	if !bytes.HasPrefix(sender.last.Data, marketplaceABI.Methods["buyProduct"].ID) {
		t.Error("call data should start with the buyProduct selector")
	}
	if sender.last.IdempotencyKey != "op:buy" {
		t.Errorf("idempotency key = %s", sender.last.IdempotencyKey)
	}
	if err := l.WaitMined(ctx, got); err != nil {
		t.Fatal(err)
	}

	if _, err := l.Approve(ctx, opts, testMarket, big.NewInt(1)); err != nil {
		t.Fatal(err)
	}
	if sender.last.To != common.HexToAddress(testToken).Hex() {
		t.Errorf("approve should target the token, got %s", sender.last.To)
	}
}

func TestEthLedger_RevertClassification(t *testing.T) {
	sender := &mockSender{sendErr: &tx.FailedError{Reason: "Product not available"}}
	l := NewEthLedger(&mockBackend{}, sender, testToken, testMarket)
	ctx := context.Background()

	_, err := l.BuyProduct(ctx, WriteOpts{From: testBuyer}, 1)
	var rev *RevertError
	if !errors.As(err, &rev) || rev.Method != "buyProduct" {
		t.Fatalf("expected RevertError for buyProduct, got %v", err)
	}
	if !ReasonContains(err, "Product not available") {
		t.Errorf("reason lost: %v", err)
	}

	sender.sendErr = nil
	sender.waitErr = &tx.FailedError{TxHash: "0xabc", Reason: "Payment failed"}
	pending, err := l.BuyProduct(ctx, WriteOpts{From: testBuyer}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.WaitMined(ctx, pending); !ReasonContains(err, "Payment failed") {
		t.Errorf("expected Payment failed revert, got %v", err)
	}
}

func TestEthLedger_ReadOnly(t *testing.T) {
	l := NewEthLedger(&mockBackend{}, nil, testToken, testMarket)
	if _, err := l.ListProduct(context.Background(), WriteOpts{From: testBuyer}, "x", big.NewInt(1)); err == nil {
		t.Error("read-only ledger must refuse writes")
	}
}
