package wallet

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const devMnemonic = "test test test test test test test test test test test junk"

func newTestProvider(t *testing.T) *LocalProvider {
	t.Helper()
	p, err := NewLocalProvider(devMnemonic, 2, "0x7a69")
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLocalProvider_KnownAddresses(t *testing.T) {
	p := newTestProvider(t)
	want := []string{
		"0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		"0x70997970C51812dc3A010C7d01b50e0d17dc79C8",
	}
	got := p.Addresses()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("account %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestLocalProvider_InvalidMnemonic(t *testing.T) {
	if _, err := NewLocalProvider("not a real mnemonic", 1, "1"); err == nil {
		t.Error("expected error for invalid mnemonic")
	}
}

func TestLocalProvider_AccountsRequireAuthorization(t *testing.T) {
	p := newTestProvider(t)
	ctx := context.Background()

	accts, err := p.Accounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(accts) != 0 {
		t.Errorf("expected no accounts before request, got %v", accts)
	}

	accts, err = p.RequestAccounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(accts) != 1 || !strings.HasPrefix(accts[0], "0x") {
		t.Errorf("unexpected accounts %v", accts)
	}

	again, _ := p.Accounts(ctx)
	if len(again) != 1 || again[0] != accts[0] {
		t.Errorf("Accounts after authorization = %v", again)
	}
}

func TestLocalProvider_Events(t *testing.T) {
	p := newTestProvider(t)

	if err := p.SelectAccount(1); err != nil {
		t.Fatal(err)
	}
	ev := <-p.Events()
	if ev.Kind != EventAccountsChanged || len(ev.Accounts) != 1 || ev.Accounts[0] != p.Addresses()[1] {
		t.Errorf("unexpected event %+v", ev)
	}

	p.SwitchChain("0x1")
	ev = <-p.Events()
	if ev.Kind != EventChainChanged || ev.ChainID != "0x1" {
		t.Errorf("unexpected event %+v", ev)
	}

	p.Disconnect()
	ev = <-p.Events()
	if ev.Kind != EventAccountsChanged || len(ev.Accounts) != 0 {
		t.Errorf("disconnect should announce empty accounts, got %+v", ev)
	}

	if err := p.SelectAccount(5); err == nil {
		t.Error("expected out of range error")
	}

	p.Close()
	if _, ok := <-p.Events(); ok {
		t.Error("events channel should be closed")
	}
}

func TestLocalProvider_SignTx(t *testing.T) {
	p := newTestProvider(t)
	from := p.Addresses()[0]
	to := common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	chainID := big.NewInt(31337)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    0,
		GasPrice: big.NewInt(1_000_000_000),
		Gas:      21_000,
		To:       &to,
		Value:    big.NewInt(0),
	})
	signed, err := p.SignTx(context.Background(), strings.ToLower(from), tx, chainID)
	if err != nil {
		t.Fatal(err)
	}
	sender, err := types.Sender(types.LatestSignerForChainID(chainID), signed)
	if err != nil {
		t.Fatal(err)
	}
	if sender.Hex() != from {
		t.Errorf("recovered sender %s, want %s", sender.Hex(), from)
	}

	if _, err := p.SignTx(context.Background(), "0x0000000000000000000000000000000000000001", tx, chainID); err == nil {
		t.Error("expected error signing for unknown account")
	}
}
