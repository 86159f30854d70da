package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip32"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/sha3"
)

// ErrUnknownAccount is returned when asked to sign for an address the wallet does not hold.
var ErrUnknownAccount = errors.New("account not held by wallet")

type localAccount struct {
	address string
	path    string
	key     *ecdsa.PrivateKey
}

// LocalProvider is a development wallet holding accounts derived from a
// BIP-39 mnemonic along m/44'/60'/0'/0/{index}. It stands in for a browser
// wallet: accounts must be requested before they are reported, and account
// or chain switches are announced on the Events channel.
type LocalProvider struct {
	mu         sync.Mutex
	accounts   []localAccount
	selected   int
	authorized bool
	chainID    string
	events     chan Event
	closed     bool
	logger     *slog.Logger
}

// NewLocalProvider derives count accounts from mnemonic.
func NewLocalProvider(mnemonic string, count int, chainID string) (*LocalProvider, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	if count <= 0 {
		count = 1
	}
	seed := bip39.NewSeed(mnemonic, "")

	p := &LocalProvider{
		chainID: chainID,
		events:  make(chan Event, 16),
		logger:  slog.Default().With("component", "local_wallet"),
	}
	for i := 0; i < count; i++ {
		acct, err := deriveAccount(seed, uint32(i))
		if err != nil {
			return nil, fmt.Errorf("derive account %d: %w", i, err)
		}
		p.accounts = append(p.accounts, acct)
		p.logger.Debug("derived account", "address", acct.address, "path", acct.path)
	}
	return p, nil
}

func (p *LocalProvider) Accounts(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.authorized {
		return nil, nil
	}
	return []string{p.accounts[p.selected].address}, nil
}

func (p *LocalProvider) RequestAccounts(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.authorized = true
	addr := p.accounts[p.selected].address
	p.logger.Info("account access granted", "address", addr)
	return []string{addr}, nil
}

func (p *LocalProvider) ChainID(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chainID, nil
}

func (p *LocalProvider) Events() <-chan Event {
	return p.events
}

// Addresses lists every derived account in index order.
func (p *LocalProvider) Addresses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.accounts))
	for i, a := range p.accounts {
		out[i] = a.address
	}
	return out
}

// SelectAccount switches the active account and announces it.
func (p *LocalProvider) SelectAccount(index int) error {
	p.mu.Lock()
	if index < 0 || index >= len(p.accounts) {
		p.mu.Unlock()
		return fmt.Errorf("account index %d out of range [0,%d)", index, len(p.accounts))
	}
	p.selected = index
	p.authorized = true
	addr := p.accounts[index].address
	p.mu.Unlock()

	p.emit(Event{Kind: EventAccountsChanged, Accounts: []string{addr}})
	return nil
}

// Disconnect revokes account access and announces an empty account list.
func (p *LocalProvider) Disconnect() {
	p.mu.Lock()
	p.authorized = false
	p.mu.Unlock()
	p.emit(Event{Kind: EventAccountsChanged})
}

// SwitchChain records a new chain id and announces it.
func (p *LocalProvider) SwitchChain(chainID string) {
	p.mu.Lock()
	p.chainID = chainID
	p.mu.Unlock()
	p.emit(Event{Kind: EventChainChanged, ChainID: chainID})
}

// Close closes the Events channel.
func (p *LocalProvider) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
}

func (p *LocalProvider) emit(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.events <- ev:
	default:
		p.logger.Warn("event buffer full, dropping notification", "kind", ev.Kind)
	}
}

// SignTx signs with EIP-155 replay protection for chainID.
func (p *LocalProvider) SignTx(ctx context.Context, from string, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	p.mu.Lock()
	var key *ecdsa.PrivateKey
	for _, a := range p.accounts {
		if strings.EqualFold(a.address, from) {
			key = a.key
			break
		}
	}
	p.mu.Unlock()
	if key == nil {
		return nil, fmt.Errorf("sign for %s: %w", from, ErrUnknownAccount)
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}

// --- helpers ---

func deriveAccount(seed []byte, index uint32) (localAccount, error) {
	key, err := deriveKey(seed, 60, index)
	if err != nil {
		return localAccount{}, err
	}
	priv, err := gethcrypto.ToECDSA(key)
	if err != nil {
		return localAccount{}, fmt.Errorf("to ecdsa: %w", err)
	}
	return localAccount{
		address: ethAddress(key),
		path:    fmt.Sprintf("m/44'/60'/0'/0/%d", index),
		key:     priv,
	}, nil
}

// ethAddress returns the EIP-55 address for a secp256k1 private key:
// last 20 bytes of Keccak256 over the uncompressed public key without its 0x04 prefix.
func ethAddress(privKey []byte) string {
	_, pubKey := btcec.PrivKeyFromBytes(privKey)
	pubBytes := pubKey.SerializeUncompressed()
	hash := keccak256(pubBytes[1:])
	return common.HexToAddress("0x" + hex.EncodeToString(hash[12:])).Hex()
}

// deriveKey derives a child private key from a BIP-39 seed using BIP-32/BIP-44.
// Path: m/44'/{coinType}'/0'/0/{index}
func deriveKey(seed []byte, coinType uint32, index uint32) ([]byte, error) {
	masterKey, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}

	path := []uint32{
		bip32.FirstHardenedChild + 44,
		bip32.FirstHardenedChild + coinType,
		bip32.FirstHardenedChild + 0,
		0,
		index,
	}
	key := masterKey
	for _, child := range path {
		key, err = key.NewChildKey(child)
		if err != nil {
			return nil, fmt.Errorf("derive child %d: %w", child, err)
		}
	}

	// child keys with leading zero bytes come back short
	return common.LeftPadBytes(key.Key, 32), nil
}

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}
