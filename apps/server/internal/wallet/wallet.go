package wallet

import (
	"context"
	"strings"
	"sync"

	"crash-lite/crash"

	"github.com/pkg/errors"
)

// SyntheticPrefix marks simulated wallets. They never touch balances.
const SyntheticPrefix = "bot:"

// Ledger is the external balance boundary: debit on bet, credit on
// cashout or refund. ref identifies the bet for the journal.
type Ledger interface {
	Balance(ctx context.Context, wallet string) (int64, error)
	Debit(ctx context.Context, wallet string, amount int64, ref string) (int64, error)
	Credit(ctx context.Context, wallet string, amount int64, ref string) (int64, error)
}

func IsSynthetic(wallet string) bool {
	return strings.HasPrefix(wallet, SyntheticPrefix)
}

func checkArgs(wallet string, amount int64) error {
	if strings.TrimSpace(wallet) == "" {
		return errors.New("empty wallet")
	}
	if amount <= 0 {
		return errors.Wrapf(crash.ErrInvalidAmount, "wallet amount %d", amount)
	}
	return nil
}

// Memory is an in-process ledger. New wallets start at the initial balance.
type Memory struct {
	initial int64

	mu       sync.Mutex
	balances map[string]int64
}

func NewMemory(initial int64) *Memory {
	return &Memory{initial: initial, balances: make(map[string]int64)}
}

func (m *Memory) account(wallet string) int64 {
	bal, ok := m.balances[wallet]
	if !ok {
		bal = m.initial
		m.balances[wallet] = bal
	}
	return bal
}

func (m *Memory) Balance(_ context.Context, wallet string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account(wallet), nil
}

func (m *Memory) Debit(_ context.Context, wallet string, amount int64, _ string) (int64, error) {
	if err := checkArgs(wallet, amount); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.account(wallet)
	if bal < amount {
		return bal, crash.ErrInsufficientFunds
	}
	bal -= amount
	m.balances[wallet] = bal
	return bal, nil
}

func (m *Memory) Credit(_ context.Context, wallet string, amount int64, _ string) (int64, error) {
	if err := checkArgs(wallet, amount); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	bal := m.account(wallet) + amount
	m.balances[wallet] = bal
	return bal, nil
}
