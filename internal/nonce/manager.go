// Package nonce hands out account sequence numbers for outgoing transactions.
package nonce

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PairAgent-Chain/internal/errors"
)

// Source reports the number of transactions an account has sent, including
// those still pending in the ledger's pool.
type Source interface {
	PendingNonce(ctx context.Context, account common.Address) (uint64, error)
}

type slot struct {
	mu     sync.Mutex
	next   uint64
	primed bool
	// leases 是已发出但尚未 Release 的 nonce 数量。
	leases int
	// stale 表示有 Reset 在等待最后一个租约归还。
	stale bool
}

func (s *slot) drop() {
	s.primed = false
	s.stale = false
	s.next = 0
}

// Manager is the single arbiter of the next nonce for each account. The
// first acquisition for an account reads the pending count from the ledger;
// later acquisitions increment the cached value. Acquisitions for the same
// account are serialized, so concurrent callers never share a nonce.
//
// Every nonce returned by Next is a lease that the caller gives back with
// Release once it no longer needs the nonce. A Reset only re-reads the ledger
// when no lease is outstanding; otherwise the resync waits for the last
// Release, because a leased nonce that has not been broadcast yet is not part
// of the ledger's pending count.
type Manager struct {
	source Source

	mu    sync.Mutex
	slots map[common.Address]*slot
}

// NewManager 创建 Manager。
func NewManager(source Source) *Manager {
	return &Manager{source: source, slots: make(map[common.Address]*slot)}
}

func (m *Manager) slotFor(account common.Address) *slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[account]
	if !ok {
		s = &slot{}
		m.slots[account] = s
	}
	return s
}

// Next returns the next sequence number for account.
func (m *Manager) Next(ctx context.Context, account common.Address) (uint64, error) {
	if m == nil || m.source == nil {
		return 0, xerrors.New(xerrors.CodeInitializationFailure, "nonce 管理器未配置账本")
	}
	s := m.slotFor(account)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.primed {
		s.next++
		s.leases++
		return s.next, nil
	}
	pending, err := m.source.PendingNonce(ctx, account)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeLedgerFailure, err, "读取账户 pending nonce 失败",
			xerrors.WithMetadata("account", account.Hex()))
	}
	s.next = pending
	s.primed = true
	s.leases++
	return s.next, nil
}

// Release returns one lease taken by Next. When it is the last outstanding
// lease and a Reset is pending, the cached value is dropped.
func (m *Manager) Release(account common.Address) {
	s := m.slotFor(account)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leases > 0 {
		s.leases--
	}
	if s.leases == 0 && s.stale {
		s.drop()
	}
}

// Reset asks for the cached value to be re-read from the ledger. With leases
// outstanding the counter keeps advancing until the last one is released.
func (m *Manager) Reset(account common.Address) {
	s := m.slotFor(account)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leases == 0 {
		s.drop()
		return
	}
	s.stale = true
}

// Outstanding reports how many leases for account have not been released.
func (m *Manager) Outstanding(account common.Address) int {
	s := m.slotFor(account)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leases
}

// Peek returns the most recently issued nonce for account, if any.
func (m *Manager) Peek(account common.Address) (uint64, bool) {
	s := m.slotFor(account)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next, s.primed
}
