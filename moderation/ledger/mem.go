package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Vulgarity score (percent) at or above which the ledger flags a post.
const FlagScore = 50

// Flagged posts at which the ledger blocks an identity.
const LedgerBlockThreshold = 3

type memIdentity struct {
	registered       bool
	blocked          bool
	unblockRequested bool
	violations       int
	reports          int
}

// In-process ledger implementing the same contract rules as the deployed
// one: duplicate registration is rejected, posts scored at or above
// FlagScore are flagged, LedgerBlockThreshold flagged posts block the
// identity, only blocked identities may request an unblock, and an admin
// unblock resets the identity.
//
// Used by tests, and by the daemon when no gateway is configured but
// mirroring is still wanted for local development.
type MemLedger struct {
	mu         sync.Mutex
	identities map[string]*memIdentity
	posts      []Post
	balances   map[string]decimal.Decimal
	calls      map[string]int
	txCounter  int
	// fails every call with ErrLedgerUnreachable when set
	unreachable bool

	GasPrice       decimal.Decimal
	DefaultBalance decimal.Decimal
}

var _ Ledger = (*MemLedger)(nil)

func NewMemLedger() *MemLedger {
	return &MemLedger{
		identities:     make(map[string]*memIdentity),
		balances:       make(map[string]decimal.Decimal),
		calls:          make(map[string]int),
		GasPrice:       decimal.RequireFromString("0.00000002"),
		DefaultBalance: decimal.NewFromInt(100),
	}
}

func (m *MemLedger) SetUnreachable(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreachable = v
}

func (m *MemLedger) SetBalance(identity string, bal decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[identity] = bal
}

// Number of times the named method was called ("Register", "SubmitPost", ...).
func (m *MemLedger) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// Number of transactions mined, successful or not.
func (m *MemLedger) TxCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.txCounter
}

// must hold lock
func (m *MemLedger) enter(method string) error {
	m.calls[method]++
	if m.unreachable {
		return fmt.Errorf("%w: %s: simulated outage", ErrLedgerUnreachable, method)
	}
	return nil
}

// must hold lock
func (m *MemLedger) receipt(reason string) *Receipt {
	m.txCounter++
	r := &Receipt{
		TxHash: fmt.Sprintf("0x%064x", m.txCounter),
		Status: ReceiptSuccess,
	}
	if reason != "" {
		r.Status = 0
		r.Reason = reason
	}
	return r
}

func (m *MemLedger) Status(ctx context.Context, identity string) (*IdentityStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Status"); err != nil {
		return nil, err
	}
	id, ok := m.identities[identity]
	if !ok || (!id.registered && !id.blocked) {
		return nil, nil
	}
	return &IdentityStatus{
		Registered:       id.registered,
		Blocked:          id.blocked,
		UnblockRequested: id.unblockRequested,
		ReportCount:      id.reports,
	}, nil
}

func (m *MemLedger) Register(ctx context.Context, identity string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Register"); err != nil {
		return nil, err
	}
	if id, ok := m.identities[identity]; ok && id.registered {
		return m.receipt("User already registered"), nil
	}
	m.identities[identity] = &memIdentity{registered: true}
	return m.receipt(""), nil
}

func (m *MemLedger) SubmitPost(ctx context.Context, identity, contentHash string, score int64) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SubmitPost"); err != nil {
		return nil, err
	}
	id, ok := m.identities[identity]
	if !ok || !id.registered {
		return m.receipt("User not registered"), nil
	}
	if id.blocked {
		return m.receipt("User is blocked"), nil
	}
	flagged := score >= FlagScore
	if flagged {
		id.violations++
		id.reports++
		if id.violations >= LedgerBlockThreshold {
			id.blocked = true
		}
	}
	postID := int64(len(m.posts))
	m.posts = append(m.posts, Post{
		ID:          postID,
		Author:      identity,
		ContentHash: contentHash,
		Score:       score,
		IsBlocked:   flagged,
		CreatedAt:   time.Now().UTC(),
	})
	r := m.receipt("")
	r.PostID = &postID
	return r, nil
}

func (m *MemLedger) RequestUnblock(ctx context.Context, identity string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("RequestUnblock"); err != nil {
		return nil, err
	}
	id, ok := m.identities[identity]
	if !ok || !id.blocked {
		return m.receipt("User is not blocked"), nil
	}
	if id.unblockRequested {
		return m.receipt("Unblock request already pending"), nil
	}
	id.unblockRequested = true
	return m.receipt(""), nil
}

func (m *MemLedger) AdminUnblock(ctx context.Context, identity string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("AdminUnblock"); err != nil {
		return nil, err
	}
	id, ok := m.identities[identity]
	if !ok || !id.registered {
		return m.receipt("User not registered"), nil
	}
	id.blocked = false
	id.unblockRequested = false
	id.violations = 0
	return m.receipt(""), nil
}

func (m *MemLedger) GetPost(ctx context.Context, postID int64) (*Post, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetPost"); err != nil {
		return nil, err
	}
	if postID < 0 || postID >= int64(len(m.posts)) {
		return nil, ErrPostNotFound
	}
	p := m.posts[postID]
	return &p, nil
}

func (m *MemLedger) Balance(ctx context.Context, identity string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Balance"); err != nil {
		return decimal.Zero, err
	}
	if bal, ok := m.balances[identity]; ok {
		return bal, nil
	}
	return m.DefaultBalance, nil
}

func (m *MemLedger) FeeEstimate(ctx context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("FeeEstimate"); err != nil {
		return decimal.Zero, err
	}
	return m.GasPrice, nil
}
