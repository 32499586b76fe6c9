// Mirrors enforcement-relevant facts (identity registration, accepted posts,
// unblock requests, administrative unblocks) onto an external append-only
// ledger, and reads identity status back from it.
//
// Local state stays authoritative for already-committed facts. The ledger is
// the durable audit trail, and is consulted for "is this identity registered
// or blocked" questions when it is reachable.
package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/minio/sha256-simd"
	"github.com/shopspring/decimal"
)

var (
	// transport failure, timeout, or open circuit breaker
	ErrLedgerUnreachable = errors.New("ledger unreachable")
	// transaction was processed but reported failure
	ErrLedgerRejected = errors.New("ledger rejected transaction")
	// balance does not cover the expected transaction fee
	ErrInsufficientFunds = fmt.Errorf("%w: insufficient balance for transaction fees", ErrLedgerRejected)
	ErrNotRegistered     = errors.New("identity not registered on ledger")
	ErrPostNotFound      = errors.New("ledger post not found")
)

// Receipt status for a successful transaction.
const ReceiptSuccess = 1

// Gas units budgeted for every identity-paid transaction.
const DefaultGasLimit = 100_000

type IdentityStatus struct {
	Registered       bool `json:"registered"`
	Blocked          bool `json:"blocked"`
	UnblockRequested bool `json:"unblock_requested"`
	// number of flagged posts recorded against the identity
	ReportCount int `json:"report_count"`
}

type Receipt struct {
	TxHash string `json:"tx_hash"`
	Status int    `json:"status"`
	// set for post submissions
	PostID *int64 `json:"post_id,omitempty"`
	// revert reason, when the ledger reports one
	Reason string `json:"reason,omitempty"`
}

type Post struct {
	ID          int64     `json:"id"`
	Author      string    `json:"author"`
	ContentHash string    `json:"content_hash"`
	Score       int64     `json:"vulgarity_score"`
	IsBlocked   bool      `json:"is_blocked"`
	CreatedAt   time.Time `json:"created_at"`
}

// Remote ledger collaborator. Every method may block on network round-trips
// (including confirmation waits) and may fail with ErrLedgerUnreachable.
//
// Write methods return the mined receipt; callers check Status.
type Ledger interface {
	// Returns nil (and no error) for an identity the ledger has never seen.
	Status(ctx context.Context, identity string) (*IdentityStatus, error)
	Register(ctx context.Context, identity string) (*Receipt, error)
	SubmitPost(ctx context.Context, identity, contentHash string, score int64) (*Receipt, error)
	RequestUnblock(ctx context.Context, identity string) (*Receipt, error)
	AdminUnblock(ctx context.Context, identity string) (*Receipt, error)
	GetPost(ctx context.Context, postID int64) (*Post, error)
	Balance(ctx context.Context, identity string) (decimal.Decimal, error)
	// current price per gas unit
	FeeEstimate(ctx context.Context) (decimal.Decimal, error)
}

var identityRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Account-style identity: "0x" followed by 40 hex characters.
func ValidIdentity(s string) bool {
	return identityRegex.MatchString(s)
}

// Lower-cases the hex part, so mixed-case (checksummed) forms compare equal.
func NormalizeIdentity(s string) (string, error) {
	s = strings.TrimSpace(s)
	if !ValidIdentity(s) {
		return "", fmt.Errorf("invalid identity: %q", s)
	}
	return "0x" + strings.ToLower(s[2:]), nil
}

// Fixed-length (64 char) hex SHA-256 digest of media content.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Ledger scores are integers: percent, truncated.
func ScaleScore(score float64) int64 {
	return decimal.NewFromFloat(score).Shift(2).IntPart()
}

func checkReceipt(r *Receipt, op string) error {
	if r == nil {
		return fmt.Errorf("%w: %s: no receipt", ErrLedgerRejected, op)
	}
	if r.Status != ReceiptSuccess {
		if r.Reason != "" {
			return fmt.Errorf("%w: %s: tx=%s status=%d: %s", ErrLedgerRejected, op, r.TxHash, r.Status, r.Reason)
		}
		return fmt.Errorf("%w: %s: tx=%s status=%d", ErrLedgerRejected, op, r.TxHash, r.Status)
	}
	return nil
}
