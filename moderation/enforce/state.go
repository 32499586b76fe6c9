// Per-user enforcement state machine: violations escalate to account
// blocking, blocked users may request an unblock, and administrators unblock.
//
// Transitions are pure functions over State values. Persisting the result,
// and serializing transitions per user, is the caller's job (see Locker).
package enforce

import (
	"errors"
	"fmt"
	"time"
)

// Number of violations at which an account is blocked.
const BlockThreshold = 3

// Posts scoring above this are purged when an administrator unblocks the author.
const PurgeScoreThreshold = 0.5

var (
	ErrInvalidState   = errors.New("invalid enforcement state")
	ErrNotBlocked     = errors.New("account is not blocked")
	ErrAlreadyPending = errors.New("unblock request already pending")
)

type Phase string

const (
	PhaseClear   Phase = "clear"
	PhaseWarned  Phase = "warned"
	PhaseBlocked Phase = "blocked"
)

type State struct {
	ViolationCount     int        `json:"violation_count"`
	IsBlocked          bool       `json:"is_blocked"`
	BlockedAt          *time.Time `json:"blocked_at,omitempty"`
	UnblockRequested   bool       `json:"unblock_requested"`
	UnblockRequestedAt *time.Time `json:"unblock_requested_at,omitempty"`
}

// Instruction to the storage layer: delete every post by the user with a
// vulgarity score strictly above MinScore, including backing media.
type PurgeDirective struct {
	MinScore float64 `json:"min_score"`
}

func (s State) Phase() Phase {
	switch {
	case s.IsBlocked:
		return PhaseBlocked
	case s.ViolationCount > 0:
		return PhaseWarned
	default:
		return PhaseClear
	}
}

func (s State) Validate() error {
	if s.ViolationCount < 0 {
		return fmt.Errorf("%w: negative violation count %d", ErrInvalidState, s.ViolationCount)
	}
	if s.IsBlocked && s.ViolationCount < BlockThreshold {
		return fmt.Errorf("%w: blocked with only %d violations", ErrInvalidState, s.ViolationCount)
	}
	if s.UnblockRequested && !s.IsBlocked {
		return fmt.Errorf("%w: unblock requested while not blocked", ErrInvalidState)
	}
	return nil
}

// Counts one violation, blocking the account when the count reaches BlockThreshold.
func RecordViolation(s State, now time.Time) State {
	s.ViolationCount++
	if s.ViolationCount >= BlockThreshold {
		s.IsBlocked = true
		s.BlockedAt = &now
	}
	return s
}

// Only a blocked account without a pending request may ask to be unblocked.
// A rejected request returns the state unchanged along with the reason.
func RequestUnblock(s State, now time.Time) (State, error) {
	if !s.IsBlocked {
		return s, ErrNotBlocked
	}
	if s.UnblockRequested {
		return s, ErrAlreadyPending
	}
	s.UnblockRequested = true
	s.UnblockRequestedAt = &now
	return s, nil
}

// Administrative reset. Unconditional and idempotent; the returned directive
// must be carried out by the storage layer as part of the same action.
//
// BlockedAt is kept as a record of the most recent block.
func Unblock(s State) (State, PurgeDirective) {
	s.ViolationCount = 0
	s.IsBlocked = false
	s.UnblockRequested = false
	s.UnblockRequestedAt = nil
	return s, PurgeDirective{MinScore: PurgeScoreThreshold}
}
