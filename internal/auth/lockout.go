package auth

import "time"

// LockState is the lockout bookkeeping stored on an account.
type LockState struct {
	Failures    int
	LockedUntil *time.Time
}

// LockoutPolicy decides whether a local login may proceed and how the
// counters move after each attempt. All methods are pure.
//
// Lockout is keyed by account, not by client address. An attacker spreading
// guesses across many accounts never trips it.
type LockoutPolicy struct {
	Threshold int
	Window    time.Duration
}

// DefaultLockoutPolicy locks an account for five minutes after five failures.
func DefaultLockoutPolicy() LockoutPolicy {
	return LockoutPolicy{Threshold: 5, Window: 5 * time.Minute}
}

// IsLocked reports whether s blocks login at now.
func (p LockoutPolicy) IsLocked(s LockState, now time.Time) bool {
	return s.LockedUntil != nil && s.LockedUntil.After(now)
}

// LockExpiry is when a lock set at now ends.
func (p LockoutPolicy) LockExpiry(now time.Time) time.Time {
	return now.Add(p.Window)
}

// OnFailure records one failed attempt. An active lock is neither extended
// nor counted against. Account stores apply the same rule atomically in
// RecordLoginFailure; this is its in-memory form.
//
// Failures is not reset when a lock expires, so once the threshold has been
// reached each further failure locks the account again.
func (p LockoutPolicy) OnFailure(s LockState, now time.Time) LockState {
	if p.IsLocked(s, now) {
		return s
	}

	next := LockState{Failures: s.Failures + 1}
	if next.Failures >= p.Threshold {
		until := p.LockExpiry(now)
		next.LockedUntil = &until
	}
	return next
}

// OnSuccess clears the counters.
func (p LockoutPolicy) OnSuccess(LockState) LockState {
	return LockState{}
}
