// Password hashing.
//
// BCRYPT:
// bcrypt is deliberately slow, and the work factor ("cost") sets how slow.
// Each step up doubles the time per hash. Every hash gets its own random
// salt, and the salt is embedded in the output, so the table needs one
// column and two accounts with the same password get different hashes.
//
// Hash format (the full output of bcrypt.GenerateFromPassword):
//
//	$2a$10$<22-char salt><31-char hash>
//	 ^   ^
//	 |   cost (10 → 2^10 = 1024 rounds)
//	 version
//
// THE 72-BYTE LIMIT:
// bcrypt only reads the first 72 bytes of its input. Older versions of
// x/crypto silently dropped the rest; newer ones return an error. Hash
// checks the length itself so callers always get ErrPasswordTooLong.

package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultPasswordCost is the bcrypt work factor used in production.
//
// COST TUNING:
// Pick the cost so one hash takes roughly 100-300ms on production hardware.
// Login pays that once per attempt; an offline attacker pays it per guess.
// BCRYPT_COST overrides it; config validation keeps it inside bcrypt's
// [MinCost, MaxCost] range.
const DefaultPasswordCost = 10

// ErrPasswordTooLong is returned by Hash for inputs bcrypt would silently
// truncate.
var ErrPasswordTooLong = errors.New("auth: password must be 72 bytes or fewer")

// PasswordService provides bcrypt hashing and verification.
//
// It's a struct (not free functions) so that the cost can be injected:
// tests use cost 4 to keep bcrypt out of the test runtime.
type PasswordService struct {
	cost int
}

// NewPasswordService creates a PasswordService with the given bcrypt cost.
func NewPasswordService(cost int) (*PasswordService, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("auth: bcrypt cost %d outside [%d, %d]", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	return &PasswordService{cost: cost}, nil
}

// NewPasswordServiceForTest creates a PasswordService with a caller-chosen
// cost and no validation. Use cost 4 from tests in other packages.
func NewPasswordServiceForTest(cost int) *PasswordService {
	return &PasswordService{cost: cost}
}

// Hash hashes the given plaintext password with bcrypt. The output embeds the
// salt and cost, so it is stored as-is.
func (p *PasswordService) Hash(plaintext string) (string, error) {
	if len(plaintext) > 72 {
		return "", ErrPasswordTooLong
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), p.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}

	return string(hashed), nil
}

// Verify reports whether plaintext matches hash. Any failure, including a
// malformed or empty hash, is reported as a mismatch.
//
// HOW VERIFICATION WORKS:
// bcrypt.CompareHashAndPassword reads the cost and salt back out of hash,
// hashes plaintext with them and compares the two results in constant time.
// There is nothing to "decrypt"; the only way to check a password is to
// hash it again.
//
// Accounts created through Google have no hash. The empty check makes them
// fail local login instead of erroring.
func (p *PasswordService) Verify(hash, plaintext string) bool {
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
