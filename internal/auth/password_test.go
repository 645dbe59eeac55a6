package auth

import (
	"errors"
	"strings"
	"testing"
)

// newTestPasswordService returns a PasswordService with bcrypt cost 4, the
// minimum the library allows.
func newTestPasswordService() *PasswordService {
	return NewPasswordServiceForTest(4)
}

// =========================================================================
// CONSTRUCTION TESTS
// =========================================================================

func TestNewPasswordService_CostBounds(t *testing.T) {
	if _, err := NewPasswordService(DefaultPasswordCost); err != nil {
		t.Fatalf("NewPasswordService(default) error = %v", err)
	}
	if _, err := NewPasswordService(3); err == nil {
		t.Error("NewPasswordService(3) should be rejected")
	}
	if _, err := NewPasswordService(32); err == nil {
		t.Error("NewPasswordService(32) should be rejected")
	}
}

// =========================================================================
// Hash TESTS
// =========================================================================

func TestHash_OutputLooksBcrypt(t *testing.T) {
	ps := newTestPasswordService()

	hash, err := ps.Hash("password123")
	if err != nil {
		t.Fatalf("Hash() error = %v", err)
	}

	// bcrypt hashes always start with $2a$ or $2b$
	if !strings.HasPrefix(hash, "$2") {
		t.Errorf("Hash() does not look like a bcrypt hash: %q", hash)
	}
}

func TestHash_SamePasswordProducesDifferentHashes(t *testing.T) {
	ps := newTestPasswordService()

	hash1, _ := ps.Hash("same-password")
	hash2, _ := ps.Hash("same-password")

	if hash1 == hash2 {
		t.Error("Hash() produced identical hashes for the same password (salt must be random)")
	}
}

func TestHash_RejectsPasswordOver72Bytes(t *testing.T) {
	ps := newTestPasswordService()

	_, err := ps.Hash(strings.Repeat("a", 73))
	if !errors.Is(err, ErrPasswordTooLong) {
		t.Fatalf("Hash() error = %v, want ErrPasswordTooLong", err)
	}
}

func TestHash_AcceptsPasswordExactly72Bytes(t *testing.T) {
	ps := newTestPasswordService()

	if _, err := ps.Hash(strings.Repeat("a", 72)); err != nil {
		t.Fatalf("Hash() should accept a 72-byte password, got error: %v", err)
	}
}

// =========================================================================
// Verify TESTS
// =========================================================================

func TestPasswordVerify_WrongPassword(t *testing.T) {
	ps := newTestPasswordService()

	hash, _ := ps.Hash("the-real-password")

	if ps.Verify(hash, "the-wrong-password") {
		t.Fatal("Verify() accepted a wrong password")
	}
}

func TestPasswordVerify_EmptyPassword(t *testing.T) {
	ps := newTestPasswordService()

	hash, _ := ps.Hash("some-password")

	if ps.Verify(hash, "") {
		t.Fatal("Verify() accepted an empty password")
	}
}

func TestPasswordVerify_BadHash(t *testing.T) {
	ps := newTestPasswordService()

	if ps.Verify("not-a-valid-bcrypt-hash", "password") {
		t.Error("Verify() accepted a garbage hash")
	}
	if ps.Verify("", "") {
		t.Error("Verify() accepted an empty hash")
	}
}

// =========================================================================
// ROUND-TRIP TEST
// =========================================================================

func TestHashVerify_RoundTrip(t *testing.T) {
	ps := newTestPasswordService()

	cases := []struct {
		name     string
		password string
		other    string
	}{
		{"simple alphanumeric", "hello123", "hello124"},
		{"special characters", "p@$$w0rd!#%", "p@$$w0rd!#"},
		{"unicode", "пароль-密码", "пароль-密"},
		{"whitespace", "  leading and trailing  ", "leading and trailing"},
		{"empty", "", " "},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hash, err := ps.Hash(tc.password)
			if err != nil {
				t.Fatalf("Hash(%q) error = %v", tc.password, err)
			}

			if !ps.Verify(hash, tc.password) {
				t.Errorf("Verify() rejected the original %q", tc.password)
			}
			if ps.Verify(hash, tc.other) {
				t.Errorf("Verify() accepted %q for a hash of %q", tc.other, tc.password)
			}
		})
	}
}
