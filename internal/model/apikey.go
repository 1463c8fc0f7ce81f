package model

import "time"

// Tier classifies a key. Only the test tier changes request handling: it
// carries a hard message-length cap on the chat endpoint.
type Tier string

const (
	TierTest Tier = "test"
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	switch t {
	case TierTest, TierFree, TierPaid:
		return true
	}
	return false
}

// KeyPrefix returns the plaintext prefix used when generating keys of tier t.
func (t Tier) KeyPrefix() string {
	if t == TierTest {
		return "tk_"
	}
	return "ry_"
}

// APIKey is a stored credential. The plaintext key is never persisted; only
// its hint, salt and salted SHA-256 digest are kept.
type APIKey struct {
	ID         string     `json:"id" db:"id"`
	OwnerID    string     `json:"owner_id" db:"owner_id"`
	Hint       string     `json:"hint" db:"hint"`
	Salt       string     `json:"-" db:"salt"`
	SecretHash string     `json:"-" db:"secret_hash"` // never expose
	IsActive   bool       `json:"is_active" db:"is_active"`
	TargetURL  string     `json:"target_url,omitempty" db:"target_url"` // empty means ping mode
	Tier       Tier       `json:"tier" db:"tier"`
	Label      string     `json:"label" db:"label"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
}
