// Package shaper rewrites and guards requests before they are forwarded:
// token caps, upstream credential selection and message length limits.
package shaper

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/nyatishield/nyati/internal/model"
)

// DefaultMaxTokens caps max_tokens on provider requests.
const DefaultMaxTokens = 500

// DefaultTestMessageLimit caps test-tier chat messages, in characters.
const DefaultTestMessageLimit = 500

var (
	ErrEmptyPool      = errors.New("no upstream credentials configured")
	ErrMessageTooLong = errors.New("message too long for key tier")
)

// ClampTokens forces the max_tokens field of a JSON object body to at most
// max. A missing, zero, negative or non-numeric value is replaced with max.
// Bodies that are not JSON objects are returned unchanged.
func ClampTokens(body []byte, max int) ([]byte, bool) {
	if len(bytes.TrimSpace(body)) == 0 {
		return body, false
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var obj map[string]interface{}
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return body, false
	}

	if n, ok := obj["max_tokens"].(json.Number); ok {
		if v, err := n.Float64(); err == nil && v > 0 && v <= float64(max) {
			return body, false
		}
	}

	obj["max_tokens"] = max
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return body, false
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), true
}

// CheckMessageLength rejects test-tier messages longer than limit characters.
func CheckMessageLength(tier model.Tier, message string, limit int) error {
	if tier != model.TierTest || limit <= 0 {
		return nil
	}
	if n := utf8.RuneCountInString(message); n > limit {
		return fmt.Errorf("%w: %d characters, limit %d", ErrMessageTooLong, n, limit)
	}
	return nil
}

// CredentialPool hands out upstream credentials in round-robin order.
// It is safe for concurrent use.
type CredentialPool struct {
	keys []string
	next atomic.Uint64
}

// NewCredentialPool splits a comma-separated list, trimming blanks and
// dropping entries that lack prefix.
func NewCredentialPool(list, prefix string) *CredentialPool {
	p := &CredentialPool{}
	for _, k := range strings.Split(list, ",") {
		k = strings.TrimSpace(k)
		if k == "" || !strings.HasPrefix(k, prefix) {
			continue
		}
		p.keys = append(p.keys, k)
	}
	return p
}

// Next returns the next credential.
func (p *CredentialPool) Next() (string, error) {
	if p == nil || len(p.keys) == 0 {
		return "", ErrEmptyPool
	}
	i := p.next.Add(1) - 1
	return p.keys[i%uint64(len(p.keys))], nil
}

// Len reports how many credentials the pool holds.
func (p *CredentialPool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.keys)
}

// Pools maps each provider to its credentials.
type Pools map[Provider]*CredentialPool

// Next returns the next credential for provider.
func (ps Pools) Next(p Provider) (string, error) {
	pool := ps[p]
	if pool == nil {
		return "", fmt.Errorf("%w for %s", ErrEmptyPool, p)
	}
	cred, err := pool.Next()
	if err != nil {
		return "", fmt.Errorf("%w for %s", err, p)
	}
	return cred, nil
}
