// Package idgen produces the printable, url-safe ids the coordinator
// assigns to claims, events, contests, and handoffs. Claim and event
// ids use a base36 content hash (adapted from bd's issue-id scheme) so
// they stay short and collision-resistant without a coordination round
// trip; contest and handoff ids use google/uuid since they are
// short-lived and never need to be typed by a human.
package idgen

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// encodeBase36 converts data to a base36 string of exactly length
// characters, truncating to the least-significant digits and
// zero-padding as needed.
func encodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)
	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}

	var b strings.Builder
	for i := len(chars) - 1; i >= 0; i-- {
		b.WriteByte(chars[i])
	}
	s := b.String()
	if len(s) < length {
		s = strings.Repeat("0", length-len(s)) + s
	}
	if len(s) > length {
		s = s[len(s)-length:]
	}
	return s
}

// Generator produces ids. It is safe for concurrent use; the embedded
// counter guarantees uniqueness even when two ids are requested within
// the same clock tick.
type Generator struct {
	prefix  string
	counter atomic.Uint64
}

// New creates a Generator whose claim/event ids are prefixed with
// prefix (e.g. "sg"), followed by the id kind ("claim" or "evt").
func New(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// ClaimID generates a new claim id seeded by the issue and claimant so
// two claims on the same issue by the same claimant at different times
// still differ (the nonce guarantees this even within one nanosecond).
func (g *Generator) ClaimID(issueID, claimantID string, now time.Time) string {
	return g.hashID("claim", issueID, claimantID, now)
}

// EventID generates a new event id for an aggregate.
func (g *Generator) EventID(aggregateID string, now time.Time) string {
	return g.hashID("evt", aggregateID, "", now)
}

func (g *Generator) hashID(kind, a, b string, now time.Time) string {
	nonce := g.counter.Add(1)
	content := fmt.Sprintf("%s|%s|%s|%d|%d", kind, a, b, now.UnixNano(), nonce)
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s-%s-%s", g.prefix, kind, encodeBase36(sum[:5], 8))
}

// ContestID returns a fresh contest id.
func (g *Generator) ContestID() string {
	return "contest-" + uuid.NewString()
}

// HandoffID returns a fresh handoff id.
func (g *Generator) HandoffID() string {
	return "handoff-" + uuid.NewString()
}

// Sequence returns a monotonically increasing decimal string, used in
// tests and logs that want a human-sortable disambiguator without
// pulling in the hash machinery.
func (g *Generator) Sequence() string {
	return strconv.FormatUint(g.counter.Add(1), 10)
}
