package util

import (
	"crypto/rand"
	"crypto/sha256"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NormalizeRecipient strips everything but digits, which is what the Cloud
// API expects for wa_id-style addresses.
func NormalizeRecipient(p string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(p) {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func newULID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
}

// ULIDs are sortable, which keeps DB indexes and dashboards tidy.
func NewMessageID() string { return "msg_" + newULID() }
func NewWindowID() string  { return "win_" + newULID() }
func NewAttemptID() string { return "att_" + newULID() }
func NewInboundID() string { return "inb_" + newULID() }

// MessageIDFromSeed derives a stable message id from seed. The same seed
// always yields the same id, so a replayed create collides on the primary key
// instead of minting a second message.
func MessageIDFromSeed(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	var id ulid.ULID
	copy(id[:], sum[:16])
	return "msg_" + id.String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
