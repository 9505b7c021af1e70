package models

import "time"

type CeremonyType string

const (
	CeremonyRegistration   CeremonyType = "registration"
	CeremonyAuthentication CeremonyType = "authentication"
)

// Challenge is a single-use ceremony nonce. SessionBlob carries the
// serialized verifier expectations issued alongside the challenge so
// the finish step can rebuild them without server-side affinity.
type Challenge struct {
	ChallengeID string       `db:"challenge_id"`
	Type        CeremonyType `db:"ceremony_type"`

	// OwnerID is the user the challenge was issued for, or empty for
	// a userless (discoverable) authentication.
	OwnerID     string    `db:"owner_id"`
	SessionBlob []byte    `db:"session_blob"`
	IssuedAt    time.Time `db:"issued_at"`
	ExpiresAt   time.Time `db:"expires_at"`
	Consumed    bool      `db:"consumed"`
}

// Usable reports whether the challenge can still anchor a finish call.
// Expiry is checked against the supplied clock, not storage TTLs.
func (c *Challenge) Usable(now time.Time) bool {
	return !c.Consumed && now.Before(c.ExpiresAt)
}
