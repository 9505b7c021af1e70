package models

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by every store implementation.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrCredentialNotFound = errors.New("credential not found")
	ErrChallengeNotFound  = errors.New("challenge not found")
	ErrTicketNotFound     = errors.New("otp ticket not found")
	ErrCounterConflict    = errors.New("sign counter conflict")
)

// UserRepository defines the interface for user persistence
type UserRepository interface {
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, userID string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByEmailHash(ctx context.Context, emailHash string) (*User, error)
	UpdateLoginStats(ctx context.Context, userID string, success bool) error
	UpdateCredentialCount(ctx context.Context, userID string, delta int) error
}

// CredentialRepository defines the interface for credential persistence.
// Lookups take canonical IDs; callers canonicalize first.
type CredentialRepository interface {
	CreateCredential(ctx context.Context, cred *Credential) error
	GetCredentialByID(ctx context.Context, credentialID string) (*Credential, error)
	GetCredentialsByUserID(ctx context.Context, userID string) ([]*Credential, error)
	// UpdateSignCount succeeds only if the stored counter still equals
	// prev; returns ErrCounterConflict otherwise.
	UpdateSignCount(ctx context.Context, credentialID string, prev, next uint32, usedAt time.Time) error
	// RewriteCredentialID re-keys a credential under its canonical ID.
	RewriteCredentialID(ctx context.Context, oldID, newID string) error
	DeleteCredential(ctx context.Context, credentialID string) error
}

// ChallengeStore holds outstanding ceremony challenges.
type ChallengeStore interface {
	SaveChallenge(ctx context.Context, ch *Challenge, ttl time.Duration) error
	GetChallenge(ctx context.Context, challengeID string) (*Challenge, error)
	// FindUsable returns the newest unconsumed, unexpired challenge for
	// the owner and ceremony type, or ErrChallengeNotFound.
	FindUsable(ctx context.Context, ceremony CeremonyType, ownerID string) (*Challenge, error)
	// Consume marks the challenge used. Exactly one caller wins; every
	// other concurrent call gets false.
	Consume(ctx context.Context, challengeID string) (bool, error)
	PurgeExpired(ctx context.Context) (int, error)
}

// OTPTicketStore holds outstanding fallback code tickets.
type OTPTicketStore interface {
	SaveTicket(ctx context.Context, ticket *OTPTicket, ttl time.Duration) error
	GetTicket(ctx context.Context, ticketID string) (*OTPTicket, error)
	// IncrementAttempts bumps the attempt count atomically and returns
	// the post-increment value.
	IncrementAttempts(ctx context.Context, ticketID string) (int, error)
	DeleteTicket(ctx context.Context, ticketID string) error
	PurgeExpired(ctx context.Context) (int, error)
}

// EventWriter accepts security events. Append is synchronous with the
// operation that produced the event.
type EventWriter interface {
	Append(ctx context.Context, event *SecurityEvent) error
}

// RateLimiter is a fixed-window counter keyed by caller identity.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Clock is injected wherever expiry is evaluated so tests can travel
// in time.
type Clock func() time.Time
