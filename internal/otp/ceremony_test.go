package otp

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"passkey-service/internal/ceremony"
	"passkey-service/internal/config"
	"passkey-service/internal/encryption"
	"passkey-service/internal/hashing"
	"passkey-service/internal/identity"
	"passkey-service/internal/models"
	"passkey-service/internal/repository/memory"
)

// captureNotifier records the delivered code instead of sending it.
type captureNotifier struct {
	lastCode   string
	lastTarget string
	fail       bool
}

func (n *captureNotifier) Deliver(ctx context.Context, method models.DeliveryMethod, target, code string) error {
	if n.fail {
		return fmt.Errorf("gateway unavailable")
	}
	n.lastTarget = target
	n.lastCode = code
	return nil
}

type otpFixture struct {
	tickets  *memory.OTPTicketStore
	users    *memory.UserStore
	events   *memory.EventRecorder
	notifier *captureNotifier
	ceremony *Ceremony
	now      time.Time
}

func newOTPFixture(t *testing.T) *otpFixture {
	t.Helper()

	cfg := &config.Config{
		OTP: config.OTPConfig{
			CodeLength:  6,
			TTL:         5 * time.Minute,
			MaxAttempts: 3,
		},
		RateLimit: config.RateLimitConfig{OTPSendsPerHour: 100},
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
	}

	f := &otpFixture{
		tickets:  nil,
		users:    memory.NewUserStore(),
		events:   memory.NewEventRecorder(),
		notifier: &captureNotifier{},
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.tickets = memory.NewOTPTicketStore(clock)

	identities := identity.NewResolver(f.users, encryption.NewManager(&config.Config{}, nil))
	f.ceremony = NewCeremony(
		f.tickets,
		identities,
		hashing.NewHasher(cfg),
		f.notifier,
		f.events,
		memory.NewRateLimiter(clock),
		cfg,
		clock,
	)
	return f
}

func TestSendAndVerifyRegistration(t *testing.T) {
	f := newOTPFixture(t)
	ctx := context.Background()

	sent, err := f.ceremony.Send(ctx, SendInput{
		Target:  "alice@example.com",
		Method:  models.DeliveryEmail,
		Purpose: models.OTPPurposeRegistration,
	})
	require.NoError(t, err)
	require.Len(t, f.notifier.lastCode, 6)

	outcome, err := f.ceremony.Verify(ctx, VerifyInput{
		TicketID: sent.TicketID,
		Target:   "alice@example.com",
		Code:     f.notifier.lastCode,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, outcome.UserID)
	assert.Equal(t, models.OTPPurposeRegistration, outcome.Purpose)

	// Proving control of the address created the account
	user, err := f.users.GetUserByID(ctx, outcome.UserID)
	require.NoError(t, err)
	assert.Equal(t, identity.HashEmail("alice@example.com"), user.EmailHash)

	// The ticket is single use
	_, err = f.tickets.GetTicket(ctx, sent.TicketID)
	assert.ErrorIs(t, err, models.ErrTicketNotFound)

	assert.Equal(t, 1, f.events.CountByType(models.EventOTPSent))
	assert.Equal(t, 1, f.events.CountByType(models.EventOTPVerified))
}

func TestVerifyLoginRequiresAccount(t *testing.T) {
	f := newOTPFixture(t)
	ctx := context.Background()

	require.NoError(t, f.users.CreateUser(ctx, &models.User{
		Username:  "alice",
		EmailHash: identity.HashEmail("alice@example.com"),
	}))

	sent, err := f.ceremony.Send(ctx, SendInput{
		Target:  "alice@example.com",
		Method:  models.DeliveryEmail,
		Purpose: models.OTPPurposeLogin,
	})
	require.NoError(t, err)

	outcome, err := f.ceremony.Verify(ctx, VerifyInput{
		TicketID: sent.TicketID,
		Target:   "alice@example.com",
		Code:     f.notifier.lastCode,
	})
	require.NoError(t, err)
	assert.Equal(t, "alice", mustUser(t, f, outcome.UserID).Username)
}

func TestVerifyLoginUnknownAccount(t *testing.T) {
	f := newOTPFixture(t)
	ctx := context.Background()

	sent, err := f.ceremony.Send(ctx, SendInput{
		Target:  "ghost@example.com",
		Method:  models.DeliveryEmail,
		Purpose: models.OTPPurposeLogin,
	})
	require.NoError(t, err)

	_, err = f.ceremony.Verify(ctx, VerifyInput{
		TicketID: sent.TicketID,
		Target:   "ghost@example.com",
		Code:     f.notifier.lastCode,
	})
	assert.ErrorIs(t, err, ceremony.ErrVerificationFailed)
}

func TestVerifyWrongCode(t *testing.T) {
	f := newOTPFixture(t)
	ctx := context.Background()

	sent, err := f.ceremony.Send(ctx, SendInput{
		Target:  "alice@example.com",
		Method:  models.DeliveryEmail,
		Purpose: models.OTPPurposeRegistration,
	})
	require.NoError(t, err)

	_, err = f.ceremony.Verify(ctx, VerifyInput{
		TicketID: sent.TicketID,
		Target:   "alice@example.com",
		Code:     "000000",
	})
	assert.ErrorIs(t, err, ceremony.ErrCodeMismatch)
	assert.Equal(t, 1, f.events.CountByType(models.EventOTPFailed))

	// The right code still works within the attempt budget
	outcome, err := f.ceremony.Verify(ctx, VerifyInput{
		TicketID: sent.TicketID,
		Target:   "alice@example.com",
		Code:     f.notifier.lastCode,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, outcome.UserID)
}

func TestVerifyAttemptExhaustion(t *testing.T) {
	f := newOTPFixture(t)
	ctx := context.Background()

	sent, err := f.ceremony.Send(ctx, SendInput{
		Target:  "alice@example.com",
		Method:  models.DeliveryEmail,
		Purpose: models.OTPPurposeRegistration,
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = f.ceremony.Verify(ctx, VerifyInput{
			TicketID: sent.TicketID,
			Target:   "alice@example.com",
			Code:     "000000",
		})
		assert.ErrorIs(t, err, ceremony.ErrCodeMismatch)
	}

	// The correct code is refused once the budget is spent
	_, err = f.ceremony.Verify(ctx, VerifyInput{
		TicketID: sent.TicketID,
		Target:   "alice@example.com",
		Code:     f.notifier.lastCode,
	})
	assert.ErrorIs(t, err, ceremony.ErrMaxAttemptsExceeded)
	assert.Equal(t, 1, f.events.CountByType(models.EventOTPExhausted))

	// The exhausted ticket is gone
	_, err = f.ceremony.Verify(ctx, VerifyInput{
		TicketID: sent.TicketID,
		Target:   "alice@example.com",
		Code:     f.notifier.lastCode,
	})
	assert.ErrorIs(t, err, ceremony.ErrChallengeInvalid)
}

func TestVerifyExpiredTicket(t *testing.T) {
	f := newOTPFixture(t)
	ctx := context.Background()

	sent, err := f.ceremony.Send(ctx, SendInput{
		Target:  "alice@example.com",
		Method:  models.DeliveryEmail,
		Purpose: models.OTPPurposeRegistration,
	})
	require.NoError(t, err)

	f.now = f.now.Add(6 * time.Minute)

	_, err = f.ceremony.Verify(ctx, VerifyInput{
		TicketID: sent.TicketID,
		Target:   "alice@example.com",
		Code:     f.notifier.lastCode,
	})
	assert.ErrorIs(t, err, ceremony.ErrChallengeInvalid)
}

func TestVerifyTargetMismatch(t *testing.T) {
	f := newOTPFixture(t)
	ctx := context.Background()

	sent, err := f.ceremony.Send(ctx, SendInput{
		Target:  "alice@example.com",
		Method:  models.DeliveryEmail,
		Purpose: models.OTPPurposeRegistration,
	})
	require.NoError(t, err)

	_, err = f.ceremony.Verify(ctx, VerifyInput{
		TicketID: sent.TicketID,
		Target:   "mallory@example.com",
		Code:     f.notifier.lastCode,
	})
	assert.ErrorIs(t, err, ceremony.ErrChallengeInvalid)
}

func TestSendRateLimited(t *testing.T) {
	f := newOTPFixture(t)
	f.ceremony.config.RateLimit.OTPSendsPerHour = 1
	ctx := context.Background()

	_, err := f.ceremony.Send(ctx, SendInput{
		Target:  "alice@example.com",
		Method:  models.DeliveryEmail,
		Purpose: models.OTPPurposeLogin,
	})
	require.NoError(t, err)

	_, err = f.ceremony.Send(ctx, SendInput{
		Target:  "alice@example.com",
		Method:  models.DeliveryEmail,
		Purpose: models.OTPPurposeLogin,
	})
	assert.ErrorIs(t, err, ceremony.ErrRateLimited)
}

func TestSendDeliveryFailureRollsBack(t *testing.T) {
	f := newOTPFixture(t)
	f.notifier.fail = true
	ctx := context.Background()

	_, err := f.ceremony.Send(ctx, SendInput{
		Target:  "alice@example.com",
		Method:  models.DeliveryEmail,
		Purpose: models.OTPPurposeRegistration,
	})
	assert.ErrorIs(t, err, ceremony.ErrDeliveryFailed)

	// A leaked ticket would survive until expiry; the rollback means
	// there is nothing left to purge.
	f.now = f.now.Add(10 * time.Minute)
	purged, err := f.tickets.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged)
}

func TestSendRejectsBadInput(t *testing.T) {
	f := newOTPFixture(t)
	ctx := context.Background()

	_, err := f.ceremony.Send(ctx, SendInput{Method: models.DeliveryEmail, Purpose: models.OTPPurposeLogin})
	assert.ErrorIs(t, err, ceremony.ErrInvalidInput)

	_, err = f.ceremony.Send(ctx, SendInput{Target: "alice@example.com", Method: "carrier-pigeon", Purpose: models.OTPPurposeLogin})
	assert.ErrorIs(t, err, ceremony.ErrInvalidInput)

	_, err = f.ceremony.Send(ctx, SendInput{Target: "alice@example.com", Method: models.DeliveryEmail, Purpose: "unknown"})
	assert.ErrorIs(t, err, ceremony.ErrInvalidInput)
}

func mustUser(t *testing.T, f *otpFixture, userID string) *models.User {
	t.Helper()
	user, err := f.users.GetUserByID(context.Background(), userID)
	require.NoError(t, err)
	return user
}
