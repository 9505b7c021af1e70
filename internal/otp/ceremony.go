// Package otp implements the delivered-code fallback for accounts that
// cannot complete a passkey ceremony. Codes are short lived, hashed at
// rest and burn after a bounded number of attempts.
package otp

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"passkey-service/internal/ceremony"
	"passkey-service/internal/config"
	"passkey-service/internal/hashing"
	"passkey-service/internal/identity"
	"passkey-service/internal/models"
	"passkey-service/internal/util"
)

type Ceremony struct {
	tickets    models.OTPTicketStore
	identities *identity.Resolver
	hasher     *hashing.Hasher
	notifier   Notifier
	events     models.EventWriter
	limiter    models.RateLimiter
	config     *config.Config
	clock      models.Clock
}

func NewCeremony(
	tickets models.OTPTicketStore,
	identities *identity.Resolver,
	hasher *hashing.Hasher,
	notifier Notifier,
	events models.EventWriter,
	limiter models.RateLimiter,
	cfg *config.Config,
	clock models.Clock,
) *Ceremony {
	if clock == nil {
		clock = time.Now
	}
	return &Ceremony{
		tickets:    tickets,
		identities: identities,
		hasher:     hasher,
		notifier:   notifier,
		events:     events,
		limiter:    limiter,
		config:     cfg,
		clock:      clock,
	}
}

type SendInput struct {
	Target   string
	Method   models.DeliveryMethod
	Purpose  models.OTPPurpose
	ClientIP string
}

type SendOutcome struct {
	TicketID  string    `json:"ticket_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

type VerifyInput struct {
	TicketID string
	Target   string
	Code     string
	ClientIP string
}

type VerifyOutcome struct {
	UserID  string            `json:"user_id"`
	Purpose models.OTPPurpose `json:"purpose"`
}

// Send issues a fresh code to the target and persists its ticket. The
// ticket is rolled back when delivery fails so a dead code cannot be
// guessed against.
func (c *Ceremony) Send(ctx context.Context, input SendInput) (*SendOutcome, error) {
	target := strings.TrimSpace(input.Target)
	if target == "" || util.ContainsSuspicious(target) {
		return nil, fmt.Errorf("%w: target is required", ceremony.ErrInvalidInput)
	}
	switch input.Method {
	case models.DeliveryEmail, models.DeliverySMS:
	default:
		return nil, fmt.Errorf("%w: unknown delivery method", ceremony.ErrInvalidInput)
	}
	switch input.Purpose {
	case models.OTPPurposeRegistration, models.OTPPurposeLogin:
	default:
		return nil, fmt.Errorf("%w: unknown purpose", ceremony.ErrInvalidInput)
	}

	allowed, err := c.limiter.Allow(ctx, "otp:"+target,
		c.config.RateLimit.OTPSendsPerHour, time.Hour)
	if err != nil {
		util.Warn("Rate limiter unavailable, allowing request", zap.Error(err))
	} else if !allowed {
		c.emit(ctx, &models.SecurityEvent{
			EventType: models.EventRateLimited,
			IPAddress: net.ParseIP(input.ClientIP),
			Severity:  models.SeverityMedium,
			Details:   "otp send budget exceeded",
		})
		return nil, fmt.Errorf("%w: too many codes requested", ceremony.ErrRateLimited)
	}

	code, err := generateCode(c.config.OTP.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("%w: could not generate code", ceremony.ErrInternal)
	}

	hashed, err := c.hasher.HashCode(code)
	if err != nil {
		util.Error("Failed to hash fallback code", zap.Error(err))
		return nil, fmt.Errorf("%w: could not hash code", ceremony.ErrInternal)
	}
	codeHash, err := json.Marshal(hashed)
	if err != nil {
		return nil, fmt.Errorf("%w: could not encode code hash", ceremony.ErrInternal)
	}

	now := c.clock().UTC()
	ticket := &models.OTPTicket{
		TicketID:  uuid.New().String(),
		Target:    target,
		Method:    input.Method,
		Purpose:   input.Purpose,
		CodeHash:  codeHash,
		CreatedAt: now,
		ExpiresAt: now.Add(c.config.OTP.TTL),
	}
	if err := c.tickets.SaveTicket(ctx, ticket, c.config.OTP.TTL); err != nil {
		util.Error("Failed to persist otp ticket", zap.Error(err))
		return nil, fmt.Errorf("%w: could not persist ticket", ceremony.ErrInternal)
	}

	if err := c.notifier.Deliver(ctx, input.Method, target, code); err != nil {
		util.Error("Fallback code delivery failed",
			zap.String("method", string(input.Method)), zap.Error(err))
		if delErr := c.tickets.DeleteTicket(ctx, ticket.TicketID); delErr != nil {
			util.Warn("Failed to roll back undelivered ticket",
				zap.String("ticket_id", ticket.TicketID), zap.Error(delErr))
		}
		c.emit(ctx, &models.SecurityEvent{
			EventType: models.EventOTPFailed,
			IPAddress: net.ParseIP(input.ClientIP),
			Severity:  models.SeverityMedium,
			Details:   "delivery failed",
		})
		return nil, fmt.Errorf("%w: could not deliver code", ceremony.ErrDeliveryFailed)
	}

	c.emit(ctx, &models.SecurityEvent{
		EventType: models.EventOTPSent,
		IPAddress: net.ParseIP(input.ClientIP),
		Severity:  models.SeverityLow,
		Details:   string(input.Purpose),
	})

	util.Info("Fallback code issued",
		zap.String("ticket_id", ticket.TicketID),
		zap.String("method", string(input.Method)),
		zap.String("purpose", string(input.Purpose)))

	return &SendOutcome{TicketID: ticket.TicketID, ExpiresAt: ticket.ExpiresAt}, nil
}

// Verify checks a submitted code. The attempt counter moves before the
// comparison so a flood of guesses burns the ticket no matter how the
// comparisons land.
func (c *Ceremony) Verify(ctx context.Context, input VerifyInput) (*VerifyOutcome, error) {
	ticket, err := c.tickets.GetTicket(ctx, input.TicketID)
	if err != nil {
		if errors.Is(err, models.ErrTicketNotFound) {
			return nil, fmt.Errorf("%w: no pending code", ceremony.ErrChallengeInvalid)
		}
		return nil, fmt.Errorf("%w: could not load ticket", ceremony.ErrInternal)
	}

	if ticket.Expired(c.clock()) {
		_ = c.tickets.DeleteTicket(ctx, ticket.TicketID)
		return nil, fmt.Errorf("%w: code expired", ceremony.ErrChallengeInvalid)
	}
	if strings.TrimSpace(input.Target) != ticket.Target {
		return nil, fmt.Errorf("%w: no pending code", ceremony.ErrChallengeInvalid)
	}

	attempts, err := c.tickets.IncrementAttempts(ctx, ticket.TicketID)
	if err != nil {
		if errors.Is(err, models.ErrTicketNotFound) {
			return nil, fmt.Errorf("%w: no pending code", ceremony.ErrChallengeInvalid)
		}
		return nil, fmt.Errorf("%w: could not count attempt", ceremony.ErrInternal)
	}
	if attempts > c.config.OTP.MaxAttempts {
		_ = c.tickets.DeleteTicket(ctx, ticket.TicketID)
		c.emit(ctx, &models.SecurityEvent{
			EventType: models.EventOTPExhausted,
			IPAddress: net.ParseIP(input.ClientIP),
			Severity:  models.SeverityMedium,
			Details:   fmt.Sprintf("attempts=%d", attempts),
		})
		return nil, fmt.Errorf("%w: request a new code", ceremony.ErrMaxAttemptsExceeded)
	}

	var hashed hashing.HashResult
	if err := json.Unmarshal(ticket.CodeHash, &hashed); err != nil {
		util.Error("Corrupt code hash on ticket",
			zap.String("ticket_id", ticket.TicketID), zap.Error(err))
		return nil, fmt.Errorf("%w: could not verify code", ceremony.ErrInternal)
	}

	ok, err := c.hasher.VerifyCode(input.Code, &hashed)
	if err != nil {
		util.Error("Failed to verify fallback code", zap.Error(err))
		return nil, fmt.Errorf("%w: could not verify code", ceremony.ErrInternal)
	}
	if !ok {
		c.emit(ctx, &models.SecurityEvent{
			EventType: models.EventOTPFailed,
			IPAddress: net.ParseIP(input.ClientIP),
			Severity:  models.SeverityLow,
			Details:   "code mismatch",
		})
		return nil, fmt.Errorf("%w: wrong code", ceremony.ErrCodeMismatch)
	}

	if err := c.tickets.DeleteTicket(ctx, ticket.TicketID); err != nil {
		util.Warn("Failed to delete verified ticket",
			zap.String("ticket_id", ticket.TicketID), zap.Error(err))
	}

	user, err := c.resolveSubject(ctx, ticket)
	if err != nil {
		return nil, err
	}

	c.emit(ctx, &models.SecurityEvent{
		UserID:    user.UserID,
		EventType: models.EventOTPVerified,
		IPAddress: net.ParseIP(input.ClientIP),
		Severity:  models.SeverityLow,
		Details:   string(ticket.Purpose),
	})

	util.Info("Fallback code verified",
		zap.String("user_id", user.UserID),
		zap.String("purpose", string(ticket.Purpose)))

	return &VerifyOutcome{UserID: user.UserID, Purpose: ticket.Purpose}, nil
}

// resolveSubject maps the verified target onto an account. Proving
// control of the target is enough to create one during registration;
// login requires the account to already exist.
func (c *Ceremony) resolveSubject(ctx context.Context, ticket *models.OTPTicket) (*models.User, error) {
	if ticket.Purpose == models.OTPPurposeRegistration {
		email := ""
		if ticket.Method == models.DeliveryEmail {
			email = ticket.Target
		}
		user, err := c.identities.ResolveOrCreate(ctx, ticket.Target, "", email)
		if err != nil {
			if errors.Is(err, identity.ErrEmailTaken) {
				return nil, fmt.Errorf("%w: %v", ceremony.ErrConflict, err)
			}
			util.Error("Failed to resolve otp subject", zap.Error(err))
			return nil, fmt.Errorf("%w: could not resolve account", ceremony.ErrInternal)
		}
		return user, nil
	}

	user, err := c.identities.Resolve(ctx, ticket.Target)
	if err != nil {
		if errors.Is(err, models.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: unknown account", ceremony.ErrVerificationFailed)
		}
		return nil, fmt.Errorf("%w: could not resolve account", ceremony.ErrInternal)
	}
	return user, nil
}

func (c *Ceremony) emit(ctx context.Context, event *models.SecurityEvent) {
	if err := c.events.Append(ctx, event); err != nil {
		util.Warn("Failed to record security event",
			zap.String("event_type", event.EventType),
			zap.Error(err))
	}
}

func generateCode(length int) (string, error) {
	if length <= 0 {
		length = 6
	}
	digits := make([]byte, length)
	for i := range digits {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		digits[i] = byte('0' + n.Int64())
	}
	return string(digits), nil
}
