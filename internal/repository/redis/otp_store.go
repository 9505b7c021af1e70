package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"passkey-service/internal/client"
	"passkey-service/internal/models"
	"passkey-service/internal/util"
)

const otpTicketPrefix = "otp_ticket:"

// incrAttemptsScript bumps the attempt counter only while the ticket
// exists, so the increment and the existence check cannot race a
// concurrent delete.
const incrAttemptsScript = `
    if redis.call('EXISTS', KEYS[1]) == 0 then
        return -1
    end
    return redis.call('HINCRBY', KEYS[1], 'attempts', 1)
`

type OTPTicketStore struct {
	client *client.RedisClient
	clock  models.Clock
}

func NewOTPTicketStore(client *client.RedisClient, clock models.Clock) *OTPTicketStore {
	if clock == nil {
		clock = time.Now
	}
	return &OTPTicketStore{client: client, clock: clock}
}

func (s *OTPTicketStore) SaveTicket(ctx context.Context, ticket *models.OTPTicket, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("failed to marshal ticket: %w", err)
	}

	key := otpTicketPrefix + ticket.TicketID

	pipe := s.client.Client.TxPipeline()
	pipe.HSet(ctx, key, "data", data, "attempts", ticket.Attempts)
	pipe.Expire(ctx, key, ttl+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to save OTP ticket",
			zap.String("ticket_id", ticket.TicketID),
			zap.Error(err))
		return fmt.Errorf("failed to save OTP ticket: %w", err)
	}

	util.Debug("OTP ticket saved",
		zap.String("ticket_id", ticket.TicketID),
		zap.String("method", string(ticket.Method)),
		zap.Duration("ttl", ttl))

	return nil
}

func (s *OTPTicketStore) GetTicket(ctx context.Context, ticketID string) (*models.OTPTicket, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := otpTicketPrefix + ticketID

	fields, err := s.client.Client.HGetAll(ctx, key).Result()
	if err != nil {
		util.Error("Failed to get OTP ticket",
			zap.String("ticket_id", ticketID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get OTP ticket: %w", err)
	}
	if len(fields) == 0 {
		return nil, models.ErrTicketNotFound
	}

	ticket := &models.OTPTicket{}
	if err := json.Unmarshal([]byte(fields["data"]), ticket); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ticket: %w", err)
	}
	// The live attempt count is tracked in its own hash field
	if n, err := strconv.Atoi(fields["attempts"]); err == nil {
		ticket.Attempts = n
	}

	return ticket, nil
}

func (s *OTPTicketStore) IncrementAttempts(ctx context.Context, ticketID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := otpTicketPrefix + ticketID

	result, err := s.client.Eval(ctx, incrAttemptsScript, []string{key})
	if err != nil {
		util.Error("Failed to increment OTP attempts",
			zap.String("ticket_id", ticketID),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment OTP attempts: %w", err)
	}

	count := result.(int64)
	if count < 0 {
		return 0, models.ErrTicketNotFound
	}

	return int(count), nil
}

func (s *OTPTicketStore) DeleteTicket(ctx context.Context, ticketID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := otpTicketPrefix + ticketID

	if err := s.client.Del(ctx, key); err != nil {
		util.Error("Failed to delete OTP ticket",
			zap.String("ticket_id", ticketID),
			zap.Error(err))
		return fmt.Errorf("failed to delete OTP ticket: %w", err)
	}

	return nil
}

func (s *OTPTicketStore) PurgeExpired(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	keys, err := s.client.ScanKeys(ctx, otpTicketPrefix+"*", 1000)
	if err != nil {
		return 0, fmt.Errorf("failed to scan ticket keys: %w", err)
	}

	now := s.clock()
	purged := 0
	for _, key := range keys {
		data, err := s.client.Client.HGet(ctx, key, "data").Result()
		if err != nil {
			continue
		}
		ticket := &models.OTPTicket{}
		if err := json.Unmarshal([]byte(data), ticket); err != nil {
			continue
		}
		if ticket.Expired(now) {
			if err := s.client.Del(ctx, key); err == nil {
				purged++
			}
		}
	}

	if purged > 0 {
		util.Info("Expired OTP tickets purged", zap.Int("count", purged))
	}

	return purged, nil
}
