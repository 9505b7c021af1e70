package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"passkey-service/internal/client"
	"passkey-service/internal/models"
	"passkey-service/internal/util"
)

const (
	challengePrefix    = "challenge:"
	challengeIdxPrefix = "challenge_idx:"
)

// consumeScript flips the consumed flag exactly once. Returns 1 when
// this caller won, 0 when the challenge was already consumed, -1 when
// the key is gone.
const consumeScript = `
    if redis.call('EXISTS', KEYS[1]) == 0 then
        return -1
    end
    if redis.call('HGET', KEYS[1], 'consumed') == '1' then
        return 0
    end
    redis.call('HSET', KEYS[1], 'consumed', '1')
    return 1
`

// ChallengeStore keeps ceremony challenges in Redis hashes. The key
// TTL is storage reclamation only; expiry is enforced by comparing
// the stored deadline against the clock on every read.
type ChallengeStore struct {
	client *client.RedisClient
	clock  models.Clock
}

func NewChallengeStore(client *client.RedisClient, clock models.Clock) *ChallengeStore {
	if clock == nil {
		clock = time.Now
	}
	return &ChallengeStore{client: client, clock: clock}
}

func (s *ChallengeStore) SaveChallenge(ctx context.Context, ch *models.Challenge, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := json.Marshal(ch)
	if err != nil {
		return fmt.Errorf("failed to marshal challenge: %w", err)
	}

	key := challengePrefix + ch.ChallengeID

	// Keep the key around past the logical deadline so a replay against
	// an expired challenge is distinguishable from an unknown one
	keyTTL := ttl + time.Minute

	pipe := s.client.Client.TxPipeline()
	pipe.HSet(ctx, key, "data", data, "consumed", "0")
	pipe.Expire(ctx, key, keyTTL)
	if ch.OwnerID != "" {
		idxKey := challengeIdxPrefix + string(ch.Type) + ":" + ch.OwnerID
		pipe.Set(ctx, idxKey, ch.ChallengeID, keyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to save challenge",
			zap.String("challenge_id", ch.ChallengeID),
			zap.Error(err))
		return fmt.Errorf("failed to save challenge: %w", err)
	}

	util.Debug("Challenge saved",
		zap.String("challenge_id", ch.ChallengeID),
		zap.String("ceremony_type", string(ch.Type)),
		zap.Duration("ttl", ttl))

	return nil
}

func (s *ChallengeStore) GetChallenge(ctx context.Context, challengeID string) (*models.Challenge, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := challengePrefix + challengeID

	fields, err := s.client.Client.HGetAll(ctx, key).Result()
	if err != nil {
		util.Error("Failed to get challenge",
			zap.String("challenge_id", challengeID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}
	if len(fields) == 0 {
		return nil, models.ErrChallengeNotFound
	}

	ch := &models.Challenge{}
	if err := json.Unmarshal([]byte(fields["data"]), ch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal challenge: %w", err)
	}
	ch.Consumed = fields["consumed"] == "1"

	return ch, nil
}

func (s *ChallengeStore) FindUsable(ctx context.Context, ceremony models.CeremonyType, ownerID string) (*models.Challenge, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	idxKey := challengeIdxPrefix + string(ceremony) + ":" + ownerID
	challengeID, err := s.client.Get(ctx, idxKey)
	if err != nil {
		return nil, models.ErrChallengeNotFound
	}

	ch, err := s.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if !ch.Usable(s.clock()) {
		return nil, models.ErrChallengeNotFound
	}

	return ch, nil
}

func (s *ChallengeStore) Consume(ctx context.Context, challengeID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := challengePrefix + challengeID

	result, err := s.client.Eval(ctx, consumeScript, []string{key})
	if err != nil {
		util.Error("Failed to consume challenge",
			zap.String("challenge_id", challengeID),
			zap.Error(err))
		return false, fmt.Errorf("failed to consume challenge: %w", err)
	}

	switch result.(int64) {
	case 1:
		return true, nil
	case 0:
		util.Warn("Challenge consume lost to concurrent caller",
			zap.String("challenge_id", challengeID))
		return false, nil
	default:
		return false, models.ErrChallengeNotFound
	}
}

// PurgeExpired walks challenge keys and drops those past their logical
// deadline. Redis TTLs would get there eventually; this reclaims early.
func (s *ChallengeStore) PurgeExpired(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	keys, err := s.client.ScanKeys(ctx, challengePrefix+"*", 1000)
	if err != nil {
		return 0, fmt.Errorf("failed to scan challenge keys: %w", err)
	}

	now := s.clock()
	purged := 0
	for _, key := range keys {
		data, err := s.client.Client.HGet(ctx, key, "data").Result()
		if err != nil {
			continue
		}
		ch := &models.Challenge{}
		if err := json.Unmarshal([]byte(data), ch); err != nil {
			continue
		}
		if now.After(ch.ExpiresAt) {
			if err := s.client.Del(ctx, key); err == nil {
				purged++
			}
		}
	}

	if purged > 0 {
		util.Info("Expired challenges purged", zap.Int("count", purged))
	}

	return purged, nil
}
