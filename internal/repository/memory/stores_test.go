package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"passkey-service/internal/models"
)

func TestChallengeConsumeSingleWinner(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewChallengeStore(func() time.Time { return now })

	require.NoError(t, store.SaveChallenge(ctx, &models.Challenge{
		ChallengeID: "ch-1",
		Type:        models.CeremonyAuthentication,
		OwnerID:     "user-1",
		IssuedAt:    now,
		ExpiresAt:   now.Add(5 * time.Minute),
	}, 5*time.Minute))

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.Consume(ctx, "ch-1")
			assert.NoError(t, err)
			wins <- won
		}()
	}
	wg.Wait()
	close(wins)

	winners := 0
	for won := range wins {
		if won {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestChallengeFindUsablePicksNewest(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewChallengeStore(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		require.NoError(t, store.SaveChallenge(ctx, &models.Challenge{
			ChallengeID: fmt.Sprintf("ch-%d", i),
			Type:        models.CeremonyRegistration,
			OwnerID:     "user-1",
			IssuedAt:    now.Add(time.Duration(i) * time.Second),
			ExpiresAt:   now.Add(5 * time.Minute),
		}, 5*time.Minute))
	}

	// Consumed and expired entries never match
	_, err := store.Consume(ctx, "ch-2")
	require.NoError(t, err)

	found, err := store.FindUsable(ctx, models.CeremonyRegistration, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "ch-1", found.ChallengeID)

	_, err = store.FindUsable(ctx, models.CeremonyAuthentication, "user-1")
	assert.ErrorIs(t, err, models.ErrChallengeNotFound)

	_, err = store.FindUsable(ctx, models.CeremonyRegistration, "user-2")
	assert.ErrorIs(t, err, models.ErrChallengeNotFound)
}

func TestChallengePurgeExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewChallengeStore(func() time.Time { return now })

	require.NoError(t, store.SaveChallenge(ctx, &models.Challenge{
		ChallengeID: "stale",
		ExpiresAt:   now.Add(-time.Minute),
	}, time.Minute))
	require.NoError(t, store.SaveChallenge(ctx, &models.Challenge{
		ChallengeID: "fresh",
		ExpiresAt:   now.Add(time.Minute),
	}, time.Minute))

	purged, err := store.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = store.GetChallenge(ctx, "stale")
	assert.ErrorIs(t, err, models.ErrChallengeNotFound)
	_, err = store.GetChallenge(ctx, "fresh")
	assert.NoError(t, err)
}

func TestCredentialSignCountCompareAndSet(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore()

	require.NoError(t, store.CreateCredential(ctx, &models.Credential{
		CredentialID: "cred-1",
		UserID:       "user-1",
		SignCount:    7,
	}))

	usedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	// A stale witness loses
	err := store.UpdateSignCount(ctx, "cred-1", 6, 8, usedAt)
	assert.ErrorIs(t, err, models.ErrCounterConflict)

	require.NoError(t, store.UpdateSignCount(ctx, "cred-1", 7, 8, usedAt))

	cred, err := store.GetCredentialByID(ctx, "cred-1")
	require.NoError(t, err)
	assert.Equal(t, uint32(8), cred.SignCount)
	require.NotNil(t, cred.LastUsedAt)
	assert.Equal(t, usedAt, *cred.LastUsedAt)

	err = store.UpdateSignCount(ctx, "missing", 0, 1, usedAt)
	assert.ErrorIs(t, err, models.ErrCredentialNotFound)
}

func TestCredentialRewriteRekeysRow(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore()

	require.NoError(t, store.CreateCredential(ctx, &models.Credential{
		CredentialID: "old-id",
		UserID:       "user-1",
		SignCount:    3,
	}))

	require.NoError(t, store.RewriteCredentialID(ctx, "old-id", "new-id"))

	_, err := store.GetCredentialByID(ctx, "old-id")
	assert.ErrorIs(t, err, models.ErrCredentialNotFound)

	cred, err := store.GetCredentialByID(ctx, "new-id")
	require.NoError(t, err)
	assert.Equal(t, uint32(3), cred.SignCount)

	// The per-user listing follows the rename
	creds, err := store.GetCredentialsByUserID(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, "new-id", creds[0].CredentialID)

	err = store.RewriteCredentialID(ctx, "old-id", "other")
	assert.ErrorIs(t, err, models.ErrCredentialNotFound)
}

func TestCredentialDelete(t *testing.T) {
	ctx := context.Background()
	store := NewCredentialStore()

	require.NoError(t, store.CreateCredential(ctx, &models.Credential{
		CredentialID: "cred-1",
		UserID:       "user-1",
	}))
	require.NoError(t, store.CreateCredential(ctx, &models.Credential{
		CredentialID: "cred-2",
		UserID:       "user-1",
	}))

	require.NoError(t, store.DeleteCredential(ctx, "cred-1"))

	creds, err := store.GetCredentialsByUserID(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, creds, 1)
	assert.Equal(t, "cred-2", creds[0].CredentialID)
}

func TestUserStoreUniqueUsername(t *testing.T) {
	ctx := context.Background()
	store := NewUserStore()

	require.NoError(t, store.CreateUser(ctx, &models.User{Username: "alice"}))
	err := store.CreateUser(ctx, &models.User{Username: "alice"})
	assert.ErrorIs(t, err, models.ErrUserAlreadyExists)
}

func TestRateLimiterWindowReset(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "k", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := limiter.Allow(ctx, "k", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(time.Minute)
	ok, err = limiter.Allow(ctx, "k", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
