package credential

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"passkey-service/internal/models"
	"passkey-service/internal/repository/memory"
)

func seedCredential(t *testing.T, store *memory.CredentialStore, id, userID string) *models.Credential {
	t.Helper()
	cred := &models.Credential{
		CredentialID: id,
		UserID:       userID,
		PublicKey:    []byte{0x01, 0x02},
		SignCount:    7,
	}
	require.NoError(t, store.CreateCredential(context.Background(), cred))
	return cred
}

func TestResolverExactMatch(t *testing.T) {
	store := memory.NewCredentialStore()
	raw := []byte{0xde, 0xad, 0xbe, 0xef, 0x10, 0x20}
	id := base64.RawURLEncoding.EncodeToString(raw)
	seedCredential(t, store, id, "user-1")

	resolver := NewResolver(store)
	cred, err := resolver.Resolve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, cred.CredentialID)
}

func TestResolverCanonicalizedLookup(t *testing.T) {
	store := memory.NewCredentialStore()
	raw := []byte{0xde, 0xad, 0xbe, 0xef, 0x10, 0x20}
	canonical := base64.RawURLEncoding.EncodeToString(raw)
	seedCredential(t, store, canonical, "user-1")

	// Lookup arrives with one extra encoding layer
	wrapped := base64.RawURLEncoding.EncodeToString([]byte(canonical))

	resolver := NewResolver(store)
	cred, err := resolver.Resolve(context.Background(), wrapped)
	require.NoError(t, err)
	assert.Equal(t, canonical, cred.CredentialID)
}

func TestResolverStoredIdentifierStale(t *testing.T) {
	store := memory.NewCredentialStore()
	raw := []byte{0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0xf1, 0xf2}
	canonical := base64.RawURLEncoding.EncodeToString(raw)

	// The stored row carries a double-encoded identifier
	stale := base64.RawURLEncoding.EncodeToString([]byte(canonical))
	seedCredential(t, store, stale, "user-1")

	resolver := NewResolver(store)
	cred, err := resolver.ResolveForUser(context.Background(), canonical, "user-1")
	require.NoError(t, err)
	assert.Equal(t, stale, cred.CredentialID)

	// Migration is fire-and-forget; the row is eventually re-keyed
	require.Eventually(t, func() bool {
		_, err := store.GetCredentialByID(context.Background(), canonical)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResolverDistinctIdentifiersNeverMatch(t *testing.T) {
	store := memory.NewCredentialStore()
	rawA := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	rawB := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x07}
	idA := base64.RawURLEncoding.EncodeToString(rawA)
	seedCredential(t, store, idA, "user-1")

	resolver := NewResolver(store)
	_, err := resolver.ResolveForUser(context.Background(),
		base64.RawURLEncoding.EncodeToString(rawB), "user-1")
	assert.ErrorIs(t, err, models.ErrCredentialNotFound)
}

func TestResolverUnknownCredential(t *testing.T) {
	resolver := NewResolver(memory.NewCredentialStore())
	_, err := resolver.Resolve(context.Background(), "bm90LXRoZXJl")
	assert.ErrorIs(t, err, models.ErrCredentialNotFound)
}
