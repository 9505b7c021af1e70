package identity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"passkey-service/internal/config"
	"passkey-service/internal/encryption"
	"passkey-service/internal/models"
	"passkey-service/internal/repository/memory"
)

func newResolver() (*Resolver, *memory.UserStore) {
	store := memory.NewUserStore()
	encryptor := encryption.NewManager(&config.Config{}, nil)
	return NewResolver(store, encryptor), store
}

func TestResolveByUsername(t *testing.T) {
	resolver, store := newResolver()
	ctx := context.Background()

	require.NoError(t, store.CreateUser(ctx, &models.User{Username: "alice"}))

	user, err := resolver.Resolve(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
}

func TestResolveByEmailHandle(t *testing.T) {
	resolver, store := newResolver()
	ctx := context.Background()

	require.NoError(t, store.CreateUser(ctx, &models.User{
		Username:  "alice",
		EmailHash: HashEmail("alice@example.com"),
	}))

	user, err := resolver.Resolve(ctx, "Alice@Example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
}

func TestResolveUnknownHandle(t *testing.T) {
	resolver, _ := newResolver()

	_, err := resolver.Resolve(context.Background(), "nobody")
	assert.ErrorIs(t, err, models.ErrUserNotFound)
}

func TestResolveRejectsMarkup(t *testing.T) {
	resolver, _ := newResolver()

	_, err := resolver.Resolve(context.Background(), "<script>alert(1)</script>")
	assert.ErrorIs(t, err, ErrInvalidHandle)
}

func TestResolveOrCreateNewUser(t *testing.T) {
	resolver, _ := newResolver()
	ctx := context.Background()

	user, err := resolver.ResolveOrCreate(ctx, "bob", "Bob B", "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, "bob", user.Username)
	assert.Equal(t, "Bob B", user.DisplayName)
	assert.Equal(t, HashEmail("bob@example.com"), user.EmailHash)
	assert.NotEmpty(t, user.EmailEncrypted)

	// The stored address round-trips through the envelope
	email, err := resolver.Email(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "bob@example.com", email)
}

func TestResolveOrCreateIsIdempotent(t *testing.T) {
	resolver, _ := newResolver()
	ctx := context.Background()

	first, err := resolver.ResolveOrCreate(ctx, "bob", "Bob", "bob@example.com")
	require.NoError(t, err)

	second, err := resolver.ResolveOrCreate(ctx, "bob", "Bob", "bob@example.com")
	require.NoError(t, err)
	assert.Equal(t, first.UserID, second.UserID)
}

func TestResolveOrCreateEmailConflict(t *testing.T) {
	resolver, _ := newResolver()
	ctx := context.Background()

	_, err := resolver.ResolveOrCreate(ctx, "bob", "Bob", "shared@example.com")
	require.NoError(t, err)

	_, err = resolver.ResolveOrCreate(ctx, "mallory", "Mallory", "shared@example.com")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestResolveOrCreateExistingUserDifferentEmail(t *testing.T) {
	resolver, _ := newResolver()
	ctx := context.Background()

	_, err := resolver.ResolveOrCreate(ctx, "bob", "Bob", "bob@example.com")
	require.NoError(t, err)

	_, err = resolver.ResolveOrCreate(ctx, "bob", "Bob", "other@example.com")
	assert.ErrorIs(t, err, ErrEmailTaken)
}
