// Package identity maps user-facing handles onto user records. A
// handle containing "@" is treated as an email address, anything else
// as a username.
package identity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"passkey-service/internal/encryption"
	"passkey-service/internal/models"
	"passkey-service/internal/util"
)

var (
	ErrInvalidHandle = errors.New("invalid handle")
	ErrEmailTaken    = errors.New("email already bound to another user")
)

type Resolver struct {
	users     models.UserRepository
	encryptor *encryption.Manager
}

func NewResolver(users models.UserRepository, encryptor *encryption.Manager) *Resolver {
	return &Resolver{
		users:     users,
		encryptor: encryptor,
	}
}

// HashEmail derives the lookup key for an email address. The address
// itself is only persisted envelope-encrypted.
func HashEmail(email string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(sum[:])
}

// Resolve finds the user a handle refers to.
func (r *Resolver) Resolve(ctx context.Context, handle string) (*models.User, error) {
	handle = strings.TrimSpace(handle)
	if handle == "" || util.ContainsSuspicious(handle) {
		return nil, ErrInvalidHandle
	}

	if strings.Contains(handle, "@") {
		return r.users.GetUserByEmailHash(ctx, HashEmail(handle))
	}
	return r.users.GetUserByUsername(ctx, handle)
}

// ResolveOrCreate resolves the handle, creating the user on a miss.
// Creation fails with ErrEmailTaken when the requested email already
// belongs to a different user.
func (r *Resolver) ResolveOrCreate(ctx context.Context, handle, displayName, email string) (*models.User, error) {
	user, err := r.Resolve(ctx, handle)
	if err == nil {
		if email != "" && user.EmailHash != "" && user.EmailHash != HashEmail(email) {
			return nil, ErrEmailTaken
		}
		return user, nil
	}
	if !errors.Is(err, models.ErrUserNotFound) {
		return nil, err
	}

	if strings.Contains(handle, "@") {
		// Email used as the handle doubles as the account email
		if email == "" {
			email = handle
		} else if HashEmail(email) != HashEmail(handle) {
			return nil, ErrInvalidHandle
		}
	}

	if email != "" {
		if existing, err := r.users.GetUserByEmailHash(ctx, HashEmail(email)); err == nil {
			if existing.Username != handle {
				return nil, ErrEmailTaken
			}
			return existing, nil
		} else if !errors.Is(err, models.ErrUserNotFound) {
			return nil, err
		}
	}

	user = &models.User{
		Username:    usernameFromHandle(handle),
		DisplayName: util.SanitizeInput(displayName),
	}
	if user.DisplayName == "" {
		user.DisplayName = user.Username
	}

	if email != "" {
		user.EmailHash = HashEmail(email)
		envelope, err := r.encryptor.EncryptField(ctx, email)
		if err != nil {
			util.Error("Failed to encrypt email", zap.Error(err))
			return nil, fmt.Errorf("failed to encrypt email: %w", err)
		}
		blob, err := encodeEnvelope(envelope)
		if err != nil {
			return nil, err
		}
		user.EmailEncrypted = blob
		user.EmailKeyID = envelope.KeyID
	}

	if err := r.users.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	util.Info("User created for handle",
		zap.String("user_id", user.UserID),
		zap.String("username", user.Username))

	return user, nil
}

// Email decrypts a user's stored email address for display.
func (r *Resolver) Email(ctx context.Context, user *models.User) (string, error) {
	if len(user.EmailEncrypted) == 0 {
		return "", nil
	}
	envelope, err := decodeEnvelope(user.EmailEncrypted)
	if err != nil {
		return "", err
	}
	return r.encryptor.DecryptField(ctx, envelope)
}

func usernameFromHandle(handle string) string {
	return strings.TrimSpace(handle)
}
