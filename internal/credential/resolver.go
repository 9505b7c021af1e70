package credential

import (
	"bytes"
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"passkey-service/internal/models"
	"passkey-service/internal/util"
)

// Resolver finds credentials whose stored identifier may carry stale
// encoding layers. A textual mismatch must never reject a legitimate
// credential, and two genuinely different identifiers must never
// resolve to the same row.
type Resolver struct {
	repo models.CredentialRepository
}

func NewResolver(repo models.CredentialRepository) *Resolver {
	return &Resolver{repo: repo}
}

// Resolve runs the direct lookups: exact match first, then a match on
// the canonicalized lookup identifier.
func (r *Resolver) Resolve(ctx context.Context, id string) (*models.Credential, error) {
	cred, err := r.repo.GetCredentialByID(ctx, id)
	if err == nil {
		return cred, nil
	}
	if !errors.Is(err, models.ErrCredentialNotFound) {
		return nil, err
	}

	canon := Canonicalize(id)
	if canon == id {
		return nil, models.ErrCredentialNotFound
	}

	return r.repo.GetCredentialByID(ctx, canon)
}

// ResolveForUser extends Resolve with the per-user fallbacks: stored
// identifiers are canonicalized and, as a last resort, compared to the
// lookup identifier byte-for-byte after decoding. A non-exact hit
// triggers a best-effort rewrite of the stored identifier.
func (r *Resolver) ResolveForUser(ctx context.Context, id, userID string) (*models.Credential, error) {
	cred, err := r.Resolve(ctx, id)
	if err == nil {
		return cred, nil
	}
	if !errors.Is(err, models.ErrCredentialNotFound) {
		return nil, err
	}

	creds, err := r.repo.GetCredentialsByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	canon := Canonicalize(id)
	for _, stored := range creds {
		if Canonicalize(stored.CredentialID) == canon {
			r.migrate(stored.CredentialID, canon)
			return stored, nil
		}
	}

	lookupRaw, err := DecodeRaw(id)
	if err != nil {
		return nil, models.ErrCredentialNotFound
	}
	for _, stored := range creds {
		storedRaw, err := DecodeRaw(stored.CredentialID)
		if err != nil {
			continue
		}
		if bytes.Equal(storedRaw, lookupRaw) {
			r.migrate(stored.CredentialID, canon)
			return stored, nil
		}
	}

	return nil, models.ErrCredentialNotFound
}

// migrate rewrites a stale stored identifier to canonical form. It is
// fire-and-forget: the surrounding ceremony must not observe failure.
func (r *Resolver) migrate(oldID, newID string) {
	if oldID == newID {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := r.repo.RewriteCredentialID(ctx, oldID, newID); err != nil {
			util.Warn("Credential ID migration failed",
				zap.String("old_id", oldID),
				zap.String("new_id", newID),
				zap.Error(err))
			return
		}

		util.Info("Credential ID migrated to canonical form",
			zap.String("old_id", oldID),
			zap.String("new_id", newID))
	}()
}
