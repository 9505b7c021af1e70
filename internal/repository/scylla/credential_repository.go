package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"passkey-service/internal/models"
	"passkey-service/internal/util"
)

type CredentialRepository struct {
	client *ScyllaClient
}

func NewCredentialRepository(client *ScyllaClient) *CredentialRepository {
	return &CredentialRepository{
		client: client,
	}
}

func (r *CredentialRepository) CreateCredential(ctx context.Context, cred *models.Credential) error {
	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.CreateCredential.Statement(),
		cred.CredentialID, cred.UserID, cred.PublicKey, cred.AttestationType,
		cred.Transports, cred.AAGUID, cred.SignCount, cred.BackupEligible,
		cred.BackupState, cred.CloneWarning, cred.FriendlyName,
		cred.CreatedAt, cred.LastUsedAt)

	batch.Query(r.client.Prepared.CreateCredentialByUser.Statement(),
		cred.UserID, cred.CredentialID, cred.CreatedAt)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create credential",
			zap.String("credential_id", cred.CredentialID),
			zap.String("user_id", cred.UserID),
			zap.Error(err))
		return fmt.Errorf("failed to create credential: %w", err)
	}

	util.Info("Credential created",
		zap.String("credential_id", cred.CredentialID),
		zap.String("user_id", cred.UserID))

	return nil
}

func (r *CredentialRepository) GetCredentialByID(ctx context.Context, credentialID string) (*models.Credential, error) {
	cred := &models.Credential{}

	query := r.client.Prepared.GetCredentialByID.Bind(credentialID).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&cred.CredentialID, &cred.UserID, &cred.PublicKey, &cred.AttestationType,
		&cred.Transports, &cred.AAGUID, &cred.SignCount, &cred.BackupEligible,
		&cred.BackupState, &cred.CloneWarning, &cred.FriendlyName,
		&cred.CreatedAt, &cred.LastUsedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, models.ErrCredentialNotFound
		}
		util.Error("Failed to get credential",
			zap.String("credential_id", credentialID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	return cred, nil
}

func (r *CredentialRepository) GetCredentialsByUserID(ctx context.Context, userID string) ([]*models.Credential, error) {
	iter := r.client.Prepared.GetCredentialsByUser.Bind(userID).WithContext(ctx).Iter()

	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		util.Error("Failed to list credentials",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	creds := make([]*models.Credential, 0, len(ids))
	for _, credID := range ids {
		cred, err := r.GetCredentialByID(ctx, credID)
		if err != nil {
			if err == models.ErrCredentialNotFound {
				// Lookup row outlived the credential; skip the orphan
				continue
			}
			return nil, err
		}
		creds = append(creds, cred)
	}

	return creds, nil
}

// UpdateSignCount applies the new counter only if the stored value is
// still prev. A lightweight transaction arbitrates concurrent writers.
func (r *CredentialRepository) UpdateSignCount(ctx context.Context, credentialID string, prev, next uint32, usedAt time.Time) error {
	applied, err := r.client.Prepared.UpdateSignCount.
		Bind(next, usedAt, credentialID, prev).
		WithContext(ctx).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to update sign count",
			zap.String("credential_id", credentialID),
			zap.Error(err))
		return fmt.Errorf("failed to update sign count: %w", err)
	}

	if !applied {
		return models.ErrCounterConflict
	}

	return nil
}

// RewriteCredentialID re-keys a credential under its canonical ID,
// leaving the row content untouched.
func (r *CredentialRepository) RewriteCredentialID(ctx context.Context, oldID, newID string) error {
	cred, err := r.GetCredentialByID(ctx, oldID)
	if err != nil {
		return err
	}

	cred.CredentialID = newID
	if err := r.CreateCredential(ctx, cred); err != nil {
		return err
	}

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(r.client.Prepared.DeleteCredential.Statement(), oldID)
	batch.Query(r.client.Prepared.DeleteCredentialByUser.Statement(), cred.UserID, oldID)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to drop stale credential row",
			zap.String("credential_id", oldID),
			zap.Error(err))
		return fmt.Errorf("failed to rewrite credential ID: %w", err)
	}

	util.Info("Credential re-keyed to canonical ID",
		zap.String("old_id", oldID),
		zap.String("new_id", newID))

	return nil
}

func (r *CredentialRepository) DeleteCredential(ctx context.Context, credentialID string) error {
	cred, err := r.GetCredentialByID(ctx, credentialID)
	if err != nil {
		return err
	}

	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(r.client.Prepared.DeleteCredential.Statement(), credentialID)
	batch.Query(r.client.Prepared.DeleteCredentialByUser.Statement(), cred.UserID, credentialID)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to delete credential",
			zap.String("credential_id", credentialID),
			zap.Error(err))
		return fmt.Errorf("failed to delete credential: %w", err)
	}

	return nil
}
