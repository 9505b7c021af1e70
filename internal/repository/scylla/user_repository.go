package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"passkey-service/internal/bucketing"
	"passkey-service/internal/models"
	"passkey-service/internal/util"
)

type UserRepository struct {
	client  *ScyllaClient
	buckets *bucketing.Manager
}

func NewUserRepository(client *ScyllaClient, buckets *bucketing.Manager) *UserRepository {
	return &UserRepository{
		client:  client,
		buckets: buckets,
	}
}

func (r *UserRepository) CreateUser(ctx context.Context, user *models.User) error {
	if user.UserID == "" {
		user.UserID = uuid.New().String()
	}
	user.UserBucket = r.buckets.UserBucket(user.UserID)

	now := time.Now().UTC()
	user.CreatedAt = now

	// Batch keeps the lookup tables consistent with the main row
	batch := r.client.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)

	batch.Query(r.client.Prepared.CreateUser.Statement(),
		user.UserBucket, user.UserID, user.Username, user.DisplayName,
		user.EmailHash, user.EmailEncrypted, user.EmailKeyID,
		user.CredentialCount, user.SuccessfulAuths, user.FailedAuths,
		user.IsBlocked, user.CreatedAt, user.UpdatedAt, user.LastLogin)

	batch.Query(r.client.Prepared.CreateUsernameToUser.Statement(),
		user.Username, user.UserBucket, user.UserID, user.CreatedAt)

	if user.EmailHash != "" {
		batch.Query(r.client.Prepared.CreateEmailToUser.Statement(),
			user.EmailHash, user.UserBucket, user.UserID, user.CreatedAt)
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create user",
			zap.String("user_id", user.UserID),
			zap.String("username", user.Username),
			zap.Error(err))
		return fmt.Errorf("failed to create user: %w", err)
	}

	util.Info("User created",
		zap.String("user_id", user.UserID),
		zap.String("username", user.Username),
		zap.Int("user_bucket", user.UserBucket))

	return nil
}

func (r *UserRepository) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	bucket := r.buckets.UserBucket(userID)
	return r.getUser(ctx, bucket, userID)
}

func (r *UserRepository) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var bucket int
	var userID string

	query := r.client.Prepared.GetUserByUsername.Bind(username).WithContext(ctx)
	if err := r.client.ScanWithRetry(query, &bucket, &userID); err != nil {
		if err == gocql.ErrNotFound {
			return nil, models.ErrUserNotFound
		}
		util.Error("Failed to look up user by username",
			zap.String("username", username),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get user by username: %w", err)
	}

	return r.getUser(ctx, bucket, userID)
}

func (r *UserRepository) GetUserByEmailHash(ctx context.Context, emailHash string) (*models.User, error) {
	var bucket int
	var userID string

	query := r.client.Prepared.GetUserByEmailHash.Bind(emailHash).WithContext(ctx)
	if err := r.client.ScanWithRetry(query, &bucket, &userID); err != nil {
		if err == gocql.ErrNotFound {
			return nil, models.ErrUserNotFound
		}
		util.Error("Failed to look up user by email hash", zap.Error(err))
		return nil, fmt.Errorf("failed to get user by email hash: %w", err)
	}

	return r.getUser(ctx, bucket, userID)
}

func (r *UserRepository) getUser(ctx context.Context, bucket int, userID string) (*models.User, error) {
	user := &models.User{}

	query := r.client.Prepared.GetUserByID.Bind(bucket, userID).WithContext(ctx)
	err := r.client.ScanWithRetry(query,
		&user.UserBucket, &user.UserID, &user.Username, &user.DisplayName,
		&user.EmailHash, &user.EmailEncrypted, &user.EmailKeyID,
		&user.CredentialCount, &user.SuccessfulAuths, &user.FailedAuths,
		&user.IsBlocked, &user.CreatedAt, &user.UpdatedAt, &user.LastLogin)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, models.ErrUserNotFound
		}
		util.Error("Failed to get user by ID",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get user by ID: %w", err)
	}

	return user, nil
}

// UpdateLoginStats bumps the success or failure counter and stamps
// last_login on success.
func (r *UserRepository) UpdateLoginStats(ctx context.Context, userID string, success bool) error {
	user, err := r.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	successes := user.SuccessfulAuths
	failures := user.FailedAuths
	lastLogin := user.LastLogin
	if success {
		successes++
		lastLogin = &now
	} else {
		failures++
	}

	query := r.client.Prepared.UpdateLoginStats.Bind(
		successes, failures, lastLogin, &now, user.UserBucket, userID).WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to update login stats",
			zap.String("user_id", userID),
			zap.Bool("success", success),
			zap.Error(err))
		return fmt.Errorf("failed to update login stats: %w", err)
	}

	return nil
}

func (r *UserRepository) UpdateCredentialCount(ctx context.Context, userID string, delta int) error {
	user, err := r.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}

	count := user.CredentialCount + delta
	if count < 0 {
		count = 0
	}
	now := time.Now().UTC()

	query := r.client.Prepared.UpdateCredCount.Bind(
		count, &now, user.UserBucket, userID).WithContext(ctx)
	if err := r.client.ExecuteWithRetry(query, 3); err != nil {
		util.Error("Failed to update credential count",
			zap.String("user_id", userID),
			zap.Int("delta", delta),
			zap.Error(err))
		return fmt.Errorf("failed to update credential count: %w", err)
	}

	return nil
}
