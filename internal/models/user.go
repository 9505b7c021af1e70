package models

import "time"

type User struct {
	UserBucket      int        `db:"user_bucket"`
	UserID          string     `db:"user_id"`
	Username        string     `db:"username"`
	DisplayName     string     `db:"display_name"`
	EmailHash       string     `db:"email_hash"`
	EmailEncrypted  []byte     `db:"email_encrypted"`
	EmailKeyID      string     `db:"email_key_id"`
	CredentialCount int        `db:"credential_count"`
	SuccessfulAuths int64      `db:"successful_auths"`
	FailedAuths     int64      `db:"failed_auths"`
	IsBlocked       bool       `db:"is_blocked"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       *time.Time `db:"updated_at"`
	LastLogin       *time.Time `db:"last_login"`
}

// WebAuthnHandle is the opaque user handle written into credential
// options. It is the UserID bytes, never the username or email.
func (u *User) WebAuthnHandle() []byte {
	return []byte(u.UserID)
}
