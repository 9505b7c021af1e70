package models

import "time"

// Credential is a registered public-key credential. CredentialID is
// stored in canonical form (single-pass base64url of the raw ID).
type Credential struct {
	CredentialID    string     `db:"credential_id"`
	UserID          string     `db:"user_id"`
	PublicKey       []byte     `db:"public_key"`
	AttestationType string     `db:"attestation_type"`
	Transports      []string   `db:"transports"`
	AAGUID          []byte     `db:"aaguid"`
	SignCount       uint32     `db:"sign_count"`
	BackupEligible  bool       `db:"backup_eligible"`
	BackupState     bool       `db:"backup_state"`
	CloneWarning    bool       `db:"clone_warning"`
	FriendlyName    string     `db:"friendly_name"`
	CreatedAt       time.Time  `db:"created_at"`
	LastUsedAt      *time.Time `db:"last_used_at"`
}
