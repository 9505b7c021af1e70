package models

import "time"

type DeliveryMethod string

const (
	DeliveryEmail DeliveryMethod = "email"
	DeliverySMS   DeliveryMethod = "sms"
)

type OTPPurpose string

const (
	OTPPurposeRegistration OTPPurpose = "registration"
	OTPPurposeLogin        OTPPurpose = "login"
)

// OTPTicket tracks one outstanding fallback code. The code itself is
// never stored; CodeHash is the serialized argon2id hash result.
type OTPTicket struct {
	TicketID  string         `db:"ticket_id"`
	Target    string         `db:"target"`
	Method    DeliveryMethod `db:"method"`
	Purpose   OTPPurpose     `db:"purpose"`
	CodeHash  []byte         `db:"code_hash"`
	Attempts  int            `db:"attempts"`
	CreatedAt time.Time      `db:"created_at"`
	ExpiresAt time.Time      `db:"expires_at"`
}

func (t *OTPTicket) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
