package models

import (
	"net"
	"time"
)

type EventSeverity string

const (
	SeverityLow      EventSeverity = "low"
	SeverityMedium   EventSeverity = "medium"
	SeverityHigh     EventSeverity = "high"
	SeverityCritical EventSeverity = "critical"
)

// Event types emitted by the ceremony and fallback flows.
const (
	EventRegistrationStarted  = "registration_started"
	EventRegistrationFinished = "registration_finished"
	EventRegistrationFailed   = "registration_failed"
	EventLoginStarted         = "login_started"
	EventLoginFinished        = "login_finished"
	EventLoginFailed          = "login_failed"
	EventChallengeReplayed    = "challenge_replayed"
	EventCounterRegression    = "counter_regression"
	EventOTPSent              = "otp_sent"
	EventOTPVerified          = "otp_verified"
	EventOTPFailed            = "otp_failed"
	EventOTPExhausted         = "otp_exhausted"
	EventRateLimited          = "rate_limited"
)

type SecurityEvent struct {
	EventBucket  int           `db:"event_bucket"`
	EventID      string        `db:"event_id"`
	UserID       string        `db:"user_id"`
	EventDate    string        `db:"event_date"`
	EventTime    time.Time     `db:"event_time"`
	EventType    string        `db:"event_type"`
	CeremonyType string        `db:"ceremony_type"`
	CredentialID string        `db:"credential_id"`
	IPAddress    net.IP        `db:"ip_address"`
	Severity     EventSeverity `db:"severity"`
	RiskScore    int           `db:"risk_score"`
	Details      string        `db:"details"`
}
