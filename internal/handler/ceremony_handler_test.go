package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"passkey-service/internal/ceremony"
	"passkey-service/internal/config"
	"passkey-service/internal/credential"
	"passkey-service/internal/encryption"
	"passkey-service/internal/hashing"
	"passkey-service/internal/identity"
	"passkey-service/internal/models"
	"passkey-service/internal/otp"
	"passkey-service/internal/repository/memory"
	"passkey-service/internal/verifier"
)

type testNotifier struct {
	lastCode string
}

func (n *testNotifier) Deliver(ctx context.Context, method models.DeliveryMethod, target, code string) error {
	n.lastCode = code
	return nil
}

type testEventSource struct {
	events []*models.SecurityEvent
}

func (s *testEventSource) RecentEvents(ctx context.Context, userID string, limit int) ([]*models.SecurityEvent, error) {
	return s.events, nil
}

type testServer struct {
	server   *httptest.Server
	users    *memory.UserStore
	notifier *testNotifier
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := &config.Config{
		Environment: "development",
		RelyingParty: config.RelyingPartyConfig{
			ID:            "localhost",
			DisplayName:   "Passkey Service Test",
			Origins:       []string{"http://localhost"},
			VerifyTimeout: 5 * time.Second,
		},
		OTP: config.OTPConfig{
			CodeLength:  6,
			TTL:         5 * time.Minute,
			MaxAttempts: 3,
		},
		Challenge: config.ChallengeConfig{TTL: 5 * time.Minute},
		RateLimit: config.RateLimitConfig{
			CeremonyStartsPerMinute: 100,
			OTPSendsPerHour:         100,
		},
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
	}

	users := memory.NewUserStore()
	creds := memory.NewCredentialStore()
	challenges := memory.NewChallengeStore(nil)
	tickets := memory.NewOTPTicketStore(nil)
	events := memory.NewEventRecorder()
	limiter := memory.NewRateLimiter(nil)

	identities := identity.NewResolver(users, encryption.NewManager(&config.Config{}, nil))

	webVerifier, err := verifier.NewWebAuthnVerifier(cfg)
	require.NoError(t, err)

	orchestrator := ceremony.NewOrchestrator(
		users, creds, credential.NewResolver(creds), identities,
		challenges, webVerifier, events, limiter, cfg, nil,
	)

	notifier := &testNotifier{}
	fallback := otp.NewCeremony(
		tickets, identities, hashing.NewHasher(cfg), notifier,
		events, limiter, cfg, nil,
	)

	ceremonyHandler := NewCeremonyHandler(orchestrator, fallback, creds,
		&testEventSource{events: []*models.SecurityEvent{{EventType: models.EventLoginFinished}}},
		zap.NewNop())

	router := NewRouter(ceremonyHandler, nil, cfg, zap.NewNop())

	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return &testServer{server: ts, users: users, notifier: notifier}
}

func (ts *testServer) postJSON(t *testing.T, path string, body interface{}) (*http.Response, Response) {
	t.Helper()

	payload, err := json.Marshal(body)
	require.NoError(t, err)

	res, err := http.Post(ts.server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer res.Body.Close()

	var envelope Response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&envelope))
	return res, envelope
}

func (ts *testServer) getJSON(t *testing.T, path string) (*http.Response, Response) {
	t.Helper()

	res, err := http.Get(ts.server.URL + path)
	require.NoError(t, err)
	defer res.Body.Close()

	var envelope Response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&envelope))
	return res, envelope
}

func TestBeginRegistrationEndpoint(t *testing.T) {
	ts := newTestServer(t)

	res, envelope := ts.postJSON(t, "/api/v1/register/begin", map[string]string{
		"handle":       "alice",
		"display_name": "Alice",
	})
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, envelope.Success)

	data, ok := envelope.Data.(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, data["challenge_id"])
	assert.NotEmpty(t, data["user_id"])
	assert.Contains(t, data, "options")
}

func TestBeginRegistrationRejectsBadBody(t *testing.T) {
	ts := newTestServer(t)

	res, err := http.Post(ts.server.URL+"/api/v1/register/begin", "application/json",
		bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestBeginRegistrationRejectsEmptyHandle(t *testing.T) {
	ts := newTestServer(t)

	res, envelope := ts.postJSON(t, "/api/v1/register/begin", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.False(t, envelope.Success)
}

func TestBeginLoginUnknownHandleStillStarts(t *testing.T) {
	ts := newTestServer(t)

	res, envelope := ts.postJSON(t, "/api/v1/login/begin", map[string]string{
		"handle": "nobody",
	})
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, envelope.Success)
}

func TestBeginLoginWithoutCredentials(t *testing.T) {
	ts := newTestServer(t)

	require.NoError(t, ts.users.CreateUser(context.Background(), &models.User{Username: "alice"}))

	res, envelope := ts.postJSON(t, "/api/v1/login/begin", map[string]string{
		"handle": "alice",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.False(t, envelope.Success)
}

func TestFinishLoginGarbageResponse(t *testing.T) {
	ts := newTestServer(t)

	res, _ := ts.postJSON(t, "/api/v1/login/finish", map[string]interface{}{
		"response": map[string]string{"id": "garbage"},
	})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestOTPRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	res, envelope := ts.postJSON(t, "/api/v1/otp/send", map[string]string{
		"target":  "alice@example.com",
		"method":  "email",
		"purpose": "registration",
	})
	require.Equal(t, http.StatusOK, res.StatusCode)

	data, ok := envelope.Data.(map[string]interface{})
	require.True(t, ok)
	ticketID, _ := data["ticket_id"].(string)
	require.NotEmpty(t, ticketID)
	require.NotEmpty(t, ts.notifier.lastCode)

	res, envelope = ts.postJSON(t, "/api/v1/otp/verify", map[string]string{
		"ticket_id": ticketID,
		"target":    "alice@example.com",
		"code":      ts.notifier.lastCode,
	})
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, envelope.Success)
}

func TestOTPVerifyWrongCode(t *testing.T) {
	ts := newTestServer(t)

	res, envelope := ts.postJSON(t, "/api/v1/otp/send", map[string]string{
		"target":  "alice@example.com",
		"method":  "email",
		"purpose": "registration",
	})
	require.Equal(t, http.StatusOK, res.StatusCode)

	data := envelope.Data.(map[string]interface{})
	ticketID := data["ticket_id"].(string)

	res, _ = ts.postJSON(t, "/api/v1/otp/verify", map[string]string{
		"ticket_id": ticketID,
		"target":    "alice@example.com",
		"code":      "000000",
	})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestListCredentialsEmpty(t *testing.T) {
	ts := newTestServer(t)

	res, envelope := ts.getJSON(t, "/api/v1/users/some-user/credentials")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, envelope.Success)
}

func TestListEventsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	res, envelope := ts.getJSON(t, "/api/v1/users/some-user/events")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.True(t, envelope.Success)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	res, err := http.Get(ts.server.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestUnknownEndpoint(t *testing.T) {
	ts := newTestServer(t)

	res, err := http.Get(ts.server.URL + "/api/v2/nope")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}
