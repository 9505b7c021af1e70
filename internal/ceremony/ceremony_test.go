package ceremony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"passkey-service/internal/config"
	"passkey-service/internal/credential"
	"passkey-service/internal/encryption"
	"passkey-service/internal/identity"
	"passkey-service/internal/models"
	"passkey-service/internal/repository/memory"
	"passkey-service/internal/verifier"
)

// stubResponse is the wire shape the stub verifier understands in
// place of real authenticator messages.
type stubResponse struct {
	Challenge  string `json:"challenge"`
	RawID      []byte `json:"raw_id"`
	UserHandle []byte `json:"user_handle,omitempty"`
}

func encodeResponse(t *testing.T, resp stubResponse) []byte {
	t.Helper()
	blob, err := json.Marshal(resp)
	require.NoError(t, err)
	return blob
}

// stubVerifier hands out deterministic challenges and replays canned
// verdicts so the state machine can be exercised without cryptography.
type stubVerifier struct {
	counter       int64
	failScoped    bool
	finishRegErr  error
	finishAuthErr error
	nextSignCount uint32
	cloneWarning  bool

	scopedBegins   int
	discoverBegins int
}

// rawCredID builds a credential ID with bytes outside the base64url
// alphabet, so its encoded form is already canonical.
func rawCredID(tag byte) []byte {
	return []byte{0x01, 0xfe, tag, 0x9c, 0x00, tag, 0x5a, 0xd3}
}

func (v *stubVerifier) nextChallenge() string {
	return fmt.Sprintf("challenge-%d", atomic.AddInt64(&v.counter, 1))
}

func (v *stubVerifier) options(subjectID []byte) *verifier.Options {
	challenge := v.nextChallenge()
	session, _ := json.Marshal(map[string]interface{}{
		"challenge": challenge,
		"user_id":   subjectID,
	})
	public, _ := json.Marshal(map[string]string{"challenge": challenge})
	return &verifier.Options{Public: public, Challenge: challenge, Session: session}
}

func (v *stubVerifier) BeginRegistration(ctx context.Context, subject *verifier.Subject) (*verifier.Options, error) {
	return v.options(subject.ID), nil
}

func (v *stubVerifier) FinishRegistration(ctx context.Context, subject *verifier.Subject, session, response []byte) (*verifier.RegisteredCredential, error) {
	if v.finishRegErr != nil {
		return nil, v.finishRegErr
	}
	var resp stubResponse
	if err := json.Unmarshal(response, &resp); err != nil {
		return nil, verifier.ErrInvalidResponse
	}
	return &verifier.RegisteredCredential{
		ID:              resp.RawID,
		PublicKey:       []byte("public-key"),
		AttestationType: "none",
		SignCount:       0,
	}, nil
}

func (v *stubVerifier) BeginAuthentication(ctx context.Context, subject *verifier.Subject) (*verifier.Options, error) {
	if subject == nil || len(subject.Credentials) == 0 {
		v.discoverBegins++
		return v.options(nil), nil
	}
	if v.failScoped {
		return nil, fmt.Errorf("scoped options unavailable")
	}
	v.scopedBegins++
	return v.options(subject.ID), nil
}

func (v *stubVerifier) FinishAuthentication(ctx context.Context, subject *verifier.Subject, session, response []byte) (*verifier.AssertionResult, error) {
	if v.finishAuthErr != nil {
		return nil, v.finishAuthErr
	}
	var resp stubResponse
	if err := json.Unmarshal(response, &resp); err != nil {
		return nil, verifier.ErrInvalidResponse
	}
	return &verifier.AssertionResult{
		CredentialID: resp.RawID,
		UserHandle:   resp.UserHandle,
		NewSignCount: v.nextSignCount,
		CloneWarning: v.cloneWarning,
	}, nil
}

func (v *stubVerifier) RegistrationChallenge(response []byte) (string, []byte, error) {
	var resp stubResponse
	if err := json.Unmarshal(response, &resp); err != nil {
		return "", nil, verifier.ErrInvalidResponse
	}
	return resp.Challenge, resp.RawID, nil
}

func (v *stubVerifier) AuthenticationChallenge(response []byte) (string, []byte, []byte, error) {
	var resp stubResponse
	if err := json.Unmarshal(response, &resp); err != nil {
		return "", nil, nil, verifier.ErrInvalidResponse
	}
	return resp.Challenge, resp.RawID, resp.UserHandle, nil
}

type fixture struct {
	users      *memory.UserStore
	creds      *memory.CredentialStore
	challenges *memory.ChallengeStore
	events     *memory.EventRecorder
	verifier   *stubVerifier
	orch       *Orchestrator
	now        time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		users:    memory.NewUserStore(),
		creds:    memory.NewCredentialStore(),
		events:   memory.NewEventRecorder(),
		verifier: &stubVerifier{nextSignCount: 1},
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.challenges = memory.NewChallengeStore(clock)

	cfg := &config.Config{
		Challenge: config.ChallengeConfig{TTL: 5 * time.Minute},
		RateLimit: config.RateLimitConfig{CeremonyStartsPerMinute: 100},
	}

	identities := identity.NewResolver(f.users, encryption.NewManager(&config.Config{}, nil))
	f.orch = NewOrchestrator(
		f.users,
		f.creds,
		credential.NewResolver(f.creds),
		identities,
		f.challenges,
		f.verifier,
		f.events,
		memory.NewRateLimiter(clock),
		cfg,
		clock,
	)
	return f
}

func (f *fixture) travel(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) register(t *testing.T, handle string, rawID []byte) *RegistrationOutcome {
	t.Helper()
	ctx := context.Background()

	started, err := f.orch.BeginRegistration(ctx, BeginRegistrationInput{Handle: handle})
	require.NoError(t, err)

	outcome, err := f.orch.FinishRegistration(ctx, FinishRegistrationInput{
		Handle:   handle,
		Response: encodeResponse(t, stubResponse{Challenge: started.ChallengeID, RawID: rawID}),
	})
	require.NoError(t, err)
	return outcome
}

func TestRegistrationFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.orch.BeginRegistration(ctx, BeginRegistrationInput{
		Handle:      "alice",
		DisplayName: "Alice",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, started.ChallengeID)
	assert.NotEmpty(t, started.UserID)

	ch, err := f.challenges.GetChallenge(ctx, started.ChallengeID)
	require.NoError(t, err)
	assert.Equal(t, models.CeremonyRegistration, ch.Type)
	assert.Equal(t, started.UserID, ch.OwnerID)

	rawID := rawCredID(0x10)
	outcome, err := f.orch.FinishRegistration(ctx, FinishRegistrationInput{
		Handle:   "alice",
		Response: encodeResponse(t, stubResponse{Challenge: started.ChallengeID, RawID: rawID}),
	})
	require.NoError(t, err)
	assert.Equal(t, started.UserID, outcome.UserID)
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(rawID), outcome.CredentialID)

	stored, err := f.creds.GetCredentialByID(ctx, outcome.CredentialID)
	require.NoError(t, err)
	assert.Equal(t, started.UserID, stored.UserID)

	user, err := f.users.GetUserByID(ctx, started.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, user.CredentialCount)

	assert.Equal(t, 1, f.events.CountByType(models.EventRegistrationStarted))
	assert.Equal(t, 1, f.events.CountByType(models.EventRegistrationFinished))
}

func TestFinishRegistrationReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.orch.BeginRegistration(ctx, BeginRegistrationInput{Handle: "alice"})
	require.NoError(t, err)

	response := encodeResponse(t, stubResponse{
		Challenge: started.ChallengeID,
		RawID:     rawCredID(0x11),
	})

	_, err = f.orch.FinishRegistration(ctx, FinishRegistrationInput{Handle: "alice", Response: response})
	require.NoError(t, err)

	_, err = f.orch.FinishRegistration(ctx, FinishRegistrationInput{Handle: "alice", Response: response})
	assert.ErrorIs(t, err, ErrChallengeInvalid)
	assert.Equal(t, 1, f.events.CountByType(models.EventChallengeReplayed))
}

func TestFinishRegistrationExpiredChallenge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	started, err := f.orch.BeginRegistration(ctx, BeginRegistrationInput{Handle: "alice"})
	require.NoError(t, err)

	f.travel(6 * time.Minute)

	_, err = f.orch.FinishRegistration(ctx, FinishRegistrationInput{
		Handle:   "alice",
		Response: encodeResponse(t, stubResponse{Challenge: started.ChallengeID, RawID: rawCredID(0x12)}),
	})
	assert.ErrorIs(t, err, ErrChallengeInvalid)
}

func TestBeginRegistrationRateLimited(t *testing.T) {
	f := newFixture(t)
	f.orch.config.RateLimit.CeremonyStartsPerMinute = 1
	ctx := context.Background()

	_, err := f.orch.BeginRegistration(ctx, BeginRegistrationInput{Handle: "alice", ClientIP: "10.0.0.1"})
	require.NoError(t, err)

	_, err = f.orch.BeginRegistration(ctx, BeginRegistrationInput{Handle: "alice", ClientIP: "10.0.0.1"})
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, f.events.CountByType(models.EventRateLimited))
}

func TestBeginLoginNoCredentialsEnrolled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.users.CreateUser(ctx, &models.User{Username: "alice"}))

	_, err := f.orch.BeginLogin(ctx, BeginLoginInput{Handle: "alice"})
	assert.ErrorIs(t, err, ErrNoCredentialsEnrolled)

	// The fast fail must not leave a challenge behind
	user, err := f.users.GetUserByUsername(ctx, "alice")
	require.NoError(t, err)
	_, err = f.challenges.FindUsable(ctx, models.CeremonyAuthentication, user.UserID)
	assert.ErrorIs(t, err, models.ErrChallengeNotFound)
}

func TestBeginLoginUnknownHandleIsUserless(t *testing.T) {
	f := newFixture(t)

	started, err := f.orch.BeginLogin(context.Background(), BeginLoginInput{Handle: "ghost"})
	require.NoError(t, err)
	assert.Empty(t, started.UserID)
	assert.Equal(t, 1, f.verifier.discoverBegins)
	assert.Equal(t, 0, f.verifier.scopedBegins)
}

func TestBeginLoginScopedFallback(t *testing.T) {
	f := newFixture(t)
	f.register(t, "alice", rawCredID(0x13))

	f.verifier.failScoped = true
	started, err := f.orch.BeginLogin(context.Background(), BeginLoginInput{Handle: "alice"})
	require.NoError(t, err)
	assert.Empty(t, started.UserID)
	assert.Equal(t, 1, f.verifier.discoverBegins)
}

func TestLoginFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rawID := rawCredID(0x01)
	reg := f.register(t, "alice", rawID)

	started, err := f.orch.BeginLogin(ctx, BeginLoginInput{Handle: "alice"})
	require.NoError(t, err)
	assert.Equal(t, reg.UserID, started.UserID)
	assert.Equal(t, 1, f.verifier.scopedBegins)

	response := encodeResponse(t, stubResponse{
		Challenge:  started.ChallengeID,
		RawID:      rawID,
		UserHandle: []byte(reg.UserID),
	})

	outcome, err := f.orch.FinishLogin(ctx, FinishLoginInput{Response: response})
	require.NoError(t, err)
	assert.Equal(t, reg.UserID, outcome.UserID)
	assert.Equal(t, reg.CredentialID, outcome.CredentialID)
	assert.Equal(t, uint32(1), outcome.SignCount)

	stored, err := f.creds.GetCredentialByID(ctx, reg.CredentialID)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), stored.SignCount)

	user, err := f.users.GetUserByID(ctx, reg.UserID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), user.SuccessfulAuths)

	// Replaying the same assertion must lose to the consumed challenge
	_, err = f.orch.FinishLogin(ctx, FinishLoginInput{Response: response})
	assert.ErrorIs(t, err, ErrChallengeInvalid)
	assert.Equal(t, 1, f.events.CountByType(models.EventChallengeReplayed))
}

func TestFinishLoginUserlessDiscoversOwner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rawID := rawCredID(0x01)
	reg := f.register(t, "alice", rawID)

	started, err := f.orch.BeginLogin(ctx, BeginLoginInput{})
	require.NoError(t, err)
	assert.Empty(t, started.UserID)

	outcome, err := f.orch.FinishLogin(ctx, FinishLoginInput{
		Response: encodeResponse(t, stubResponse{
			Challenge: started.ChallengeID,
			RawID:     rawID,
		}),
	})
	require.NoError(t, err)
	assert.Equal(t, reg.UserID, outcome.UserID)
}

func TestFinishLoginCounterRegression(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rawID := rawCredID(0x01)
	reg := f.register(t, "alice", rawID)

	// First login moves the counter to 5
	f.verifier.nextSignCount = 5
	started, err := f.orch.BeginLogin(ctx, BeginLoginInput{Handle: "alice"})
	require.NoError(t, err)
	_, err = f.orch.FinishLogin(ctx, FinishLoginInput{
		Response: encodeResponse(t, stubResponse{Challenge: started.ChallengeID, RawID: rawID, UserHandle: []byte(reg.UserID)}),
	})
	require.NoError(t, err)

	// A replayed or cloned authenticator reports a stale counter
	f.verifier.nextSignCount = 5
	started, err = f.orch.BeginLogin(ctx, BeginLoginInput{Handle: "alice"})
	require.NoError(t, err)
	_, err = f.orch.FinishLogin(ctx, FinishLoginInput{
		Response: encodeResponse(t, stubResponse{Challenge: started.ChallengeID, RawID: rawID, UserHandle: []byte(reg.UserID)}),
	})
	assert.ErrorIs(t, err, ErrVerificationFailed)
	assert.Equal(t, 1, f.events.CountByType(models.EventCounterRegression))

	stored, err := f.creds.GetCredentialByID(ctx, reg.CredentialID)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), stored.SignCount)
}

func TestFinishLoginZeroCountersAllowed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rawID := rawCredID(0x01)
	reg := f.register(t, "alice", rawID)

	// Authenticators without a counter always report zero
	f.verifier.nextSignCount = 0
	started, err := f.orch.BeginLogin(ctx, BeginLoginInput{Handle: "alice"})
	require.NoError(t, err)

	outcome, err := f.orch.FinishLogin(ctx, FinishLoginInput{
		Response: encodeResponse(t, stubResponse{Challenge: started.ChallengeID, RawID: rawID, UserHandle: []byte(reg.UserID)}),
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(0), outcome.SignCount)
}

func TestFinishLoginUnknownCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.register(t, "alice", rawCredID(0x01))

	started, err := f.orch.BeginLogin(ctx, BeginLoginInput{Handle: "alice"})
	require.NoError(t, err)

	_, err = f.orch.FinishLogin(ctx, FinishLoginInput{
		Response: encodeResponse(t, stubResponse{Challenge: started.ChallengeID, RawID: rawCredID(0x99)}),
	})
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestFinishLoginMalformedResponse(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.FinishLogin(context.Background(), FinishLoginInput{Response: []byte("not json")})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestFinishLoginStaleStoredEncoding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rawID := rawCredID(0x01)
	reg := f.register(t, "alice", rawID)

	// Simulate a legacy row whose ID was double encoded on import
	doubled := base64.RawURLEncoding.EncodeToString([]byte(reg.CredentialID))
	require.NoError(t, f.creds.RewriteCredentialID(ctx, reg.CredentialID, doubled))

	started, err := f.orch.BeginLogin(ctx, BeginLoginInput{Handle: "alice"})
	require.NoError(t, err)

	outcome, err := f.orch.FinishLogin(ctx, FinishLoginInput{
		Response: encodeResponse(t, stubResponse{Challenge: started.ChallengeID, RawID: rawID, UserHandle: []byte(reg.UserID)}),
	})
	require.NoError(t, err)
	assert.Equal(t, reg.UserID, outcome.UserID)
}
