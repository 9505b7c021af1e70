// Package memory provides mutex-guarded implementations of the storage
// interfaces. They back package tests and standalone development mode;
// production wiring uses the Scylla and Redis implementations.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"passkey-service/internal/models"
)

type UserStore struct {
	mu         sync.RWMutex
	byID       map[string]*models.User
	byUsername map[string]string
	byEmail    map[string]string
}

func NewUserStore() *UserStore {
	return &UserStore{
		byID:       make(map[string]*models.User),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
	}
}

func (s *UserStore) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.UserID == "" {
		user.UserID = uuid.New().String()
	}
	if _, ok := s.byUsername[user.Username]; ok {
		return models.ErrUserAlreadyExists
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	cp := *user
	s.byID[user.UserID] = &cp
	s.byUsername[user.Username] = user.UserID
	if user.EmailHash != "" {
		s.byEmail[user.EmailHash] = user.UserID
	}
	return nil
}

func (s *UserStore) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.byID[userID]
	if !ok {
		return nil, models.ErrUserNotFound
	}
	cp := *user
	return &cp, nil
}

func (s *UserStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	s.mu.RLock()
	userID, ok := s.byUsername[username]
	s.mu.RUnlock()
	if !ok {
		return nil, models.ErrUserNotFound
	}
	return s.GetUserByID(ctx, userID)
}

func (s *UserStore) GetUserByEmailHash(ctx context.Context, emailHash string) (*models.User, error) {
	s.mu.RLock()
	userID, ok := s.byEmail[emailHash]
	s.mu.RUnlock()
	if !ok {
		return nil, models.ErrUserNotFound
	}
	return s.GetUserByID(ctx, userID)
}

func (s *UserStore) UpdateLoginStats(ctx context.Context, userID string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.byID[userID]
	if !ok {
		return models.ErrUserNotFound
	}
	now := time.Now().UTC()
	if success {
		user.SuccessfulAuths++
		user.LastLogin = &now
	} else {
		user.FailedAuths++
	}
	user.UpdatedAt = &now
	return nil
}

func (s *UserStore) UpdateCredentialCount(ctx context.Context, userID string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.byID[userID]
	if !ok {
		return models.ErrUserNotFound
	}
	user.CredentialCount += delta
	if user.CredentialCount < 0 {
		user.CredentialCount = 0
	}
	return nil
}

type CredentialStore struct {
	mu     sync.RWMutex
	byID   map[string]*models.Credential
	byUser map[string][]string
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{
		byID:   make(map[string]*models.Credential),
		byUser: make(map[string][]string),
	}
}

func (s *CredentialStore) CreateCredential(ctx context.Context, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cred.CreatedAt.IsZero() {
		cred.CreatedAt = time.Now().UTC()
	}
	cp := *cred
	s.byID[cred.CredentialID] = &cp
	s.byUser[cred.UserID] = append(s.byUser[cred.UserID], cred.CredentialID)
	return nil
}

func (s *CredentialStore) GetCredentialByID(ctx context.Context, credentialID string) (*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cred, ok := s.byID[credentialID]
	if !ok {
		return nil, models.ErrCredentialNotFound
	}
	cp := *cred
	return &cp, nil
}

func (s *CredentialStore) GetCredentialsByUserID(ctx context.Context, userID string) ([]*models.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byUser[userID]
	creds := make([]*models.Credential, 0, len(ids))
	for _, id := range ids {
		if cred, ok := s.byID[id]; ok {
			cp := *cred
			creds = append(creds, &cp)
		}
	}
	sort.Slice(creds, func(i, j int) bool {
		return creds[i].CreatedAt.Before(creds[j].CreatedAt)
	})
	return creds, nil
}

func (s *CredentialStore) UpdateSignCount(ctx context.Context, credentialID string, prev, next uint32, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.byID[credentialID]
	if !ok {
		return models.ErrCredentialNotFound
	}
	if cred.SignCount != prev {
		return models.ErrCounterConflict
	}
	cred.SignCount = next
	cred.LastUsedAt = &usedAt
	return nil
}

func (s *CredentialStore) RewriteCredentialID(ctx context.Context, oldID, newID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.byID[oldID]
	if !ok {
		return models.ErrCredentialNotFound
	}
	delete(s.byID, oldID)
	cred.CredentialID = newID
	s.byID[newID] = cred

	ids := s.byUser[cred.UserID]
	for i, id := range ids {
		if id == oldID {
			ids[i] = newID
		}
	}
	return nil
}

func (s *CredentialStore) DeleteCredential(ctx context.Context, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, ok := s.byID[credentialID]
	if !ok {
		return models.ErrCredentialNotFound
	}
	delete(s.byID, credentialID)

	ids := s.byUser[cred.UserID]
	for i, id := range ids {
		if id == credentialID {
			s.byUser[cred.UserID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

type ChallengeStore struct {
	mu    sync.Mutex
	byID  map[string]*models.Challenge
	clock models.Clock
}

func NewChallengeStore(clock models.Clock) *ChallengeStore {
	if clock == nil {
		clock = time.Now
	}
	return &ChallengeStore{
		byID:  make(map[string]*models.Challenge),
		clock: clock,
	}
}

func (s *ChallengeStore) SaveChallenge(ctx context.Context, ch *models.Challenge, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *ch
	s.byID[ch.ChallengeID] = &cp
	return nil
}

func (s *ChallengeStore) GetChallenge(ctx context.Context, challengeID string) (*models.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.byID[challengeID]
	if !ok {
		return nil, models.ErrChallengeNotFound
	}
	cp := *ch
	return &cp, nil
}

func (s *ChallengeStore) FindUsable(ctx context.Context, ceremony models.CeremonyType, ownerID string) (*models.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	var newest *models.Challenge
	for _, ch := range s.byID {
		if ch.Type != ceremony || ch.OwnerID != ownerID || !ch.Usable(now) {
			continue
		}
		if newest == nil || ch.IssuedAt.After(newest.IssuedAt) {
			newest = ch
		}
	}
	if newest == nil {
		return nil, models.ErrChallengeNotFound
	}
	cp := *newest
	return &cp, nil
}

// Consume flips the consumed flag under the lock so exactly one of any
// number of concurrent callers gets true.
func (s *ChallengeStore) Consume(ctx context.Context, challengeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, ok := s.byID[challengeID]
	if !ok {
		return false, models.ErrChallengeNotFound
	}
	if ch.Consumed {
		return false, nil
	}
	ch.Consumed = true
	return true, nil
}

func (s *ChallengeStore) PurgeExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	purged := 0
	for id, ch := range s.byID {
		if now.After(ch.ExpiresAt) {
			delete(s.byID, id)
			purged++
		}
	}
	return purged, nil
}

type OTPTicketStore struct {
	mu    sync.Mutex
	byID  map[string]*models.OTPTicket
	clock models.Clock
}

func NewOTPTicketStore(clock models.Clock) *OTPTicketStore {
	if clock == nil {
		clock = time.Now
	}
	return &OTPTicketStore{
		byID:  make(map[string]*models.OTPTicket),
		clock: clock,
	}
}

func (s *OTPTicketStore) SaveTicket(ctx context.Context, ticket *models.OTPTicket, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *ticket
	s.byID[ticket.TicketID] = &cp
	return nil
}

func (s *OTPTicketStore) GetTicket(ctx context.Context, ticketID string) (*models.OTPTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.byID[ticketID]
	if !ok {
		return nil, models.ErrTicketNotFound
	}
	cp := *ticket
	return &cp, nil
}

func (s *OTPTicketStore) IncrementAttempts(ctx context.Context, ticketID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.byID[ticketID]
	if !ok {
		return 0, models.ErrTicketNotFound
	}
	ticket.Attempts++
	return ticket.Attempts, nil
}

func (s *OTPTicketStore) DeleteTicket(ctx context.Context, ticketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.byID, ticketID)
	return nil
}

func (s *OTPTicketStore) PurgeExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	purged := 0
	for id, ticket := range s.byID {
		if ticket.Expired(now) {
			delete(s.byID, id)
			purged++
		}
	}
	return purged, nil
}

// EventRecorder collects security events for inspection in tests.
type EventRecorder struct {
	mu     sync.Mutex
	events []*models.SecurityEvent
}

func NewEventRecorder() *EventRecorder {
	return &EventRecorder{}
}

func (r *EventRecorder) Append(ctx context.Context, event *models.SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *event
	r.events = append(r.events, &cp)
	return nil
}

func (r *EventRecorder) Events() []*models.SecurityEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*models.SecurityEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *EventRecorder) CountByType(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, ev := range r.events {
		if ev.EventType == eventType {
			n++
		}
	}
	return n
}

// RateLimiter is a fixed-window limiter for tests and dev mode.
type RateLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	clock  models.Clock
}

func NewRateLimiter(clock models.Clock) *RateLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &RateLimiter{
		counts: make(map[string]int),
		clock:  clock,
	}
}

func (l *RateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	w := int64(window.Seconds())
	windowStart := l.clock().Unix() / w * w
	windowKey := key + ":" + time.Unix(windowStart, 0).UTC().Format(time.RFC3339)

	l.counts[windowKey]++
	return l.counts[windowKey] <= limit, nil
}
