package bucketing

import (
	"hash"
	"sync"
	"time"

	"passkey-service/internal/config"

	"github.com/spaolacci/murmur3"
)

// Manager assigns stable partition buckets so wide rows (users, event
// streams) spread evenly across the cluster.
type Manager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		userBuckets:  cfg.Bucketing.UserBuckets,
		eventBuckets: cfg.Bucketing.EventBuckets,
	}

	// Pool of hashers to avoid per-call allocation
	m.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}

	return m
}

// UserBucket returns the consistent bucket for a user ID (0 to
// userBuckets-1).
func (m *Manager) UserBucket(userID string) int {
	return m.bucket(userID, m.userBuckets)
}

// EventBucket returns the bucket for an event stream key.
func (m *Manager) EventBucket(key string) int {
	return m.bucket(key, m.eventBuckets)
}

// TimeBucket truncates now to the containing fixed window start, used
// as part of rate-limit keys.
func (m *Manager) TimeBucket(now time.Time, window time.Duration) int64 {
	w := int64(window.Seconds())
	return now.Unix() / w * w
}

// DateBucket returns the UTC date partition for an event timestamp.
func (m *Manager) DateBucket(at time.Time) string {
	return at.UTC().Format("2006-01-02")
}

func (m *Manager) UserBuckets() int  { return m.userBuckets }
func (m *Manager) EventBuckets() int { return m.eventBuckets }

func (m *Manager) bucket(key string, numBuckets int) int {
	return int(m.sum(key) % uint64(numBuckets))
}

func (m *Manager) sum(key string) uint64 {
	hasher := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
