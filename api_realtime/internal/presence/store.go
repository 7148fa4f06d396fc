package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// Status is a user's advertised presence.
type Status string

const (
	StatusOnline Status = "online"
	StatusIdle   Status = "idle"
)

// DefaultTTL is how long a record lives without a refresh.
const DefaultTTL = 90 * time.Second

const keyPrefix = "presence:"

// NormalizeStatus maps anything other than "idle" to online.
func NormalizeStatus(s string) Status {
	if Status(s) == StatusIdle {
		return StatusIdle
	}
	return StatusOnline
}

// Record is the stored presence of one user.
type Record struct {
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"lastSeen"`
}

// Store keeps presence records in Redis with a TTL. There is no explicit
// offline write; a record that is not refreshed expires.
type Store struct {
	client goredis.UniversalClient
	ttl    time.Duration
	now    func() time.Time
}

func NewStore(client goredis.UniversalClient, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl, now: time.Now}
}

func key(userID string) string {
	return keyPrefix + userID
}

// SetPresence overwrites the record for userID. An empty status means online.
func (s *Store) SetPresence(ctx context.Context, userID string, status Status) error {
	if userID == "" {
		return errors.New("presence: empty user id")
	}
	if status == "" {
		status = StatusOnline
	}
	data, err := json.Marshal(Record{Status: status, LastSeen: s.now().UTC()})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, key(userID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("presence write for %s: %w", userID, err)
	}
	return nil
}

// Ping refreshes presence from a client heartbeat.
func (s *Store) Ping(ctx context.Context, userID string, status Status) error {
	return s.SetPresence(ctx, userID, status)
}

// Get returns the record, or ok=false when the user is offline.
func (s *Store) Get(ctx context.Context, userID string) (Record, bool, error) {
	raw, err := s.client.Get(ctx, key(userID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("presence read for %s: %w", userID, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("presence decode for %s: %w", userID, err)
	}
	return rec, true, nil
}

// TTL returns the configured record lifetime.
func (s *Store) TTL() time.Duration {
	return s.ttl
}
