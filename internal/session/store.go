// Package session keeps a Redis registry of realtime gateway sessions: which
// server holds a connection, the client address, and the topics it is
// subscribed to. Entries expire unless the heartbeat touches them.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// TopicsSuffix is appended to the session key for its ref -> topic hash.
	TopicsSuffix = ":topics"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour
)

// Session is a gateway connection as stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	Server     string `redis:"server"`      // which gateway instance
	RemoteIP   string `redis:"remote_ip"`   // client address
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

func key(sessionID string) string {
	return SessionPrefix + sessionID
}

func topicsKey(sessionID string) string {
	return SessionPrefix + sessionID + TopicsSuffix
}

// Create stores a new session owned by this server.
func (s *Store) Create(ctx context.Context, sessionID, remoteIP string) error {
	now := time.Now().Unix()
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key(sessionID), map[string]interface{}{
		"id":          sessionID,
		"server":      s.serverName,
		"remote_ip":   remoteIP,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key(sessionID), SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: create %s: %w", sessionID, err)
	}
	return nil
}

// Get retrieves a session. It returns nil if the session does not exist.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, key(sessionID)).Scan(&sess); err != nil {
		return nil, fmt.Errorf("session: get %s: %w", sessionID, err)
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// AddTopic records that the session subscribed to topic under ref.
func (s *Store) AddTopic(ctx context.Context, sessionID, ref, topic string) error {
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, topicsKey(sessionID), ref, topic)
	pipe.Expire(ctx, topicsKey(sessionID), SessionTTL)
	pipe.HSet(ctx, key(sessionID), "last_active", time.Now().Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: add topic %s/%s: %w", sessionID, ref, err)
	}
	return nil
}

// RemoveTopic forgets the subscription ref.
func (s *Store) RemoveTopic(ctx context.Context, sessionID, ref string) error {
	if err := s.client.HDel(ctx, topicsKey(sessionID), ref).Err(); err != nil {
		return fmt.Errorf("session: remove topic %s/%s: %w", sessionID, ref, err)
	}
	return nil
}

// Topics returns the session's subscriptions keyed by ref.
func (s *Store) Topics(ctx context.Context, sessionID string) (map[string]string, error) {
	topics, err := s.client.HGetAll(ctx, topicsKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("session: topics %s: %w", sessionID, err)
	}
	return topics, nil
}

// Touch marks the session active and extends its TTL.
func (s *Store) Touch(ctx context.Context, sessionID string) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key(sessionID), "last_active", time.Now().Unix())
	pipe.Expire(ctx, key(sessionID), SessionTTL)
	pipe.Expire(ctx, topicsKey(sessionID), SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a session and its topics.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, key(sessionID), topicsKey(sessionID)).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
