// Package redisstore implements the chat store on Redis. Messages live in a
// sorted set scored by created_at, typing rows in a hash keyed by username,
// and every write publishes a model.Change on a per-table channel:
//
//	livechat:messages            ZSET  score=created_at (µs)  member=<message json>
//	livechat:messages:seq        STRING  message id counter
//	livechat:typing_status       HASH  username -> <typing status json>
//	livechat:changes:<table>     PUBSUB  <change json>
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/livechat/internal/model"
	"github.com/whisper/livechat/internal/store"
)

const (
	MessagesKey   = "livechat:messages"
	MessageSeqKey = "livechat:messages:seq"
	TypingKey     = "livechat:typing_status"
	ChangesPrefix = "livechat:changes:"
)

// ChannelFor returns the pub/sub channel carrying changes for table.
func ChannelFor(table string) string {
	return ChangesPrefix + table
}

// Store is a Redis-backed store.Store.
type Store struct {
	rdb          *redis.Client
	updateScript *redis.Script
}

// Connect creates a client for addr and verifies the connection.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redisstore: redis connection failed: %w", err)
	}
	return rdb, nil
}

// New creates a store on an existing client. Close closes the client.
func New(rdb *redis.Client) *Store {
	return &Store{
		rdb:          rdb,
		updateScript: redis.NewScript(updateTypingLua),
	}
}

// InsertMessage assigns the next id, stores the message and publishes it.
func (s *Store) InsertMessage(ctx context.Context, msg model.NewMessage) error {
	id, err := s.rdb.Incr(ctx, MessageSeqKey).Result()
	if err != nil {
		return fmt.Errorf("redisstore: next message id: %w", err)
	}

	m := model.Message{
		ID:        id,
		Content:   msg.Content,
		User:      msg.User,
		CreatedAt: msg.CreatedAt.UTC(),
	}
	member, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("redisstore: marshal message: %w", err)
	}
	change, err := model.NewChange(model.TableMessages, model.EventInsert, m)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("redisstore: marshal change: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, MessagesKey, redis.Z{Score: float64(m.CreatedAt.UnixMicro()), Member: member})
		pipe.Publish(ctx, ChannelFor(model.TableMessages), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: insert message: %w", err)
	}
	return nil
}

// ListMessages reads messages ordered by created_at.
func (s *Store) ListMessages(ctx context.Context, q store.MessageQuery) ([]model.Message, error) {
	stop := int64(-1)
	if q.Limit > 0 {
		stop = int64(q.Limit) - 1
	}

	var (
		members []string
		err     error
	)
	if q.Descending {
		members, err = s.rdb.ZRevRange(ctx, MessagesKey, 0, stop).Result()
	} else {
		members, err = s.rdb.ZRange(ctx, MessagesKey, 0, stop).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: list messages: %w", err)
	}

	msgs := make([]model.Message, 0, len(members))
	for _, raw := range members {
		var m model.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("redisstore: decode message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// UpsertTyping writes the typing row for status.Username and publishes it.
func (s *Store) UpsertTyping(ctx context.Context, status model.TypingStatus) error {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	row, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("redisstore: marshal typing: %w", err)
	}

	existed, err := s.rdb.HExists(ctx, TypingKey, status.Username).Result()
	if err != nil {
		return fmt.Errorf("redisstore: upsert typing: %w", err)
	}
	event := model.EventInsert
	if existed {
		event = model.EventUpdate
	}
	change, err := model.NewChange(model.TableTypingStatus, event, status)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("redisstore: marshal change: %w", err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, TypingKey, status.Username, row)
		pipe.Publish(ctx, ChannelFor(model.TableTypingStatus), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: upsert typing: %w", err)
	}
	return nil
}

// UpdateTyping sets is_typing on an existing row. The check, write and
// publish run atomically in a Lua script; a missing row is left alone.
func (s *Store) UpdateTyping(ctx context.Context, username string, isTyping bool) error {
	now := time.Now().UTC()
	status := model.TypingStatus{Username: username, IsTyping: isTyping, UpdatedAt: now}
	row, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("redisstore: marshal typing: %w", err)
	}
	change, err := model.NewChange(model.TableTypingStatus, model.EventUpdate, status)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("redisstore: marshal change: %w", err)
	}

	err = s.updateScript.Run(ctx, s.rdb, []string{TypingKey}, username, row, ChannelFor(model.TableTypingStatus), payload).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redisstore: update typing: %w", err)
	}
	return nil
}

// ListTyping reads the rows with is_typing set, ordered by username.
func (s *Store) ListTyping(ctx context.Context) ([]model.TypingStatus, error) {
	all, err := s.rdb.HGetAll(ctx, TypingKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list typing: %w", err)
	}

	rows := make([]model.TypingStatus, 0, len(all))
	for _, raw := range all {
		var ts model.TypingStatus
		if err := json.Unmarshal([]byte(raw), &ts); err != nil {
			return nil, fmt.Errorf("redisstore: decode typing: %w", err)
		}
		if ts.IsTyping {
			rows = append(rows, ts)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Username < rows[j].Username })
	return rows, nil
}

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Client returns the underlying Redis client, e.g. to build a Feed on it.
func (s *Store) Client() *redis.Client {
	return s.rdb
}

// updateTypingLua overwrites a typing row only if it exists, then publishes
// the change. Returns 1 when a row was updated, 0 otherwise.
const updateTypingLua = `
local key = KEYS[1]
local username = ARGV[1]

if redis.call('HEXISTS', key, username) == 0 then
    return 0
end

redis.call('HSET', key, username, ARGV[2])
redis.call('PUBLISH', ARGV[3], ARGV[4])
return 1
`
