package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/scopehq/scope-client/internal/domain"
)

const sessionKeyPrefix = "session:"
const userSessionsKeyPrefix = "user_sessions:"

// maxTxRetries bounds optimistic-lock retries when the user's session set is
// modified concurrently.
const maxTxRetries = 5

// SessionStore implements session.Store over Redis: session:<id> holds the
// JSON record with a TTL, user_sessions:<userId> is the per-user id set.
type SessionStore struct {
	rdb *redis.Client
}

func NewSessionStore(client *redis.Client) *SessionStore {
	return &SessionStore{rdb: client}
}

// Create writes the record and its set membership in one transaction,
// evicting the oldest sessions beyond the concurrency cap. WATCH on the user
// set keeps the cap check and the write atomic: a concurrent create aborts
// the transaction and we retry.
func (s *SessionStore) Create(ctx context.Context, sess *domain.Session, opts domain.SessionOptions) ([]string, error) {
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	sessKey := sessionKeyPrefix + sess.SessionID
	userKey := userSessionsKeyPrefix + sess.UserID

	var evicted []string
	txf := func(tx *redis.Tx) error {
		evicted = nil

		ids, err := tx.SMembers(ctx, userKey).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}

		type liveSession struct {
			id        string
			loginTime time.Time
		}
		var live []liveSession
		var dangling []string
		for _, id := range ids {
			raw, err := tx.Get(ctx, sessionKeyPrefix+id).Result()
			if errors.Is(err, redis.Nil) {
				dangling = append(dangling, id) // record expired, set member left behind
				continue
			}
			if err != nil {
				return err
			}
			var old domain.Session
			if err := json.Unmarshal([]byte(raw), &old); err != nil {
				dangling = append(dangling, id)
				continue
			}
			live = append(live, liveSession{id: id, loginTime: old.LoginTime})
		}

		if opts.MaxConcurrentSessions > 0 {
			if excess := len(live) - opts.MaxConcurrentSessions + 1; excess > 0 {
				sort.Slice(live, func(i, j int) bool {
					if !live[i].loginTime.Equal(live[j].loginTime) {
						return live[i].loginTime.Before(live[j].loginTime)
					}
					return live[i].id < live[j].id
				})
				for _, old := range live[:excess] {
					evicted = append(evicted, old.id)
				}
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessKey, data, opts.TTL)
			pipe.SAdd(ctx, userKey, sess.SessionID)
			for _, id := range evicted {
				pipe.Del(ctx, sessionKeyPrefix+id)
				pipe.SRem(ctx, userKey, id)
			}
			for _, id := range dangling {
				pipe.SRem(ctx, userKey, id)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, userKey)
		if err == nil {
			return evicted, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return nil, err
	}
	return nil, errors.New("session create aborted: too much contention on user session set")
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	raw, err := s.rdb.Get(ctx, sessionKeyPrefix+sessionID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess domain.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *SessionStore) Touch(ctx context.Context, sessionID string, at time.Time, extendTTL time.Duration) (bool, error) {
	sessKey := sessionKeyPrefix + sessionID
	found := false
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, sessKey).Result()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		var sess domain.Session
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return err
		}
		if at.After(sess.LastActivity) {
			sess.LastActivity = at
		}
		data, err := json.Marshal(&sess)
		if err != nil {
			return err
		}
		ttl := time.Duration(redis.KeepTTL)
		if extendTTL > 0 {
			ttl = extendTTL
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessKey, data, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		found = true
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, sessKey)
		if err == nil {
			return found, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return false, err
	}
	return false, errors.New("session touch aborted: too much contention")
}

func (s *SessionStore) Delete(ctx context.Context, sessionID string) (bool, error) {
	sessKey := sessionKeyPrefix + sessionID

	raw, err := s.rdb.Get(ctx, sessKey).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var sess domain.Session
	userID := ""
	if err := json.Unmarshal([]byte(raw), &sess); err == nil {
		userID = sess.UserID
	}

	pipe := s.rdb.TxPipeline()
	delCmd := pipe.Del(ctx, sessKey)
	if userID != "" {
		pipe.SRem(ctx, userSessionsKeyPrefix+userID, sessionID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return delCmd.Val() > 0, nil
}

func (s *SessionStore) DeleteUser(ctx context.Context, userID string) (int, error) {
	userKey := userSessionsKeyPrefix + userID
	ids, err := s.rdb.SMembers(ctx, userKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, err
	}

	pipe := s.rdb.TxPipeline()
	var delCmds []*redis.IntCmd
	for _, id := range ids {
		delCmds = append(delCmds, pipe.Del(ctx, sessionKeyPrefix+id))
	}
	pipe.Del(ctx, userKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}

	n := 0
	for _, cmd := range delCmds {
		n += int(cmd.Val())
	}
	return n, nil
}

// ListUser returns the user's live session ids, pruning set members whose
// records have expired.
func (s *SessionStore) ListUser(ctx context.Context, userID string) ([]string, error) {
	userKey := userSessionsKeyPrefix + userID
	ids, err := s.rdb.SMembers(ctx, userKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var live []string
	var dangling []string
	for _, id := range ids {
		n, err := s.rdb.Exists(ctx, sessionKeyPrefix+id).Result()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			live = append(live, id)
		} else {
			dangling = append(dangling, id)
		}
	}
	if len(dangling) > 0 {
		members := make([]interface{}, len(dangling))
		for i, id := range dangling {
			members[i] = id
		}
		if err := s.rdb.SRem(ctx, userKey, members...).Err(); err != nil {
			return nil, err
		}
	}
	sort.Strings(live)
	return live, nil
}
