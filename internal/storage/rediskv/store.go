// Package rediskv implements storage.Store over an external document store
// (Redis), for deployments that need durability across restarts. Records are
// marshaled as JSON strings under `<collection>:<id>` keys; an insertion
// order list per collection stands in for a real document store's natural
// scan order so FIFO-by-insertion still holds. Put is a Lua script (the
// if-absent check and the order-list bookkeeping run as one step), and Claim
// is a WATCH/MULTI transaction so lease acquisition stays atomic under
// concurrent pulls the same way the in-memory backend's collection mutex does.
package rediskv

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/agentdispatch/hub/internal/model"
	"github.com/agentdispatch/hub/internal/storage"
)

// Store is the Redis-backed storage.Store backend.
type Store struct {
	rdb *redis.Client
}

// Config configures the connection to the external store.
type Config struct {
	URL    string
	AppID  string
	APIKey string
}

// New connects to Redis using the given configuration. AppID/APIKey are
// carried for parity with a multi-tenant document store that requires
// application-scoped credentials; the open-source Redis client folds them
// into the connection URL's userinfo when present.
func New(cfg Config) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, model.WrapError(model.ErrStorageUnavailable, err, "parse external store url")
	}
	if cfg.AppID != "" {
		opts.Username = cfg.AppID
	}
	if cfg.APIKey != "" {
		opts.Password = cfg.APIKey
	}
	return &Store{rdb: redis.NewClient(opts)}, nil
}

func recordKey(coll storage.Collection, id string) string {
	return fmt.Sprintf("%s:%s", coll, id)
}

func seqKey(coll storage.Collection) string {
	return fmt.Sprintf("%s:__seq__", coll)
}

func orderKey(coll storage.Collection) string {
	return fmt.Sprintf("%s:__order__", coll)
}

func notFoundKind(c storage.Collection) model.ErrorKind {
	switch c {
	case storage.CollectionAgents:
		return model.ErrAgentNotFound
	case storage.CollectionGroups:
		return model.ErrGroupNotFound
	default:
		return model.ErrMessageNotFound
	}
}

func (s *Store) Get(ctx context.Context, coll storage.Collection, id string, out interface{}) error {
	raw, err := s.rdb.Get(ctx, recordKey(coll, id)).Bytes()
	if err == redis.Nil {
		return model.NewError(notFoundKind(coll), "%s/%s not found", coll, id)
	}
	if err != nil {
		return model.WrapError(model.ErrStorageUnavailable, err, "get %s/%s", coll, id)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return model.WrapError(model.ErrInternal, err, "decode %s/%s", coll, id)
	}
	return nil
}

var putIfAbsentScript = redis.NewScript(`
local key = KEYS[1]
local orderkey = KEYS[2]
local seqkey = KEYS[3]
local ifabsent = ARGV[1]
local value = ARGV[2]
if ifabsent == "1" and redis.call("EXISTS", key) == 1 then
  return {err = "CONFLICT"}
end
local existed = redis.call("EXISTS", key)
redis.call("SET", key, value)
if existed == 0 then
  local seq = redis.call("INCR", seqkey)
  redis.call("ZADD", orderkey, seq, key)
end
return "OK"
`)

func (s *Store) Put(ctx context.Context, coll storage.Collection, id string, v interface{}, ifAbsent bool) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return model.WrapError(model.ErrInternal, err, "encode %s/%s", coll, id)
	}

	ifAbsentArg := "0"
	if ifAbsent {
		ifAbsentArg = "1"
	}

	_, err = putIfAbsentScript.Run(ctx, s.rdb,
		[]string{recordKey(coll, id), orderKey(coll), seqKey(coll)},
		ifAbsentArg, raw,
	).Result()
	if err != nil {
		if err.Error() == "CONFLICT" {
			return model.NewError(model.ErrConflict, "%s/%s already exists", coll, id)
		}
		return model.WrapError(model.ErrStorageUnavailable, err, "put %s/%s", coll, id)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, coll storage.Collection, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, recordKey(coll, id))
	pipe.ZRem(ctx, orderKey(coll), recordKey(coll, id))
	if _, err := pipe.Exec(ctx); err != nil {
		return model.WrapError(model.ErrStorageUnavailable, err, "delete %s/%s", coll, id)
	}
	return nil
}

func (s *Store) List(ctx context.Context, coll storage.Collection, filter storage.Filter, limit int, cursor string) ([]interface{}, string, bool, error) {
	if limit <= 0 || limit > storage.MaxListPage {
		limit = storage.MaxListPage
	}

	minScore := "("
	if cursor == "" {
		minScore = "-inf"
	} else {
		minScore += cursor
	}

	// Fetch one extra key to detect whether more pages remain.
	keys, err := s.rdb.ZRangeByScore(ctx, orderKey(coll), &redis.ZRangeBy{
		Min:    minScore,
		Max:    "+inf",
		Offset: 0,
		Count:  int64(limit + 1),
	}).Result()
	if err != nil {
		return nil, "", false, model.WrapError(model.ErrStorageUnavailable, err, "list %s", coll)
	}

	var matched []interface{}
	var lastKey string
	for _, key := range keys {
		raw, err := s.rdb.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue // evicted between ZRANGE and GET
		}
		if err != nil {
			return nil, "", false, model.WrapError(model.ErrStorageUnavailable, err, "get %s", key)
		}
		var decoded interface{}
		if filter.Decode != nil {
			decoded, err = filter.Decode(raw)
			if err != nil {
				return nil, "", false, model.WrapError(model.ErrInternal, err, "decode %s", key)
			}
		}
		if filter.Match != nil && !filter.Match(decoded) {
			lastKey = key
			continue
		}
		matched = append(matched, decoded)
		lastKey = key
		if len(matched) >= limit {
			break
		}
	}

	more := len(keys) > limit
	nextCursor := cursor
	if lastKey != "" {
		score, err := s.rdb.ZScore(ctx, orderKey(coll), lastKey).Result()
		if err == nil {
			nextCursor = fmt.Sprintf("%d", int64(score))
		}
	}

	if filter.Less != nil {
		sortSlice(matched, filter.Less)
	}

	return matched, nextCursor, more, nil
}

func sortSlice(items []interface{}, less func(a, b interface{}) bool) {
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && less(items[j], items[j-1]); j-- {
			items[j-1], items[j] = items[j], items[j-1]
		}
	}
}

// Claim leases a single matching record. Redis has no generic compare-and-
// mutate primitive for arbitrary predicates, so Claim optimistically scans
// candidates via WATCH/MULTI, moving on to the next candidate when a
// concurrent writer wins the race for one —
// the same atomicity contract as the in-memory backend's collection mutex,
// expressed with Redis's transaction primitive instead.
func (s *Store) Claim(ctx context.Context, coll storage.Collection, id string, filter storage.Filter, mutate func(v interface{}) (interface{}, error)) (interface{}, error) {
	candidates := []string{}
	if id != "" {
		candidates = []string{recordKey(coll, id)}
	} else {
		keys, err := s.rdb.ZRange(ctx, orderKey(coll), 0, -1).Result()
		if err != nil {
			return nil, model.WrapError(model.ErrStorageUnavailable, err, "scan %s for claim", coll)
		}
		candidates = keys
	}

	for _, key := range candidates {
		claimed, err := s.tryClaim(ctx, coll, key, filter, mutate)
		if err == errClaimSkip {
			continue
		}
		if err != nil {
			return nil, err
		}
		return claimed, nil
	}

	return nil, model.NewError(notFoundKind(coll), "no record in %s matches claim filter", coll)
}

var errClaimSkip = fmt.Errorf("claim: candidate does not match")

func (s *Store) tryClaim(ctx context.Context, coll storage.Collection, key string, filter storage.Filter, mutate func(v interface{}) (interface{}, error)) (interface{}, error) {
	var result interface{}
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return errClaimSkip
		}
		if err != nil {
			return model.WrapError(model.ErrStorageUnavailable, err, "get %s", key)
		}

		decoded, err := filter.Decode(raw)
		if err != nil {
			return model.WrapError(model.ErrInternal, err, "decode %s", key)
		}
		if filter.Match != nil && !filter.Match(decoded) {
			return errClaimSkip
		}

		mutated, err := mutate(decoded)
		if err != nil {
			return err
		}
		newRaw, err := json.Marshal(mutated)
		if err != nil {
			return model.WrapError(model.ErrInternal, err, "encode %s", key)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newRaw, 0)
			return nil
		})
		if err != nil {
			return model.WrapError(model.ErrStorageUnavailable, err, "commit claim of %s", key)
		}
		result = mutated
		return nil
	}

	err := s.rdb.Watch(ctx, txf, key)
	if err == redis.TxFailedErr {
		// Lost the race to a concurrent claimant; caller moves to the
		// next candidate rather than retrying the same key indefinitely.
		return nil, errClaimSkip
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) PutIfAbsentIndex(ctx context.Context, indexName, key, value string) (string, bool, error) {
	fullKey := fmt.Sprintf("idx:%s:%s", indexName, key)
	ok, err := s.rdb.SetNX(ctx, fullKey, value, 0).Result()
	if err != nil {
		return "", false, model.WrapError(model.ErrStorageUnavailable, err, "putifabsent index %s", indexName)
	}
	if ok {
		return "", true, nil
	}
	existing, err := s.rdb.Get(ctx, fullKey).Result()
	if err != nil {
		return "", false, model.WrapError(model.ErrStorageUnavailable, err, "read existing index %s", indexName)
	}
	return existing, false, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return model.WrapError(model.ErrStorageUnavailable, err, "ping external store")
	}
	return nil
}
