// Package memory implements storage.Store over in-process maps, guarded by
// one sync.RWMutex per collection — the same guarded-map idiom the teacher
// uses for its subscriber registries in internal/agenthub/broker.go, applied
// here to durable (for the process lifetime) record storage instead of
// transient subscriber lists. Wiped on restart; this is the default backend.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/agentdispatch/hub/internal/model"
	"github.com/agentdispatch/hub/internal/storage"
)

type record struct {
	id  string
	raw json.RawMessage
	// seq preserves insertion order for collections (like messages) where
	// FIFO-by-insertion matters and Less is not supplied.
	seq uint64
}

type collectionStore struct {
	mu      sync.RWMutex
	records map[string]*record
	nextSeq uint64
}

// Store is the in-memory storage.Store backend.
type Store struct {
	collections map[storage.Collection]*collectionStore
	indexMu     sync.Mutex
	indexes     map[string]string // indexName+"\x00"+key -> value
}

// New returns an empty in-memory store with all five collections
// initialized.
func New() *Store {
	s := &Store{
		collections: make(map[storage.Collection]*collectionStore),
		indexes:     make(map[string]string),
	}
	for _, c := range []storage.Collection{
		storage.CollectionAgents,
		storage.CollectionMessages,
		storage.CollectionGroups,
		storage.CollectionGroupMembers,
		storage.CollectionWebhookQueue,
	} {
		s.collections[c] = &collectionStore{records: make(map[string]*record)}
	}
	return s
}

func (s *Store) coll(c storage.Collection) *collectionStore {
	cs, ok := s.collections[c]
	if !ok {
		// Unknown collections are still usable (tests may define ad-hoc
		// ones); lazily create so Store never panics on a typo'd constant.
		cs = &collectionStore{records: make(map[string]*record)}
		s.collections[c] = cs
	}
	return cs
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
	cs := s.coll(coll)
	cs.mu.RLock()
	rec, ok := cs.records[id]
	cs.mu.RUnlock()
	if !ok {
		return model.NewError(notFoundKind(coll), "%s/%s not found", coll, id)
	}
	if err := json.Unmarshal(rec.raw, out); err != nil {
		return model.WrapError(model.ErrInternal, err, "decode %s/%s", coll, id)
	}
	return nil
}

func (s *Store) Put(ctx context.Context, coll storage.Collection, id string, v interface{}, ifAbsent bool) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return model.WrapError(model.ErrInternal, err, "encode %s/%s", coll, id)
	}

	cs := s.coll(coll)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	existing, exists := cs.records[id]
	if ifAbsent && exists {
		return model.NewError(model.ErrConflict, "%s/%s already exists", coll, id)
	}

	// Updating an existing record preserves its original insertion
	// sequence, so a pulled-then-requeued message keeps its original FIFO
	// position instead of jumping ahead of newer arrivals.
	if exists {
		existing.raw = raw
		return nil
	}

	cs.nextSeq++
	cs.records[id] = &record{id: id, raw: raw, seq: cs.nextSeq}
	return nil
}

func (s *Store) Delete(ctx context.Context, coll storage.Collection, id string) error {
	cs := s.coll(coll)
	cs.mu.Lock()
	delete(cs.records, id)
	cs.mu.Unlock()
	return nil
}

func (s *Store) List(ctx context.Context, coll storage.Collection, filter storage.Filter, limit int, cursor string) ([]interface{}, string, bool, error) {
	if limit <= 0 || limit > storage.MaxListPage {
		limit = storage.MaxListPage
	}

	cs := s.coll(coll)
	cs.mu.RLock()
	all := make([]*record, 0, len(cs.records))
	for _, rec := range cs.records {
		all = append(all, rec)
	}
	cs.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	startSeq := uint64(0)
	if cursor != "" {
		if _, err := fmt.Sscanf(cursor, "%d", &startSeq); err != nil {
			return nil, "", false, model.NewError(model.ErrInvalidEnvelope, "invalid cursor %q", cursor)
		}
	}

	var matched []interface{}
	var matchedSeqs []uint64
	for _, rec := range all {
		if rec.seq <= startSeq {
			continue
		}
		var decoded interface{}
		var err error
		if filter.Decode != nil {
			decoded, err = filter.Decode(rec.raw)
			if err != nil {
				return nil, "", false, model.WrapError(model.ErrInternal, err, "decode %s/%s", coll, rec.id)
			}
		}
		if filter.Match != nil && !filter.Match(decoded) {
			continue
		}
		matched = append(matched, decoded)
		matchedSeqs = append(matchedSeqs, rec.seq)
		if len(matched) >= limit+1 {
			break
		}
	}

	if filter.Less != nil {
		sort.SliceStable(matched, func(i, j int) bool { return filter.Less(matched[i], matched[j]) })
	}

	more := len(matched) > limit
	if more {
		matched = matched[:limit]
		matchedSeqs = matchedSeqs[:limit]
	}

	nextCursor := cursor
	if len(matchedSeqs) > 0 {
		nextCursor = fmt.Sprintf("%d", matchedSeqs[len(matchedSeqs)-1])
	}

	return matched, nextCursor, more, nil
}

func (s *Store) Claim(ctx context.Context, coll storage.Collection, id string, filter storage.Filter, mutate func(v interface{}) (interface{}, error)) (interface{}, error) {
	cs := s.coll(coll)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if id != "" {
		rec, ok := cs.records[id]
		if !ok {
			return nil, model.NewError(notFoundKind(coll), "%s/%s not found", coll, id)
		}
		return s.claimRecord(cs, rec, filter, mutate)
	}

	ordered := make([]*record, 0, len(cs.records))
	for _, rec := range cs.records {
		ordered = append(ordered, rec)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].seq < ordered[j].seq })

	for _, rec := range ordered {
		decoded, err := filter.Decode(rec.raw)
		if err != nil {
			return nil, model.WrapError(model.ErrInternal, err, "decode %s/%s", coll, rec.id)
		}
		if filter.Match != nil && !filter.Match(decoded) {
			continue
		}
		return s.claimRecord(cs, rec, filter, mutate)
	}

	return nil, model.NewError(model.ErrMessageNotFound, "no record in %s matches claim filter", coll)
}

func (s *Store) claimRecord(cs *collectionStore, rec *record, filter storage.Filter, mutate func(v interface{}) (interface{}, error)) (interface{}, error) {
	decoded, err := filter.Decode(rec.raw)
	if err != nil {
		return nil, model.WrapError(model.ErrInternal, err, "decode record for claim")
	}
	mutated, err := mutate(decoded)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(mutated)
	if err != nil {
		return nil, model.WrapError(model.ErrInternal, err, "encode claimed record")
	}
	rec.raw = raw
	return mutated, nil
}

func (s *Store) PutIfAbsentIndex(ctx context.Context, indexName, key, value string) (string, bool, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	fullKey := indexName + "\x00" + key
	if existing, ok := s.indexes[fullKey]; ok {
		return existing, false, nil
	}
	s.indexes[fullKey] = value
	return "", true, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}
