// Package storage defines the uniform CRUD + atomic claim interface that
// every other core component builds on, following the teacher's
// storage-polymorphism idiom: a single capability interface with
// interchangeable backends (internal/storage/memory, internal/storage/rediskv).
package storage

import "context"

// Collection names the fixed set of record types the hub persists.
type Collection string

const (
	CollectionAgents        Collection = "agents"
	CollectionMessages      Collection = "messages"
	CollectionGroups        Collection = "groups"
	CollectionGroupMembers  Collection = "group_members"
	CollectionWebhookQueue  Collection = "webhook_queue"
)

// MaxListPage is the hard cap on documents returned by a single List call;
// callers must paginate with the returned cursor.
const MaxListPage = 1000

// Filter is a predicate over a collection's records, evaluated by the
// backend against the record's decoded form. Backends decode each candidate
// record with the caller-supplied Decode function and keep it when Match
// returns true.
type Filter struct {
	// Decode unmarshals a raw record into a fresh value for Match to
	// inspect. The returned value is also what List/Claim hand back.
	Decode func(raw []byte) (interface{}, error)
	// Match reports whether a decoded record satisfies the filter.
	Match func(v interface{}) bool
	// Less orders two decoded records for List's stable pagination; nil
	// leaves backend-defined (but still stable) ordering.
	Less func(a, b interface{}) bool
}

// Store is the storage adapter's capability interface. Every method is
// namespaced by Collection so a single Store value backs all five
// collections the hub needs.
type Store interface {
	// Get fetches a single record by id. Returns ErrMessageNotFound /
	// ErrAgentNotFound / ErrGroupNotFound (via model.Error) when absent;
	// callers type-assert on the collection they queried.
	Get(ctx context.Context, coll Collection, id string, out interface{}) error

	// Put creates or overwrites a record. ifAbsent, when true, fails with a
	// CONFLICT model.Error if a record already exists at id.
	Put(ctx context.Context, coll Collection, id string, record interface{}, ifAbsent bool) error

	// Delete removes a record; deleting an absent id is a no-op.
	Delete(ctx context.Context, coll Collection, id string) error

	// List scans a collection, decoding each record with filter.Decode and
	// keeping those where filter.Match returns true, up to limit (capped at
	// MaxListPage) starting after cursor. It returns the matching records,
	// the cursor to resume from, and whether more pages remain.
	List(ctx context.Context, coll Collection, filter Filter, limit int, cursor string) (items []interface{}, nextCursor string, more bool, err error)

	// Claim atomically scans for the first record in insertion order
	// (filter.Less is not consulted) matching filter.Match, applies mutate to it,
	// and persists the mutated value — all without any other Claim
	// observing an intermediate state. Returns model.ErrMessageNotFound
	// (wrapped) if nothing matches. Used by the inbox engine's lease-pull.
	Claim(ctx context.Context, coll Collection, id string, filter Filter, mutate func(v interface{}) (interface{}, error)) (interface{}, error)

	// PutIfAbsentIndex records a secondary (from, idempotencyKey) -> value
	// mapping with a single atomic check-and-set on the index; it is a
	// separate call from the record Put it accompanies. Used for send-path
	// idempotency. Returns false if the key already existed, in
	// which case existing is populated with the previously stored value.
	PutIfAbsentIndex(ctx context.Context, indexName, key string, value string) (existing string, created bool, err error)

	// Ping verifies the backend is reachable, for health checks.
	Ping(ctx context.Context) error
}
