package rediskv

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/agentdispatch/hub/internal/model"
	"github.com/agentdispatch/hub/internal/storage"
)

type widget struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

func decodeWidget(raw []byte) (interface{}, error) {
	w := &widget{}
	if err := json.Unmarshal(raw, w); err != nil {
		return nil, err
	}
	return w, nil
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New(Config{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("New() = %v", err)
	}
	return s
}

func TestStorePutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, storage.CollectionAgents, "a1", &widget{ID: "a1", Count: 1}, false); err != nil {
		t.Fatalf("Put() = %v", err)
	}

	var got widget
	if err := s.Get(ctx, storage.CollectionAgents, "a1", &got); err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if got.ID != "a1" || got.Count != 1 {
		t.Errorf("Get() = %+v, want {a1 1}", got)
	}
}

func TestStoreGetMissingReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	var got widget
	err := s.Get(context.Background(), storage.CollectionMessages, "missing", &got)
	if model.KindOf(err) != model.ErrMessageNotFound {
		t.Fatalf("Get() on missing message kind = %v, want %v", model.KindOf(err), model.ErrMessageNotFound)
	}
}

func TestStorePutIfAbsentConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, storage.CollectionAgents, "a1", &widget{ID: "a1"}, true); err != nil {
		t.Fatalf("first Put(ifAbsent=true) = %v", err)
	}
	err := s.Put(ctx, storage.CollectionAgents, "a1", &widget{ID: "a1"}, true)
	if model.KindOf(err) != model.ErrConflict {
		t.Fatalf("second Put(ifAbsent=true) kind = %v, want %v", model.KindOf(err), model.ErrConflict)
	}
}

func TestStoreDeleteRemovesFromOrderIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Put(ctx, storage.CollectionMessages, "m1", &widget{ID: "m1"}, false)

	if err := s.Delete(ctx, storage.CollectionMessages, "m1"); err != nil {
		t.Fatalf("Delete() = %v", err)
	}

	items, _, _, err := s.List(ctx, storage.CollectionMessages, storage.Filter{Decode: decodeWidget}, 10, "")
	if err != nil {
		t.Fatalf("List() = %v", err)
	}
	if len(items) != 0 {
		t.Errorf("List() after Delete() = %v, want empty", items)
	}
}

func TestStoreListPreservesInsertionOrderAndPaginates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"w1", "w2", "w3"} {
		if err := s.Put(ctx, storage.CollectionMessages, id, &widget{ID: id}, false); err != nil {
			t.Fatalf("Put(%s) = %v", id, err)
		}
	}

	filter := storage.Filter{Decode: decodeWidget}

	page1, cursor1, more1, err := s.List(ctx, storage.CollectionMessages, filter, 2, "")
	if err != nil {
		t.Fatalf("List() page1 = %v", err)
	}
	if len(page1) != 2 || !more1 {
		t.Fatalf("List() page1 = %d items, more=%v, want 2 items, more=true", len(page1), more1)
	}
	if page1[0].(*widget).ID != "w1" || page1[1].(*widget).ID != "w2" {
		t.Fatalf("List() page1 order = %v, want [w1 w2]", page1)
	}

	page2, _, more2, err := s.List(ctx, storage.CollectionMessages, filter, 2, cursor1)
	if err != nil {
		t.Fatalf("List() page2 = %v", err)
	}
	if len(page2) != 1 || more2 {
		t.Fatalf("List() page2 = %d items, more=%v, want 1 item, more=false", len(page2), more2)
	}
	if page2[0].(*widget).ID != "w3" {
		t.Fatalf("List() page2 = %v, want [w3]", page2)
	}
}

func TestStoreClaimByIDMutatesAndPersists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Put(ctx, storage.CollectionMessages, "m1", &widget{ID: "m1", Count: 1}, false)

	filter := storage.Filter{Decode: decodeWidget}
	claimed, err := s.Claim(ctx, storage.CollectionMessages, "m1", filter, func(v interface{}) (interface{}, error) {
		w := v.(*widget)
		w.Count++
		return w, nil
	})
	if err != nil {
		t.Fatalf("Claim() = %v", err)
	}
	if claimed.(*widget).Count != 2 {
		t.Fatalf("Claim() returned Count = %d, want 2", claimed.(*widget).Count)
	}

	var got widget
	s.Get(ctx, storage.CollectionMessages, "m1", &got)
	if got.Count != 2 {
		t.Fatalf("mutation not persisted: Count = %d, want 2", got.Count)
	}
}

func TestStoreClaimScansForFirstMatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Put(ctx, storage.CollectionMessages, "m1", &widget{ID: "m1", Count: 0}, false)
	s.Put(ctx, storage.CollectionMessages, "m2", &widget{ID: "m2", Count: 1}, false)

	filter := storage.Filter{
		Decode: decodeWidget,
		Match:  func(v interface{}) bool { return v.(*widget).Count == 1 },
	}

	claimed, err := s.Claim(ctx, storage.CollectionMessages, "", filter, func(v interface{}) (interface{}, error) {
		return v, nil
	})
	if err != nil {
		t.Fatalf("Claim() = %v", err)
	}
	if claimed.(*widget).ID != "m2" {
		t.Fatalf("Claim() matched %v, want m2", claimed)
	}
}

func TestStoreClaimNoMatchReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	filter := storage.Filter{
		Decode: decodeWidget,
		Match:  func(v interface{}) bool { return false },
	}
	_, err := s.Claim(context.Background(), storage.CollectionMessages, "", filter, func(v interface{}) (interface{}, error) {
		return v, nil
	})
	if model.KindOf(err) != model.ErrMessageNotFound {
		t.Fatalf("Claim() with no match kind = %v, want %v", model.KindOf(err), model.ErrMessageNotFound)
	}
}

func TestStorePutIfAbsentIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	existing, created, err := s.PutIfAbsentIndex(ctx, "idem", "agent-1\x00key-1", "msg-1")
	if err != nil || !created || existing != "" {
		t.Fatalf("first PutIfAbsentIndex() = (%q, %v, %v), want (\"\", true, nil)", existing, created, err)
	}

	existing, created, err = s.PutIfAbsentIndex(ctx, "idem", "agent-1\x00key-1", "msg-2")
	if err != nil || created || existing != "msg-1" {
		t.Fatalf("second PutIfAbsentIndex() = (%q, %v, %v), want (\"msg-1\", false, nil)", existing, created, err)
	}
}

func TestStorePing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() = %v, want nil", err)
	}
}
