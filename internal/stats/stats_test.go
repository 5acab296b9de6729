package stats

import (
	"context"
	"testing"

	"github.com/agentdispatch/hub/internal/model"
	"github.com/agentdispatch/hub/internal/storage"
	"github.com/agentdispatch/hub/internal/storage/memory"
)

func TestCollectCountsAcrossCollections(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	store.Put(ctx, storage.CollectionAgents, "a1", &model.Agent{ID: "a1", Status: model.AgentOnline}, false)
	store.Put(ctx, storage.CollectionAgents, "a2", &model.Agent{ID: "a2", Status: model.AgentOffline}, false)
	store.Put(ctx, storage.CollectionAgents, "a3", &model.Agent{ID: "a3", Status: model.AgentOnline}, false)

	store.Put(ctx, storage.CollectionMessages, "m1", &model.MessageState{Status: model.StatusQueued}, false)
	store.Put(ctx, storage.CollectionMessages, "m2", &model.MessageState{Status: model.StatusQueued}, false)
	store.Put(ctx, storage.CollectionMessages, "m3", &model.MessageState{Status: model.StatusAcked}, false)

	store.Put(ctx, storage.CollectionGroups, "g1", &model.Group{ID: "g1"}, false)

	r := New(store)
	snap, err := r.Collect(ctx)
	if err != nil {
		t.Fatalf("Collect() = %v", err)
	}

	if snap.AgentsTotal != 3 {
		t.Errorf("AgentsTotal = %d, want 3", snap.AgentsTotal)
	}
	if snap.AgentsOnline != 2 {
		t.Errorf("AgentsOnline = %d, want 2", snap.AgentsOnline)
	}
	if snap.MessagesByStatus[model.StatusQueued] != 2 {
		t.Errorf("MessagesByStatus[queued] = %d, want 2", snap.MessagesByStatus[model.StatusQueued])
	}
	if snap.MessagesByStatus[model.StatusAcked] != 1 {
		t.Errorf("MessagesByStatus[acked] = %d, want 1", snap.MessagesByStatus[model.StatusAcked])
	}
	if snap.GroupsTotal != 1 {
		t.Errorf("GroupsTotal = %d, want 1", snap.GroupsTotal)
	}
}

func TestCollectOnEmptyStore(t *testing.T) {
	r := New(memory.New())
	snap, err := r.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect() = %v", err)
	}
	if snap.AgentsTotal != 0 || snap.GroupsTotal != 0 || len(snap.MessagesByStatus) != 0 {
		t.Errorf("Collect() on empty store = %+v, want all zero", snap)
	}
}
