// Package stats implements the hub's statistics surface (C9): point-in-time
// counts of agents, messages by status, and groups for the stats endpoint.
// Storage reachability for /health is not checked here; it is the
// observability package's StorageHealthChecker.
// Grounded on the teacher's HealthServer/HealthChecker composition
// (internal/observability/healthcheck.go), extended with a counts query
// the teacher's event-bus health check never needed.
package stats

import (
	"context"
	"encoding/json"

	"github.com/agentdispatch/hub/internal/model"
	"github.com/agentdispatch/hub/internal/storage"
)

// Reporter answers stats queries over the storage adapter.
type Reporter struct {
	store storage.Store
}

// New builds a Reporter.
func New(store storage.Store) *Reporter {
	return &Reporter{store: store}
}

// Snapshot is the payload returned by the stats endpoint (spec.md §6).
type Snapshot struct {
	AgentsOnline    int                          `json:"agents_online"`
	AgentsTotal     int                          `json:"agents_total"`
	MessagesByStatus map[model.MessageStatus]int `json:"messages_by_status"`
	GroupsTotal     int                          `json:"groups_total"`
}

// Collect builds a fresh Snapshot by scanning each collection. It pages at
// storage.MaxListPage per collection, which bounds a single call's cost;
// callers needing a live, always-current count should poll rather than
// hold a Snapshot.
func (r *Reporter) Collect(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{MessagesByStatus: make(map[model.MessageStatus]int)}

	agentsOnline, agentsTotal, err := r.countAgents(ctx)
	if err != nil {
		return nil, err
	}
	snap.AgentsOnline = agentsOnline
	snap.AgentsTotal = agentsTotal

	byStatus, err := r.countMessagesByStatus(ctx)
	if err != nil {
		return nil, err
	}
	snap.MessagesByStatus = byStatus

	groupsTotal, err := r.countGroups(ctx)
	if err != nil {
		return nil, err
	}
	snap.GroupsTotal = groupsTotal

	return snap, nil
}

func (r *Reporter) countAgents(ctx context.Context) (online, total int, err error) {
	cursor := ""
	for {
		items, next, more, err := r.store.List(ctx, storage.CollectionAgents, storage.Filter{
			Decode: func(raw []byte) (interface{}, error) {
				var a model.Agent
				if err := json.Unmarshal(raw, &a); err != nil {
					return nil, err
				}
				return &a, nil
			},
			Match: func(v interface{}) bool { return true },
		}, storage.MaxListPage, cursor)
		if err != nil {
			return 0, 0, err
		}
		for _, it := range items {
			a := it.(*model.Agent)
			total++
			if a.Status == model.AgentOnline {
				online++
			}
		}
		if !more {
			return online, total, nil
		}
		cursor = next
	}
}

func (r *Reporter) countMessagesByStatus(ctx context.Context) (map[model.MessageStatus]int, error) {
	counts := make(map[model.MessageStatus]int)
	cursor := ""
	for {
		items, next, more, err := r.store.List(ctx, storage.CollectionMessages, storage.Filter{
			Decode: func(raw []byte) (interface{}, error) {
				var s model.MessageState
				if err := json.Unmarshal(raw, &s); err != nil {
					return nil, err
				}
				return &s, nil
			},
			Match: func(v interface{}) bool { return true },
		}, storage.MaxListPage, cursor)
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			s := it.(*model.MessageState)
			counts[s.Status]++
		}
		if !more {
			return counts, nil
		}
		cursor = next
	}
}

func (r *Reporter) countGroups(ctx context.Context) (int, error) {
	total := 0
	cursor := ""
	for {
		items, next, more, err := r.store.List(ctx, storage.CollectionGroups, storage.Filter{
			Decode: func(raw []byte) (interface{}, error) {
				var g model.Group
				if err := json.Unmarshal(raw, &g); err != nil {
					return nil, err
				}
				return &g, nil
			},
			Match: func(v interface{}) bool { return true },
		}, storage.MaxListPage, cursor)
		if err != nil {
			return 0, err
		}
		total += len(items)
		if !more {
			return total, nil
		}
		cursor = next
	}
}
