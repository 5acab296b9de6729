package ephemeral

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/agentdispatch/hub/internal/model"
)

func TestShouldPurge(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		state *model.MessageState
		want  bool
	}{
		{
			name: "no ephemeral ttl",
			state: &model.MessageState{
				Envelope:   model.Envelope{Body: json.RawMessage(`{}`)},
				InsertedAt: now.Add(-time.Hour),
			},
			want: false,
		},
		{
			name: "ttl not yet elapsed",
			state: &model.MessageState{
				Envelope:   model.Envelope{EphemeralTTL: 60, Body: json.RawMessage(`{}`)},
				InsertedAt: now.Add(-30 * time.Second),
			},
			want: false,
		},
		{
			name: "ttl elapsed",
			state: &model.MessageState{
				Envelope:   model.Envelope{EphemeralTTL: 60, Body: json.RawMessage(`{}`)},
				InsertedAt: now.Add(-90 * time.Second),
			},
			want: true,
		},
		{
			name: "already purged",
			state: &model.MessageState{
				Envelope:     model.Envelope{EphemeralTTL: 60},
				InsertedAt:   now.Add(-90 * time.Second),
				BodyPurgedAt: now.Add(-10 * time.Second),
			},
			want: false,
		},
		{
			name: "no body stored",
			state: &model.MessageState{
				Envelope:   model.Envelope{EphemeralTTL: 60},
				InsertedAt: now.Add(-90 * time.Second),
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldPurge(tt.state, now); got != tt.want {
				t.Errorf("ShouldPurge() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPurge(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	state := &model.MessageState{
		Envelope: model.Envelope{
			ID:      "msg-1",
			Subject: "keep me",
			Body:    json.RawMessage(`{"secret":true}`),
		},
	}

	Purge(state, now)

	if state.Envelope.Body != nil {
		t.Errorf("expected body to be cleared, got %s", state.Envelope.Body)
	}
	if !state.BodyPurgedAt.Equal(now) {
		t.Errorf("expected BodyPurgedAt = %v, got %v", now, state.BodyPurgedAt)
	}
	if state.Envelope.ID != "msg-1" || state.Envelope.Subject != "keep me" {
		t.Errorf("Purge must not touch unrelated envelope fields, got %+v", state.Envelope)
	}
	if !state.BodyPurged() {
		t.Error("BodyPurged() should report true after Purge")
	}
}
