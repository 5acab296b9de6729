package model

import (
	"testing"
	"time"
)

func TestAgentPublicView(t *testing.T) {
	a := &Agent{
		ID:            "agent-1",
		Name:          "scheduler",
		PublicKey:     []byte("pub"),
		PrevPublicKey: []byte("prev"),
		APIKeyHash:    "hash",
		WebhookSecret: "secret",
		Status:        AgentOnline,
	}

	view := a.PublicView()

	if view.PrevPublicKey != nil {
		t.Errorf("PublicView should strip PrevPublicKey, got %v", view.PrevPublicKey)
	}
	if view.APIKeyHash != "" {
		t.Errorf("PublicView should strip APIKeyHash, got %q", view.APIKeyHash)
	}
	if view.WebhookSecret != "" {
		t.Errorf("PublicView should strip WebhookSecret, got %q", view.WebhookSecret)
	}
	if view.ID != a.ID || view.Name != a.Name || string(view.PublicKey) != string(a.PublicKey) {
		t.Errorf("PublicView must preserve non-sensitive fields, got %+v", view)
	}
	// original must be untouched
	if a.PrevPublicKey == nil || a.APIKeyHash == "" || a.WebhookSecret == "" {
		t.Error("PublicView must not mutate the receiver")
	}
}

func TestMessageStatusTerminal(t *testing.T) {
	tests := []struct {
		status MessageStatus
		want   bool
	}{
		{StatusQueued, false},
		{StatusDelivered, false},
		{StatusLeased, false},
		{StatusNacked, false},
		{StatusAcked, true},
		{StatusExpired, true},
		{StatusDead, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.Terminal(); got != tt.want {
				t.Errorf("Terminal() for %s = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestMessageStateBodyPurged(t *testing.T) {
	m := &MessageState{}
	if m.BodyPurged() {
		t.Error("zero-value MessageState should not report BodyPurged")
	}

	m.BodyPurgedAt = time.Now()
	if !m.BodyPurged() {
		t.Error("MessageState with a set BodyPurgedAt should report BodyPurged")
	}
}

func TestGroupMemberIDsSorted(t *testing.T) {
	g := &Group{
		Members: map[string]GroupRole{
			"zeta":  RoleMember,
			"alpha": RoleOwner,
			"mu":    RoleAdmin,
		},
	}

	ids := g.MemberIDs()
	want := []string{"alpha", "mu", "zeta"}

	if len(ids) != len(want) {
		t.Fatalf("MemberIDs() returned %d ids, want %d", len(ids), len(want))
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("MemberIDs()[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestGroupMemberIDsEmpty(t *testing.T) {
	g := &Group{Members: map[string]GroupRole{}}
	ids := g.MemberIDs()
	if len(ids) != 0 {
		t.Errorf("MemberIDs() on empty group = %v, want empty slice", ids)
	}
}
