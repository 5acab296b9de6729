package registry

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/agentdispatch/hub/internal/model"
	"github.com/agentdispatch/hub/internal/storage/memory"
)

func newTestRegistry() *Registry {
	return New(memory.New(), nil)
}

func TestRegisterGeneratesKeypairAndAPIKey(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	result, err := r.Register(ctx, RegisterInput{Name: "Scheduler Bot"})
	if err != nil {
		t.Fatalf("Register() = %v", err)
	}
	if result.PrivateKey == nil {
		t.Error("Register() with no caller-supplied public key should generate and return a private key")
	}
	if result.APIKey == "" {
		t.Error("Register() should return a plaintext API key exactly once")
	}
	if result.Agent.KeyVersion != 1 {
		t.Errorf("new agent KeyVersion = %d, want 1", result.Agent.KeyVersion)
	}
	if len(result.Agent.PublicKey) != ed25519.PublicKeySize {
		t.Errorf("PublicKey len = %d, want %d", len(result.Agent.PublicKey), ed25519.PublicKeySize)
	}
}

func TestRegisterWithCallerSuppliedKeyReturnsNoPrivateKey(t *testing.T) {
	r := newTestRegistry()
	pub, _, _ := ed25519.GenerateKey(nil)

	result, err := r.Register(context.Background(), RegisterInput{Name: "bot", PublicKey: pub})
	if err != nil {
		t.Fatalf("Register() = %v", err)
	}
	if result.PrivateKey != nil {
		t.Error("Register() with a caller-supplied public key must not return a private key")
	}
	if string(result.Agent.PublicKey) != string(pub) {
		t.Error("Register() should keep the caller-supplied public key")
	}
}

func TestRegisterMissingNameFails(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Register(context.Background(), RegisterInput{Name: "   "})
	if model.KindOf(err) != model.ErrInvalidEnvelope {
		t.Fatalf("Register() with blank name kind = %v, want %v", model.KindOf(err), model.ErrInvalidEnvelope)
	}
}

func TestRegisterInvalidWebhookURLFails(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Register(context.Background(), RegisterInput{Name: "bot", WebhookURL: "not-a-url"})
	if model.KindOf(err) != model.ErrInvalidWebhookURL {
		t.Fatalf("Register() with invalid webhook kind = %v, want %v", model.KindOf(err), model.ErrInvalidWebhookURL)
	}
}

func TestGetReturnsPublicViewOnly(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	result, _ := r.Register(ctx, RegisterInput{Name: "bot"})

	agent, err := r.Get(ctx, result.Agent.ID)
	if err != nil {
		t.Fatalf("Get() = %v", err)
	}
	if agent.APIKeyHash != "" {
		t.Error("Get() must not leak APIKeyHash")
	}
}

func TestGetUnknownAgentFails(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Get(context.Background(), "agent://nope")
	if model.KindOf(err) != model.ErrAgentNotFound {
		t.Fatalf("Get() on unknown agent kind = %v, want %v", model.KindOf(err), model.ErrAgentNotFound)
	}
}

func TestRotateKeyKeepsPreviousDuringGrace(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	result, _ := r.Register(ctx, RegisterInput{Name: "bot"})
	originalPub := result.Agent.PublicKey

	rotated, err := r.RotateKey(ctx, result.Agent.ID)
	if err != nil {
		t.Fatalf("RotateKey() = %v", err)
	}
	if rotated.Agent.KeyVersion != 2 {
		t.Errorf("KeyVersion after rotation = %d, want 2", rotated.Agent.KeyVersion)
	}

	current, previous, ok := r.LookupKey(ctx, result.Agent.ID)
	if !ok {
		t.Fatal("LookupKey() after rotation should still find the agent")
	}
	if string(previous) != string(originalPub) {
		t.Error("LookupKey() should return the pre-rotation key as previous during the grace window")
	}
	if string(current) == string(originalPub) {
		t.Error("LookupKey() current key should be the newly rotated key")
	}
}

func TestLookupKeyAfterGraceWindowDropsPrevious(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	result, _ := r.Register(ctx, RegisterInput{Name: "bot"})

	agent, err := r.getFull(ctx, result.Agent.ID)
	if err != nil {
		t.Fatalf("getFull() = %v", err)
	}
	agent.KeyRotatedAt = time.Now().Add(-2 * KeyRotationGrace)
	agent.PrevPublicKey = []byte("stale-key")
	if err := r.store.Put(ctx, "agents", agent.ID, agent, false); err != nil {
		t.Fatalf("Put() = %v", err)
	}

	_, previous, ok := r.LookupKey(ctx, result.Agent.ID)
	if !ok {
		t.Fatal("LookupKey() should still find the agent")
	}
	if previous != nil {
		t.Errorf("LookupKey() previous outside grace window = %v, want nil", previous)
	}
}

func TestLookupKeyDeregisteredAgentFails(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	result, _ := r.Register(ctx, RegisterInput{Name: "bot"})

	if err := r.Deregister(ctx, result.Agent.ID, nil); err != nil {
		t.Fatalf("Deregister() = %v", err)
	}

	_, _, ok := r.LookupKey(ctx, result.Agent.ID)
	if ok {
		t.Error("LookupKey() should fail for a deregistered agent")
	}
}

func TestDeregisterInvokesCascadeAndClearsWebhook(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	result, _ := r.Register(ctx, RegisterInput{Name: "bot", WebhookURL: "https://example.com/hook"})

	var cascadeCalledFor string
	err := r.Deregister(ctx, result.Agent.ID, func(ctx context.Context, recipientID string) error {
		cascadeCalledFor = recipientID
		return nil
	})
	if err != nil {
		t.Fatalf("Deregister() = %v", err)
	}
	if cascadeCalledFor != result.Agent.ID {
		t.Errorf("cascade callback called for %q, want %q", cascadeCalledFor, result.Agent.ID)
	}

	agent, _ := r.getFull(ctx, result.Agent.ID)
	if agent.Status != model.AgentDeregistered {
		t.Errorf("Status after Deregister() = %v, want %v", agent.Status, model.AgentDeregistered)
	}
	if agent.WebhookURL != "" {
		t.Error("Deregister() should clear the webhook URL")
	}
}

func TestListFiltersByCapabilityAndStatus(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	r.Register(ctx, RegisterInput{Name: "planner", Capabilities: []string{"planning"}})
	summarizer, _ := r.Register(ctx, RegisterInput{Name: "summarizer", Capabilities: []string{"summarizing"}})
	r.Deregister(ctx, summarizer.Agent.ID, nil)

	agents, _, _, err := r.List(ctx, AgentFilter{Capability: "planning"}, 10, "")
	if err != nil {
		t.Fatalf("List() by capability = %v", err)
	}
	if len(agents) != 1 || agents[0].Name != "planner" {
		t.Fatalf("List() by capability = %+v, want just planner", agents)
	}

	online, _, _, err := r.List(ctx, AgentFilter{Status: model.AgentOnline}, 10, "")
	if err != nil {
		t.Fatalf("List() by status = %v", err)
	}
	if len(online) != 1 || online[0].Name != "planner" {
		t.Fatalf("List() by status=online = %+v, want just planner", online)
	}
}

func TestSetWebhookValidatesURL(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	result, _ := r.Register(ctx, RegisterInput{Name: "bot"})

	if err := r.SetWebhook(ctx, result.Agent.ID, "ftp://bad", "secret"); model.KindOf(err) != model.ErrInvalidWebhookURL {
		t.Fatalf("SetWebhook() with bad scheme kind = %v, want %v", model.KindOf(err), model.ErrInvalidWebhookURL)
	}

	if err := r.SetWebhook(ctx, result.Agent.ID, "https://example.com/hook", "secret"); err != nil {
		t.Fatalf("SetWebhook() = %v", err)
	}

	url, secret, err := r.WebhookConfig(ctx, result.Agent.ID)
	if err != nil || url != "https://example.com/hook" || secret != "secret" {
		t.Fatalf("WebhookConfig() = (%q, %q, %v), want (https://example.com/hook, secret, nil)", url, secret, err)
	}
}

func TestHeartbeatMarksOnline(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	result, _ := r.Register(ctx, RegisterInput{Name: "bot"})
	r.MarkOffline(ctx, result.Agent.ID)

	if err := r.Heartbeat(ctx, result.Agent.ID); err != nil {
		t.Fatalf("Heartbeat() = %v", err)
	}

	agent, _ := r.Get(ctx, result.Agent.ID)
	if agent.Status != model.AgentOnline {
		t.Errorf("Status after Heartbeat() = %v, want %v", agent.Status, model.AgentOnline)
	}
}

func TestMarkOfflineIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	result, _ := r.Register(ctx, RegisterInput{Name: "bot"})

	if err := r.MarkOffline(ctx, result.Agent.ID); err != nil {
		t.Fatalf("first MarkOffline() = %v", err)
	}
	if err := r.MarkOffline(ctx, result.Agent.ID); err != nil {
		t.Fatalf("second MarkOffline() = %v", err)
	}

	agent, _ := r.Get(ctx, result.Agent.ID)
	if agent.Status != model.AgentOffline {
		t.Errorf("Status = %v, want %v", agent.Status, model.AgentOffline)
	}
}
