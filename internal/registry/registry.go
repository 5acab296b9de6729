// Package registry implements the agent registry (C3): registration, key
// rotation, heartbeat, webhook configuration, and deregistration. Grounded
// on the interface-based repository shape of the NexusAgentProtocol
// AgentService example (internal-registry-service-agent.go) and on the
// teacher's sentinel-error style (internal/subagent/types.go).
package registry

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/google/uuid"

	"github.com/agentdispatch/hub/internal/model"
	"github.com/agentdispatch/hub/internal/storage"
)

// KeyRotationGrace is how long a rotated-out public key is still accepted,
// so in-flight requests signed under the old key do not fail.
const KeyRotationGrace = 60 * time.Second

var (
	// ErrMissingName is returned by Register when no display name is given.
	ErrMissingName = errors.New("registry: name is required")
)

// Registry implements agent registration and lifecycle management over a
// storage.Store.
type Registry struct {
	store  storage.Store
	logger *slog.Logger
}

// New builds a Registry over the given storage backend.
func New(store storage.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: store, logger: logger}
}

// RegisterInput is the caller-supplied subset of agent attributes.
type RegisterInput struct {
	Name         string
	Capabilities []string
	PublicKey    ed25519.PublicKey // optional; generated server-side if nil
	WebhookURL   string
	WebhookSecret string
}

// RegisterResult carries the fields returned exactly once at registration
// time and never again.
type RegisterResult struct {
	Agent      *model.Agent
	PrivateKey ed25519.PrivateKey // nil when the caller supplied their own public key
	APIKey     string
}

// Register creates a new agent. If input.PublicKey is nil, a keypair is
// generated server-side and the private key is returned once (never
// persisted). agent_id is a slug of the name plus a random suffix so
// repeated registrations of the same display name do not collide.
func (r *Registry) Register(ctx context.Context, input RegisterInput) (*RegisterResult, error) {
	if strings.TrimSpace(input.Name) == "" {
		return nil, model.NewError(model.ErrInvalidEnvelope, "%v", ErrMissingName)
	}
	if input.WebhookURL != "" {
		if err := validateWebhookURL(input.WebhookURL); err != nil {
			return nil, err
		}
	}

	agentID := fmt.Sprintf("agent://%s-%s", slugify(input.Name), uuid.NewString()[:8])

	pub := input.PublicKey
	var priv ed25519.PrivateKey
	if pub == nil {
		var err error
		pub, priv, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, model.WrapError(model.ErrInternal, err, "generate keypair")
		}
	}

	apiKey := uuid.NewString()
	apiKeyHash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return nil, model.WrapError(model.ErrInternal, err, "hash api key")
	}

	agent := &model.Agent{
		ID:            agentID,
		Name:          input.Name,
		Capabilities:  input.Capabilities,
		PublicKey:     pub,
		KeyVersion:    1,
		APIKeyHash:    string(apiKeyHash),
		WebhookURL:    input.WebhookURL,
		WebhookSecret: input.WebhookSecret,
		Status:        model.AgentOnline,
		LastHeartbeat: time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
	}

	if err := r.store.Put(ctx, storage.CollectionAgents, agentID, agent, true); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "agent registered", "agent_id", agentID, "name", input.Name)

	return &RegisterResult{Agent: agent, PrivateKey: priv, APIKey: apiKey}, nil
}

// Get returns the public view of an agent (no secrets).
func (r *Registry) Get(ctx context.Context, agentID string) (*model.Agent, error) {
	var agent model.Agent
	if err := r.store.Get(ctx, storage.CollectionAgents, agentID, &agent); err != nil {
		return nil, err
	}
	return agent.PublicView(), nil
}

// getFull returns the full record, secrets included, for internal callers
// (signature verification, registry mutation) only.
func (r *Registry) getFull(ctx context.Context, agentID string) (*model.Agent, error) {
	var agent model.Agent
	if err := r.store.Get(ctx, storage.CollectionAgents, agentID, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// AgentFilter narrows List results.
type AgentFilter struct {
	Capability string // matches if non-empty and present in agent.Capabilities
	Status     model.AgentStatus
}

// List returns a page of public agent views matching filter.
func (r *Registry) List(ctx context.Context, filter AgentFilter, limit int, cursor string) ([]*model.Agent, string, bool, error) {
	storageFilter := storage.Filter{
		Decode: func(raw []byte) (interface{}, error) {
			var a model.Agent
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, err
			}
			return &a, nil
		},
		Match: func(v interface{}) bool {
			a := v.(*model.Agent)
			if filter.Status != "" && a.Status != filter.Status {
				return false
			}
			if filter.Capability != "" {
				found := false
				for _, c := range a.Capabilities {
					if c == filter.Capability {
						found = true
						break
					}
				}
				if !found {
					return false
				}
			}
			return true
		},
	}

	items, next, more, err := r.store.List(ctx, storage.CollectionAgents, storageFilter, limit, cursor)
	if err != nil {
		return nil, "", false, err
	}

	agents := make([]*model.Agent, 0, len(items))
	for _, it := range items {
		agents = append(agents, it.(*model.Agent).PublicView())
	}
	return agents, next, more, nil
}

// RotateKey issues a new keypair, incrementing key_version. The previous
// key remains acceptable for KeyRotationGrace.
func (r *Registry) RotateKey(ctx context.Context, agentID string) (*RegisterResult, error) {
	agent, err := r.getFull(ctx, agentID)
	if err != nil {
		return nil, err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, model.WrapError(model.ErrInternal, err, "generate rotated keypair")
	}

	agent.PrevPublicKey = agent.PublicKey
	agent.PublicKey = pub
	agent.KeyVersion++
	agent.KeyRotatedAt = time.Now().UTC()

	if err := r.store.Put(ctx, storage.CollectionAgents, agentID, agent, false); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "agent key rotated", "agent_id", agentID, "key_version", agent.KeyVersion)
	return &RegisterResult{Agent: agent.PublicView(), PrivateKey: priv}, nil
}

// Heartbeat marks the agent online and records the heartbeat timestamp.
func (r *Registry) Heartbeat(ctx context.Context, agentID string) error {
	agent, err := r.getFull(ctx, agentID)
	if err != nil {
		return err
	}
	agent.LastHeartbeat = time.Now().UTC()
	agent.Status = model.AgentOnline
	return r.store.Put(ctx, storage.CollectionAgents, agentID, agent, false)
}

// SetWebhook configures or clears (url == "") the agent's webhook.
func (r *Registry) SetWebhook(ctx context.Context, agentID, url, secret string) error {
	if url != "" {
		if err := validateWebhookURL(url); err != nil {
			return err
		}
	}
	agent, err := r.getFull(ctx, agentID)
	if err != nil {
		return err
	}
	agent.WebhookURL = url
	agent.WebhookSecret = secret
	return r.store.Put(ctx, storage.CollectionAgents, agentID, agent, false)
}

// GetWebhook returns the agent's configured webhook URL (no secret).
func (r *Registry) GetWebhook(ctx context.Context, agentID string) (string, error) {
	agent, err := r.getFull(ctx, agentID)
	if err != nil {
		return "", err
	}
	return agent.WebhookURL, nil
}

// WebhookConfig returns both the agent's webhook URL and signing secret, for
// the webhook dispatcher's delivery path (webhook.AgentWebhook).
func (r *Registry) WebhookConfig(ctx context.Context, agentID string) (url, secret string, err error) {
	agent, err := r.getFull(ctx, agentID)
	if err != nil {
		return "", "", err
	}
	return agent.WebhookURL, agent.WebhookSecret, nil
}

// DeleteWebhook clears the agent's webhook configuration.
func (r *Registry) DeleteWebhook(ctx context.Context, agentID string) error {
	return r.SetWebhook(ctx, agentID, "", "")
}

// Deregister tombstones the agent: status becomes "deregistered" and the
// record is retained permanently (never reused), cascading a delete of the
// agent's owned inbox rows. cascadeDeleteMessages is supplied by the caller
// (the inbox engine) since the registry does not itself own the messages
// collection's query shape.
func (r *Registry) Deregister(ctx context.Context, agentID string, cascadeDeleteMessages func(ctx context.Context, recipientID string) error) error {
	agent, err := r.getFull(ctx, agentID)
	if err != nil {
		return err
	}

	if cascadeDeleteMessages != nil {
		if err := cascadeDeleteMessages(ctx, agentID); err != nil {
			return err
		}
	}

	agent.Status = model.AgentDeregistered
	agent.WebhookURL = ""
	agent.WebhookSecret = ""
	if err := r.store.Put(ctx, storage.CollectionAgents, agentID, agent, false); err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "agent deregistered", "agent_id", agentID)
	return nil
}

// LookupKey backs signature.KeyLookup (hub.New wraps it in a closure that
// supplies the context): it resolves a keyId (an agent_id) to its current
// and, within the rotation grace window, previous public key.
func (r *Registry) LookupKey(ctx context.Context, keyID string) (current ed25519.PublicKey, previous ed25519.PublicKey, ok bool) {
	agent, err := r.getFull(ctx, keyID)
	if err != nil {
		return nil, nil, false
	}
	if agent.Status == model.AgentDeregistered {
		return nil, nil, false
	}
	current = agent.PublicKey
	if !agent.KeyRotatedAt.IsZero() && time.Since(agent.KeyRotatedAt) < KeyRotationGrace {
		previous = agent.PrevPublicKey
	}
	return current, previous, true
}

// MarkOffline is used by the sweeper's heartbeat-timeout phase.
func (r *Registry) MarkOffline(ctx context.Context, agentID string) error {
	agent, err := r.getFull(ctx, agentID)
	if err != nil {
		return err
	}
	if agent.Status != model.AgentOnline {
		return nil
	}
	agent.Status = model.AgentOffline
	return r.store.Put(ctx, storage.CollectionAgents, agentID, agent, false)
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return model.NewError(model.ErrInvalidWebhookURL, "webhook url %q must be an absolute http(s) url", raw)
	}
	return nil
}

func slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '_' || r == '-':
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "agent"
	}
	return b.String()
}
