// Package model holds the data types shared across the hub's core
// components: agents, message envelopes and their per-recipient state,
// groups, and webhook delivery records. It has no dependency on storage,
// transport, or any other package so every component can import it.
package model

import (
	"encoding/json"
	"time"
)

// AgentStatus is the lifecycle status of a registered agent.
type AgentStatus string

const (
	AgentOnline       AgentStatus = "online"
	AgentOffline      AgentStatus = "offline"
	AgentDeregistered AgentStatus = "deregistered"
)

// Agent is a registered, independently addressable participant.
type Agent struct {
	ID            string      `json:"agent_id"`
	Name          string      `json:"name"`
	Capabilities  []string    `json:"capabilities,omitempty"`
	PublicKey     []byte      `json:"public_key"`
	PrevPublicKey []byte      `json:"prev_public_key,omitempty"`
	KeyVersion    int         `json:"key_version"`
	KeyRotatedAt  time.Time   `json:"key_rotated_at,omitempty"`
	APIKeyHash    string      `json:"api_key_hash"`
	WebhookURL    string      `json:"webhook_url,omitempty"`
	WebhookSecret string      `json:"webhook_secret,omitempty"`
	Status        AgentStatus `json:"status"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	CreatedAt     time.Time   `json:"created_at"`
}

// PublicView strips fields that must never leave the hub (key material,
// hashed secrets) for use in list/get responses.
func (a *Agent) PublicView() *Agent {
	cp := *a
	cp.PrevPublicKey = nil
	cp.APIKeyHash = ""
	cp.WebhookSecret = ""
	return &cp
}

// MessageStatus is the per-recipient delivery state of a message. It is
// server-internal and never serialized onto the wire envelope itself.
type MessageStatus string

const (
	StatusQueued   MessageStatus = "queued"
	StatusDelivered MessageStatus = "delivered"
	StatusLeased   MessageStatus = "leased"
	StatusAcked    MessageStatus = "acked"
	StatusNacked   MessageStatus = "nacked"
	StatusExpired  MessageStatus = "expired"
	StatusDead     MessageStatus = "dead"
)

// terminal states are excluded from future pulls and eventually cleaned up.
func (s MessageStatus) Terminal() bool {
	switch s {
	case StatusAcked, StatusExpired, StatusDead:
		return true
	default:
		return false
	}
}

// Signature carries the parsed HTTP Signature fields attached to an
// envelope on the wire.
type Signature struct {
	Algorithm string `json:"alg"`
	KeyID     string `json:"kid"`
	Value     string `json:"sig"`
}

// Envelope is the canonical JSON wrapper carrying a message between agents.
type Envelope struct {
	ID             string          `json:"id"`
	Version        string          `json:"version"`
	Type           string          `json:"type"`
	From           string          `json:"from"`
	To             string          `json:"to,omitempty"`
	Group          string          `json:"group,omitempty"`
	Subject        string          `json:"subject,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	ReplyTo        string          `json:"reply_to,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Body           json.RawMessage `json:"body,omitempty"`
	TTLSec         int             `json:"ttl_sec"`
	Timestamp      time.Time       `json:"timestamp"`
	Signature      *Signature      `json:"signature,omitempty"`
	EphemeralTTL   int             `json:"options_ttl,omitempty"`
	MembersSnapshot []string       `json:"members_snapshot,omitempty"`
}

// MessageState is the internal per-recipient record: the envelope plus the
// delivery bookkeeping the wire format never exposes directly.
type MessageState struct {
	Envelope         Envelope      `json:"envelope"`
	Recipient        string        `json:"recipient"`
	Status           MessageStatus `json:"status"`
	LeasedUntil      time.Time     `json:"leased_until,omitempty"`
	DeliveryAttempts int           `json:"delivery_attempts"`
	ReclaimCount     int           `json:"reclaim_count"`
	LastError        string        `json:"last_error,omitempty"`
	InsertedAt       time.Time     `json:"inserted_at"`
	ExpiresAt        time.Time     `json:"expires_at"`
	BodyPurgedAt     time.Time     `json:"body_purged_at,omitempty"`
	TerminalAt       time.Time     `json:"terminal_at,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
}

// BodyPurged reports whether the ephemeral body TTL has already caused the
// body to be cleared.
func (m *MessageState) BodyPurged() bool {
	return !m.BodyPurgedAt.IsZero()
}

// GroupAccess is a group's join policy.
type GroupAccess string

const (
	GroupOpen        GroupAccess = "open"
	GroupInviteOnly  GroupAccess = "invite-only"
	GroupKeyProtected GroupAccess = "key-protected"
)

// GroupRole is a member's role within a group.
type GroupRole string

const (
	RoleOwner  GroupRole = "owner"
	RoleAdmin  GroupRole = "admin"
	RoleMember GroupRole = "member"
)

// GroupSettings tunes group-specific behavior.
type GroupSettings struct {
	HistoryVisible bool `json:"history_visible"`
	MaxMembers     int  `json:"max_members"`
	MessageTTLSec  int  `json:"message_ttl_sec"`
}

// Group is a multi-party messaging destination.
type Group struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	Access        GroupAccess          `json:"access"`
	JoinKeyHash   string               `json:"join_key_hash,omitempty"`
	Settings      GroupSettings        `json:"settings"`
	Members       map[string]GroupRole `json:"members"`
	Creator       string               `json:"creator"`
	CreatedAt     time.Time            `json:"created_at"`
}

// MemberIDs returns the group's member agent ids in a deterministic
// (lexical) order, used to build a stable members_snapshot.
func (g *Group) MemberIDs() []string {
	ids := make([]string, 0, len(g.Members))
	for id := range g.Members {
		ids = append(ids, id)
	}
	return sortedStrings(ids)
}

// WebhookJob is a queued push-delivery attempt for a message that arrived
// for an agent with a configured webhook.
type WebhookJob struct {
	ID            string    `json:"id"`
	MessageID     string    `json:"message_id"`
	RecipientID   string    `json:"recipient_id"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastStatus    int       `json:"last_status"`
	LastError     string    `json:"last_error,omitempty"`
	Terminal      bool      `json:"terminal"`
	CreatedAt     time.Time `json:"created_at"`
}

func sortedStrings(ss []string) []string {
	// insertion sort is fine: group sizes are small relative to the async
	// fanout threshold, and this keeps the model package dependency-free.
	for i := 1; i < len(ss); i++ {
		for j := i; j > 0 && ss[j-1] > ss[j]; j-- {
			ss[j-1], ss[j] = ss[j], ss[j-1]
		}
	}
	return ss
}
