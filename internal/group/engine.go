// Package group implements the group engine (C5): group lifecycle,
// membership, fanout-to-inboxes via the inbox engine's Send path, and group
// history. Grounded on the teacher's EventBusService broadcast-to-many
// path (internal/agenthub/broker.go's subscriber fan-out), generalized from
// a live gRPC stream broadcast to a persisted per-recipient Send for each
// member.
package group

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/google/uuid"

	"github.com/agentdispatch/hub/internal/model"
	"github.com/agentdispatch/hub/internal/storage"
)

// AsyncFanoutThreshold is the member count above which Post returns
// immediately and fanout continues in the background (spec.md §4.5).
const AsyncFanoutThreshold = 50

// Sender is the subset of inbox.Engine that Post needs to deliver
// per-recipient copies.
type Sender interface {
	Send(ctx context.Context, env model.Envelope) (string, error)
}

// DefaultTTLSeconds is the group message ttl_sec fallback used when a
// group's Settings.MessageTTLSec is unset and New was not given an
// explicit defaultTTLSec, matching spec.md §6's documented
// MESSAGE_TTL_SEC default.
const DefaultTTLSeconds = 86400

// Engine implements group CRUD, membership, posting, and history.
type Engine struct {
	store         storage.Store
	sender        Sender
	logger        *slog.Logger
	defaultTTLSec int
}

// New builds a group Engine. defaultTTLSec sources
// config.AppConfig.MessageTTLSec (spec.md §6 MESSAGE_TTL_SEC); 0 falls
// back to DefaultTTLSeconds.
func New(store storage.Store, sender Sender, logger *slog.Logger, defaultTTLSec int) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTTLSec <= 0 {
		defaultTTLSec = DefaultTTLSeconds
	}
	return &Engine{store: store, sender: sender, logger: logger, defaultTTLSec: defaultTTLSec}
}

// CreateInput is the caller-supplied subset of group attributes.
type CreateInput struct {
	Name     string
	Creator  string
	Access   model.GroupAccess
	JoinKey  string // required iff Access == GroupKeyProtected
	Settings model.GroupSettings
}

// Create creates a group owned by Creator.
func (e *Engine) Create(ctx context.Context, input CreateInput) (*model.Group, error) {
	if input.Name == "" || input.Creator == "" {
		return nil, model.NewError(model.ErrInvalidEnvelope, "group name and creator are required")
	}

	var joinKeyHash string
	if input.Access == model.GroupKeyProtected {
		if input.JoinKey == "" {
			return nil, model.NewError(model.ErrInvalidEnvelope, "join key is required for key-protected groups")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(input.JoinKey), bcrypt.DefaultCost)
		if err != nil {
			return nil, model.WrapError(model.ErrInternal, err, "hash group join key")
		}
		joinKeyHash = string(hash)
	}

	if input.Settings.MaxMembers == 0 {
		input.Settings.MaxMembers = 10000
	}
	if input.Settings.MessageTTLSec == 0 {
		input.Settings.MessageTTLSec = e.defaultTTLSec
	}

	g := &model.Group{
		ID:          fmt.Sprintf("group://%s-%s", input.Name, uuid.NewString()[:8]),
		Name:        input.Name,
		Access:      input.Access,
		JoinKeyHash: joinKeyHash,
		Settings:    input.Settings,
		Members:     map[string]model.GroupRole{input.Creator: model.RoleOwner},
		Creator:     input.Creator,
		CreatedAt:   time.Now().UTC(),
	}

	if err := e.store.Put(ctx, storage.CollectionGroups, g.ID, g, true); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "group created", "group_id", g.ID, "creator", input.Creator, "access", input.Access)
	return g, nil
}

// Get returns a group by id.
func (e *Engine) Get(ctx context.Context, groupID string) (*model.Group, error) {
	var g model.Group
	if err := e.store.Get(ctx, storage.CollectionGroups, groupID, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Delete removes a group; only the owner may delete it.
func (e *Engine) Delete(ctx context.Context, groupID, requester string) error {
	g, err := e.Get(ctx, groupID)
	if err != nil {
		return err
	}
	if g.Members[requester] != model.RoleOwner {
		return model.NewError(model.ErrNotAMember, "only the owner may delete group %q", groupID)
	}
	return e.store.Delete(ctx, storage.CollectionGroups, groupID)
}

// Join adds an agent to an open or key-protected group. Invite-only groups
// must use Invite instead.
func (e *Engine) Join(ctx context.Context, groupID, agentID, joinKey string) error {
	g, err := e.Get(ctx, groupID)
	if err != nil {
		return err
	}

	switch g.Access {
	case model.GroupOpen:
		// no further checks
	case model.GroupKeyProtected:
		if bcrypt.CompareHashAndPassword([]byte(g.JoinKeyHash), []byte(joinKey)) != nil {
			return model.NewError(model.ErrNotAMember, "incorrect join key for group %q", groupID)
		}
	case model.GroupInviteOnly:
		return model.NewError(model.ErrNotAMember, "group %q is invite-only", groupID)
	}

	if len(g.Members) >= g.Settings.MaxMembers {
		return model.NewError(model.ErrInvalidEnvelope, "group %q is at capacity", groupID)
	}

	g.Members[agentID] = model.RoleMember
	return e.store.Put(ctx, storage.CollectionGroups, groupID, g, false)
}

// Invite adds an agent to an invite-only (or any) group; requester must be
// an admin or owner.
func (e *Engine) Invite(ctx context.Context, groupID, requester, inviteeID string, role model.GroupRole) error {
	g, err := e.Get(ctx, groupID)
	if err != nil {
		return err
	}
	if !isAdmin(g, requester) {
		return model.NewError(model.ErrNotAMember, "requester %q is not an admin of group %q", requester, groupID)
	}
	if role == "" {
		role = model.RoleMember
	}
	g.Members[inviteeID] = role
	return e.store.Put(ctx, storage.CollectionGroups, groupID, g, false)
}

// Leave removes agentID from a group. An owner may not leave without first
// transferring ownership.
func (e *Engine) Leave(ctx context.Context, groupID, agentID string) error {
	g, err := e.Get(ctx, groupID)
	if err != nil {
		return err
	}
	if g.Members[agentID] == model.RoleOwner {
		return model.NewError(model.ErrInvalidEnvelope, "owner must transfer ownership before leaving group %q", groupID)
	}
	delete(g.Members, agentID)
	return e.store.Put(ctx, storage.CollectionGroups, groupID, g, false)
}

func isAdmin(g *model.Group, agentID string) bool {
	role := g.Members[agentID]
	return role == model.RoleOwner || role == model.RoleAdmin
}

// PostResult tells the caller whether fanout completed synchronously or was
// queued for async delivery (member count above AsyncFanoutThreshold).
type PostResult struct {
	Accepted        bool // true => 202-equivalent, fanout is in flight
	MembersSnapshot []string
	MessageIDs      []string // populated only when Accepted is false
}

// Post fans a group message out to every current member via the inbox
// engine's Send path (so group messages obey leases, TTLs, and webhooks
// exactly like direct messages). caller must already be a member.
func (e *Engine) Post(ctx context.Context, groupID, from string, msgType, subject string, body json.RawMessage) (*PostResult, error) {
	g, err := e.Get(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if _, member := g.Members[from]; !member {
		return nil, model.NewError(model.ErrNotAMember, "%q is not a member of group %q", from, groupID)
	}

	snapshot := g.MemberIDs()
	ttl := g.Settings.MessageTTLSec
	groupMsgID := uuid.NewString()

	if len(snapshot) > AsyncFanoutThreshold {
		go e.fanout(context.WithoutCancel(ctx), g.ID, groupMsgID, from, msgType, subject, body, ttl, snapshot)
		return &PostResult{Accepted: true, MembersSnapshot: snapshot}, nil
	}

	ids, err := e.fanoutSync(ctx, g.ID, groupMsgID, from, msgType, subject, body, ttl, snapshot)
	if err != nil {
		return nil, err
	}
	return &PostResult{Accepted: false, MembersSnapshot: snapshot, MessageIDs: ids}, nil
}

func (e *Engine) fanout(ctx context.Context, groupID, groupMsgID, from, msgType, subject string, body json.RawMessage, ttl int, members []string) {
	if _, err := e.fanoutSync(ctx, groupID, groupMsgID, from, msgType, subject, body, ttl, members); err != nil {
		e.logger.ErrorContext(ctx, "async group fanout failed", "group_id", groupID, "error", err)
	}
}

func (e *Engine) fanoutSync(ctx context.Context, groupID, groupMsgID, from, msgType, subject string, body json.RawMessage, ttl int, members []string) ([]string, error) {
	ids := make([]string, 0, len(members))
	for _, memberID := range members {
		env := model.Envelope{
			ID:              fmt.Sprintf("group-%s-%s", groupMsgID, memberID),
			Type:            "group.message",
			From:            from,
			To:              memberID,
			Group:           groupID,
			Subject:         subject,
			Body:            body,
			TTLSec:          ttl,
			Timestamp:       time.Now().UTC(),
			MembersSnapshot: members,
		}
		if msgType != "" {
			env.Type = msgType
		}
		id, err := e.sender.Send(ctx, env)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)

		// history records the post itself once, under the shared group
		// message id (recipient "group-history:<group id>"), so a group with
		// history_visible can page through past posts without re-deriving
		// them from per-member inbox copies.
		if len(ids) > 1 {
			continue
		}
		histEnv := env
		histEnv.ID = "group-" + groupMsgID
		histEnv.To = ""
		histState := &model.MessageState{
			Envelope:   histEnv,
			Recipient:  "group-history:" + groupID,
			Status:     model.StatusDelivered,
			InsertedAt: time.Now().UTC(),
			ExpiresAt:  time.Now().UTC().Add(time.Duration(ttl) * time.Second),
		}
		if err := e.store.Put(ctx, storage.CollectionMessages, histEnv.ID, histState, true); err != nil {
			e.logger.ErrorContext(ctx, "failed to persist group history record", "group_id", groupID, "message_id", histEnv.ID, "error", err)
		}
	}
	return ids, nil
}

// History returns group posts in reverse chronological order with cursor
// pagination, when the group has history_visible set.
func (e *Engine) History(ctx context.Context, groupID string, limit int, cursor string) ([]model.Envelope, string, bool, error) {
	g, err := e.Get(ctx, groupID)
	if err != nil {
		return nil, "", false, err
	}
	if !g.Settings.HistoryVisible {
		return nil, "", false, model.NewError(model.ErrInvalidEnvelope, "group %q does not expose history", groupID)
	}

	filter := storage.Filter{
		Decode: func(raw []byte) (interface{}, error) {
			var s model.MessageState
			if err := json.Unmarshal(raw, &s); err != nil {
				return nil, err
			}
			return &s, nil
		},
		Match: func(v interface{}) bool {
			return v.(*model.MessageState).Recipient == "group-history:"+groupID
		},
		Less: func(a, b interface{}) bool {
			return a.(*model.MessageState).InsertedAt.After(b.(*model.MessageState).InsertedAt)
		},
	}

	items, next, more, err := e.store.List(ctx, storage.CollectionMessages, filter, limit, cursor)
	if err != nil {
		return nil, "", false, err
	}

	envelopes := make([]model.Envelope, 0, len(items))
	for _, it := range items {
		envelopes = append(envelopes, it.(*model.MessageState).Envelope)
	}
	return envelopes, next, more, nil
}
