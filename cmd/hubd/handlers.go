package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/agentdispatch/hub/internal/group"
	"github.com/agentdispatch/hub/internal/hub"
	"github.com/agentdispatch/hub/internal/inbox"
	"github.com/agentdispatch/hub/internal/model"
	"github.com/agentdispatch/hub/internal/registry"
)

// api bundles the hub reference every handler closes over. It is kept thin:
// handlers decode the request, call exactly one core-component method, and
// translate the result (or *model.Error) to a response — no business logic
// lives here.
type api struct {
	h *hub.Hub
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := model.KindOf(err)
	writeJSON(w, statusForKind(kind), map[string]string{
		"error": string(kind),
		"message": err.Error(),
	})
}

func statusForKind(kind model.ErrorKind) int {
	switch kind {
	case model.ErrInvalidEnvelope, model.ErrTTLOutOfRange, model.ErrInvalidWebhookURL:
		return http.StatusBadRequest
	case model.ErrSignatureFailed:
		return http.StatusUnauthorized
	case model.ErrNotAMember:
		return http.StatusForbidden
	case model.ErrAgentNotFound, model.ErrMessageNotFound, model.ErrGroupNotFound:
		return http.StatusNotFound
	case model.ErrAgentAlreadyExists, model.ErrConflict, model.ErrLeaseExpired:
		return http.StatusConflict
	case model.ErrGone:
		return http.StatusGone
	case model.ErrStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return model.NewError(model.ErrInvalidEnvelope, "request body is required")
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return model.WrapError(model.ErrInvalidEnvelope, err, "invalid JSON body")
	}
	return nil
}

// withSignature requires a valid HTTP Signature (spec.md §4.2, §6) before
// calling next. Applied only to the two routes that accept a signed
// envelope on behalf of a sender: inbox delivery and group posting.
func (a *api) withSignature(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		date := r.Header.Get("Date")
		sig := r.Header.Get("Signature")
		if date == "" || sig == "" {
			writeError(w, model.NewError(model.ErrSignatureFailed, "Date and Signature headers are required"))
			return
		}
		if err := a.h.Verifier.Verify(r.Method, r.URL.Path, r.Host, date, sig); err != nil {
			writeError(w, err)
			return
		}
		next(w, r)
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// --- agents ---

func (a *api) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name          string   `json:"name"`
		Capabilities  []string `json:"capabilities"`
		WebhookURL    string   `json:"webhook_url"`
		WebhookSecret string   `json:"webhook_secret"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, err := a.h.Registry.Register(r.Context(), registry.RegisterInput{
		Name:          body.Name,
		Capabilities:  body.Capabilities,
		WebhookURL:    body.WebhookURL,
		WebhookSecret: body.WebhookSecret,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (a *api) handleListAgents(w http.ResponseWriter, r *http.Request) {
	filter := registry.AgentFilter{
		Capability: r.URL.Query().Get("capability"),
		Status:     model.AgentStatus(r.URL.Query().Get("status")),
	}
	limit := queryInt(r, "limit", 100)
	cursor := r.URL.Query().Get("cursor")

	agents, next, more, err := a.h.Registry.List(r.Context(), filter, limit, cursor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents": agents,
		"cursor": next,
		"more":   more,
	})
}

func (a *api) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := a.h.Registry.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (a *api) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.h.Registry.Deregister(r.Context(), id, a.h.Inbox.CascadeDelete); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deregistered"})
}

func (a *api) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := a.h.Registry.Heartbeat(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "online"})
}

func (a *api) handleSetWebhook(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		URL    string `json:"url"`
		Secret string `json:"secret"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := a.h.Registry.SetWebhook(r.Context(), id, body.URL, body.Secret); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	result, err := a.h.Registry.RotateKey(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- inbox ---

func (a *api) handleSend(w http.ResponseWriter, r *http.Request) {
	var env model.Envelope
	if err := decodeBody(r, &env); err != nil {
		writeError(w, err)
		return
	}
	env.To = mux.Vars(r)["id"]

	messageID, err := a.h.Inbox.Send(r.Context(), env)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": messageID})
}

func (a *api) handlePull(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	leaseSeconds := queryInt(r, "lease_seconds", 0)

	state, err := a.h.Inbox.Pull(r.Context(), id, leaseSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	if state == nil {
		writeJSON(w, http.StatusNoContent, nil)
		return
	}
	if state.BodyPurged() {
		w.Header().Set("X-Body-Purged", "true")
	}
	writeJSON(w, http.StatusOK, state)
}

func (a *api) handleAck(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body struct {
		Result json.RawMessage `json:"result"`
	}
	_ = decodeBody(r, &body) // result is optional; a missing/empty body is not an error

	if err := a.h.Inbox.Ack(r.Context(), vars["id"], vars["mid"], body.Result); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "acked"})
}

func (a *api) handleNack(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var body struct {
		Mode           string `json:"mode"`
		ExtendSeconds int    `json:"extend_seconds"`
	}
	_ = decodeBody(r, &body)

	mode := inbox.NackRequeue
	if body.Mode == string(inbox.NackExtend) {
		mode = inbox.NackExtend
	}
	if err := a.h.Inbox.Nack(r.Context(), vars["id"], vars["mid"], mode, body.ExtendSeconds); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "nacked"})
}

func (a *api) handleReply(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	var reply model.Envelope
	if err := decodeBody(r, &reply); err != nil {
		writeError(w, err)
		return
	}
	replyID, err := a.h.Inbox.Reply(r.Context(), vars["id"], vars["mid"], reply)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": replyID})
}

func (a *api) handleInboxStats(w http.ResponseWriter, r *http.Request) {
	counts, err := a.h.Inbox.Stats(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (a *api) handleReclaim(w http.ResponseWriter, r *http.Request) {
	reclaimed, err := a.h.Inbox.Reclaim(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reclaimed": reclaimed})
}

// --- groups ---

func (a *api) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string              `json:"name"`
		Creator  string              `json:"creator"`
		Access   model.GroupAccess   `json:"access"`
		JoinKey  string              `json:"join_key"`
		Settings model.GroupSettings `json:"settings"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	g, err := a.h.Group.Create(r.Context(), group.CreateInput{
		Name:     body.Name,
		Creator:  body.Creator,
		Access:   body.Access,
		JoinKey:  body.JoinKey,
		Settings: body.Settings,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (a *api) handleGetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := a.h.Group.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (a *api) handleDeleteGroup(w http.ResponseWriter, r *http.Request) {
	requester := r.URL.Query().Get("requester")
	if err := a.h.Group.Delete(r.Context(), mux.Vars(r)["id"], requester); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (a *api) handleJoinGroup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
		JoinKey string `json:"join_key"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := a.h.Group.Join(r.Context(), mux.Vars(r)["id"], body.AgentID, body.JoinKey); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

func (a *api) handleInviteGroup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Requester string          `json:"requester"`
		InviteeID string          `json:"invitee_id"`
		Role      model.GroupRole `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := a.h.Group.Invite(r.Context(), mux.Vars(r)["id"], body.Requester, body.InviteeID, body.Role); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "invited"})
}

func (a *api) handleLeaveGroup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := a.h.Group.Leave(r.Context(), mux.Vars(r)["id"], body.AgentID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "left"})
}

func (a *api) handlePostGroup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		From    string          `json:"from"`
		Type    string          `json:"type"`
		Subject string          `json:"subject"`
		Body    json.RawMessage `json:"body"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, err := a.h.Group.Post(r.Context(), mux.Vars(r)["id"], body.From, body.Type, body.Subject, body.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if result.Accepted {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (a *api) handleGroupHistory(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	cursor := r.URL.Query().Get("cursor")

	envelopes, next, more, err := a.h.Group.History(r.Context(), mux.Vars(r)["id"], limit, cursor)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": envelopes,
		"cursor":   next,
		"more":     more,
	})
}

// --- health & stats ---

func (a *api) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := a.h.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (a *api) handleStats(w http.ResponseWriter, r *http.Request) {
	snap, err := a.h.Stats.Collect(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
