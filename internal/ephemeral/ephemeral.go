// Package ephemeral implements the ephemeral body lifecycle (C6): the
// body-purge TTL that runs orthogonal to a message's envelope TTL. It is
// deliberately not a goroutine or a component with its own loop — just a
// pair of pure functions over model.MessageState, called from C4 on read
// (internal/inbox.Engine.Pull) and from C8's sweeper phase 4
// (internal/sweeper.Sweeper.purgeEphemeral) so both paths agree on exactly
// when a body is "ephemeral and due."
package ephemeral

import (
	"time"

	"github.com/agentdispatch/hub/internal/model"
)

// ShouldPurge reports whether state carries an ephemeral body TTL (the
// envelope's top-level options_ttl field on the wire; a nested options
// object is not read) that has elapsed as of now, and the body has not
// already been cleared. A message with no ephemeral TTL, an already-purged
// body, or a body that was never stored never matches.
func ShouldPurge(state *model.MessageState, now time.Time) bool {
	if state.Envelope.EphemeralTTL <= 0 || state.BodyPurged() || state.Envelope.Body == nil {
		return false
	}
	purgeAt := state.InsertedAt.Add(time.Duration(state.Envelope.EphemeralTTL) * time.Second)
	return now.After(purgeAt)
}

// Purge clears state's body in place and stamps BodyPurgedAt, preserving
// every other envelope attribute. Callers are responsible for persisting the
// mutated state.
func Purge(state *model.MessageState, now time.Time) {
	state.Envelope.Body = nil
	state.BodyPurgedAt = now
}
