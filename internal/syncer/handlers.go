package syncer

import (
	"context"
	"fmt"
	"net/http"

	"github.com/csabourin/wampums-sync/internal/action"
	"github.com/csabourin/wampums-sync/internal/gateway"
	"github.com/csabourin/wampums-sync/internal/store"
)

// Handler replays one queued mutation against the remote API.
// A nil return means the server accepted the replay.
type Handler func(ctx context.Context, m store.Mutation) error

// Registry maps every action type to its replay handler.
//
// Construction is exhaustive: a handler must exist for each member of
// action.All(), so an action type that can be enqueued but not replayed is
// caught at startup rather than at drain time.
type Registry struct {
	handlers map[action.Type]Handler
}

// NewRegistry validates and builds a Registry.
// Returns an error naming the first action type without a handler, and
// rejects handlers for unknown action types.
func NewRegistry(handlers map[action.Type]Handler) (*Registry, error) {
	for t := range handlers {
		if !t.Valid() {
			return nil, fmt.Errorf("registry: handler for unknown action type %q", t)
		}
	}
	for _, t := range action.All() {
		if handlers[t] == nil {
			return nil, fmt.Errorf("registry: no handler for action type %q", t)
		}
	}

	copied := make(map[action.Type]Handler, len(handlers))
	for t, h := range handlers {
		copied[t] = h
	}
	return &Registry{handlers: copied}, nil
}

// Handler returns the replay handler for an action type.
func (r *Registry) Handler(t action.Type) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

// endpoint describes where a replayed action is sent.
type endpoint struct {
	method string
	path   string
}

// replayEndpoints is the static routing table for the default registry.
// Paths mirror the remote API's per-action endpoints.
var replayEndpoints = map[action.Type]endpoint{
	action.SaveParticipant:                {http.MethodPost, "/api/participants"},
	action.CreateParticipant:              {http.MethodPost, "/api/participants"},
	action.UpdateParticipant:              {http.MethodPut, "/api/participants"},
	action.UpdateAttendance:               {http.MethodPost, "/api/attendance"},
	action.SaveGuardian:                   {http.MethodPost, "/api/guardians"},
	action.UpdateParticipantGroup:         {http.MethodPost, "/api/participant-groups"},
	action.BatchUpdateParticipantGroups:   {http.MethodPost, "/api/participant-groups/batch"},
	action.AddGroup:                       {http.MethodPost, "/api/groups"},
	action.UpdateGroupName:                {http.MethodPut, "/api/groups/name"},
	action.LinkUserParticipants:           {http.MethodPost, "/api/user-participants"},
	action.SaveParticipantHealthForm:      {http.MethodPost, "/api/health-forms"},
	action.UpdateParticipantBadgeProgress: {http.MethodPost, "/api/badge-progress"},
	action.UpdatePoints:                   {http.MethodPost, "/api/points"},
	action.AwardHonor:                     {http.MethodPost, "/api/honors"},
	action.SaveBadgeProgress:              {http.MethodPost, "/api/badge-progress/save"},
	action.UpdateBadgeStatus:              {http.MethodPut, "/api/badge-progress/status"},
	action.UpdateCalendar:                 {http.MethodPost, "/api/calendars"},
	action.UpdateCalendarPaid:             {http.MethodPost, "/api/calendars/paid"},
	action.SaveReunionPreparation:         {http.MethodPost, "/api/reunion-preparations"},
	action.SaveGuest:                      {http.MethodPost, "/api/guests"},
}

// replayActions inverts replayEndpoints for classifying intercepted
// requests. Endpoints shared by several action types (the participant saves)
// resolve to the first type in declaration order.
var replayActions = func() map[endpoint]action.Type {
	inverse := make(map[endpoint]action.Type, len(replayEndpoints))
	for _, t := range action.All() {
		ep := replayEndpoints[t]
		if _, taken := inverse[ep]; !taken {
			inverse[ep] = t
		}
	}
	return inverse
}()

// ActionForRequest maps an intercepted API request to the action type whose
// replay targets the same endpoint. Reports false when no replayable action
// matches; such a request cannot be captured offline.
func ActionForRequest(method, path string) (action.Type, bool) {
	t, ok := replayActions[endpoint{method: method, path: path}]
	return t, ok
}

// DefaultRegistry wires every action type to its remote endpoint through the
// gateway. Replays carry the mutation's idempotency key so a duplicate send
// after a lost confirmation can be deduplicated server-side.
func DefaultRegistry(gw *gateway.Gateway) *Registry {
	handlers := make(map[action.Type]Handler, len(replayEndpoints))
	for t, ep := range replayEndpoints {
		handlers[t] = replayHandler(gw, ep)
	}

	reg, err := NewRegistry(handlers)
	if err != nil {
		// replayEndpoints is as closed as action.All(); a mismatch is a
		// programming error caught by tests.
		panic(err)
	}
	return reg
}

// replayHandler builds the generic gateway-backed handler for one endpoint.
func replayHandler(gw *gateway.Gateway, ep endpoint) Handler {
	return func(ctx context.Context, m store.Mutation) error {
		resp, err := gw.Do(ctx, ep.method, ep.path, m.Payload,
			gateway.WithIdempotencyKey(m.IdempotencyKey))
		if err != nil {
			return err
		}
		if !resp.Success {
			// A 2xx envelope with success=false is a server-side rejection
			// of the payload: permanent, not worth retrying blind.
			return &gateway.Error{
				Code:    gateway.CodeClientError,
				HTTP:    resp.HTTPStatus,
				Message: resp.Message,
			}
		}
		return nil
	}
}
