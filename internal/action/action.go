// Package action defines the closed set of replayable mutation types.
//
// Every offline write queued by a domain service carries exactly one of these
// types. The set is closed on purpose: the sync orchestrator's handler
// registry is validated against All() at construction, so an action type
// without a registered replay handler is caught at startup instead of at
// replay time.
package action

import (
	"fmt"

	"github.com/goccy/go-json"
)

// Type identifies which replay handler applies to a queued mutation.
type Type string

const (
	SaveParticipant              Type = "saveParticipant"
	UpdateAttendance             Type = "updateAttendance"
	SaveGuardian                 Type = "saveGuardian"
	UpdateParticipantGroup       Type = "updateParticipantGroup"
	BatchUpdateParticipantGroups Type = "batchUpdateParticipantGroups"
	AddGroup                     Type = "addGroup"
	UpdateGroupName              Type = "updateGroupName"
	CreateParticipant            Type = "createParticipant"
	UpdateParticipant            Type = "updateParticipant"
	LinkUserParticipants         Type = "linkUserParticipants"
	SaveParticipantHealthForm    Type = "saveParticipantHealthForm"
	UpdateParticipantBadgeProgress Type = "updateParticipantBadgeProgress"
	UpdatePoints                 Type = "updatePoints"
	AwardHonor                   Type = "awardHonor"
	SaveBadgeProgress            Type = "saveBadgeProgress"
	UpdateBadgeStatus            Type = "updateBadgeStatus"
	UpdateCalendar               Type = "updateCalendar"
	UpdateCalendarPaid           Type = "updateCalendarPaid"
	SaveReunionPreparation       Type = "saveReunionPreparation"
	SaveGuest                    Type = "saveGuest"
)

// All returns every defined action type.
//
// The slice is freshly allocated on each call so callers cannot mutate the
// canonical set. Order is stable (declaration order) for deterministic
// registry validation output.
func All() []Type {
	return []Type{
		SaveParticipant,
		UpdateAttendance,
		SaveGuardian,
		UpdateParticipantGroup,
		BatchUpdateParticipantGroups,
		AddGroup,
		UpdateGroupName,
		CreateParticipant,
		UpdateParticipant,
		LinkUserParticipants,
		SaveParticipantHealthForm,
		UpdateParticipantBadgeProgress,
		UpdatePoints,
		AwardHonor,
		SaveBadgeProgress,
		UpdateBadgeStatus,
		UpdateCalendar,
		UpdateCalendarPaid,
		SaveReunionPreparation,
		SaveGuest,
	}
}

// Valid reports whether t is one of the defined action types.
func (t Type) Valid() bool {
	for _, known := range All() {
		if t == known {
			return true
		}
	}
	return false
}

// DefaultPriority returns the queue priority used when the caller does not
// supply one. Lower values drain first.
//
// Creates come before updates: replaying an update of an entity whose create
// is still queued behind it would fail server-side (see the create-then-update
// ordering guarantee in the orchestrator).
func (t Type) DefaultPriority() int {
	switch t {
	case CreateParticipant, SaveParticipant, AddGroup, SaveGuest:
		return 0
	case BatchUpdateParticipantGroups:
		return 2
	default:
		return 1
	}
}

// payloadHints are the payload fields consulted when deriving cache
// invalidation keys. Payloads are otherwise opaque to this layer.
type payloadHints struct {
	Date          string      `json:"date"`
	ParticipantID json.Number `json:"participant_id"`
}

// InvalidationKeys returns the cache keys made stale by a successful replay
// of a mutation of type t with the given payload.
//
// The mapping is static per-type knowledge: there is no foreign key between
// queue records and cache entries. Unknown or malformed payload fields simply
// produce the coarser, unparameterized keys; invalidating a key that does not
// exist is a no-op, so over-invalidation is harmless.
func InvalidationKeys(t Type, payload []byte) []string {
	var hints payloadHints
	// Best effort: a payload that is not a JSON object yields zero hints.
	_ = json.Unmarshal(payload, &hints)

	pid := hints.ParticipantID.String()

	switch t {
	case UpdateAttendance:
		if hints.Date != "" {
			return []string{"attendance_" + hints.Date}
		}
		return []string{"attendance"}
	case SaveParticipant, CreateParticipant, UpdateParticipant:
		keys := []string{"participants"}
		if pid != "" {
			keys = append(keys, "participant_"+pid)
		}
		return keys
	case SaveGuardian:
		if pid != "" {
			return []string{"guardians_" + pid}
		}
		return []string{"guardians"}
	case UpdateParticipantGroup, BatchUpdateParticipantGroups, AddGroup, UpdateGroupName:
		return []string{"groups", "participants"}
	case LinkUserParticipants:
		return []string{"user_participants"}
	case SaveParticipantHealthForm:
		if pid != "" {
			return []string{"health_form_" + pid}
		}
		return []string{"health_forms"}
	case UpdateParticipantBadgeProgress, SaveBadgeProgress, UpdateBadgeStatus:
		keys := []string{"badges"}
		if pid != "" {
			keys = append(keys, "badge_progress_"+pid)
		}
		return keys
	case UpdatePoints:
		return []string{"points", "participants"}
	case AwardHonor:
		keys := []string{"honors"}
		if hints.Date != "" {
			keys = append(keys, "honors_"+hints.Date)
		}
		return keys
	case UpdateCalendar, UpdateCalendarPaid:
		return []string{"calendars"}
	case SaveReunionPreparation:
		if hints.Date != "" {
			return []string{"reunion_preparation_" + hints.Date}
		}
		return []string{"reunion_preparations"}
	case SaveGuest:
		if hints.Date != "" {
			return []string{"guests_" + hints.Date}
		}
		return []string{"guests"}
	default:
		return nil
	}
}

// Parse converts a raw string into a Type, rejecting unknown values.
func Parse(raw string) (Type, error) {
	t := Type(raw)
	if !t.Valid() {
		return "", fmt.Errorf("unknown action type %q", raw)
	}
	return t, nil
}
