package booking

import (
	"strconv"
	"time"

	"github.com/example/provider-matching/internal/apperr"
	"github.com/example/provider-matching/internal/models"
)

// Action is a tagged, validated status change request.
type Action string

const (
	ActionAccept   Action = "accept"
	ActionReject   Action = "reject"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
	ActionClaim    Action = "claim"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionAccept, ActionReject, ActionComplete, ActionCancel, ActionClaim:
		return a, nil
	default:
		return "", apperr.InvalidArgument("unknown booking action %q", s)
	}
}

var transitions = map[models.Status]map[models.Status]bool{
	models.StatusPending:   {models.StatusAccepted: true, models.StatusRejected: true, models.StatusCancelled: true},
	models.StatusAccepted:  {models.StatusCompleted: true, models.StatusCancelled: true},
	models.StatusRejected:  {},
	models.StatusCompleted: {},
	models.StatusCancelled: {},
}

// CanTransition reports whether next is reachable from cur in one step.
func CanTransition(cur, next models.Status) bool { return transitions[cur][next] }

// ValidateTransition accepts the table's pairs plus same-state no-ops.
func ValidateTransition(cur, next models.Status) error {
	if _, ok := transitions[cur]; !ok {
		return apperr.InvalidArgument("unknown booking status %q", cur)
	}
	if _, ok := transitions[next]; !ok {
		return apperr.InvalidArgument("unknown booking status %q", next)
	}
	if cur == next || CanTransition(cur, next) {
		return nil
	}
	return apperr.New(apperr.KindInvalidTransition, "invalid status transition: %s -> %s", cur, next)
}

// Transition describes one applied change, ready for the audit log.
type Transition struct {
	From    models.Status
	To      models.Status
	ActorID int64
	Action  string
	Reason  string
	At      time.Time
}

// ApplyTransition moves b to next. It returns changed=false for a same-state
// no-op, in which case nothing must be written.
func ApplyTransition(b *models.Booking, next models.Status, actor models.Actor, cancelRole, reason string, now time.Time) (Transition, bool, error) {
	if err := ValidateTransition(b.Status, next); err != nil {
		return Transition{}, false, err
	}
	if b.Status == next {
		return Transition{}, false, nil
	}
	t := Transition{From: b.Status, To: next, ActorID: actor.UserID, Reason: reason, At: now}
	b.Status = next
	b.UpdatedAt = now
	if next == models.StatusCancelled {
		b.CancelledBy = cancelRole
		b.CancelledByID = actor.UserID
		b.CancelReason = reason
		at := now
		b.CancelledAt = &at
	}
	return t, true, nil
}

// authorize enforces who may drive each action. Claims of unassigned
// bookings are checked separately since they need the catalog.
func authorize(b models.Booking, actor models.Actor, action Action) (cancelRole string, err error) {
	isOwner := actor.IsProvider() && b.ProviderID != 0 && b.ProviderID == actor.ProviderID
	switch action {
	case ActionAccept, ActionReject, ActionComplete:
		if !isOwner {
			return "", apperr.Forbidden("only the assigned provider can %s this booking", action)
		}
		return "", nil
	case ActionCancel:
		switch {
		case actor.UserID == b.UserID && b.Status == models.StatusPending:
			return "user", nil
		case isOwner && b.Status == models.StatusAccepted:
			return "provider", nil
		case actor.UserID == b.UserID && b.Status == models.StatusCancelled,
			isOwner && b.Status == models.StatusCancelled:
			return b.CancelledBy, nil
		case actor.UserID == b.UserID:
			return "", apperr.New(apperr.KindInvalidTransition, "only pending bookings can be cancelled by the requester")
		case isOwner:
			return "", apperr.New(apperr.KindInvalidTransition, "only accepted bookings can be cancelled by the provider")
		default:
			return "", apperr.Forbidden("not allowed to cancel this booking")
		}
	}
	return "", apperr.InvalidArgument("unknown booking action %q", action)
}

func targetStatus(action Action) models.Status {
	switch action {
	case ActionAccept:
		return models.StatusAccepted
	case ActionReject:
		return models.StatusRejected
	case ActionComplete:
		return models.StatusCompleted
	case ActionCancel:
		return models.StatusCancelled
	}
	return ""
}

func auditFor(b models.Booking, action string, t Transition) models.AuditEntry {
	meta := map[string]string{
		"old_status": string(t.From),
		"new_status": string(t.To),
	}
	if b.ProviderID != 0 {
		meta["provider_id"] = strconv.FormatInt(b.ProviderID, 10)
	}
	if t.To == models.StatusCancelled {
		meta["cancelled_by"] = b.CancelledBy
		if t.Reason != "" {
			meta["cancel_reason"] = t.Reason
		}
	}
	return models.AuditEntry{
		ActorID:    t.ActorID,
		Action:     action,
		TargetType: "booking",
		TargetID:   b.ID,
		Metadata:   meta,
		CreatedAt:  t.At,
	}
}
