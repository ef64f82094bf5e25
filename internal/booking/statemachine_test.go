package booking

import (
	"testing"
	"time"

	"github.com/example/provider-matching/internal/apperr"
	"github.com/example/provider-matching/internal/models"
)

func TestValidateTransitionAllPairs(t *testing.T) {
	legal := map[[2]models.Status]bool{
		{models.StatusPending, models.StatusAccepted}:   true,
		{models.StatusPending, models.StatusRejected}:   true,
		{models.StatusPending, models.StatusCancelled}:  true,
		{models.StatusAccepted, models.StatusCompleted}: true,
		{models.StatusAccepted, models.StatusCancelled}: true,
	}
	for _, from := range models.AllStatuses {
		for _, to := range models.AllStatuses {
			err := ValidateTransition(from, to)
			switch {
			case from == to:
				if err != nil {
					t.Errorf("%s -> %s: same-state must be a no-op, got %v", from, to, err)
				}
			case legal[[2]models.Status{from, to}]:
				if err != nil {
					t.Errorf("%s -> %s: expected legal, got %v", from, to, err)
				}
			default:
				if !apperr.Is(err, apperr.KindInvalidTransition) {
					t.Errorf("%s -> %s: expected invalid transition, got %v", from, to, err)
				}
			}
		}
	}
}

func TestValidateTransitionUnknownStatus(t *testing.T) {
	if err := ValidateTransition("archived", models.StatusAccepted); !apperr.Is(err, apperr.KindInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestApplyTransitionNoOp(t *testing.T) {
	b := models.Booking{ID: 1, Status: models.StatusAccepted}
	_, changed, err := ApplyTransition(&b, models.StatusAccepted, models.Actor{UserID: 5}, "", "", time.Now())
	if err != nil || changed {
		t.Fatalf("expected silent no-op, changed=%v err=%v", changed, err)
	}
}

func TestApplyTransitionCancelMetadata(t *testing.T) {
	now := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	b := models.Booking{ID: 1, UserID: 5, Status: models.StatusPending}
	tr, changed, err := ApplyTransition(&b, models.StatusCancelled, models.Actor{UserID: 5}, "user", "changed plans", now)
	if err != nil || !changed {
		t.Fatalf("expected change, got changed=%v err=%v", changed, err)
	}
	if b.CancelledBy != "user" || b.CancelledByID != 5 || b.CancelReason != "changed plans" || b.CancelledAt == nil || !b.CancelledAt.Equal(now) {
		t.Fatalf("cancel metadata not set: %+v", b)
	}
	e := auditFor(b, "booking_cancelled", tr)
	if e.Metadata["old_status"] != "pending" || e.Metadata["new_status"] != "cancelled" || e.Metadata["cancelled_by"] != "user" {
		t.Fatalf("unexpected audit metadata %+v", e.Metadata)
	}
}

func TestAuthorize(t *testing.T) {
	requester := models.Actor{UserID: 5}
	owner := models.Actor{UserID: 9, ProviderID: 3}
	stranger := models.Actor{UserID: 11, ProviderID: 4}
	pending := models.Booking{UserID: 5, ProviderID: 3, Status: models.StatusPending}
	accepted := models.Booking{UserID: 5, ProviderID: 3, Status: models.StatusAccepted}

	cases := []struct {
		name   string
		b      models.Booking
		actor  models.Actor
		action Action
		role   string
		kind   apperr.Kind
	}{
		{"owner accepts", pending, owner, ActionAccept, "", ""},
		{"requester cannot accept", pending, requester, ActionAccept, "", apperr.KindForbidden},
		{"stranger cannot reject", pending, stranger, ActionReject, "", apperr.KindForbidden},
		{"requester cancels pending", pending, requester, ActionCancel, "user", ""},
		{"requester cannot cancel accepted", accepted, requester, ActionCancel, "", apperr.KindInvalidTransition},
		{"owner cancels accepted", accepted, owner, ActionCancel, "provider", ""},
		{"owner cannot cancel pending", pending, owner, ActionCancel, "", apperr.KindInvalidTransition},
		{"stranger cannot cancel", pending, stranger, ActionCancel, "", apperr.KindForbidden},
	}
	for _, c := range cases {
		role, err := authorize(c.b, c.actor, c.action)
		if c.kind == "" && err != nil {
			t.Errorf("%s: unexpected error %v", c.name, err)
			continue
		}
		if c.kind != "" && !apperr.Is(err, c.kind) {
			t.Errorf("%s: expected %s, got %v", c.name, c.kind, err)
			continue
		}
		if role != c.role {
			t.Errorf("%s: expected role %q, got %q", c.name, c.role, role)
		}
	}
}

func TestParseAction(t *testing.T) {
	if a, err := ParseAction("claim"); err != nil || a != ActionClaim {
		t.Fatalf("expected claim, got %v %v", a, err)
	}
	if _, err := ParseAction("archive"); !apperr.Is(err, apperr.KindInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}
