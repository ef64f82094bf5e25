package booking

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/example/provider-matching/internal/apperr"
	"github.com/example/provider-matching/internal/matcher"
	"github.com/example/provider-matching/internal/models"
	"github.com/example/provider-matching/internal/observability"
)

// Store is the relational backing store as seen by the booking layer.
// Missing rows come back as apperr NotFound, connection failures as Unavailable.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	GetBooking(ctx context.Context, id int64) (models.Booking, error)
	GetListing(ctx context.Context, id int64) (models.Listing, error)
	GetCategory(ctx context.Context, name string) (models.Category, error)
	GetProvider(ctx context.Context, id int64) (models.Provider, error)
	// ProviderOffersCategory is true when the provider has an approved listing in category.
	ProviderOffersCategory(ctx context.Context, providerID int64, category string) (bool, error)
	ListBookingsForUser(ctx context.Context, userID int64) ([]models.Booking, error)
	// ListBookingsForProvider returns assigned bookings plus unassigned ones the provider may claim.
	ListBookingsForProvider(ctx context.Context, providerID int64) ([]models.Booking, error)
}

type Matcher interface {
	Best(ctx context.Context, req matcher.Request) (models.MatchResult, bool, error)
}

// AuditSink receives committed audit entries. Failures are logged, never returned.
type AuditSink interface {
	Append(ctx context.Context, e models.AuditEntry) error
}

type Notifier interface {
	Notify(providerID int64, n models.AssignmentNotice) error
}

type Service struct {
	Store    Store
	Matcher  Matcher
	Guard    *Guard
	Sinks    []AuditSink
	Notifier Notifier
	Logger   *slog.Logger

	RadiusKm  float64
	Algorithm matcher.Algorithm
	Now       func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Create validates a request, auto-assigns a provider when none is given and
// persists the booking as pending under the availability lock.
func (s *Service) Create(ctx context.Context, actor models.Actor, req models.BookingRequest) (models.Booking, error) {
	if actor.UserID == 0 {
		return models.Booking{}, apperr.Forbidden("user identity required")
	}
	if req.ScheduledAt.IsZero() {
		return models.Booking{}, apperr.InvalidArgument("scheduledAt is required")
	}
	now := s.now()
	b := models.Booking{
		UserID:      actor.UserID,
		ScheduledAt: req.ScheduledAt.UTC(),
		Status:      models.StatusPending,
		Notes:       strings.TrimSpace(req.Notes),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var err error
	switch {
	case req.Service.IsListing():
		err = s.resolveListing(ctx, actor, req, &b)
	case req.Service.IsCategory():
		err = s.resolveCategory(ctx, actor, req, &b)
	default:
		err = apperr.InvalidArgument("serviceRef is required")
	}
	if err != nil {
		return models.Booking{}, err
	}

	var entries []models.AuditEntry
	err = s.Store.WithTx(ctx, func(tx Tx) error {
		if b.ProviderID != 0 {
			if err := s.Guard.CheckAndLock(ctx, tx, b.ProviderID, b.ScheduledAt, 0, "create"); err != nil {
				return err
			}
		}
		if err := tx.InsertBooking(ctx, &b); err != nil {
			return err
		}
		meta := map[string]string{"service_ref": req.Service.String()}
		if b.ProviderID != 0 {
			meta["provider_id"] = strconv.FormatInt(b.ProviderID, 10)
		}
		e := models.AuditEntry{ActorID: actor.UserID, Action: "booking_created", TargetType: "booking", TargetID: b.ID, Metadata: meta, CreatedAt: now}
		if err := tx.AppendAudit(ctx, &e); err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return models.Booking{}, err
	}

	observability.BookingsCreated.WithLabelValues(string(b.Mode), string(b.Assignment())).Inc()
	s.logger().Info("booking_created", "booking_id", b.ID, "provider_id", b.ProviderID, "user_id", b.UserID, "mode", b.Mode)
	s.publish(ctx, entries)
	s.notify(b)
	return b, nil
}

func (s *Service) resolveListing(ctx context.Context, actor models.Actor, req models.BookingRequest, b *models.Booking) error {
	l, err := s.Store.GetListing(ctx, req.Service.ListingID)
	if err != nil {
		return err
	}
	if !l.Approved {
		return apperr.NotFound("service")
	}
	if req.ProviderID != 0 && req.ProviderID != l.ProviderID {
		return apperr.InvalidArgument("selected provider does not own the requested service")
	}
	if actor.ProviderID == l.ProviderID {
		return apperr.InvalidArgument("providers cannot book their own services")
	}
	if err := s.requireMatchable(ctx, l.ProviderID); err != nil {
		return err
	}
	b.Mode = models.ModeListing
	b.ListingID = l.ID
	b.Category = l.Category
	b.ProviderID = l.ProviderID
	b.Price = l.Price
	return nil
}

func (s *Service) resolveCategory(ctx context.Context, actor models.Actor, req models.BookingRequest, b *models.Booking) error {
	cat, err := s.Store.GetCategory(ctx, req.Service.Category)
	if err != nil {
		return err
	}
	b.Mode = models.ModeCategory
	b.Category = cat.Name
	b.Price = cat.BasePrice

	switch {
	case req.ProviderID != 0:
		if req.ProviderID == actor.ProviderID {
			return apperr.InvalidArgument("providers cannot book their own services")
		}
		ok, err := s.Store.ProviderOffersCategory(ctx, req.ProviderID, cat.Name)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.InvalidArgument("provider not offering this service")
		}
		if err := s.requireMatchable(ctx, req.ProviderID); err != nil {
			return err
		}
		b.ProviderID = req.ProviderID
	case req.Open:
		// left unassigned for eligible providers to claim
	default:
		origin, ok := req.Origin()
		if !ok {
			return apperr.InvalidArgument("location is required to auto-assign a provider")
		}
		best, found, err := s.Matcher.Best(ctx, matcher.Request{
			Category:          cat.Name,
			Origin:            origin,
			RadiusKm:          s.RadiusKm,
			Algorithm:         s.Algorithm,
			ExcludeProviderID: actor.ProviderID,
		})
		if err != nil {
			return err
		}
		if !found {
			return apperr.New(apperr.KindNoCandidates, "no providers available near your location")
		}
		// the geo index can lag behind provider status changes
		if err := s.requireMatchable(ctx, best.ProviderID); err != nil {
			if !apperr.Is(err, apperr.KindInvalidArgument) {
				return err
			}
			s.logger().Warn("stale_match_candidate", "provider_id", best.ProviderID, "listing_id", best.ListingID)
			return apperr.New(apperr.KindNoCandidates, "no providers available near your location")
		}
		b.ProviderID = best.ProviderID
	}
	return nil
}

func (s *Service) requireMatchable(ctx context.Context, providerID int64) error {
	p, err := s.Store.GetProvider(ctx, providerID)
	if err != nil {
		return err
	}
	if !p.Matchable() {
		return apperr.InvalidArgument("provider is not accepting bookings")
	}
	return nil
}

func (s *Service) Accept(ctx context.Context, actor models.Actor, id int64) (models.Booking, error) {
	return s.transition(ctx, actor, id, ActionAccept, "")
}

func (s *Service) Reject(ctx context.Context, actor models.Actor, id int64) (models.Booking, error) {
	return s.transition(ctx, actor, id, ActionReject, "")
}

func (s *Service) Complete(ctx context.Context, actor models.Actor, id int64) (models.Booking, error) {
	return s.transition(ctx, actor, id, ActionComplete, "")
}

func (s *Service) Cancel(ctx context.Context, actor models.Actor, id int64, reason string) (models.Booking, error) {
	return s.transition(ctx, actor, id, ActionCancel, strings.TrimSpace(reason))
}

// Claim assigns an unassigned category booking to the calling provider.
func (s *Service) Claim(ctx context.Context, actor models.Actor, id int64) (models.Booking, error) {
	var (
		b       models.Booking
		entries []models.AuditEntry
	)
	err := s.Store.WithTx(ctx, func(tx Tx) error {
		var err error
		b, err = tx.GetBookingForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if b.Assignment() == models.Assigned {
			if b.ProviderID == actor.ProviderID {
				return nil
			}
			return apperr.Conflict("booking is already assigned")
		}
		e, err := s.claimInto(ctx, tx, &b, actor)
		if err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return models.Booking{}, err
	}
	s.publish(ctx, entries)
	return b, nil
}

// Apply dispatches a validated action; used by the HTTP layer.
func (s *Service) Apply(ctx context.Context, actor models.Actor, id int64, action Action, reason string) (models.Booking, error) {
	switch action {
	case ActionAccept:
		return s.Accept(ctx, actor, id)
	case ActionReject:
		return s.Reject(ctx, actor, id)
	case ActionComplete:
		return s.Complete(ctx, actor, id)
	case ActionCancel:
		return s.Cancel(ctx, actor, id, reason)
	case ActionClaim:
		return s.Claim(ctx, actor, id)
	}
	return models.Booking{}, apperr.InvalidArgument("unknown booking action %q", action)
}

func (s *Service) transition(ctx context.Context, actor models.Actor, id int64, action Action, reason string) (models.Booking, error) {
	var (
		b       models.Booking
		tr      Transition
		changed bool
		entries []models.AuditEntry
	)
	err := s.Store.WithTx(ctx, func(tx Tx) error {
		var err error
		b, err = tx.GetBookingForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if b.Assignment() == models.Unassigned {
			switch {
			case action == ActionAccept:
				e, err := s.claimInto(ctx, tx, &b, actor)
				if err != nil {
					return err
				}
				entries = append(entries, e)
			case action == ActionCancel && actor.UserID == b.UserID:
			default:
				return apperr.Forbidden("booking must be claimed before it can be updated")
			}
		}
		role, err := authorize(b, actor, action)
		if err != nil {
			return err
		}
		next := targetStatus(action)
		if err := ValidateTransition(b.Status, next); err != nil {
			return err
		}
		if action == ActionAccept && b.Status != next {
			// the provider may have taken an overlapping job since the request
			if err := s.Guard.CheckAndLock(ctx, tx, b.ProviderID, b.ScheduledAt, b.ID, "accept"); err != nil {
				return err
			}
		}
		tr, changed, err = ApplyTransition(&b, next, actor, role, reason, s.now())
		if err != nil || !changed {
			return err
		}
		if err := tx.UpdateBooking(ctx, &b); err != nil {
			return err
		}
		e := auditFor(b, auditAction(action, role), tr)
		if err := tx.AppendAudit(ctx, &e); err != nil {
			return err
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return models.Booking{}, err
	}
	if changed {
		observability.BookingTransitions.WithLabelValues(string(tr.From), string(tr.To)).Inc()
		s.logger().Info("booking_status_change",
			"booking_id", b.ID,
			"old_status", tr.From,
			"new_status", tr.To,
			"actor_id", actor.UserID,
			"action", action,
		)
	}
	s.publish(ctx, entries)
	return b, nil
}

// claimInto sets the calling provider on an unassigned booking after the
// capability and availability checks pass.
func (s *Service) claimInto(ctx context.Context, tx Tx, b *models.Booking, actor models.Actor) (models.AuditEntry, error) {
	if !actor.IsProvider() {
		return models.AuditEntry{}, apperr.Forbidden("provider profile required")
	}
	if b.Mode != models.ModeCategory || b.Status != models.StatusPending {
		return models.AuditEntry{}, apperr.Conflict("booking is not claimable")
	}
	if actor.UserID == b.UserID {
		return models.AuditEntry{}, apperr.Forbidden("providers cannot claim their own requests")
	}
	ok, err := s.Store.ProviderOffersCategory(ctx, actor.ProviderID, b.Category)
	if err != nil {
		return models.AuditEntry{}, err
	}
	if !ok {
		return models.AuditEntry{}, apperr.Forbidden("not eligible for this booking")
	}
	if err := s.requireMatchable(ctx, actor.ProviderID); err != nil {
		return models.AuditEntry{}, apperr.Forbidden("not eligible for this booking")
	}
	if err := s.Guard.CheckAndLock(ctx, tx, actor.ProviderID, b.ScheduledAt, b.ID, "claim"); err != nil {
		return models.AuditEntry{}, err
	}
	now := s.now()
	b.ProviderID = actor.ProviderID
	b.UpdatedAt = now
	if err := tx.UpdateBooking(ctx, b); err != nil {
		return models.AuditEntry{}, err
	}
	e := models.AuditEntry{
		ActorID:    actor.UserID,
		Action:     "booking_claimed",
		TargetType: "booking",
		TargetID:   b.ID,
		Metadata:   map[string]string{"provider_id": strconv.FormatInt(actor.ProviderID, 10), "status": string(b.Status)},
		CreatedAt:  now,
	}
	if err := tx.AppendAudit(ctx, &e); err != nil {
		return models.AuditEntry{}, err
	}
	return e, nil
}

func auditAction(action Action, cancelRole string) string {
	switch action {
	case ActionAccept:
		return "booking_accepted"
	case ActionReject:
		return "booking_rejected"
	case ActionComplete:
		return "booking_completed"
	case ActionCancel:
		if cancelRole == "provider" {
			return "booking_cancelled_by_provider"
		}
		return "booking_cancelled"
	}
	return "booking_" + string(action)
}

// Get returns a booking visible to the caller.
func (s *Service) Get(ctx context.Context, actor models.Actor, id int64) (models.Booking, error) {
	b, err := s.Store.GetBooking(ctx, id)
	if err != nil {
		return models.Booking{}, err
	}
	if b.UserID == actor.UserID || (actor.IsProvider() && b.ProviderID == actor.ProviderID) {
		return b, nil
	}
	if b.Assignment() == models.Unassigned && actor.IsProvider() {
		if ok, err := s.Store.ProviderOffersCategory(ctx, actor.ProviderID, b.Category); err != nil {
			return models.Booking{}, err
		} else if ok {
			return b, nil
		}
	}
	return models.Booking{}, apperr.Forbidden("not allowed to view this booking")
}

// CategoryOf resolves the category a service ref matches against.
func (s *Service) CategoryOf(ctx context.Context, ref models.ServiceRef) (string, error) {
	switch {
	case ref.IsListing():
		l, err := s.Store.GetListing(ctx, ref.ListingID)
		if err != nil {
			return "", err
		}
		return l.Category, nil
	case ref.IsCategory():
		c, err := s.Store.GetCategory(ctx, ref.Category)
		if err != nil {
			return "", err
		}
		return c.Name, nil
	}
	return "", apperr.InvalidArgument("serviceRef is required")
}

func (s *Service) ListForUser(ctx context.Context, actor models.Actor) ([]models.Booking, error) {
	return s.Store.ListBookingsForUser(ctx, actor.UserID)
}

func (s *Service) ListForProvider(ctx context.Context, actor models.Actor) ([]models.Booking, error) {
	if !actor.IsProvider() {
		return nil, apperr.Forbidden("provider profile required")
	}
	return s.Store.ListBookingsForProvider(ctx, actor.ProviderID)
}

func (s *Service) publish(ctx context.Context, entries []models.AuditEntry) {
	for _, e := range entries {
		for _, sink := range s.Sinks {
			if err := sink.Append(ctx, e); err != nil {
				observability.AuditPublishErrors.Inc()
				s.logger().Warn("audit publish failed", "action", e.Action, "target_id", e.TargetID, "error", err)
			}
		}
	}
}

func (s *Service) notify(b models.Booking) {
	if s.Notifier == nil || b.ProviderID == 0 {
		return
	}
	n := models.AssignmentNotice{BookingID: b.ID, ScheduledAt: b.ScheduledAt, Status: b.Status}
	if err := s.Notifier.Notify(b.ProviderID, n); err != nil {
		s.logger().Debug("assignment notify skipped", "provider_id", b.ProviderID, "error", err)
	}
}
