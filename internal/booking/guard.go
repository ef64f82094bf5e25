package booking

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/provider-matching/internal/apperr"
	"github.com/example/provider-matching/internal/models"
	"github.com/example/provider-matching/internal/observability"
)

// Tx is the transactional surface the booking layer needs. Everything done
// through one Tx commits or rolls back together.
type Tx interface {
	// LockProvider takes an exclusive lock on the provider that is held until
	// the transaction ends. Waits are bounded by the store's lock timeout.
	LockProvider(ctx context.Context, providerID int64) error
	// FindOverlapping returns an active booking of providerID whose window
	// intersects [start, end), ignoring excludeID.
	FindOverlapping(ctx context.Context, providerID int64, start, end time.Time, excludeID int64) (int64, bool, error)
	GetBookingForUpdate(ctx context.Context, id int64) (models.Booking, error)
	InsertBooking(ctx context.Context, b *models.Booking) error
	UpdateBooking(ctx context.Context, b *models.Booking) error
	AppendAudit(ctx context.Context, e *models.AuditEntry) error
}

// Guard makes "is the window free" and the following write one atomic step.
//
// Isolation contract: the provider row lock serialises every check-then-write
// for one provider across all service instances, so two overlapping requests
// can never both observe a free window. Callers must perform the write on the
// same Tx before it commits.
type Guard struct {
	Logger *slog.Logger
}

func (g *Guard) CheckAndLock(ctx context.Context, tx Tx, providerID int64, start time.Time, excludeBookingID int64, op string) error {
	if providerID == 0 {
		return apperr.InvalidArgument("provider is required")
	}
	if err := tx.LockProvider(ctx, providerID); err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			observability.AvailabilityConflicts.WithLabelValues(op).Inc()
		}
		return err
	}
	conflictID, found, err := tx.FindOverlapping(ctx, providerID, start, start.Add(models.SlotDuration), excludeBookingID)
	if err != nil {
		return err
	}
	if found {
		observability.AvailabilityConflicts.WithLabelValues(op).Inc()
		g.logger().Info("booking_conflict",
			"provider_id", providerID,
			"conflicting_booking_id", conflictID,
			"requested_start", start,
			"operation", op,
		)
		return apperr.Conflict("provider is not available at the selected time")
	}
	return nil
}

func (g *Guard) logger() *slog.Logger {
	if g != nil && g.Logger != nil {
		return g.Logger
	}
	return slog.Default()
}
