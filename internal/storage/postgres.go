package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/lib/pq"

	"github.com/example/provider-matching/internal/apperr"
	"github.com/example/provider-matching/internal/booking"
	"github.com/example/provider-matching/internal/geo"
	"github.com/example/provider-matching/internal/models"
	"github.com/example/provider-matching/internal/scoring"
)

type PostgresStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

var (
	_ booking.Store         = (*PostgresStore)(nil)
	_ geo.Index             = (*PostgresStore)(nil)
	_ scoring.HistoryReader = (*PostgresStore)(nil)
	_ scoring.ActiveCounter = (*PostgresStore)(nil)
)

func NewPostgresStore(dsn string, lockTimeout time.Duration) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgresStoreFromDB(db, lockTimeout), nil
}

func NewPostgresStoreFromDB(db *sql.DB, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{db: db, lockTimeout: lockTimeout}
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error {
	return translate(p.db.PingContext(ctx))
}

// translate maps driver errors onto the shared taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(apperr.KindTimeout, err, "deadline exceeded")
	case errors.Is(err, context.Canceled):
		return apperr.Unavailable(err, "request cancelled")
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone):
		return apperr.Unavailable(err, "database unavailable")
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "55P03":
			return apperr.Wrap(apperr.KindConflict, err, "provider is busy, try again")
		case pqErr.Code == "40001", pqErr.Code == "40P01":
			return apperr.Wrap(apperr.KindConflict, err, "concurrent update, try again")
		case pqErr.Code == "23505":
			return apperr.Wrap(apperr.KindConflict, err, "duplicate record")
		case pqErr.Code == "57014":
			return apperr.Wrap(apperr.KindTimeout, err, "statement cancelled")
		case pqErr.Code.Class() == "08", pqErr.Code.Class() == "57":
			return apperr.Unavailable(err, "database unavailable")
		}
		return apperr.Wrap(apperr.KindInternal, err, "database error")
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.Unavailable(err, "database unavailable")
	}
	return apperr.Wrap(apperr.KindInternal, err, "database error")
}

func (p *PostgresStore) WithTx(ctx context.Context, fn func(tx booking.Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(err)
	}
	if p.lockTimeout > 0 {
		// SET does not take bind parameters
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", p.lockTimeout.Milliseconds())
		if _, err := sqlTx.ExecContext(ctx, stmt); err != nil {
			sqlTx.Rollback()
			return translate(err)
		}
	}
	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		sqlTx.Rollback()
		return translate(err)
	}
	return translate(sqlTx.Commit())
}

const bookingColumns = `id, user_id, provider_id, mode, listing_id, category, scheduled_at, status, price, notes,
	cancelled_by, cancelled_by_id, cancel_reason, cancelled_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBooking(row rowScanner) (models.Booking, error) {
	var (
		b                       models.Booking
		providerID, listingID   sql.NullInt64
		cancelledByID           sql.NullInt64
		category, notes         sql.NullString
		cancelledBy, cancelNote sql.NullString
		cancelledAt             sql.NullTime
		mode, status            string
	)
	err := row.Scan(&b.ID, &b.UserID, &providerID, &mode, &listingID, &category, &b.ScheduledAt, &status, &b.Price, &notes,
		&cancelledBy, &cancelledByID, &cancelNote, &cancelledAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return models.Booking{}, err
	}
	b.ProviderID = providerID.Int64
	b.ListingID = listingID.Int64
	b.Mode = models.BookingMode(mode)
	b.Category = category.String
	b.Status = models.Status(status)
	b.Notes = notes.String
	b.CancelledBy = cancelledBy.String
	b.CancelledByID = cancelledByID.Int64
	b.CancelReason = cancelNote.String
	if cancelledAt.Valid {
		t := cancelledAt.Time.UTC()
		b.CancelledAt = &t
	}
	b.ScheduledAt = b.ScheduledAt.UTC()
	b.CreatedAt = b.CreatedAt.UTC()
	b.UpdatedAt = b.UpdatedAt.UTC()
	return b, nil
}

func nullID(id int64) sql.NullInt64 { return sql.NullInt64{Int64: id, Valid: id != 0} }

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func (p *PostgresStore) GetBooking(ctx context.Context, id int64) (models.Booking, error) {
	b, err := scanBooking(p.db.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Booking{}, apperr.NotFound("booking")
	}
	return b, translate(err)
}

func (p *PostgresStore) GetListing(ctx context.Context, id int64) (models.Listing, error) {
	var l models.Listing
	err := p.db.QueryRowContext(ctx,
		`SELECT id, provider_id, category, price, lat, lon, approved FROM listings WHERE id = $1`, id).
		Scan(&l.ID, &l.ProviderID, &l.Category, &l.Price, &l.Loc.Lat, &l.Loc.Lon, &l.Approved)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Listing{}, apperr.NotFound("service")
	}
	return l, translate(err)
}

func (p *PostgresStore) GetCategory(ctx context.Context, name string) (models.Category, error) {
	var c models.Category
	err := p.db.QueryRowContext(ctx,
		`SELECT name, base_price FROM categories WHERE lower(name) = lower($1)`, name).
		Scan(&c.Name, &c.BasePrice)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Category{}, apperr.NotFound("category")
	}
	return c, translate(err)
}

func (p *PostgresStore) GetProvider(ctx context.Context, id int64) (models.Provider, error) {
	var pr models.Provider
	err := p.db.QueryRowContext(ctx,
		`SELECT id, user_id, rating, active, verified, suspended FROM providers WHERE id = $1`, id).
		Scan(&pr.ID, &pr.UserID, &pr.Rating, &pr.Active, &pr.Verified, &pr.Suspended)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Provider{}, apperr.NotFound("provider")
	}
	return pr, translate(err)
}

func (p *PostgresStore) ProviderOffersCategory(ctx context.Context, providerID int64, category string) (bool, error) {
	var ok bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM listings WHERE provider_id = $1 AND approved AND lower(category) = lower($2))`,
		providerID, category).Scan(&ok)
	return ok, translate(err)
}

func (p *PostgresStore) listBookings(ctx context.Context, query string, args ...any) ([]models.Booking, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	out := make([]models.Booking, 0)
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, translate(err)
		}
		out = append(out, b)
	}
	return out, translate(rows.Err())
}

func (p *PostgresStore) ListBookingsForUser(ctx context.Context, userID int64) ([]models.Booking, error) {
	return p.listBookings(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE user_id = $1 ORDER BY id DESC`, userID)
}

func (p *PostgresStore) ListBookingsForProvider(ctx context.Context, providerID int64) ([]models.Booking, error) {
	return p.listBookings(ctx, `SELECT `+bookingColumns+` FROM bookings b
		WHERE b.provider_id = $1
		   OR (b.provider_id IS NULL AND b.status = 'pending' AND EXISTS (
				SELECT 1 FROM listings l
				WHERE l.provider_id = $1 AND l.approved AND lower(l.category) = lower(b.category)))
		ORDER BY b.id DESC`, providerID)
}

// candidateQuery computes great-circle distance in SQL with the same radius
// the in-process index uses.
const candidateQuery = `
SELECT l.id, l.provider_id, p.rating, d.dist
FROM listings l
JOIN providers p ON p.id = l.provider_id
CROSS JOIN LATERAL (
	SELECT 2 * $4 * asin(least(1, sqrt(
		power(sin(radians(l.lat - $1) / 2), 2) +
		cos(radians($1)) * cos(radians(l.lat)) * power(sin(radians(l.lon - $2) / 2), 2)
	))) AS dist
) d
WHERE l.approved AND p.active AND p.verified AND NOT p.suspended
  AND lower(l.category) = lower($3)
  AND ($5 = 0 OR l.provider_id <> $5)
  AND d.dist <= $6
ORDER BY d.dist, l.id`

func (p *PostgresStore) FindCandidates(ctx context.Context, q geo.Query) ([]geo.Candidate, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, candidateQuery,
		q.Origin.Lat, q.Origin.Lon, q.Category, geo.EarthRadiusMeters, q.ExcludeProviderID, q.RadiusKm*1000)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	out := make([]geo.Candidate, 0)
	for rows.Next() {
		var c geo.Candidate
		if err := rows.Scan(&c.ListingID, &c.ProviderID, &c.Rating, &c.DistanceMeters); err != nil {
			return nil, translate(err)
		}
		out = append(out, c)
	}
	return out, translate(rows.Err())
}

const trustQuery = `
SELECT p.rating,
	(SELECT COUNT(*) FROM bookings b WHERE b.provider_id = p.id),
	(SELECT COUNT(*) FROM bookings b WHERE b.provider_id = p.id AND b.status = 'accepted'),
	(SELECT COUNT(*) FROM bookings b WHERE b.provider_id = p.id AND b.status = 'cancelled'),
	(SELECT COUNT(*) FROM reports r WHERE r.provider_id = p.id AND r.status = 'open')
FROM providers p
WHERE p.id = $1`

func (p *PostgresStore) TrustSignal(ctx context.Context, providerID int64) (scoring.Signal, error) {
	var s scoring.Signal
	err := p.db.QueryRowContext(ctx, trustQuery, providerID).
		Scan(&s.Rating, &s.Total, &s.Accepted, &s.Cancelled, &s.OpenComplaints)
	if errors.Is(err, sql.ErrNoRows) {
		return scoring.Signal{}, apperr.NotFound("provider")
	}
	return s, translate(err)
}

func (p *PostgresStore) ActiveBookings(ctx context.Context, providerID int64, now time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM bookings WHERE provider_id = $1 AND status IN ('pending','accepted') AND scheduled_at >= $2`,
		providerID, now).Scan(&n)
	return n, translate(err)
}

// ListMatchableListings feeds the geo index resync.
func (p *PostgresStore) ListMatchableListings(ctx context.Context) ([]models.ListingUpdate, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT l.id, l.provider_id, l.category, l.price, l.lat, l.lon, l.approved,
		       p.user_id, p.rating, p.active, p.verified, p.suspended
		FROM listings l JOIN providers p ON p.id = l.provider_id
		WHERE l.approved AND p.active AND p.verified AND NOT p.suspended
		ORDER BY l.id`)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()
	out := make([]models.ListingUpdate, 0)
	for rows.Next() {
		var u models.ListingUpdate
		l, pr := &u.Listing, &u.Provider
		if err := rows.Scan(&l.ID, &l.ProviderID, &l.Category, &l.Price, &l.Loc.Lat, &l.Loc.Lon, &l.Approved,
			&pr.UserID, &pr.Rating, &pr.Active, &pr.Verified, &pr.Suspended); err != nil {
			return nil, translate(err)
		}
		pr.ID = l.ProviderID
		out = append(out, u)
	}
	return out, translate(rows.Err())
}

type pgTx struct {
	tx *sql.Tx
}

// LockProvider locks the provider row rather than the overlapping bookings:
// FOR UPDATE over an empty result locks nothing and would let a concurrent
// insert through.
func (t *pgTx) LockProvider(ctx context.Context, providerID int64) error {
	var id int64
	err := t.tx.QueryRowContext(ctx, `SELECT id FROM providers WHERE id = $1 FOR UPDATE`, providerID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("provider")
	}
	return translate(err)
}

func (t *pgTx) FindOverlapping(ctx context.Context, providerID int64, start, end time.Time, excludeID int64) (int64, bool, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, `
		SELECT id FROM bookings
		WHERE provider_id = $1 AND status IN ('pending','accepted')
		  AND scheduled_at < $2 AND scheduled_at + interval '1 hour' > $3
		  AND id <> $4
		ORDER BY id LIMIT 1`,
		providerID, end, start, excludeID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, translate(err)
	}
	return id, true, nil
}

func (t *pgTx) GetBookingForUpdate(ctx context.Context, id int64) (models.Booking, error) {
	b, err := scanBooking(t.tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Booking{}, apperr.NotFound("booking")
	}
	return b, translate(err)
}

func (t *pgTx) InsertBooking(ctx context.Context, b *models.Booking) error {
	err := t.tx.QueryRowContext(ctx, `
		INSERT INTO bookings (user_id, provider_id, mode, listing_id, category, scheduled_at, status, price, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		b.UserID, nullID(b.ProviderID), string(b.Mode), nullID(b.ListingID), nullString(b.Category),
		b.ScheduledAt, string(b.Status), b.Price, nullString(b.Notes), b.CreatedAt, b.UpdatedAt,
	).Scan(&b.ID)
	return translate(err)
}

func (t *pgTx) UpdateBooking(ctx context.Context, b *models.Booking) error {
	var cancelledAt sql.NullTime
	if b.CancelledAt != nil {
		cancelledAt = sql.NullTime{Time: *b.CancelledAt, Valid: true}
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE bookings SET provider_id = $1, status = $2, cancelled_by = $3, cancelled_by_id = $4,
			cancel_reason = $5, cancelled_at = $6, updated_at = $7
		WHERE id = $8`,
		nullID(b.ProviderID), string(b.Status), nullString(b.CancelledBy), nullID(b.CancelledByID),
		nullString(b.CancelReason), cancelledAt, b.UpdatedAt, b.ID)
	if err != nil {
		return translate(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperr.NotFound("booking")
	}
	return nil
}

func (t *pgTx) AppendAudit(ctx context.Context, e *models.AuditEntry) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "encode audit metadata")
	}
	err = t.tx.QueryRowContext(ctx, `
		INSERT INTO audit_log (actor_id, action, target_type, target_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		e.ActorID, e.Action, e.TargetType, e.TargetID, meta, e.CreatedAt,
	).Scan(&e.ID)
	return translate(err)
}

// Exec runs a raw statement batch, used for schema migrations.
func (p *PostgresStore) Exec(ctx context.Context, stmt string) error {
	_, err := p.db.ExecContext(ctx, stmt)
	return translate(err)
}
