package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/example/provider-matching/internal/apperr"
	"github.com/example/provider-matching/internal/booking"
	"github.com/example/provider-matching/internal/models"
	"github.com/example/provider-matching/internal/scoring"
)

// MemoryStore keeps the whole catalog and booking table in process. One
// transaction runs at a time; writes are buffered and applied on commit.
type MemoryStore struct {
	mu         sync.RWMutex
	providers  map[int64]models.Provider
	categories map[string]models.Category
	listings   map[int64]models.Listing
	bookings   map[int64]models.Booking
	audit      []models.AuditEntry
	reports    map[int64]int // provider id -> open complaints

	txLock      chan struct{}
	lockTimeout time.Duration
	nextBooking atomic.Int64
	nextAudit   atomic.Int64
}

func NewMemoryStore(lockTimeout time.Duration) *MemoryStore {
	return &MemoryStore{
		providers:   make(map[int64]models.Provider),
		categories:  make(map[string]models.Category),
		listings:    make(map[int64]models.Listing),
		bookings:    make(map[int64]models.Booking),
		reports:     make(map[int64]int),
		txLock:      make(chan struct{}, 1),
		lockTimeout: lockTimeout,
	}
}

var (
	_ booking.Store         = (*MemoryStore)(nil)
	_ scoring.HistoryReader = (*MemoryStore)(nil)
	_ scoring.ActiveCounter = (*MemoryStore)(nil)
)

func (m *MemoryStore) AddProvider(p models.Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.ID] = p
}

func (m *MemoryStore) AddCategory(c models.Category) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.categories[strings.ToLower(c.Name)] = c
}

func (m *MemoryStore) AddListing(l models.Listing) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listings[l.ID] = l
}

// AddReport records an open complaint against a provider.
func (m *MemoryStore) AddReport(providerID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[providerID]++
}

// SeedBooking stores b as-is, assigning an id when it has none.
func (m *MemoryStore) SeedBooking(b models.Booking) models.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.ID == 0 {
		b.ID = m.nextBooking.Add(1)
	} else if b.ID > m.nextBooking.Load() {
		m.nextBooking.Store(b.ID)
	}
	m.bookings[b.ID] = b
	return b
}

// Audit returns a copy of the committed audit log in append order.
func (m *MemoryStore) Audit() []models.AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.AuditEntry, len(m.audit))
	copy(out, m.audit)
	return out
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStore) WithTx(ctx context.Context, fn func(tx booking.Tx) error) error {
	var timeout <-chan time.Time
	if m.lockTimeout > 0 {
		t := time.NewTimer(m.lockTimeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case m.txLock <- struct{}{}:
	case <-ctx.Done():
		return ctxErr(ctx.Err())
	case <-timeout:
		return apperr.Conflict("provider is busy, try again")
	}
	defer func() { <-m.txLock }()

	tx := &memTx{store: m, bookings: make(map[int64]models.Booking)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return ctxErr(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, b := range tx.bookings {
		m.bookings[id] = b
	}
	m.audit = append(m.audit, tx.audit...)
	return nil
}

func ctxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindTimeout, err, "deadline exceeded")
	}
	return apperr.Wrap(apperr.KindUnavailable, err, "request cancelled")
}

func (m *MemoryStore) GetBooking(ctx context.Context, id int64) (models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return models.Booking{}, apperr.NotFound("booking")
	}
	return b, nil
}

func (m *MemoryStore) GetListing(ctx context.Context, id int64) (models.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listings[id]
	if !ok {
		return models.Listing{}, apperr.NotFound("service")
	}
	return l, nil
}

func (m *MemoryStore) GetCategory(ctx context.Context, name string) (models.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.categories[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return models.Category{}, apperr.NotFound("category")
	}
	return c, nil
}

func (m *MemoryStore) GetProvider(ctx context.Context, id int64) (models.Provider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[id]
	if !ok {
		return models.Provider{}, apperr.NotFound("provider")
	}
	return p, nil
}

func (m *MemoryStore) ProviderOffersCategory(ctx context.Context, providerID int64, category string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.offers(providerID, category), nil
}

func (m *MemoryStore) offers(providerID int64, category string) bool {
	for _, l := range m.listings {
		if l.ProviderID == providerID && l.Approved && strings.EqualFold(l.Category, category) {
			return true
		}
	}
	return false
}

func (m *MemoryStore) ListBookingsForUser(ctx context.Context, userID int64) ([]models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Booking, 0)
	for _, b := range m.bookings {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) ListBookingsForProvider(ctx context.Context, providerID int64) ([]models.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Booking, 0)
	for _, b := range m.bookings {
		switch {
		case b.ProviderID == providerID:
			out = append(out, b)
		case b.ProviderID == 0 && b.Status == models.StatusPending && m.offers(providerID, b.Category):
			out = append(out, b)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func sortNewestFirst(bs []models.Booking) {
	sort.Slice(bs, func(i, j int) bool { return bs[i].ID > bs[j].ID })
}

func (m *MemoryStore) TrustSignal(ctx context.Context, providerID int64) (scoring.Signal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.providers[providerID]
	if !ok {
		return scoring.Signal{}, apperr.NotFound("provider")
	}
	sig := scoring.Signal{Rating: p.Rating, OpenComplaints: m.reports[providerID]}
	for _, b := range m.bookings {
		if b.ProviderID != providerID {
			continue
		}
		sig.Total++
		switch b.Status {
		case models.StatusAccepted:
			sig.Accepted++
		case models.StatusCancelled:
			sig.Cancelled++
		}
	}
	return sig, nil
}

func (m *MemoryStore) ActiveBookings(ctx context.Context, providerID int64, now time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, b := range m.bookings {
		if b.ProviderID == providerID && b.Status.Active() && !b.ScheduledAt.Before(now) {
			n++
		}
	}
	return n, nil
}

// ListMatchableListings feeds the geo index resync.
func (m *MemoryStore) ListMatchableListings(ctx context.Context) ([]models.ListingUpdate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ListingUpdate, 0, len(m.listings))
	for _, l := range m.listings {
		p, ok := m.providers[l.ProviderID]
		if !ok || !l.Approved || !p.Matchable() {
			continue
		}
		out = append(out, models.ListingUpdate{Listing: l, Provider: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Listing.ID < out[j].Listing.ID })
	return out, nil
}

type memTx struct {
	store    *MemoryStore
	bookings map[int64]models.Booking
	audit    []models.AuditEntry
}

// LockProvider is a no-op: the store-wide transaction lock already serialises writers.
func (t *memTx) LockProvider(ctx context.Context, providerID int64) error {
	if _, err := t.store.GetProvider(ctx, providerID); err != nil {
		return err
	}
	return ctx.Err()
}

func (t *memTx) view(id int64) (models.Booking, bool) {
	if b, ok := t.bookings[id]; ok {
		return b, true
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	b, ok := t.store.bookings[id]
	return b, ok
}

func (t *memTx) FindOverlapping(ctx context.Context, providerID int64, start, end time.Time, excludeID int64) (int64, bool, error) {
	t.store.mu.RLock()
	ids := make([]int64, 0, len(t.store.bookings)+len(t.bookings))
	for id := range t.store.bookings {
		ids = append(ids, id)
	}
	t.store.mu.RUnlock()
	for id := range t.bookings {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		if id == excludeID {
			continue
		}
		b, _ := t.view(id)
		if b.ProviderID != providerID || !b.Status.Active() {
			continue
		}
		if b.Overlaps(start, end) {
			return b.ID, true, nil
		}
	}
	return 0, false, nil
}

func (t *memTx) GetBookingForUpdate(ctx context.Context, id int64) (models.Booking, error) {
	b, ok := t.view(id)
	if !ok {
		return models.Booking{}, apperr.NotFound("booking")
	}
	return b, nil
}

func (t *memTx) InsertBooking(ctx context.Context, b *models.Booking) error {
	b.ID = t.store.nextBooking.Add(1)
	t.bookings[b.ID] = *b
	return nil
}

func (t *memTx) UpdateBooking(ctx context.Context, b *models.Booking) error {
	if _, ok := t.view(b.ID); !ok {
		return apperr.NotFound("booking")
	}
	t.bookings[b.ID] = *b
	return nil
}

func (t *memTx) AppendAudit(ctx context.Context, e *models.AuditEntry) error {
	e.ID = t.store.nextAudit.Add(1)
	t.audit = append(t.audit, *e)
	return nil
}
