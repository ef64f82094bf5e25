package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/example/provider-matching/internal/models"
)

// fakeIndex implements ListingIndex for tests
type fakeIndex struct {
	failUpsert  int // number of times to fail Upsert before succeeding
	upsertCalls int
	removeCalls int
	last        models.Listing
}

func (f *fakeIndex) Upsert(ctx context.Context, l models.Listing, p models.Provider) error {
	f.upsertCalls++
	if f.upsertCalls <= f.failUpsert {
		return errors.New("geo fail")
	}
	f.last = l
	return nil
}

func (f *fakeIndex) Remove(ctx context.Context, l models.Listing) error {
	f.removeCalls++
	f.last = l
	return nil
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeIndex{failUpsert: 2}
	u := models.ListingUpdate{Listing: models.Listing{ID: 10, ProviderID: 1, Category: "Plumbing"}}
	start := time.Now()
	if err := applyWithRetry(context.Background(), f, u, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.upsertCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.upsertCalls)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("expected doubling backoff between attempts")
	}
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeIndex{failUpsert: 5}
	u := models.ListingUpdate{Listing: models.Listing{ID: 10}}
	if err := applyWithRetry(context.Background(), f, u, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.upsertCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.upsertCalls)
	}
}

func TestApplyWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeIndex{failUpsert: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := applyWithRetry(ctx, f, models.ListingUpdate{Listing: models.Listing{ID: 10}}, 3, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHandleMessage(t *testing.T) {
	f := &fakeIndex{}
	upsert := `{"listing":{"id":10,"provider_id":1,"category":"Plumbing","loc":{"lat":12.97,"lon":77.59},"approved":true},"provider":{"rating":4.5,"active":true,"verified":true}}`
	if err := handleMessage(context.Background(), f, []byte(upsert), quiet); err != nil {
		t.Fatal(err)
	}
	if f.upsertCalls != 1 || f.last.ID != 10 {
		t.Fatalf("expected listing 10 upserted, got %+v", f)
	}

	if err := handleMessage(context.Background(), f, []byte(`{"listing":{"id":10},"removed":true}`), quiet); err != nil {
		t.Fatal(err)
	}
	if f.removeCalls != 1 {
		t.Fatalf("expected a remove, got %d", f.removeCalls)
	}

	if err := handleMessage(context.Background(), f, []byte(`not json`), quiet); !errors.Is(err, errInvalidMessage) {
		t.Fatalf("expected invalid message, got %v", err)
	}
}
