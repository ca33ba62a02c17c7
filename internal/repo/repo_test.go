package repo_test

import (
	"context"
	"errors"
	"testing"

	"todochain/internal/db"
	"todochain/internal/domain"
	"todochain/internal/events"
	"todochain/internal/migrate"
	"todochain/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func TestSubscriptionUpsertIsKeyedByEndpoint(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	sub := domain.Subscription{
		Endpoint: "https://push.example/abc",
		Keys:     domain.SubscriptionKeys{P256dh: "key-1", Auth: "auth-1"},
	}
	if err := r.UpsertSubscription(ctx, sub); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	sub.Keys.Auth = "auth-2"
	if err := r.UpsertSubscription(ctx, sub); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	subs, err := r.ListSubscriptions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subs))
	}
	if subs[0].Keys.Auth != "auth-2" {
		t.Fatalf("keys not refreshed: %+v", subs[0].Keys)
	}
	if err := r.RemoveSubscription(ctx, sub.Endpoint); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := r.RemoveSubscription(ctx, sub.Endpoint); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second remove, got %v", err)
	}
	if _, err := r.GetSubscription(ctx, sub.Endpoint); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on get, got %v", err)
	}
}

func TestEventsCursor(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB}
	for _, typ := range []string{events.TaskCreated, events.TaskEdited, events.TaskCompleted} {
		if err := w.Append(ctx, typ, "task", "7", "0xabc", events.EventPayload{"id": 7}); err != nil {
			t.Fatalf("append %s: %v", typ, err)
		}
	}
	latest, err := r.LatestEventID(ctx)
	if err != nil || latest != 3 {
		t.Fatalf("latest id = %d, %v", latest, err)
	}
	after, err := r.EventsAfter(ctx, 10, 1)
	if err != nil {
		t.Fatalf("events after: %v", err)
	}
	if len(after) != 2 || after[0].Type != events.TaskEdited {
		t.Fatalf("unexpected events after cursor: %+v", after)
	}
	edited, err := r.LatestEvents(ctx, repo.EventFilters{Type: events.TaskEdited})
	if err != nil || len(edited) != 1 || edited[0].EntityID != "7" {
		t.Fatalf("filtered events = %+v, %v", edited, err)
	}
}
