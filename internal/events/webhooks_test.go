package events_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"todochain/internal/config"
	"todochain/internal/db"
	"todochain/internal/events"
	"todochain/internal/migrate"
	"todochain/internal/repo"
)

func TestDispatcherForwardsFilteredEvents(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()
	ctx := context.Background()
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	w := events.Writer{DB: conn}
	// Present before the first poll, so never delivered.
	_ = w.Append(ctx, events.TaskCreated, "task", "1", "", nil)

	var mu sync.Mutex
	var got []map[string]any
	var secrets []string
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		got = append(got, body)
		secrets = append(secrets, r.Header.Get("X-Todochain-Secret"))
		mu.Unlock()
		rw.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := events.NewDispatcher(repo.Repo{DB: conn}, []config.WebhookConfig{
		{URL: srv.URL, Events: []string{events.TaskCompleted}, Secret: "s3cret"},
	}, nil)
	d.DispatchAll(ctx)

	_ = w.Append(ctx, events.TaskEdited, "task", "1", "", nil)
	_ = w.Append(ctx, events.TaskCompleted, "task", "1", "0xabc", events.EventPayload{"tx_hash": "0x01"})
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one delivery, got %d: %v", len(got), got)
	}
	if got[0]["type"] != events.TaskCompleted || got[0]["actor_id"] != "0xabc" || secrets[0] != "s3cret" {
		t.Fatalf("unexpected delivery: %v", got[0])
	}
	payload, _ := got[0]["payload"].(map[string]any)
	if payload["tx_hash"] != "0x01" {
		t.Fatalf("payload = %v", payload)
	}
}
