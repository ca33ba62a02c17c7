package push_test

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"

	"todochain/internal/db"
	"todochain/internal/events"
	"todochain/internal/migrate"
	"todochain/internal/push"
	"todochain/internal/repo"
)

func newStore(t *testing.T) (push.RepoStore, events.Writer) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return push.RepoStore{Repo: repo.Repo{DB: conn}}, events.Writer{DB: conn}
}

// browserKeys returns a p256dh/auth pair shaped like a browser subscription.
func browserKeys(t *testing.T) (string, string) {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatal(err)
	}
	return base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()), base64.RawURLEncoding.EncodeToString(auth)
}

func subscriptionJSON(t *testing.T, endpoint string) []byte {
	p256dh, auth := browserKeys(t)
	return []byte(fmt.Sprintf(`{"endpoint":%q,"expirationTime":null,"keys":{"p256dh":%q,"auth":%q}}`, endpoint, p256dh, auth))
}

func TestSubscribeIsIdempotentPerEndpoint(t *testing.T) {
	store, w := newStore(t)
	reg, err := push.NewRegistry(store, w)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	ctx := context.Background()
	raw := subscriptionJSON(t, "https://push.example/sub/1")

	added, err := reg.Subscribe(ctx, raw, "")
	if err != nil || !added {
		t.Fatalf("first subscribe = %v, %v", added, err)
	}
	added, err = reg.Subscribe(ctx, raw, "")
	if err != nil || added {
		t.Fatalf("second subscribe = %v, %v", added, err)
	}
	subs, _ := reg.List(ctx)
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscription, got %d", len(subs))
	}
}

func TestConcurrentSubscribeAddsOnce(t *testing.T) {
	store, w := newStore(t)
	reg, err := push.NewRegistry(store, w)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	raw := subscriptionJSON(t, "https://push.example/sub/race")

	const n = 16
	var (
		wg    sync.WaitGroup
		added atomic.Int32
		fails atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := reg.Subscribe(context.Background(), raw, "")
			if err != nil {
				fails.Add(1)
				return
			}
			if ok {
				added.Add(1)
			}
		}()
	}
	wg.Wait()
	if fails.Load() != 0 {
		t.Fatalf("%d subscribe calls failed", fails.Load())
	}
	if added.Load() != 1 {
		t.Fatalf("added reported %d times, want 1", added.Load())
	}
	subs, err := reg.List(context.Background())
	if err != nil || len(subs) != 1 {
		t.Fatalf("stored subscriptions = %d, %v", len(subs), err)
	}
}

func TestSubscribeRejectsMalformed(t *testing.T) {
	store, w := newStore(t)
	reg, _ := push.NewRegistry(store, w)
	for name, raw := range map[string]string{
		"not json":     `{`,
		"no keys":      `{"endpoint":"https://push.example/x"}`,
		"bad endpoint": `{"endpoint":"ftp://x","keys":{"p256dh":"a","auth":"b"}}`,
		"empty auth":   `{"endpoint":"https://push.example/x","keys":{"p256dh":"a","auth":""}}`,
	} {
		if _, err := reg.Subscribe(context.Background(), []byte(raw), ""); !errors.Is(err, push.ErrInvalidSubscription) {
			t.Fatalf("%s: expected ErrInvalidSubscription, got %v", name, err)
		}
	}
}

func TestBroadcastRemovesGoneEndpoints(t *testing.T) {
	store, w := newStore(t)
	reg, _ := push.NewRegistry(store, w)
	ctx := context.Background()

	var delivered int
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" || r.Header.Get("Content-Encoding") != "aes128gcm" {
			rw.WriteHeader(http.StatusBadRequest)
			return
		}
		switch r.URL.Path {
		case "/live":
			delivered++
			rw.WriteHeader(http.StatusCreated)
		case "/gone":
			rw.WriteHeader(http.StatusGone)
		case "/missing":
			rw.WriteHeader(http.StatusNotFound)
		default:
			rw.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	for _, path := range []string{"/live", "/gone", "/missing", "/flaky"} {
		if _, err := reg.Subscribe(ctx, subscriptionJSON(t, srv.URL+path), ""); err != nil {
			t.Fatalf("subscribe %s: %v", path, err)
		}
	}

	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("vapid keys: %v", err)
	}
	sender, err := push.NewSender(store, w, push.SenderOptions{
		VAPIDPublicKey:  pub,
		VAPIDPrivateKey: priv,
		Subscriber:      "ops@todochain.test",
		HTTPClient:      srv.Client(),
	})
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	res, err := sender.Broadcast(ctx, "Finish the report today.")
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	if res.Sent != 1 || res.Removed != 2 || res.Failed != 1 || delivered != 1 {
		t.Fatalf("unexpected result %+v (delivered %d)", res, delivered)
	}
	subs, _ := reg.List(ctx)
	if len(subs) != 2 {
		t.Fatalf("expected gone endpoints removed, %d left", len(subs))
	}
}

func TestNewSenderRequiresVAPID(t *testing.T) {
	store, w := newStore(t)
	if _, err := push.NewSender(store, w, push.SenderOptions{}); err == nil {
		t.Fatalf("expected error without vapid keys")
	}
}
