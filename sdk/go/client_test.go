package todochainsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"

	"todochain/internal/auth"
)

func TestLoginProducesVerifiableSignature(t *testing.T) {
	key, _ := crypto.GenerateKey()
	want := strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/auth/verify-signature" {
			http.NotFound(w, r)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		addr, err := auth.RecoverAddress(body["message"], body["signature"])
		if err != nil || strings.ToLower(addr.Hex()) != want {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "Authentication failed."})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "message": "Authentication successful!", "token": "tok"})
	}))
	defer srv.Close()

	c := New(srv.URL + "/api")
	token, err := c.Login(context.Background(), key)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if token != "tok" || c.BearerToken != "tok" {
		t.Fatalf("token not stored: %q", c.BearerToken)
	}
}

func TestWritesSendBearerAndDecodeReceipt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"message":"Access denied. No token provided."}`))
			return
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/tasks/create":
			w.Write([]byte(`{"message":"Task created","receipt":{"txHash":"0xabc","blockNumber":2,"gasUsed":21000,"status":"confirmed","taskId":1}}`))
		case r.Method == http.MethodPatch && r.URL.Path == "/api/tasks/1/complete":
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"task already completed"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL + "/api/")
	c.BearerToken = "tok"
	rcpt, err := c.CreateTask(context.Background(), TaskInput{Title: "a", Priority: 1})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if rcpt.TaskID == nil || *rcpt.TaskID != 1 || rcpt.Status != "confirmed" {
		t.Fatalf("receipt = %+v", rcpt)
	}
	_, err = c.CompleteTask(context.Background(), 1)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 APIError, got %v", err)
	}
}
