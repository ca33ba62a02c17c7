package advisory_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"todochain/internal/advisory"
	"todochain/internal/advisory/advisorytest"
	"todochain/internal/domain"
)

func TestAdviseUsesTaskFields(t *testing.T) {
	model := &advisorytest.Model{Reply: "  Break it into smaller steps.\n"}
	svc := advisory.New(model, advisory.Options{})
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	advice, err := svc.Advise(context.Background(), domain.TaskFields{
		Title: "Write report", Description: "Q3 numbers", Priority: 3, Progress: 20, Deadline: "2024-11-01",
	}, false)
	if err != nil {
		t.Fatalf("advise: %v", err)
	}
	if advice != "Break it into smaller steps." {
		t.Fatalf("advice = %q", advice)
	}
	prompt := model.LastPrompt()
	for _, want := range []string{"productivity coach", `"Write report"`, `"Q3 numbers"`, "priority 3", "progress 20", "2024-11-01"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q: %s", want, prompt)
		}
	}
}

func TestFailuresAreWrapped(t *testing.T) {
	model := &advisorytest.Model{}
	svc := advisory.New(model, advisory.Options{})
	ctx := context.Background()

	_, err := svc.Advise(ctx, domain.TaskFields{Title: "x", Priority: 1}, false)
	if !errors.Is(err, advisory.ErrEmptyCompletion) {
		t.Fatalf("expected ErrEmptyCompletion, got %v", err)
	}
	var ae *advisory.Error
	if !errors.As(err, &ae) || ae.Op != "advise" {
		t.Fatalf("expected *advisory.Error, got %T", err)
	}

	model.Set("", errors.New("model crashed"))
	if _, err := svc.Prioritize(ctx, []domain.Task{{Title: "a"}}); !errors.As(err, &ae) || ae.Op != "prioritize" {
		t.Fatalf("expected wrapped prioritize error, got %v", err)
	}
	if _, err := svc.Remind(ctx, nil); err == nil {
		t.Fatalf("expected error for empty reminder set")
	}

	svc.Shutdown()
	model.Set("ok", nil)
	if _, err := svc.Advise(ctx, domain.TaskFields{Title: "x", Priority: 1}, false); !errors.Is(err, advisory.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after shutdown, got %v", err)
	}
	if err := svc.Start(ctx); !errors.Is(err, advisory.ErrUnavailable) {
		t.Fatalf("expected start after shutdown to fail, got %v", err)
	}
}

func TestTimeoutBoundsCall(t *testing.T) {
	slow := slowModel{delay: time.Second}
	svc := advisory.New(slow, advisory.Options{Timeout: 10 * time.Millisecond})
	_, err := svc.Advise(context.Background(), domain.TaskFields{Title: "x", Priority: 1}, false)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

type slowModel struct{ delay time.Duration }

func (m slowModel) Complete(ctx context.Context, _ string) (string, error) {
	select {
	case <-time.After(m.delay):
		return "late", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// countingModel tracks how many completions run at once.
type countingModel struct {
	mu       sync.Mutex
	inFlight int
	peak     int
}

func (m *countingModel) Complete(ctx context.Context, _ string) (string, error) {
	m.mu.Lock()
	m.inFlight++
	if m.inFlight > m.peak {
		m.peak = m.inFlight
	}
	m.mu.Unlock()
	time.Sleep(2 * time.Millisecond)
	m.mu.Lock()
	m.inFlight--
	m.mu.Unlock()
	return "one at a time", nil
}

func TestParallelCallsShareOneModelSerially(t *testing.T) {
	model := &countingModel{}
	svc := advisory.New(model, advisory.Options{})
	var wg sync.WaitGroup
	errs := make(chan error, 12)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Advise(context.Background(), domain.TaskFields{Title: "x", Priority: 1}, false); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("advise: %v", err)
	}
	if model.peak != 1 {
		t.Fatalf("peak concurrent model calls = %d, want 1", model.peak)
	}
}

func TestPromptsListEveryTask(t *testing.T) {
	model := &advisorytest.Model{Reply: "ok"}
	svc := advisory.New(model, advisory.Options{})
	tasks := []domain.Task{{Title: "alpha", Priority: 1}, {Title: "beta", Priority: 3}}
	if _, err := svc.Prioritize(context.Background(), tasks); err != nil {
		t.Fatalf("prioritize: %v", err)
	}
	p := model.LastPrompt()
	if !strings.Contains(p, `"alpha"`) || !strings.Contains(p, `"beta"`) || !strings.Contains(p, "urgency and importance") {
		t.Fatalf("prioritize prompt: %s", p)
	}
	if _, err := svc.Remind(context.Background(), tasks[:1]); err != nil {
		t.Fatalf("remind: %v", err)
	}
	if p := model.LastPrompt(); !strings.Contains(p, "overdue") || strings.Contains(p, `"beta"`) {
		t.Fatalf("reminder prompt: %s", p)
	}
}

func TestOllamaModel(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			io.WriteString(w, `{"models":[{"name":"llama3:latest"}]}`)
		case "/api/generate":
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &got)
			io.WriteString(w, `{"model":"llama3","response":"Focus on the deadline.","done":true}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"error":"not found"}`)
		}
	}))
	defer srv.Close()

	m := advisory.NewOllamaModel(srv.URL+"/", "llama3", 64)
	if err := m.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	out, err := m.Complete(context.Background(), "hello")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "Focus on the deadline." {
		t.Fatalf("completion = %q", out)
	}
	if got["model"] != "llama3" || got["prompt"] != "hello" || got["stream"] != false {
		t.Fatalf("request body = %v", got)
	}
	opts, _ := got["options"].(map[string]any)
	if opts["num_predict"] != float64(64) {
		t.Fatalf("num_predict = %v", opts["num_predict"])
	}

	if err := advisory.NewOllamaModel(srv.URL, "mistral", 0).Ping(context.Background()); err == nil {
		t.Fatalf("expected ping failure for missing model")
	}
}

func TestOpenAIModel(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"orca",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Plan your week."}}]}`)
	}))
	defer srv.Close()

	m := advisory.NewOpenAIModel(srv.URL+"/v1/", "", "orca", 200)
	out, err := m.Complete(context.Background(), "advise me")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "Plan your week." {
		t.Fatalf("completion = %q", out)
	}
	if got["model"] != "orca" {
		t.Fatalf("request model = %v", got["model"])
	}
}
