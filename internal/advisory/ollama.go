package advisory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// OllamaModel calls Ollama's /api/generate endpoint without streaming.
type OllamaModel struct {
	baseURL   string
	model     string
	maxTokens int64
	client    *http.Client
}

func NewOllamaModel(baseURL, model string, maxTokens int64) *OllamaModel {
	return &OllamaModel{
		baseURL:   strings.TrimRight(baseURL, "/"),
		model:     model,
		maxTokens: maxTokens,
		client:    &http.Client{},
	}
}

func (m *OllamaModel) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := sjson.SetBytes([]byte(`{"stream":false}`), "model", m.model)
	if err != nil {
		return "", err
	}
	if body, err = sjson.SetBytes(body, "prompt", prompt); err != nil {
		return "", err
	}
	if m.maxTokens > 0 {
		if body, err = sjson.SetBytes(body, "options.num_predict", m.maxTokens); err != nil {
			return "", err
		}
	}
	data, err := m.do(ctx, http.MethodPost, "/api/generate", body)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(data, "response").String(), nil
}

// Ping checks that the model is pulled on the server.
func (m *OllamaModel) Ping(ctx context.Context) error {
	data, err := m.do(ctx, http.MethodGet, "/api/tags", nil)
	if err != nil {
		return err
	}
	for _, name := range gjson.GetBytes(data, "models.#.name").Array() {
		n := name.String()
		if n == m.model || strings.TrimSuffix(n, ":latest") == m.model {
			return nil
		}
	}
	return fmt.Errorf("model %q not available on %s", m.model, m.baseURL)
}

func (m *OllamaModel) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if msg := gjson.GetBytes(data, "error"); msg.Exists() {
		return nil, fmt.Errorf("ollama: %s", msg.String())
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("ollama: status %d", resp.StatusCode)
	}
	return data, nil
}
