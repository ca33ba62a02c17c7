package advisory

import (
	"context"
	"errors"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// OpenAIModel talks to an OpenAI-compatible chat endpoint, such as the
// GPT4All or llama.cpp local API servers.
type OpenAIModel struct {
	client    openai.Client
	model     string
	maxTokens int64
}

func NewOpenAIModel(baseURL, apiKey, model string, maxTokens int64) *OpenAIModel {
	if apiKey == "" {
		// Local servers ignore the key but the client insists on one.
		apiKey = "local"
	}
	client := openai.NewClient(
		option.WithBaseURL(baseURL),
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	)
	return &OpenAIModel{client: client, model: model, maxTokens: maxTokens}
}

func (m *OpenAIModel) Complete(ctx context.Context, prompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(m.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	}
	if m.maxTokens > 0 {
		params.MaxTokens = openai.Int(m.maxTokens)
	}
	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in completion")
	}
	return resp.Choices[0].Message.Content, nil
}
