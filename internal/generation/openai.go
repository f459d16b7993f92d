package generation

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int64
	Temperature float64
}

// OpenAI generates replies through Chat Completions. BaseURL lets it
// talk to any compatible server.
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)
	return NewOpenAIFromClient(&client, cfg)
}

func NewOpenAIFromClient(client *openai.Client, cfg OpenAIConfig) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 300
	}
	if cfg.Temperature <= 0 {
		cfg.Temperature = 0.9
	}
	return &OpenAI{client: client, cfg: cfg}
}

func (o *OpenAI) Generate(ctx context.Context, req Request) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(SystemPrompt(req))}
	for _, ex := range dialogue(req) {
		if ex.assistant {
			messages = append(messages, openai.AssistantMessage(ex.text))
		} else {
			messages = append(messages, openai.UserMessage(ex.text))
		}
	}
	resp, err := o.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               openai.ChatModel(o.cfg.Model),
		Temperature:         openai.Float(o.cfg.Temperature),
		MaxCompletionTokens: openai.Int(o.cfg.MaxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyReply
	}
	return cleanReply(req.Agent, resp.Choices[0].Message.Content)
}
