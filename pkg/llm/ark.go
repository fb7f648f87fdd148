package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"google.golang.org/api/iterator"
)

// DefaultArkBaseURL is the Ark OpenAI-compatible endpoint.
const DefaultArkBaseURL = "https://ark.cn-beijing.volces.com/api/v3"

// defaultHistoryLimit bounds the replayed history for prompt length
// control.
const defaultHistoryLimit = 10

// Ark generates responses with a Doubao model through the Ark
// OpenAI-compatible chat completions API.
type Ark struct {
	Client *openai.Client

	// Model is the Ark endpoint/model ID.
	Model string

	// Temperature, TopP, MaxTokens tune sampling. Zero means default
	// (0.7 / 0.9 / 2048).
	Temperature float64
	TopP        float64
	MaxTokens   int64

	// HistoryLimit caps replayed history messages. Zero means the
	// default of 10.
	HistoryLimit int
}

// NewArkClient builds an openai client against the Ark endpoint.
func NewArkClient(apiKey, baseURL string) *openai.Client {
	if baseURL == "" {
		baseURL = DefaultArkBaseURL
	}
	client := openai.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
	)
	return &client
}

func (a *Ark) params(req *Request) openai.ChatCompletionNewParams {
	temperature := a.Temperature
	if temperature == 0 {
		temperature = 0.7
	}
	topP := a.TopP
	if topP == 0 {
		topP = 0.9
	}
	maxTokens := a.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2048
	}
	limit := a.HistoryLimit
	if limit == 0 {
		limit = defaultHistoryLimit
	}

	history := req.History
	if len(history) > limit {
		history = history[len(history)-limit:]
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	for _, m := range history {
		switch m.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.UserTurn))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(a.Model),
		Messages:    messages,
		Temperature: param.NewOpt(temperature),
		TopP:        param.NewOpt(topP),
		MaxTokens:   param.NewOpt(maxTokens),
	}

	// Doubao-specific switches ride as extra fields: reasoning is
	// disabled for conversational latency, and the resume cursor lets
	// the provider continue server-side context.
	extra := map[string]any{
		"thinking": map[string]any{"type": "disabled"},
	}
	if req.ResumeCursor != "" {
		extra["previous_response_id"] = req.ResumeCursor
	}
	params.SetExtraFields(extra)

	return params
}

// Stream starts a streaming generation.
func (a *Ark) Stream(ctx context.Context, req *Request) (Stream, error) {
	interrupted := req.Interrupted
	if interrupted == nil {
		interrupted = func() bool { return false }
	}
	stream := a.Client.Chat.Completions.NewStreaming(ctx, a.params(req))
	return &arkStream{stream: stream, interrupted: interrupted}, nil
}

type arkStream struct {
	stream      *ssestream.Stream[openai.ChatCompletionChunk]
	interrupted func() bool
	cursor      string
	done        bool
}

func (s *arkStream) Next() (*Chunk, error) {
	if s.done {
		return nil, iterator.Done
	}
	for {
		if s.interrupted() {
			s.done = true
			s.stream.Close()
			return nil, iterator.Done
		}
		if !s.stream.Next() {
			s.done = true
			if err := s.stream.Err(); err != nil {
				return nil, fmt.Errorf("llm: ark stream: %w", err)
			}
			return &Chunk{Final: true, Cursor: s.cursor}, nil
		}

		chunk := s.stream.Current()
		if chunk.ID != "" {
			s.cursor = chunk.ID
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			return &Chunk{Delta: choice.Delta.Content}, nil
		}
		if choice.FinishReason != "" {
			s.done = true
			s.stream.Close()
			return &Chunk{Final: true, Cursor: s.cursor}, nil
		}
	}
}

func (s *arkStream) Close() error {
	s.done = true
	return s.stream.Close()
}

// Complete runs a one-shot non-streaming completion.
func (a *Ark) Complete(ctx context.Context, messages []Message) (string, error) {
	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			params = append(params, openai.SystemMessage(m.Content))
		case RoleAssistant:
			params = append(params, openai.AssistantMessage(m.Content))
		default:
			params = append(params, openai.UserMessage(m.Content))
		}
	}

	resp, err := a.Client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(a.Model),
		Messages: params,
	})
	if err != nil {
		return "", fmt.Errorf("llm: ark complete: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("llm: ark complete: no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
