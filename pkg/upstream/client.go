// Package upstream wraps the single OpenAI-compatible chat backend this
// gateway mediates to. It is the sole collaborator specified at the
// boundary in place of a transport layer: token probes, summarization and
// generation all flow through Client.
package upstream

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/zergont/local-responses/pkg/llmerrors"
)

// Client talks Chat Completions to the configured upstream backend.
type Client struct {
	sdk     openai.Client
	baseURL string
}

// New builds a Client pointed at baseURL with apiKey (LM Studio and similar
// backends accept any non-empty bearer token).
func New(baseURL, apiKey string) *Client {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Client{
		sdk:     openai.NewClient(opts...),
		baseURL: baseURL,
	}
}

// Message is the wire-agnostic chat message this package accepts; callers
// (token counter, summarizer, context assembler) build these without
// depending on the openai-go param types directly.
type Message struct {
	Role    string // "system", "user", "assistant", "tool"
	Content string
}

func toParams(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		case "tool":
			out = append(out, openai.UserMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func classifyErr(err error) *llmerrors.Error {
	var apiErr *openai.Error
	if asAPIError(err, &apiErr) {
		return llmerrors.NewErrorWithStatus(apiErr.StatusCode, apiErr.Message)
	}
	return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, err.Error())
}

// CountPromptTokens posts a minimal completion (max_tokens=1, temperature=0)
// and reads back usage.prompt_tokens, per C1's proxy-http mode.
func (c *Client) CountPromptTokens(ctx context.Context, model string, msgs []Message) (int, error) {
	params := openai.ChatCompletionNewParams{
		Model:       model,
		Messages:    toParams(msgs),
		MaxTokens:   openai.Int(1),
		Temperature: openai.Float(0),
	}
	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return 0, classifyErr(err)
	}
	if resp == nil {
		return 0, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "nil completion response")
	}
	return int(resp.Usage.PromptTokens), nil
}

// Generate performs a single non-streaming completion used by the
// summarizer (low temperature, bounded output).
func (c *Client) Generate(ctx context.Context, model string, msgs []Message, maxTokens int, temperature float64) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:       model,
		Messages:    toParams(msgs),
		MaxTokens:   openai.Int(int64(maxTokens)),
		Temperature: openai.Float(temperature),
	}
	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", classifyErr(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "no choices in completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

// StreamChunk is one delta of assistant text, or the final signal.
type StreamChunk struct {
	Content string
	Done    bool
	Err     error
}

// Stream performs a streaming completion for generation. The returned
// channel is closed once Done or Err has been delivered. Cancelling ctx
// abandons the upstream call; the caller is responsible for persisting
// whatever partial text it has accumulated with status "cancelled".
func (c *Client) Stream(ctx context.Context, model string, msgs []Message, maxTokens int) (<-chan StreamChunk, error) {
	params := openai.ChatCompletionNewParams{
		Model:     model,
		Messages:  toParams(msgs),
		MaxTokens: openai.Int(int64(maxTokens)),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}

	stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
	out := make(chan StreamChunk, 8)

	go func() {
		defer close(out)
		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) > 0 {
				if delta := chunk.Choices[0].Delta.Content; delta != "" {
					select {
					case out <- StreamChunk{Content: delta}:
					case <-ctx.Done():
						return
					}
				}
			}
		}
		if err := stream.Err(); err != nil && !isContextErr(err) {
			out <- StreamChunk{Err: classifyErr(err)}
			return
		}
		out <- StreamChunk{Done: true}
	}()

	return out, nil
}

func isContextErr(err error) bool {
	return err == context.Canceled || err == context.DeadlineExceeded
}

// asAPIError reports whether err is directly an *openai.Error and, if so,
// stores it in target. Wrapped errors are not unwrapped.
func asAPIError(err error, target **openai.Error) bool {
	if apiErr, ok := err.(*openai.Error); ok {
		*target = apiErr
		return true
	}
	return false
}
