package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider implements Provider for the Anthropic Messages API.
type AnthropicProvider struct {
	apiKey       string
	apiBase      string
	defaultModel string
	client       *http.Client
	retryConfig  RetryConfig
}

func NewAnthropicProvider(apiKey, apiBase, defaultModel string) *AnthropicProvider {
	if apiBase == "" {
		apiBase = "https://api.anthropic.com"
	}
	return &AnthropicProvider{
		apiKey:       apiKey,
		apiBase:      strings.TrimRight(apiBase, "/"),
		defaultModel: defaultModel,
		client:       &http.Client{Timeout: 120 * time.Second},
		retryConfig:  DefaultRetryConfig(),
	}
}

func (p *AnthropicProvider) Name() string         { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string { return p.defaultModel }

func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := p.buildRequestBody(req, false)

	return RetryDo(ctx, p.retryConfig, func() (*ChatResponse, error) {
		respBody, err := p.doRequest(ctx, body)
		if err != nil {
			return nil, err
		}
		defer respBody.Close()

		var msg anthropicMessage
		if err := json.NewDecoder(respBody).Decode(&msg); err != nil {
			return nil, fmt.Errorf("anthropic: decode response: %w", err)
		}
		return parseAnthropicMessage(&msg), nil
	})
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	body := p.buildRequestBody(req, true)

	respBody, err := RetryDo(ctx, p.retryConfig, func() (io.ReadCloser, error) {
		return p.doRequest(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	defer respBody.Close()

	result := &ChatResponse{FinishReason: "stop"}

	// Content blocks arrive indexed; tool_use inputs stream as partial
	// JSON appended per block until content_block_stop.
	type blockAcc struct {
		kind    string // "text" | "tool_use"
		tool    ToolCall
		rawArgs string
	}
	blocks := make(map[int]*blockAcc)
	var order []int

	scanner := bufio.NewScanner(respBody)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var ev anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}

		switch ev.Type {
		case "content_block_start":
			acc := &blockAcc{kind: ev.ContentBlock.Type}
			if ev.ContentBlock.Type == "tool_use" {
				acc.tool = ToolCall{ID: ev.ContentBlock.ID, Name: ev.ContentBlock.Name}
			}
			blocks[ev.Index] = acc
			order = append(order, ev.Index)
		case "content_block_delta":
			acc := blocks[ev.Index]
			if acc == nil {
				continue
			}
			switch ev.Delta.Type {
			case "text_delta":
				result.Content += ev.Delta.Text
				if onChunk != nil {
					onChunk(StreamChunk{Content: ev.Delta.Text})
				}
			case "input_json_delta":
				acc.rawArgs += ev.Delta.PartialJSON
			}
		case "message_delta":
			if ev.Delta.StopReason != "" {
				result.FinishReason = mapAnthropicStop(ev.Delta.StopReason)
			}
			if ev.Usage != nil {
				result.Usage = mergeAnthropicUsage(result.Usage, ev.Usage)
			}
		case "message_start":
			if ev.Message != nil && ev.Message.Usage != nil {
				result.Usage = mergeAnthropicUsage(result.Usage, ev.Message.Usage)
			}
		case "error":
			return nil, fmt.Errorf("anthropic: stream error: %s", ev.Error.Message)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: read stream: %w", err)
	}

	for _, idx := range order {
		acc := blocks[idx]
		if acc.kind != "tool_use" {
			continue
		}
		args := make(map[string]interface{})
		_ = json.Unmarshal([]byte(acc.rawArgs), &args)
		acc.tool.Arguments = args
		result.ToolCalls = append(result.ToolCalls, acc.tool)
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}

	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

// buildRequestBody converts to the Messages API shape: the system prompt
// moves to a top-level field, tool calls become tool_use blocks, and
// tool results become tool_result blocks on user messages.
func (p *AnthropicProvider) buildRequestBody(req ChatRequest, stream bool) map[string]interface{} {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	var system string
	msgs := make([]map[string]interface{}, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case "tool":
			msgs = append(msgs, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{{
					"type":        "tool_result",
					"tool_use_id": m.ToolCallID,
					"content":     m.Content,
				}},
			})
		case "assistant":
			var content []map[string]interface{}
			if m.Content != "" {
				content = append(content, map[string]interface{}{"type": "text", "text": m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := tc.Arguments
				if input == nil {
					input = map[string]interface{}{}
				}
				content = append(content, map[string]interface{}{
					"type":  "tool_use",
					"id":    tc.ID,
					"name":  tc.Name,
					"input": input,
				})
			}
			if len(content) == 0 {
				continue
			}
			msgs = append(msgs, map[string]interface{}{"role": "assistant", "content": content})
		default:
			msgs = append(msgs, map[string]interface{}{"role": "user", "content": m.Content})
		}
	}

	maxTokens := 4096
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	body := map[string]interface{}{
		"model":      model,
		"messages":   msgs,
		"max_tokens": maxTokens,
		"stream":     stream,
	}
	if system != "" {
		body["system"] = system
	}
	if req.Temperature != nil {
		body["temperature"] = *req.Temperature
	}
	if len(req.Tools) > 0 {
		tools := make([]map[string]interface{}, len(req.Tools))
		for i, t := range req.Tools {
			params := t.Function.Parameters
			if params == nil {
				params = map[string]interface{}{"type": "object"}
			}
			tools[i] = map[string]interface{}{
				"name":         t.Function.Name,
				"description":  t.Function.Description,
				"input_schema": params,
			}
		}
		body["tools"] = tools
	}
	return body
}

func (p *AnthropicProvider) doRequest(ctx context.Context, body interface{}) (io.ReadCloser, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiBase+"/v1/messages", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &HTTPError{
			Status:     resp.StatusCode,
			Body:       fmt.Sprintf("anthropic: %s", string(respBody)),
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return resp.Body, nil
}

func parseAnthropicMessage(msg *anthropicMessage) *ChatResponse {
	result := &ChatResponse{FinishReason: mapAnthropicStop(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			result.Content += block.Text
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: block.Input,
			})
		}
	}
	if len(result.ToolCalls) > 0 {
		result.FinishReason = "tool_calls"
	}
	if msg.Usage != nil {
		result.Usage = mergeAnthropicUsage(nil, msg.Usage)
	}
	return result
}

func mapAnthropicStop(reason string) string {
	switch reason {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

func mergeAnthropicUsage(into *Usage, u *anthropicUsage) *Usage {
	if into == nil {
		into = &Usage{}
	}
	if u.InputTokens > 0 {
		into.PromptTokens = u.InputTokens
	}
	if u.OutputTokens > 0 {
		into.CompletionTokens = u.OutputTokens
	}
	into.TotalTokens = into.PromptTokens + into.CompletionTokens
	return into
}

// ── wire types ──

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicContentBlock struct {
	Type  string                 `json:"type"`
	Text  string                 `json:"text,omitempty"`
	ID    string                 `json:"id,omitempty"`
	Name  string                 `json:"name,omitempty"`
	Input map[string]interface{} `json:"input,omitempty"`
}

type anthropicMessage struct {
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      *anthropicUsage         `json:"usage"`
}

type anthropicStreamEvent struct {
	Type         string                `json:"type"`
	Index        int                   `json:"index"`
	ContentBlock anthropicContentBlock `json:"content_block"`
	Delta        struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Message *anthropicMessage `json:"message"`
	Usage   *anthropicUsage   `json:"usage"`
	Error   struct {
		Message string `json:"message"`
	} `json:"error"`
}
