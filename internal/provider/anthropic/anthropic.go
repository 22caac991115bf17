// Package anthropic implements the Claude-style adapter. The wire dialect
// differs from OpenAI's in two ways this package owns completely: the
// system prompt is extracted out of the turn sequence into a dedicated
// request field, and response content arrives as an array of typed blocks
// that must be concatenated into one string.
//
// Streaming uses named SSE events; usage is split across message_start
// (input tokens) and message_delta (output tokens).
package anthropic

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

	"github.com/modelrelay/gateway/internal/domain"
	"github.com/modelrelay/gateway/internal/provider"
)

const (
	defaultEndpoint = "https://api.anthropic.com/v1"
	apiVersion      = "2023-06-01"
)

// Models served when the configuration does not narrow the list; the
// upstream has no discovery endpoint.
var curatedModels = []string{
	"claude-3-5-sonnet-20241022",
	"claude-3-5-haiku-20241022",
	"claude-3-opus-20240229",
	"claude-3-sonnet-20240229",
	"claude-3-haiku-20240307",
}

type Adapter struct {
	apiKey       string
	endpoint     string
	headers      map[string]string
	snap         *domain.ConfigSnapshot
	client       *http.Client
	streamClient *http.Client
}

func New(snap *domain.ConfigSnapshot, apiKey string, client, streamClient *http.Client) *Adapter {
	endpoint := snap.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	return &Adapter{
		apiKey:       apiKey,
		endpoint:     endpoint,
		headers:      snap.Headers,
		snap:         snap,
		client:       client,
		streamClient: streamClient,
	}
}

func (a *Adapter) Name() string { return "anthropic" }

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// buildRequest pulls system turns out of the sequence; the upstream
// rejects "system" as a message role.
func (a *Adapter) buildRequest(req domain.ChatRequest, stream bool) wireRequest {
	var system []string
	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		messages = append(messages, wireMessage{Role: m.Role, Content: m.Content})
	}

	return wireRequest{
		Model:       req.ResolvedModel(a.snap),
		Messages:    messages,
		MaxTokens:   req.ResolvedMaxTokens(a.snap, 4096),
		System:      strings.Join(system, "\n\n"),
		Temperature: req.ResolvedTemperature(a.snap),
		Stream:      stream,
	}
}

func (a *Adapter) newHTTPRequest(ctx context.Context, body []byte) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)
	for k, v := range a.headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

func (a *Adapter) Send(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	body, err := json.Marshal(a.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := a.newHTTPRequest(ctx, body)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, provider.TransportError(a.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.StatusError(a.Name(), resp)
	}

	raw := new(bytes.Buffer)
	var wire wireResponse
	if err := json.NewDecoder(io.TeeReader(resp.Body, raw)).Decode(&wire); err != nil {
		return nil, &domain.ProviderError{Provider: a.Name(), StatusCode: resp.StatusCode, Detail: "malformed response: " + err.Error()}
	}

	var content strings.Builder
	for _, block := range wire.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	return &domain.ChatResponse{
		Content:  content.String(),
		Model:    wire.Model,
		Provider: a.Name(),
		Usage: domain.Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
			TotalTokens:  wire.Usage.InputTokens + wire.Usage.OutputTokens,
		},
		LatencyMs: time.Since(start).Milliseconds(),
		Raw:       json.RawMessage(raw.Bytes()),
	}, nil
}

type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Model string `json:"model"`
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage *struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Stream implements provider.Streamer over named SSE events.
func (a *Adapter) Stream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		body, err := json.Marshal(a.buildRequest(req, true))
		if err != nil {
			errs <- fmt.Errorf("marshal request: %w", err)
			return
		}

		httpReq, err := a.newHTTPRequest(ctx, body)
		if err != nil {
			errs <- err
			return
		}
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := a.streamClient.Do(httpReq)
		if err != nil {
			errs <- provider.TransportError(a.Name(), err)
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			errs <- provider.StatusError(a.Name(), resp)
			return
		}

		var (
			index    int
			model    string
			usage    domain.Usage
			finished bool
		)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scan:
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event streamEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}

			switch event.Type {
			case "message_start":
				if event.Message != nil {
					model = event.Message.Model
					usage.InputTokens = event.Message.Usage.InputTokens
				}
			case "content_block_delta":
				if event.Delta == nil || event.Delta.Text == "" {
					continue
				}
				chunk := domain.StreamChunk{
					Content:  event.Delta.Text,
					Model:    model,
					Provider: a.Name(),
					Index:    index,
				}
				index++
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			case "message_delta":
				if event.Usage != nil {
					usage.OutputTokens = event.Usage.OutputTokens
				}
			case "message_stop":
				finished = true
				break scan
			case "error":
				detail := "upstream stream error"
				if event.Error != nil {
					detail = event.Error.Message
				}
				errs <- &domain.ProviderError{Provider: a.Name(), StatusCode: 0, Detail: detail}
				return
			case "ping":
				// Keepalive only.
			}
		}

		if err := scanner.Err(); err != nil {
			errs <- provider.TransportError(a.Name(), err)
			return
		}
		if !finished {
			errs <- &domain.ProviderError{Provider: a.Name(), StatusCode: 0, Detail: "stream ended without message_stop"}
			return
		}

		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		final := domain.StreamChunk{
			IsFinal:  true,
			Model:    model,
			Provider: a.Name(),
			Index:    index,
			Usage:    &usage,
		}
		select {
		case chunks <- final:
		case <-ctx.Done():
			errs <- ctx.Err()
		}
	}()

	return chunks, errs
}

func (a *Adapter) TestConnection(ctx context.Context) domain.TestResult {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	maxTokens := 5
	req := domain.ChatRequest{
		Messages:  []domain.Message{{Role: "user", Content: "ping"}},
		MaxTokens: &maxTokens,
	}

	start := time.Now()
	resp, err := a.Send(ctx, req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return domain.TestResult{Success: false, LatencyMs: latency, Message: err.Error()}
	}

	return domain.TestResult{
		Success:   true,
		LatencyMs: latency,
		Model:     resp.Model,
		Cost:      resp.Cost,
	}
}

func (a *Adapter) EstimateCost(req domain.ChatRequest) *float64 {
	return provider.EstimateCost(req, a.snap)
}

// ListModels returns the curated list; there is no discovery endpoint.
func (a *Adapter) ListModels(ctx context.Context) ([]string, error) {
	models := make([]string, len(curatedModels))
	copy(models, curatedModels)
	return models, nil
}
