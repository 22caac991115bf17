// Package openai implements the OpenAI-style adapter: flat role/content
// turns on the wire, `data:`-framed stream events terminated by a
// `data: [DONE]` sentinel, and a /models discovery endpoint.
//
// "OpenAI-style" covers any upstream speaking this dialect; the endpoint
// comes from the configuration snapshot, so self-hosted gateways work too.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/modelrelay/gateway/internal/domain"
	"github.com/modelrelay/gateway/internal/provider"
)

const defaultEndpoint = "https://api.openai.com/v1"

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

func (a *Adapter) Name() string { return "openai" }

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type wireRequest struct {
	Model         string         `json:"model"`
	Messages      []wireMessage  `json:"messages"`
	Temperature   *float64       `json:"temperature,omitempty"`
	MaxTokens     int            `json:"max_tokens,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage wireUsage `json:"usage"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type wireChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

func (a *Adapter) buildRequest(req domain.ChatRequest, stream bool) wireRequest {
	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, wireMessage{Role: m.Role, Content: m.Content, Name: m.Name})
	}

	wire := wireRequest{
		Model:       req.ResolvedModel(a.snap),
		Messages:    messages,
		Temperature: req.ResolvedTemperature(a.snap),
		MaxTokens:   req.ResolvedMaxTokens(a.snap, 0),
		Stream:      stream,
	}
	if stream {
		wire.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return wire
}

func (a *Adapter) newHTTPRequest(ctx context.Context, path string, body []byte) (*http.Request, error) {
	var httpReq *http.Request
	var err error
	if body == nil {
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint+path, http.NoBody)
	} else {
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+path, bytes.NewReader(body))
		if err == nil {
			httpReq.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
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

	httpReq, err := a.newHTTPRequest(ctx, "/chat/completions", body)
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

	if len(wire.Choices) == 0 {
		return nil, &domain.ProviderError{Provider: a.Name(), StatusCode: resp.StatusCode, Detail: "response carried no choices"}
	}

	return &domain.ChatResponse{
		Content:  wire.Choices[0].Message.Content,
		Model:    wire.Model,
		Provider: a.Name(),
		Usage: domain.Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
			TotalTokens:  wire.Usage.TotalTokens,
		},
		LatencyMs: time.Since(start).Milliseconds(),
		Raw:       json.RawMessage(raw.Bytes()),
	}, nil
}

// Stream implements provider.Streamer over the `data:` event framing.
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

		httpReq, err := a.newHTTPRequest(ctx, "/chat/completions", body)
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
			usage    *domain.Usage
			finished bool
		)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			data, ok := cutData(line)
			if !ok {
				continue
			}
			if data == "[DONE]" {
				finished = true
				break
			}

			var event wireChunk
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}

			if event.Model != "" {
				model = event.Model
			}
			if event.Usage != nil {
				usage = &domain.Usage{
					InputTokens:  event.Usage.PromptTokens,
					OutputTokens: event.Usage.CompletionTokens,
					TotalTokens:  event.Usage.TotalTokens,
				}
			}

			if len(event.Choices) == 0 || event.Choices[0].Delta.Content == "" {
				continue
			}

			chunk := domain.StreamChunk{
				Content:  event.Choices[0].Delta.Content,
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
		}

		if err := scanner.Err(); err != nil {
			errs <- provider.TransportError(a.Name(), err)
			return
		}
		if !finished {
			errs <- &domain.ProviderError{Provider: a.Name(), StatusCode: 0, Detail: "stream ended without terminal sentinel"}
			return
		}

		final := domain.StreamChunk{
			IsFinal:  true,
			Model:    model,
			Provider: a.Name(),
			Index:    index,
			Usage:    usage,
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

	req := domain.ChatRequest{
		Messages:  []domain.Message{{Role: "user", Content: "ping"}},
		MaxTokens: intPtr(5),
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

func (a *Adapter) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := a.newHTTPRequest(ctx, "/models", nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, provider.TransportError(a.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.StatusError(a.Name(), resp)
	}

	var wire struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &domain.ProviderError{Provider: a.Name(), StatusCode: resp.StatusCode, Detail: "malformed models response: " + err.Error()}
	}

	models := make([]string, 0, len(wire.Data))
	for _, m := range wire.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

func cutData(line string) (string, bool) {
	const prefix = "data: "
	if len(line) < len(prefix) || line[:len(prefix)] != prefix {
		return "", false
	}
	return line[len(prefix):], true
}

func intPtr(n int) *int { return &n }
