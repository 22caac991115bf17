// Package bedrock implements the AWS Bedrock adapter. The upstream is
// invoked one-shot; streaming is provider-simulated chunking of the
// completed response (provider.ChunkSimulator), which keeps the
// eventstream protocol out of the gateway while preserving incremental
// delivery for callers.
package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/modelrelay/gateway/internal/domain"
	"github.com/modelrelay/gateway/internal/provider"
)

const (
	anthropicVersion = "bedrock-2023-05-31"

	simulatedChunkSize  = 48
	simulatedChunkDelay = 20 * time.Millisecond
)

var curatedModels = []string{
	"anthropic.claude-3-5-sonnet-20241022-v2:0",
	"anthropic.claude-3-5-haiku-20241022-v1:0",
	"anthropic.claude-3-haiku-20240307-v1:0",
	"meta.llama3-70b-instruct-v1:0",
}

type invoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

type Adapter struct {
	client invoker
	snap   *domain.ConfigSnapshot
}

func New(ctx context.Context, snap *domain.ConfigSnapshot, region string) (*Adapter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Adapter{client: bedrockruntime.NewFromConfig(cfg), snap: snap}, nil
}

func newWithClient(client invoker, snap *domain.ConfigSnapshot) *Adapter {
	return &Adapter{client: client, snap: snap}
}

func (a *Adapter) Name() string { return "bedrock" }

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	AnthropicVersion string        `json:"anthropic_version"`
	Messages         []wireMessage `json:"messages"`
	MaxTokens        int           `json:"max_tokens"`
	System           string        `json:"system,omitempty"`
	Temperature      *float64      `json:"temperature,omitempty"`
}

type wireResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Model string `json:"model"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (a *Adapter) Send(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var system []string
	messages := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		messages = append(messages, wireMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(wireRequest{
		AnthropicVersion: anthropicVersion,
		Messages:         messages,
		MaxTokens:        req.ResolvedMaxTokens(a.snap, 4096),
		System:           strings.Join(system, "\n\n"),
		Temperature:      req.ResolvedTemperature(a.snap),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	modelID := req.ResolvedModel(a.snap)

	start := time.Now()
	output, err := a.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, provider.TransportError(a.Name(), err)
	}

	var wire wireResponse
	if err := json.Unmarshal(output.Body, &wire); err != nil {
		return nil, &domain.ProviderError{Provider: a.Name(), StatusCode: 0, Detail: "malformed response: " + err.Error()}
	}

	var content strings.Builder
	for _, block := range wire.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}

	model := wire.Model
	if model == "" {
		model = modelID
	}

	return &domain.ChatResponse{
		Content:  content.String(),
		Model:    model,
		Provider: a.Name(),
		Usage: domain.Usage{
			InputTokens:  wire.Usage.InputTokens,
			OutputTokens: wire.Usage.OutputTokens,
			TotalTokens:  wire.Usage.InputTokens + wire.Usage.OutputTokens,
		},
		LatencyMs: time.Since(start).Milliseconds(),
		Raw:       json.RawMessage(output.Body),
	}, nil
}

// SimulateStream implements provider.ChunkSimulator: one upstream call,
// then the completed content sliced into chunks with a short delay to
// preserve incremental delivery for the caller.
func (a *Adapter) SimulateStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		resp, err := a.Send(ctx, req)
		if err != nil {
			errs <- err
			return
		}

		content := resp.Content
		index := 0
		for start := 0; start < len(content); start += simulatedChunkSize {
			end := min(start+simulatedChunkSize, len(content))

			chunk := domain.StreamChunk{
				Content:  content[start:end],
				Model:    resp.Model,
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

			if end < len(content) {
				select {
				case <-time.After(simulatedChunkDelay):
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
			}
		}

		usage := resp.Usage
		final := domain.StreamChunk{
			IsFinal:  true,
			Model:    resp.Model,
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

	return domain.TestResult{Success: true, LatencyMs: latency, Model: resp.Model, Cost: resp.Cost}
}

func (a *Adapter) EstimateCost(req domain.ChatRequest) *float64 {
	return provider.EstimateCost(req, a.snap)
}

func (a *Adapter) ListModels(ctx context.Context) ([]string, error) {
	models := make([]string, len(curatedModels))
	copy(models, curatedModels)
	return models, nil
}
