package bedrock

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/modelrelay/gateway/internal/domain"
)

type stubInvoker struct {
	response wireResponse
	err      error
	lastBody []byte
}

func (s *stubInvoker) InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	s.lastBody = params.Body
	if s.err != nil {
		return nil, s.err
	}
	body, _ := json.Marshal(s.response)
	return &bedrockruntime.InvokeModelOutput{Body: body}, nil
}

func testSnapshot() *domain.ConfigSnapshot {
	return &domain.ConfigSnapshot{
		ID:           "cfg-bedrock",
		ProviderType: "bedrock",
		DefaultModel: "anthropic.claude-3-5-haiku-20241022-v1:0",
		Active:       true,
		UpdatedAt:    time.Now(),
	}
}

func textResponse(text string, in, out int) wireResponse {
	var wire wireResponse
	wire.Content = []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{{Type: "text", Text: text}}
	wire.Usage.InputTokens = in
	wire.Usage.OutputTokens = out
	return wire
}

func TestSend(t *testing.T) {
	stub := &stubInvoker{response: textResponse("bedrock says hi", 8, 4)}
	adapter := newWithClient(stub, testSnapshot())

	resp, err := adapter.Send(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{
			{Role: "system", Content: "be brief"},
			{Role: "user", Content: "hi"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Content != "bedrock says hi" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 12 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
	// Default model comes from the snapshot when the payload omits one.
	if resp.Model != "anthropic.claude-3-5-haiku-20241022-v1:0" {
		t.Errorf("unexpected model %q", resp.Model)
	}

	var sent map[string]any
	json.Unmarshal(stub.lastBody, &sent)
	if sent["system"] != "be brief" {
		t.Errorf("expected system prompt extraction, got %v", sent["system"])
	}
}

func TestSimulateStream_Reassembly(t *testing.T) {
	content := strings.Repeat("0123456789", 20)
	stub := &stubInvoker{response: textResponse(content, 10, 50)}
	adapter := newWithClient(stub, testSnapshot())

	chunks, errs := adapter.SimulateStream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})

	var rebuilt strings.Builder
	var finals int
	var finalUsage *domain.Usage
	for chunk := range chunks {
		if chunk.IsFinal {
			finals++
			finalUsage = chunk.Usage
			continue
		}
		if chunk.Usage != nil || chunk.Cost != nil {
			t.Error("non-final chunk carried usage or cost")
		}
		rebuilt.WriteString(chunk.Content)
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if rebuilt.String() != content {
		t.Error("reassembled stream does not equal the one-shot content")
	}
	if finals != 1 {
		t.Errorf("expected exactly one final chunk, got %d", finals)
	}
	if finalUsage == nil || finalUsage.OutputTokens != 50 {
		t.Errorf("expected final usage, got %+v", finalUsage)
	}
}

func TestSimulateStream_Cancellation(t *testing.T) {
	content := strings.Repeat("x", 10*simulatedChunkSize)
	stub := &stubInvoker{response: textResponse(content, 1, 1)}
	adapter := newWithClient(stub, testSnapshot())

	ctx, cancel := context.WithCancel(context.Background())
	chunks, errs := adapter.SimulateStream(ctx, domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})

	<-chunks
	cancel()

	for range chunks {
	}
	if err := <-errs; err == nil {
		t.Error("expected a cancellation error")
	}
}
