// Package tokencount estimates token consumption before a call is made and
// recovers actual usage from provider responses afterwards.
package tokencount

import (
	"encoding/json"

	"github.com/llmgate/gemini-proxy/internal/upstream"
)

const (
	// charsPerToken is the crude 1-token-per-4-characters heuristic used
	// for both pre-flight estimation and the extraction fallback.
	charsPerToken = 4

	// binaryPartTokens is the flat conservative charge for a non-textual
	// part whose real token cost is unknown.
	binaryPartTokens = 1000

	// requestOverheadTokens accounts for implicit system/context tokens.
	requestOverheadTokens = 100
)

// TokenUsage holds token counts for one call, either provider-reported or
// estimated.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Estimate is the informational pre-flight guess attached to a request. It
// never gates admission.
type Estimate struct {
	InputTokens int
	TotalTokens int
}

func estimateText(s string) int {
	return (len(s) + charsPerToken - 1) / charsPerToken
}

// EstimateContents walks the request content parts: ceil(len/4) per textual
// part, a flat constant per binary part, plus the fixed per-request
// overhead. The total doubles the input as a crude output-size proxy.
func EstimateContents(contents []upstream.Content) Estimate {
	input := requestOverheadTokens
	for _, content := range contents {
		for _, part := range content.Parts {
			if part.InlineData != nil || part.FileData != nil {
				input += binaryPartTokens
				continue
			}
			input += estimateText(part.Text)
		}
	}
	return Estimate{InputTokens: input, TotalTokens: input * 2}
}

// EstimateRequest estimates from a raw payload. A body that fails to decode
// degrades to a zero estimate rather than propagating an error.
func EstimateRequest(body []byte) Estimate {
	var req upstream.GenerateRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return Estimate{}
	}
	return EstimateContents(req.Contents)
}

// EstimateEmbeddingInput estimates the input side of an embedding request
// with the text heuristic alone (embeddings have no completion side and no
// generation overhead applies).
func EstimateEmbeddingInput(req *upstream.EmbedRequest) int {
	if req == nil {
		return 0
	}
	tokens := estimateText(req.Text)
	if req.Content != nil {
		for _, part := range req.Content.Parts {
			if part.InlineData != nil || part.FileData != nil {
				tokens += binaryPartTokens
				continue
			}
			tokens += estimateText(part.Text)
		}
	}
	return tokens
}
