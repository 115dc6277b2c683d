package tokencount

import (
	"bytes"
	"encoding/json"

	"github.com/llmgate/gemini-proxy/internal/upstream"
)

// ExtractUsage recovers token counts from a parsed provider response,
// preferring the explicit usageMetadata block. When the provider omits it,
// the textual content of the response is counted with the 1-token-per-4-chars
// heuristic and attributed entirely to the completion side (the prompt side
// is reported as zero in this fallback). Never errors: malformed input
// yields all-zero usage.
func ExtractUsage(resp *upstream.GenerateResponse) TokenUsage {
	if resp == nil {
		return TokenUsage{}
	}

	if um := resp.UsageMetadata; um != nil && (um.PromptTokenCount > 0 || um.CandidatesTokenCount > 0 || um.TotalTokenCount > 0) {
		total := um.TotalTokenCount
		if total == 0 {
			total = um.PromptTokenCount + um.CandidatesTokenCount
		}
		return TokenUsage{
			PromptTokens:     um.PromptTokenCount,
			CompletionTokens: um.CandidatesTokenCount,
			TotalTokens:      total,
		}
	}

	chars := 0
	for _, candidate := range resp.Candidates {
		for _, part := range candidate.Content.Parts {
			chars += len(part.Text)
		}
	}
	out := (chars + charsPerToken - 1) / charsPerToken
	return TokenUsage{CompletionTokens: out, TotalTokens: out}
}

// ExtractUsageJSON parses a raw response body and extracts usage from it.
func ExtractUsageJSON(body []byte) TokenUsage {
	var resp upstream.GenerateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return TokenUsage{}
	}
	return ExtractUsage(&resp)
}

// StreamUsage accumulates usage observations from relayed SSE frames. The
// provider reports usageMetadata on its final frame; if the stream ends
// without one, the relayed text is counted heuristically.
type StreamUsage struct {
	meta      *upstream.UsageMetadata
	textChars int
}

var ssePrefix = []byte("data: ")

// ObserveLine inspects one relayed line. Non-SSE lines and malformed frames
// are ignored.
func (s *StreamUsage) ObserveLine(line []byte) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, ssePrefix) {
		return
	}
	data := bytes.TrimPrefix(line, ssePrefix)

	var frame upstream.GenerateResponse
	if err := json.Unmarshal(data, &frame); err != nil {
		return
	}
	if um := frame.UsageMetadata; um != nil && (um.PromptTokenCount > 0 || um.CandidatesTokenCount > 0 || um.TotalTokenCount > 0) {
		s.meta = um
	}
	for _, candidate := range frame.Candidates {
		for _, part := range candidate.Content.Parts {
			s.textChars += len(part.Text)
		}
	}
}

// Usage finalizes the observed stream into token counts.
func (s *StreamUsage) Usage() TokenUsage {
	if s.meta != nil {
		return ExtractUsage(&upstream.GenerateResponse{UsageMetadata: s.meta})
	}
	out := (s.textChars + charsPerToken - 1) / charsPerToken
	return TokenUsage{CompletionTokens: out, TotalTokens: out}
}
