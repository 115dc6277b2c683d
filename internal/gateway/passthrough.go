package gateway

import (
	"bufio"
	"io"
	"net/http"

	"github.com/llmgate/gemini-proxy/internal/tokencount"
	"github.com/llmgate/gemini-proxy/internal/upstream"
)

// HandlePassthrough is the transparent-forwarding mode: the path is relayed
// verbatim to the provider with the API key attached, skipping model and
// payload validation. Authenticated, not billable.
func (h *Handler) HandlePassthrough(w http.ResponseWriter, r *http.Request) {
	resp, cancel, err := h.upstream.Passthrough(r.Context(), r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer cancel()
	defer resp.Body.Close()

	upstream.RelayHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// relayLines pipes the upstream stream to the client line by line, flushing
// each write and feeding every line to the usage scanner. The relay stops
// when the client goes away or the upstream ends; tokens already relayed
// were billed by the provider either way.
func relayLines(w http.ResponseWriter, flusher http.Flusher, body io.Reader, scanner *tokencount.StreamUsage) {
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			scanner.ObserveLine(line)
			if _, werr := w.Write(line); werr != nil {
				return
			}
			flusher.Flush()
		}
		if err != nil {
			return
		}
	}
}
