// Package advisor talks to a secondary local language-model endpoint
// (matching Ollama's native /generate shape) for sub-task breakdown,
// stall recovery, and tool-permission classification. It is the only
// package that formats prompts for that endpoint, so the Coordination
// Controller, Stall Detector, and Permission Subflow stay free of
// prompt-string concerns.
package advisor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/time/rate"

	"rally/pkg/logger"
)

// thinkingMarkers catches common chain-of-thought preambles; the list
// is deliberately non-exhaustive.
var thinkingMarkers = []string{
	"<think>",
	"let me think",
	"step 1:",
	"first,",
	"breaking this down",
	"to figure out",
}

// ChunkKind discriminates the four shapes a Stream call can emit.
type ChunkKind int

const (
	ChunkStart ChunkKind = iota
	ChunkText
	ChunkEnd
	ChunkError
)

// Chunk is one unit of a streamed Advisor response.
type Chunk struct {
	Kind       ChunkKind
	Text       string
	IsThinking bool
	Err        error
}

// Client streams completions from a local LLM endpoint.
type Client struct {
	BaseURL string
	Model   string
	HTTP    *http.Client
	Limiter *rate.Limiter
}

// New creates a Client rate-limited to at most rps requests per second
// with a burst of burst, so a stall storm across many tabs cannot
// saturate the local endpoint.
func New(baseURL, model string, rps float64, burst int) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Model:   model,
		HTTP:    &http.Client{Timeout: 0}, // streaming: no overall deadline, ctx governs cancellation
		Limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Stream submits prompt and returns a channel of Chunks. The channel is
// closed when the producer goroutine exits: after ChunkEnd, after
// ChunkError, when the response body ends without a done line (no
// ChunkEnd is sent then), or when ctx is cancelled. The producer checks
// ctx on every send and exits without retry.
func (c *Client) Stream(ctx context.Context, prompt string) (<-chan Chunk, error) {
	if err := c.Limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("advisor: rate limit wait: %w", err)
	}

	body, err := json.Marshal(generateRequest{Model: c.Model, Prompt: prompt, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("advisor: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("advisor: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("advisor: request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("advisor: non-2xx response: %s", resp.Status)
	}

	out := make(chan Chunk, 8)
	go c.pump(ctx, resp.Body, out)
	return out, nil
}

// pump decodes NDJSON response lines, tracks the thinking/non-thinking
// transition across the accumulated text, and emits Start on every
// transition so the UI can visually separate the two.
func (c *Client) pump(ctx context.Context, body io.ReadCloser, out chan<- Chunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var accumulated strings.Builder
	wasThinking := false
	first := true

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var gc generateChunk
		if err := json.Unmarshal(line, &gc); err != nil {
			logger.Warnf("advisor: malformed NDJSON line: %v", err)
			continue
		}
		accumulated.WriteString(gc.Response)
		isThinking := isThinkingText(accumulated.String())

		if first || isThinking != wasThinking {
			if !send(ctx, out, Chunk{Kind: ChunkStart, IsThinking: isThinking}) {
				return
			}
			first = false
			wasThinking = isThinking
		}

		if gc.Response != "" {
			if !send(ctx, out, Chunk{Kind: ChunkText, Text: gc.Response, IsThinking: isThinking}) {
				return
			}
		}

		if gc.Done {
			send(ctx, out, Chunk{Kind: ChunkEnd})
			return
		}
	}
	if err := scanner.Err(); err != nil {
		send(ctx, out, Chunk{Kind: ChunkError, Err: fmt.Errorf("advisor: stream read error: %w", err)})
	}
}

// isThinkingText reports whether accumulated text currently looks like
// a "thinking" preamble rather than a final answer.
func isThinkingText(accumulated string) bool {
	lower := strings.ToLower(accumulated)
	for _, marker := range thinkingMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// send delivers ch to out, or reports false if ctx was cancelled first.
func send(ctx context.Context, out chan<- Chunk, ch Chunk) bool {
	select {
	case out <- ch:
		return true
	case <-ctx.Done():
		return false
	}
}
