package advisor_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"rally/internal/advisor"
)

func newTestServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fw, ok := w.(http.Flusher)
		if !ok {
			t.Fatal("response writer does not support flushing")
		}
		for _, line := range lines {
			_, _ = w.Write([]byte(line + "\n"))
			fw.Flush()
		}
	}))
}

func TestStream_EmitsTextThenEnd(t *testing.T) {
	srv := newTestServer(t, []string{
		`{"response":"hello ","done":false}`,
		`{"response":"world","done":false}`,
		`{"response":"","done":true}`,
	})
	defer srv.Close()

	c := advisor.New(srv.URL, "test-model", 100, 10)
	ch, err := c.Stream(context.Background(), "say hi")
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	var texts []string
	var sawEnd bool
	for chunk := range ch {
		switch chunk.Kind {
		case advisor.ChunkText:
			texts = append(texts, chunk.Text)
		case advisor.ChunkEnd:
			sawEnd = true
		case advisor.ChunkError:
			t.Fatalf("unexpected error chunk: %v", chunk.Err)
		}
	}

	if !sawEnd {
		t.Fatal("expected an End chunk")
	}
	if got := strings.Join(texts, ""); got != "hello world" {
		t.Fatalf("expected accumulated text %q, got %q", "hello world", got)
	}
}

func TestStream_DetectsThinkingTransition(t *testing.T) {
	srv := newTestServer(t, []string{
		`{"response":"let me think about this","done":false}`,
		`{"response":" ok, the answer is 42","done":false}`,
		`{"response":"","done":true}`,
	})
	defer srv.Close()

	c := advisor.New(srv.URL, "test-model", 100, 10)
	ch, err := c.Stream(context.Background(), "what is the answer")
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}

	var starts []bool
	for chunk := range ch {
		if chunk.Kind == advisor.ChunkStart {
			starts = append(starts, chunk.IsThinking)
		}
	}

	if len(starts) < 2 {
		t.Fatalf("expected at least two Start chunks (thinking, then not), got %d: %+v", len(starts), starts)
	}
	if !starts[0] {
		t.Fatalf("expected first Start to be thinking=true, got %+v", starts)
	}
}

func TestStream_NonOKStatusReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := advisor.New(srv.URL, "test-model", 100, 10)
	if _, err := c.Stream(context.Background(), "x"); err == nil {
		t.Fatal("expected an error for a non-2xx response")
	}
}

func TestBreakdownPrompt_ContainsGrammarAndTask(t *testing.T) {
	p := advisor.BreakdownPrompt("refactor the auth module", 3)
	if !strings.Contains(p, "refactor the auth module") {
		t.Fatal("expected prompt to embed the task description")
	}
	if !strings.Contains(p, "SUBTASK_1:") || !strings.Contains(p, "SINGLE_INSTANCE_SUFFICIENT") {
		t.Fatal("expected prompt to carry the sub-task grammar and the non-separability marker")
	}
}
