package webview

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"rally/internal/tabstore"
	"rally/internal/ui"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := tabstore.New()
	boundary := ui.New(store, nil, nil)
	return New(store, boundary, 0)
}

func TestHandleListTabs_ReturnsMainTab(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/tabs", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var tabs []ui.TabSummary
	if err := json.Unmarshal(rr.Body.Bytes(), &tabs); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(tabs) != 1 {
		t.Fatalf("expected one tab (main), got %d", len(tabs))
	}
}

func TestHandleGetTab_UnknownReturns404(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/tabs/does-not-exist", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	if rr.Code != 404 {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestHandleSubmitInput_RejectsEmptyText(t *testing.T) {
	s := newTestServer(t)
	tabID := s.store.MainTabID()

	req := httptest.NewRequest("POST", "/api/tabs/"+tabID+"/input", nil)
	rr := httptest.NewRecorder()
	s.router.ServeHTTP(rr, req)

	if rr.Code != 400 {
		t.Fatalf("expected 400 for missing body, got %d", rr.Code)
	}
}
