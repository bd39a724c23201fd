package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerServesRegisteredCollectors(t *testing.T) {
	c, reg := New("A")
	c.ConnectedPeers.Set(3)
	c.CommandsApplied.WithLabelValues("deposit").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "peillute_connected_peers") {
		t.Fatalf("expected connected_peers metric in output, got:\n%s", body)
	}
	if !strings.Contains(body, `site_id="A"`) {
		t.Fatalf("expected site_id label in output, got:\n%s", body)
	}
}
