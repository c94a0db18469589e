package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler(t *testing.T) {
	SelectedRefreshRate.Set(90)
	ModeSwitchesTotal.WithLabelValues("90").Inc()

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	tests := []struct {
		path string
		want string
	}{
		{"/health", "OK"},
		{"/metrics", "vsyncd_selected_refresh_rate_fps 90"},
		{"/metrics", `vsyncd_mode_switches_total{to="90"}`},
	}
	for _, tt := range tests {
		resp, err := http.Get(srv.URL + tt.path)
		if err != nil {
			t.Fatalf("GET %s: %v", tt.path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", tt.path, resp.StatusCode)
		}
		if !strings.Contains(string(body), tt.want) {
			t.Errorf("GET %s body missing %q", tt.path, tt.want)
		}
	}
}
