package tracing

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/goodtune/vsyncd/internal/frametimeline"
)

func jankyFrame(token int64) frametimeline.DisplayFrameSnapshot {
	return frametimeline.DisplayFrameSnapshot{
		Token:    token,
		JankType: frametimeline.JankOf(frametimeline.JankDisplayHAL),
		SurfaceFrames: []frametimeline.SurfaceFrameSnapshot{
			{LayerName: "video", OwnerUID: 10001, Classified: true, JankType: frametimeline.JankOf(frametimeline.JankDisplayHAL)},
			{LayerName: "launcher", OwnerUID: 10002, Classified: true},
		},
	}
}

func lines(buf *bytes.Buffer) []string {
	out := strings.TrimSpace(buf.String())
	if out == "" {
		return nil
	}
	return strings.Split(out, "\n")
}

func TestJankLoggerSkipsCleanFrames(t *testing.T) {
	var buf bytes.Buffer
	j := NewJankLogger(0, 1, zerolog.New(&buf))

	j.OnDisplayFramePresented(frametimeline.DisplayFrameSnapshot{Token: 1})
	if got := lines(&buf); len(got) != 0 {
		t.Errorf("logged %d lines for a clean frame, want 0", len(got))
	}
}

func TestJankLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	j := NewJankLogger(0, 1, zerolog.New(&buf))

	j.OnDisplayFramePresented(jankyFrame(7))
	got := lines(&buf)
	if len(got) != 1 {
		t.Fatalf("logged %d lines, want 1", len(got))
	}

	var entry struct {
		Token  int64  `json:"token"`
		Jank   string `json:"jank"`
		Layers []struct {
			Layer string `json:"layer"`
		} `json:"layers"`
	}
	if err := json.Unmarshal([]byte(got[0]), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry.Token != 7 || entry.Jank != "Display HAL" {
		t.Errorf("entry = %+v, want token 7 with Display HAL", entry)
	}
	if len(entry.Layers) != 1 || entry.Layers[0].Layer != "video" {
		t.Errorf("layers = %+v, want only the janky video layer", entry.Layers)
	}
}

func TestJankLoggerSamples(t *testing.T) {
	var buf bytes.Buffer
	// one line allowed, then effectively no refill for the rest of the test
	j := NewJankLogger(0.0001, 1, zerolog.New(&buf))

	for i := int64(0); i < 5; i++ {
		j.OnDisplayFramePresented(jankyFrame(i))
	}
	if got := lines(&buf); len(got) != 1 {
		t.Errorf("logged %d lines, want 1", len(got))
	}
	if got := j.suppressed.Load(); got != 4 {
		t.Errorf("suppressed = %d, want 4", got)
	}
}
