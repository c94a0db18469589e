package fps

import (
	"encoding/json"
	"testing"
)

func TestFromPeriod(t *testing.T) {
	tests := []struct {
		name   string
		period int64
		want   float64
	}{
		{"60Hz", 16666667, 60},
		{"90Hz", 11111111, 90},
		{"120Hz", 8333333, 120},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromPeriod(tt.period)
			if !got.EqualsWithMargin(New(tt.want)) {
				t.Errorf("FromPeriod(%d) = %v, want %v", tt.period, got, tt.want)
			}
		})
	}
}

func TestInvalid(t *testing.T) {
	if FromPeriod(0).IsValid() {
		t.Error("FromPeriod(0) should be invalid")
	}
	if New(0).PeriodNanos() != 0 {
		t.Errorf("PeriodNanos() = %d, want 0", New(0).PeriodNanos())
	}
}

func TestPeriodNanos(t *testing.T) {
	if got := New(60).PeriodNanos(); got != 16666667 {
		t.Errorf("PeriodNanos() = %d, want 16666667", got)
	}
}

func TestMarginComparisons(t *testing.T) {
	a := New(60)
	b := New(60.0005)
	if !a.EqualsWithMargin(b) {
		t.Errorf("%v should equal %v with margin", a, b)
	}
	if a.LessThanWithMargin(b) {
		t.Errorf("%v should not be less than %v with margin", a, b)
	}
	if !a.LessThanWithMargin(New(61)) {
		t.Errorf("60 should be less than 61")
	}
	if !New(90).GreaterThanWithMargin(a) {
		t.Errorf("90 should be greater than 60")
	}
	if !a.GreaterThanOrEqualWithMargin(b) || !a.LessThanOrEqualWithMargin(b) {
		t.Errorf("near-equal values should satisfy both non-strict comparisons")
	}
}

func TestRange(t *testing.T) {
	r := NewRange(60, 90)
	tests := []struct {
		fps  float64
		want bool
	}{
		{30, false},
		{60, true},
		{72, true},
		{90, true},
		{90.0001, true},
		{120, false},
	}
	for _, tt := range tests {
		if got := r.Includes(New(tt.fps)); got != tt.want {
			t.Errorf("Includes(%v) = %v, want %v", tt.fps, got, tt.want)
		}
	}

	if !NewRange(30, 120).Contains(r) {
		t.Error("[30,120] should contain [60,90]")
	}
	if r.Contains(NewRange(30, 90)) {
		t.Error("[60,90] should not contain [30,90]")
	}
	if !NewRange(60, 60).IsSingleRate() {
		t.Error("[60,60] should be a single rate")
	}
	if NewRange(90, 60).IsValid() {
		t.Error("[90,60] should be invalid")
	}
}

func TestRangeJSON(t *testing.T) {
	data, err := json.Marshal(NewRange(60, 120))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `{"min":60,"max":120}` {
		t.Errorf("Marshal() = %s", data)
	}

	var r Range
	if err := json.Unmarshal([]byte(`{"min":30,"max":90}`), &r); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !r.Equal(NewRange(30, 90)) {
		t.Errorf("Unmarshal() = %v, want [30 90]", r)
	}
}
