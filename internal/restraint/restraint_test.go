package restraint

import "testing"

func TestCheckUncertainty(t *testing.T) {
	tests := []struct {
		name       string
		confidence float64
		threshold  float64
		want       bool
	}{
		{"high confidence passes", 0.95, 0.5, false},
		{"low confidence restrained", 0.3, 0.5, true},
		{"exactly at boundary passes", 0.5, 0.5, false},
		{"just under boundary restrained", 0.49, 0.5, true},
		{"zero confidence restrained", 0, 0.5, true},
		{"full confidence passes", 1, 0.5, false},
		{"tighter threshold", 0.7, 0.2, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CheckUncertainty(tt.confidence, tt.threshold); got != tt.want {
				t.Errorf("CheckUncertainty(%v, %v) = %v, want %v", tt.confidence, tt.threshold, got, tt.want)
			}
		})
	}
}

func TestCheckSignalConflict(t *testing.T) {
	tests := []struct {
		name    string
		signals map[string]float64
		want    bool
	}{
		{"nil signals", nil, false},
		{"single signal", map[string]float64{"cpu_high": 0.9}, false},
		{"cpu conflict", map[string]float64{"cpu_high": 0.9, "cpu_low": 0.8}, true},
		{"memory conflict", map[string]float64{"memory_high": 1, "memory_low": 1}, true},
		{"error rate conflict", map[string]float64{"error_rate_high": 0.5, "error_rate_zero": 1}, true},
		{"zero-valued side is not asserted", map[string]float64{"cpu_high": 0.9, "cpu_low": 0}, false},
		{"unrelated signals coexist", map[string]float64{"cpu_high": 0.9, "memory_low": 0.4}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := CheckSignalConflict(tt.signals)
			if got != tt.want {
				t.Errorf("CheckSignalConflict(%v) = %v, want %v", tt.signals, got, tt.want)
			}
			if got && reason == "" {
				t.Error("conflict reported with empty reason")
			}
		})
	}
}
