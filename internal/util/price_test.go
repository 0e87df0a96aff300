package util

import "testing"

func TestRoundToCents(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{0.451, 0.45},
		{0.455, 0.46},
		{1.0, 1.0},
		{0.899999999, 0.90},
	}
	for _, tt := range tests {
		if got := RoundToCents(tt.in); got != tt.want {
			t.Errorf("RoundToCents(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestShortID(t *testing.T) {
	if got := ShortID("0123456789abcdef"); got != "01234567" {
		t.Errorf("ShortID long = %q", got)
	}
	if got := ShortID("abc"); got != "abc" {
		t.Errorf("ShortID short = %q", got)
	}
}
