package types

import "testing"

func TestFormatUnits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		amount uint64
		want   string
	}{
		{0, "0.000000"},
		{1, "0.000001"},
		{3_200_000, "3.200000"},
		{150_000_000, "150.000000"},
	}

	for _, tt := range tests {
		if got := FormatUnits(tt.amount); got != tt.want {
			t.Errorf("FormatUnits(%d) = %q, want %q", tt.amount, got, tt.want)
		}
	}
}

func TestParseUnits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"150", 150_000_000, false},
		{"0.5", 500_000, false},
		{" 10.000001 ", 10_000_001, false},
		{"0.0000001", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseUnits(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseUnits(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseUnits(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestParseUrgency(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Urgency
		wantErr bool
	}{
		{"", UrgencyLow, false},
		{"LOW", UrgencyLow, false},
		{"medium", UrgencyMedium, false},
		{"High", UrgencyHigh, false},
		{"critical", UrgencyCritical, false},
		{"extreme", UrgencyLow, true},
	}

	for _, tt := range tests {
		got, err := ParseUrgency(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseUrgency(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseUrgency(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if !tt.wantErr && got.String() == "" {
			t.Errorf("Urgency(%d).String() is empty", got)
		}
	}
}
