package utils

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateSessionID(t *testing.T) {
	id1 := GenerateSessionID()
	id2 := GenerateSessionID()

	if id1 == id2 {
		t.Error("expected different IDs")
	}
	if len(id1) != 36 {
		t.Errorf("expected uuid string, got %s", id1)
	}
}

func TestGenerateRequestID(t *testing.T) {
	if !strings.HasPrefix(GenerateRequestID(), "req_") {
		t.Error("expected req_ prefix")
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{"short string", "hello", 10, "hello"},
		{"long string", "hello world", 5, "he..."},
		{"very short max", "hello", 2, "he"},
		{"exact length", "hello", 5, "hello"},
	}
	
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := TruncateString(tt.input, tt.maxLen)
			if result != tt.expected {
				t.Errorf("TruncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, result, tt.expected)
			}
		})
	}
}

func TestMaskSensitive(t *testing.T) {
	tests := []struct {
		input        string
		visibleChars int
		expected     string
	}{
		{"password123", 3, "pas********"},
		{"token", 2, "to***"},
		{"short", 10, "*****"},
	}
	
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := MaskSensitive(tt.input, tt.visibleChars)
			if result != tt.expected {
				t.Errorf("MaskSensitive(%q, %d) = %q, want %q", tt.input, tt.visibleChars, result, tt.expected)
			}
		})
	}
}

func TestNowMillis(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 6_000_000, time.UTC)
	Now = func() time.Time { return fixed }
	defer func() { Now = time.Now }()

	if got := NowMillis(); got != fixed.UnixMilli() {
		t.Errorf("NowMillis() = %d, want %d", got, fixed.UnixMilli())
	}
}
