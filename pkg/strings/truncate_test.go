package strings

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		maxLen   int
		expected string
	}{
		{"short string unchanged", "hello", 10, "hello"},
		{"exact length unchanged", "hello", 5, "hello"},
		{"long string truncated", "hello world this is a long string", 15, "hello world ..."},
		{"newlines collapsed", "expected 1\n\n  got 2", 40, "expected 1 got 2"},
		{"tabs collapsed", "a\t\tb", 10, "a b"},
		{"unicode kept whole", "✗ überprüfung fehlgeschlagen", 10, "✗ überp..."},
		{"tiny limit clamped", "abcdefgh", 1, "a..."},
		{"empty", "", 10, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Truncate(tt.input, tt.maxLen))
		})
	}
}

func TestFirstLine(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", ""},
		{"single", "single"},
		{"\n\n  exit status 2  \nmore", "exit status 2"},
		{"   \n\t\n", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, FirstLine(tt.input))
	}
}
