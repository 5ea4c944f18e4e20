package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetTokenizer() {
	codecMu.Lock()
	defaultCodec = nil
	initialized = false
	codecMu.Unlock()
}

func TestInitTokenizer(t *testing.T) {
	for _, enc := range []string{"cl100k_base", "o200k_base", "", "unknown"} {
		t.Run(enc, func(t *testing.T) {
			resetTokenizer()
			require.NoError(t, InitTokenizer(enc))
			assert.True(t, IsInitialized())
		})
	}
}

func TestCountTokens_Initialized(t *testing.T) {
	resetTokenizer()
	require.NoError(t, InitTokenizer("cl100k_base"))

	count := CountTokens("Förderhöhe: bis zu 50.000 EUR")
	assert.Positive(t, count)
	assert.LessOrEqual(t, count, 20)
}

func TestCountTokens_Uninitialized(t *testing.T) {
	resetTokenizer()

	text := "Einreichfrist: 31.12.2025"
	assert.Equal(t, len(text)/4, CountTokens(text))
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text     string
		expected int
	}{
		{"", 0},
		{"test", 1},
		{"hello world", 2},
		{"1234567890123456", 4},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			assert.Equal(t, tt.expected, estimateTokens(tt.text))
		})
	}
}
