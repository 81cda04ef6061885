package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitCommandLine(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected []string
	}{
		{
			name:     "plain words",
			in:       `a.ahk one two`,
			expected: []string{"a.ahk", "one", "two"},
		},
		{
			name:     "quoted fields",
			in:       `"my script.ahk" 'single quoted' with\ space`,
			expected: []string{"my script.ahk", "single quoted", "with space"},
		},
		{
			name:     "empty",
			in:       "   ",
			expected: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SplitCommandLine(tt.in)
			require.NoError(t, err)
			require.Equal(t, tt.expected, got)
		})
	}
}

func TestSplitCommandLineRejectsBackticks(t *testing.T) {
	_, err := SplitCommandLine("echo `date`")
	require.Error(t, err)
}

func TestSplit2PartsBySpace(t *testing.T) {
	require.Equal(t, []string{"config", "maxChildren 10"}, Split2PartsBySpace("  config maxChildren 10 "))
	require.Equal(t, []string{"help"}, Split2PartsBySpace("help"))
}
