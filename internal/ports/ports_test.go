package ports

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []int
	}{
		{
			name:     "single port",
			input:    "80",
			expected: []int{80},
		},
		{
			name:     "comma separated",
			input:    "80,443",
			expected: []int{80, 443},
		},
		{
			name:     "semicolon separated",
			input:    "80;443",
			expected: []int{80, 443},
		},
		{
			name:     "whitespace separated",
			input:    "80 443\t8080\n22",
			expected: []int{22, 80, 443, 8080},
		},
		{
			name:     "simple range",
			input:    "20-25",
			expected: []int{20, 21, 22, 23, 24, 25},
		},
		{
			name:     "reversed range normalized",
			input:    "10-5",
			expected: []int{5, 6, 7, 8, 9, 10},
		},
		{
			name:     "range overlapping single ports deduplicates",
			input:    "22,20-25,25",
			expected: []int{20, 21, 22, 23, 24, 25},
		},
		{
			name:     "result sorted ascending",
			input:    "443,22,80",
			expected: []int{22, 80, 443},
		},
		{
			name:     "out of range single port dropped",
			input:    "70000",
			expected: nil,
		},
		{
			name:     "zero dropped",
			input:    "0",
			expected: nil,
		},
		{
			name:     "negative token dropped",
			input:    "-5",
			expected: nil,
		},
		{
			name:     "range clamped to upper bound",
			input:    "65530-70000",
			expected: []int{65530, 65531, 65532, 65533, 65534, 65535},
		},
		{
			name:     "fully out of range range collapses to boundary",
			input:    "70000-80000",
			expected: []int{65535},
		},
		{
			name:     "range clamped to lower bound",
			input:    "0-3",
			expected: []int{1, 2, 3},
		},
		{
			name:     "malformed range skipped",
			input:    "80-90-100",
			expected: nil,
		},
		{
			name:     "non-numeric range side skipped",
			input:    "80-abc",
			expected: nil,
		},
		{
			name:     "non-numeric token skipped",
			input:    "http",
			expected: nil,
		},
		{
			name:     "bad tokens do not poison neighbors",
			input:    "22,http,80-abc,443",
			expected: []int{22, 443},
		},
		{
			name:     "empty input",
			input:    "",
			expected: nil,
		},
		{
			name:     "only separators",
			input:    " ,; \t",
			expected: nil,
		},
		{
			name:     "boundary ports kept",
			input:    "1,65535",
			expected: []int{1, 65535},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.input)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestResolveAllWithinBounds(t *testing.T) {
	inputs := []string{
		"1-100", "70000-80000", "0-10", "65000-66000", "22,80,443", "-100-100",
	}

	for _, input := range inputs {
		for _, port := range Resolve(input) {
			assert.GreaterOrEqual(t, port, 1, "input %q", input)
			assert.LessOrEqual(t, port, 65535, "input %q", input)
		}
	}
}

func TestResolveLargeRangeCount(t *testing.T) {
	got := Resolve("1-1024")
	assert.Len(t, got, 1024)
	assert.Equal(t, 1, got[0])
	assert.Equal(t, 1024, got[len(got)-1])
}
