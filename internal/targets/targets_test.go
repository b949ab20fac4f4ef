package targets

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{
			name:     "single address",
			input:    "192.168.1.10",
			expected: []string{"192.168.1.10"},
		},
		{
			name:     "comma separated",
			input:    "10.0.0.1,10.0.0.2",
			expected: []string{"10.0.0.1", "10.0.0.2"},
		},
		{
			name:     "semicolon separated",
			input:    "10.0.0.1;10.0.0.2",
			expected: []string{"10.0.0.1", "10.0.0.2"},
		},
		{
			name:     "newline separated",
			input:    "10.0.0.1\n10.0.0.2",
			expected: []string{"10.0.0.1", "10.0.0.2"},
		},
		{
			name:     "mixed separators with runs",
			input:    "10.0.0.1,;\n\n10.0.0.2;,10.0.0.3",
			expected: []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"},
		},
		{
			name:     "tokens trimmed",
			input:    " 10.0.0.1 , 10.0.0.2 ",
			expected: []string{"10.0.0.1", "10.0.0.2"},
		},
		{
			name:     "hostname passes through uninspected",
			input:    "scanner.example.com",
			expected: []string{"scanner.example.com"},
		},
		{
			name:     "arbitrary literal passes through",
			input:    "not-an-ip",
			expected: []string{"not-an-ip"},
		},
		{
			name:     "cidr /30 expands to usable hosts",
			input:    "192.168.1.0/30",
			expected: []string{"192.168.1.1", "192.168.1.2"},
		},
		{
			name:     "cidr /31 keeps both addresses",
			input:    "192.168.1.0/31",
			expected: []string{"192.168.1.0", "192.168.1.1"},
		},
		{
			name:     "cidr /32 single host",
			input:    "192.168.1.5/32",
			expected: []string{"192.168.1.5"},
		},
		{
			name:     "non-strict cidr masks host bits",
			input:    "192.168.1.17/30",
			expected: []string{"192.168.1.17", "192.168.1.18"},
		},
		{
			name:     "invalid slash token dropped silently",
			input:    "192.168.1.0/abc",
			expected: nil,
		},
		{
			name:     "invalid slash token does not poison neighbors",
			input:    "10.0.0.1,bad/cidr,10.0.0.2",
			expected: []string{"10.0.0.1", "10.0.0.2"},
		},
		{
			name:     "mixed literals and cidr keep order",
			input:    "host-a,192.168.1.0/30,host-b",
			expected: []string{"host-a", "192.168.1.1", "192.168.1.2", "host-b"},
		},
		{
			name:     "empty input",
			input:    "",
			expected: nil,
		},
		{
			name:     "only separators",
			input:    ",;\n;;,",
			expected: nil,
		},
		{
			name:     "ipv6 literal passes through",
			input:    "2001:db8::1",
			expected: []string{"2001:db8::1"},
		},
		{
			name:     "ipv6 /127 keeps both addresses",
			input:    "2001:db8::/127",
			expected: []string{"2001:db8::", "2001:db8::1"},
		},
		{
			name:     "ipv6 /128 single host",
			input:    "2001:db8::5/128",
			expected: []string{"2001:db8::5"},
		},
		{
			name:     "ipv6 /126 excludes network address only",
			input:    "2001:db8::/126",
			expected: []string{"2001:db8::1", "2001:db8::2", "2001:db8::3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.input)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestResolveCIDRAscendingOrder(t *testing.T) {
	got := Resolve("10.1.2.0/29")
	require.Len(t, got, 6)

	expected := []string{
		"10.1.2.1", "10.1.2.2", "10.1.2.3",
		"10.1.2.4", "10.1.2.5", "10.1.2.6",
	}
	assert.Equal(t, expected, got)
}

func TestResolveLargeNetworkCount(t *testing.T) {
	got := Resolve("172.16.0.0/24")
	assert.Len(t, got, 254)
	assert.Equal(t, "172.16.0.1", got[0])
	assert.Equal(t, "172.16.0.254", got[len(got)-1])
}

func TestResolveRepeatedTokensKept(t *testing.T) {
	// No deduplication: repeats scan twice.
	got := Resolve("10.0.0.1,10.0.0.1")
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.1"}, got)
}

func TestResolveOrderPreserved(t *testing.T) {
	var input string
	var expected []string
	for i := 9; i >= 1; i-- {
		input += fmt.Sprintf("10.0.0.%d,", i)
		expected = append(expected, fmt.Sprintf("10.0.0.%d", i))
	}

	got := Resolve(input)
	assert.Equal(t, expected, got)
}
