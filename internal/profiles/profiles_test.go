package profiles

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meltsec/meltscan/internal/config"
	"github.com/meltsec/meltscan/internal/engine"
	scanerrors "github.com/meltsec/meltscan/internal/errors"
)

// TestNewManager tests that the manager seeds the built-in presets.
func TestNewManager(t *testing.T) {
	manager := NewManager()

	quick, err := manager.Get(PresetQuick)
	require.NoError(t, err)
	assert.True(t, quick.BuiltIn)
	assert.Equal(t, "22,80,443,53,3389,139,445", quick.Ports)
	assert.True(t, quick.TCP)
	assert.False(t, quick.UDP)
	assert.False(t, quick.UseSYN)

	intense, err := manager.Get(PresetIntense)
	require.NoError(t, err)
	assert.True(t, intense.BuiltIn)
	assert.Equal(t, "1-1024", intense.Ports)
	assert.True(t, intense.TCP)
	assert.True(t, intense.UDP)
	assert.True(t, intense.UseSYN)
}

// TestGetUnknown tests the error for a preset that does not exist.
func TestGetUnknown(t *testing.T) {
	manager := NewManager()

	_, err := manager.Get("singular")
	require.Error(t, err)
	assert.True(t, scanerrors.IsCode(err, scanerrors.CodePresetUnknown))
	assert.Contains(t, err.Error(), "singular")
}

// TestApply tests copying preset parameters onto an engine spec.
func TestApply(t *testing.T) {
	manager := NewManager()

	quick, err := manager.Get(PresetQuick)
	require.NoError(t, err)

	spec := engine.Spec{Targets: []string{"10.0.0.1"}}
	quick.Apply(&spec)

	assert.Equal(t, []int{22, 53, 80, 139, 443, 445, 3389}, spec.Ports)
	assert.True(t, spec.TCP)
	assert.False(t, spec.UDP)
	assert.False(t, spec.UseSYN)
	assert.Equal(t, []string{"10.0.0.1"}, spec.Targets, "targets must be untouched")

	intense, err := manager.Get(PresetIntense)
	require.NoError(t, err)

	spec = engine.Spec{}
	intense.Apply(&spec)

	assert.Len(t, spec.Ports, 1024)
	assert.Equal(t, 1, spec.Ports[0])
	assert.Equal(t, 1024, spec.Ports[len(spec.Ports)-1])
	assert.True(t, spec.UseSYN)
}

// TestAdd tests custom preset registration rules.
func TestAdd(t *testing.T) {
	tests := []struct {
		name    string
		profile *Profile
		wantErr string
	}{
		{
			name:    "valid custom profile",
			profile: &Profile{Name: "web", Ports: "80,443,8080", TCP: true},
		},
		{
			name:    "missing name",
			profile: &Profile{Ports: "80", TCP: true},
			wantErr: "name is required",
		},
		{
			name:    "missing ports",
			profile: &Profile{Name: "noports", TCP: true},
			wantErr: "ports specification is required",
		},
		{
			name:    "no protocol",
			profile: &Profile{Name: "noproto", Ports: "80"},
			wantErr: "at least one protocol",
		},
		{
			name:    "unresolvable ports",
			profile: &Profile{Name: "junk", Ports: "abc;;def", TCP: true},
			wantErr: "resolves to no ports",
		},
		{
			name:    "shadowing a built-in",
			profile: &Profile{Name: PresetQuick, Ports: "80", TCP: true},
			wantErr: "built-in",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := NewManager()
			err := manager.Add(tt.profile)
			if tt.wantErr == "" {
				require.NoError(t, err)
				got, err := manager.Get(tt.profile.Name)
				require.NoError(t, err)
				assert.False(t, got.BuiltIn)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}

	t.Run("duplicate custom profile", func(t *testing.T) {
		manager := NewManager()
		require.NoError(t, manager.Add(&Profile{Name: "web", Ports: "80", TCP: true}))
		err := manager.Add(&Profile{Name: "web", Ports: "443", TCP: true})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")
	})
}

// TestRemove tests deletion rules for built-in and custom presets.
func TestRemove(t *testing.T) {
	manager := NewManager()
	require.NoError(t, manager.Add(&Profile{Name: "web", Ports: "80", TCP: true}))

	assert.Error(t, manager.Remove(PresetQuick), "built-ins cannot be removed")
	require.NoError(t, manager.Remove("web"))

	err := manager.Remove("web")
	require.Error(t, err)
	assert.True(t, scanerrors.IsCode(err, scanerrors.CodePresetUnknown))
}

// TestLoadUser tests merging user presets from configuration.
func TestLoadUser(t *testing.T) {
	manager := NewManager()

	err := manager.LoadUser([]config.ProfileConfig{
		{Name: "web", Description: "HTTP surface", Ports: "80,443", TCP: true},
		{Name: "dns", Ports: "53", UDP: true},
	})
	require.NoError(t, err)

	web, err := manager.Get("web")
	require.NoError(t, err)
	assert.Equal(t, "HTTP surface", web.Description)
	assert.False(t, web.BuiltIn)

	dns, err := manager.Get("dns")
	require.NoError(t, err)
	assert.Equal(t, "UDP", dns.Protocols())

	err = manager.LoadUser([]config.ProfileConfig{
		{Name: PresetIntense, Ports: "1-100", TCP: true},
	})
	require.Error(t, err, "user presets cannot shadow built-ins")
}

// TestAll tests ordering of the preset listing.
func TestAll(t *testing.T) {
	manager := NewManager()
	require.NoError(t, manager.Add(&Profile{Name: "zz", Ports: "80", TCP: true}))
	require.NoError(t, manager.Add(&Profile{Name: "aa", Ports: "443", TCP: true}))

	all := manager.All()
	require.Len(t, all, 4)
	assert.Equal(t, PresetIntense, all[0].Name)
	assert.Equal(t, PresetQuick, all[1].Name)
	assert.Equal(t, "aa", all[2].Name)
	assert.Equal(t, "zz", all[3].Name)
}

// TestDisplayHelpers tests the protocol and mode rendering helpers.
func TestDisplayHelpers(t *testing.T) {
	assert.Equal(t, "TCP", (&Profile{TCP: true}).Protocols())
	assert.Equal(t, "UDP", (&Profile{UDP: true}).Protocols())
	assert.Equal(t, "TCP+UDP", (&Profile{TCP: true, UDP: true}).Protocols())
	assert.Equal(t, "connect", (&Profile{}).Mode())
	assert.Equal(t, "syn", (&Profile{UseSYN: true}).Mode())
}
