// Package profiles provides scan preset management for meltscan. A preset
// bundles a port expression with protocol and probe-mode choices so common
// runs don't need the full flag set. Built-in presets cover the usual quick
// and exhaustive sweeps; user presets come from the configuration file.
package profiles

import (
	"fmt"
	"sort"
	"sync"

	"github.com/meltsec/meltscan/internal/config"
	"github.com/meltsec/meltscan/internal/engine"
	scanerrors "github.com/meltsec/meltscan/internal/errors"
	"github.com/meltsec/meltscan/internal/ports"
)

// Profile describes one scan preset.
type Profile struct {
	Name        string
	Description string
	Ports       string
	TCP         bool
	UDP         bool
	UseSYN      bool
	BuiltIn     bool
}

// Built-in preset names.
const (
	PresetQuick   = "quick"
	PresetIntense = "intense"
)

// builtins returns the presets that ship with the scanner.
func builtins() []*Profile {
	return []*Profile{
		{
			Name:        PresetQuick,
			Description: "Portas comuns, TCP connect",
			Ports:       "22,80,443,53,3389,139,445",
			TCP:         true,
			UDP:         false,
			UseSYN:      false,
			BuiltIn:     true,
		},
		{
			Name:        PresetIntense,
			Description: "Portas 1-1024, TCP e UDP, SYN",
			Ports:       "1-1024",
			TCP:         true,
			UDP:         true,
			UseSYN:      true,
			BuiltIn:     true,
		},
	}
}

// Manager handles scan preset lookup and registration.
type Manager struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewManager creates a manager seeded with the built-in presets.
func NewManager() *Manager {
	m := &Manager{
		profiles: make(map[string]*Profile),
	}
	for _, p := range builtins() {
		m.profiles[p.Name] = p
	}
	return m
}

// LoadUser registers user-defined presets from the configuration file.
// Built-in names cannot be shadowed.
func (m *Manager) LoadUser(configs []config.ProfileConfig) error {
	for i := range configs {
		c := &configs[i]
		profile := &Profile{
			Name:        c.Name,
			Description: c.Description,
			Ports:       c.Ports,
			TCP:         c.TCP,
			UDP:         c.UDP,
			UseSYN:      c.UseSYN,
			BuiltIn:     false,
		}
		if err := m.Add(profile); err != nil {
			return fmt.Errorf("profile %q: %w", c.Name, err)
		}
	}
	return nil
}

// Add registers a custom preset after validation.
func (m *Manager) Add(profile *Profile) error {
	if err := Validate(profile); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.profiles[profile.Name]; ok {
		if existing.BuiltIn {
			return fmt.Errorf("cannot replace built-in profile %q", profile.Name)
		}
		return fmt.Errorf("profile %q already exists", profile.Name)
	}
	m.profiles[profile.Name] = profile
	return nil
}

// Remove deletes a custom preset. Built-ins cannot be removed.
func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile, ok := m.profiles[name]
	if !ok {
		return scanerrors.NewScanError(scanerrors.CodePresetUnknown,
			fmt.Sprintf("Perfil desconhecido: %s", name))
	}
	if profile.BuiltIn {
		return fmt.Errorf("cannot remove built-in profile %q", name)
	}
	delete(m.profiles, name)
	return nil
}

// Get returns the preset with the given name.
func (m *Manager) Get(name string) (*Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	profile, ok := m.profiles[name]
	if !ok {
		return nil, scanerrors.NewScanError(scanerrors.CodePresetUnknown,
			fmt.Sprintf("Perfil desconhecido: %s", name))
	}
	return profile, nil
}

// All returns every preset, built-ins first, each group sorted by name.
func (m *Manager) All() []*Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*Profile, 0, len(m.profiles))
	for _, p := range m.profiles {
		all = append(all, p)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].BuiltIn != all[j].BuiltIn {
			return all[i].BuiltIn
		}
		return all[i].Name < all[j].Name
	})
	return all
}

// Apply copies the preset's scan parameters onto spec. Targets, timeout and
// concurrency are left for the caller.
func (p *Profile) Apply(spec *engine.Spec) {
	spec.Ports = ports.Resolve(p.Ports)
	spec.TCP = p.TCP
	spec.UDP = p.UDP
	spec.UseSYN = p.UseSYN
}

// Protocols renders the preset's protocol set for display.
func (p *Profile) Protocols() string {
	switch {
	case p.TCP && p.UDP:
		return "TCP+UDP"
	case p.UDP:
		return "UDP"
	default:
		return "TCP"
	}
}

// Mode renders the preset's TCP probe mode for display.
func (p *Profile) Mode() string {
	if p.UseSYN {
		return "syn"
	}
	return "connect"
}

// Validate checks a preset definition.
func Validate(profile *Profile) error {
	if profile.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if profile.Ports == "" {
		return fmt.Errorf("ports specification is required")
	}
	if !profile.TCP && !profile.UDP {
		return fmt.Errorf("at least one protocol is required")
	}
	if resolved := ports.Resolve(profile.Ports); len(resolved) == 0 {
		return fmt.Errorf("ports specification %q resolves to no ports", profile.Ports)
	}
	return nil
}
