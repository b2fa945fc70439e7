package schedule

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"roomattend/internal/recognition"
)

// Fixture is a static schedule and person directory, used for replay and
// for deployments without a schedule database.
type Fixture struct {
	Timezone string               `yaml:"timezone"`
	Sessions []Session            `yaml:"sessions"`
	Persons  []recognition.Person `yaml:"persons"`
}

// LoadFile reads and validates a YAML fixture.
func LoadFile(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseFixture(data)
}

// ParseFixture decodes and validates a YAML fixture.
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode schedule fixture: %w", err)
	}
	seen := make(map[string]bool, len(f.Sessions))
	for _, s := range f.Sessions {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate session id %q", s.ID)
		}
		seen[s.ID] = true
	}
	return &f, nil
}
