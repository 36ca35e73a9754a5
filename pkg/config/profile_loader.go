package config

import (
	"fmt"
	"os"

	"github.com/sgttomas/solver-ralph-sub008/pkg/gate"
)

// LoadProfiles reads the verification profiles document at path.
// defaultName selects the default profile when the document names none.
func LoadProfiles(path, defaultName string) (*gate.Profiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	ps, err := gate.ParseProfiles(data, defaultName)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ps, nil
}
