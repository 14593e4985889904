package sqlite

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/adalyuf/flutracker/internal/domain"
)

//go:embed countries.yaml
var countriesYAML []byte

// DefaultCountries parses the embedded reference country list.
func DefaultCountries() ([]domain.Country, error) {
	var seed struct {
		Countries []domain.Country `yaml:"countries"`
	}
	if err := yaml.Unmarshal(countriesYAML, &seed); err != nil {
		return nil, fmt.Errorf("parse countries seed: %w", err)
	}
	return seed.Countries, nil
}
