package tunem

//
// Network profile loading
//

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseProfile parses a [NetworkProfile] from YAML and validates it
// by normalizing it once. Schema violations surface here, wrapped
// with [ErrProfileSchema], never later at packet time.
func ParseProfile(data []byte) (*NetworkProfile, error) {
	profile := &NetworkProfile{}
	if err := yaml.Unmarshal(data, profile); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProfileSchema, err.Error())
	}
	if _, err := profile.normalize(); err != nil {
		return nil, err
	}
	return profile, nil
}

// LoadProfile reads and parses a YAML profile file.
func LoadProfile(path string) (*NetworkProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseProfile(data)
}

// UnmarshalYAML implements [yaml.Unmarshaler]. A percentile entry may
// be a bare scalar, shorthand for {value: scalar}, or a mapping with
// value or up/down keys.
func (pv *PercentileValue) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var value float64
		if err := node.Decode(&value); err != nil {
			return err
		}
		pv.Value = &value
		return nil
	}
	// Use an alias to avoid recursing into this method.
	type plain PercentileValue
	return node.Decode((*plain)(pv))
}
