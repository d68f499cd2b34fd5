package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// policyFile is the shape of the optional ~/.2kc/policy.yaml overlay.
// Operators who prefer editing approval rules separately from the main
// config (and keeping them in version control) put them here.
type policyFile struct {
	RequireApproval        map[string]bool `yaml:"requireApproval"`
	DefaultRequireApproval *bool           `yaml:"defaultRequireApproval"`
}

// PolicyPath returns the default policy overlay location.
func PolicyPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return dir + "/policy.yaml", nil
}

// ApplyPolicyFile overlays the tag approval rules from the YAML file at
// path onto cfg.  Entries in the file win over entries in the config; a
// missing file is a no-op.
func ApplyPolicyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("config: read policy %s: %w", path, err)
	}

	var pf policyFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return fmt.Errorf("%w: policy %s: %v", ErrInvalid, path, err)
	}

	if cfg.RequireApproval == nil {
		cfg.RequireApproval = map[string]bool{}
	}
	for tag, required := range pf.RequireApproval {
		cfg.RequireApproval[tag] = required
	}
	if pf.DefaultRequireApproval != nil {
		cfg.DefaultRequireApproval = *pf.DefaultRequireApproval
	}
	return nil
}
