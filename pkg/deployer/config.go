package deployer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/PerpetualOrganizationArchitect/poa/pkg/voting"
)

// RoleConfig describes one permission domain in the org's hat tree. Roles
// are indexed in declaration order; governance refers to them by index.
type RoleConfig struct {
	Name      string `yaml:"name" json:"name"`
	MaxSupply uint32 `yaml:"maxSupply" json:"maxSupply"`
	// Voter marks wearers as eligible voters, Creator as proposal creators.
	Voter   bool `yaml:"voter" json:"voter"`
	Creator bool `yaml:"creator" json:"creator"`
}

// VotingConfig selects the governance class and its quorum.
type VotingConfig struct {
	Class  string `yaml:"class" json:"class"`
	Quorum int    `yaml:"quorum" json:"quorum"`
}

// TokenConfig names the participation token.
type TokenConfig struct {
	Name         string `yaml:"name" json:"name"`
	Symbol       string `yaml:"symbol" json:"symbol"`
	WelcomeBonus uint64 `yaml:"welcomeBonus" json:"welcomeBonus"`
}

// ModuleConfig requests one optional module beyond the core set.
type ModuleConfig struct {
	Type string `yaml:"type" json:"type"`
	// Impl pins the module to a specific implementation instead of
	// following the global beacon.
	Impl   string         `yaml:"impl" json:"impl,omitempty"`
	Params map[string]any `yaml:"params" json:"params,omitempty"`
}

// OrgConfig is the full deployment request for one organization.
type OrgConfig struct {
	Name        string         `yaml:"name" json:"name"`
	Owner       string         `yaml:"owner" json:"owner"`
	AutoUpgrade bool           `yaml:"autoUpgrade" json:"autoUpgrade"`
	Voting      VotingConfig   `yaml:"voting" json:"voting"`
	Token       TokenConfig    `yaml:"token" json:"token"`
	Roles       []RoleConfig   `yaml:"roles" json:"roles"`
	Modules     []ModuleConfig `yaml:"modules" json:"modules,omitempty"`
}

// LoadConfig reads and validates an org config from a YAML file.
func LoadConfig(path string) (*OrgConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read org config: %w", err)
	}
	var cfg OrgConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse org config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config for structural problems before any deployment
// work starts.
func (c *OrgConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("org config: name is required")
	}
	if c.Owner == "" {
		return fmt.Errorf("org config: owner is required")
	}
	switch c.Voting.Class {
	case voting.ClassDirectDemocracy, voting.ClassHybrid:
	case "":
		return fmt.Errorf("org config: voting class is required")
	default:
		return fmt.Errorf("org config: unknown voting class %q", c.Voting.Class)
	}
	if c.Voting.Quorum < 1 || c.Voting.Quorum > 100 {
		return fmt.Errorf("org config: quorum must be within [1, 100], got %d", c.Voting.Quorum)
	}
	if c.Token.Name == "" || c.Token.Symbol == "" {
		return fmt.Errorf("org config: token name and symbol are required")
	}
	if len(c.Roles) == 0 {
		return fmt.Errorf("org config: at least one role is required")
	}
	if len(c.Roles) > 255 {
		return fmt.Errorf("org config: at most 255 roles, got %d", len(c.Roles))
	}
	seen := map[string]bool{}
	voters := false
	for i, r := range c.Roles {
		if r.Name == "" {
			return fmt.Errorf("org config: role %d has no name", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("org config: duplicate role %q", r.Name)
		}
		seen[r.Name] = true
		if r.Voter {
			voters = true
		}
	}
	if !voters {
		return fmt.Errorf("org config: at least one role must carry voting rights")
	}
	return nil
}

// VoterRoleIndexes returns the indexes of roles with voting rights.
func (c *OrgConfig) VoterRoleIndexes() []uint8 {
	var out []uint8
	for i, r := range c.Roles {
		if r.Voter {
			out = append(out, uint8(i))
		}
	}
	return out
}

// CreatorRoleIndexes returns the indexes of roles with proposal creation
// rights. Falls back to voter roles when none are marked.
func (c *OrgConfig) CreatorRoleIndexes() []uint8 {
	var out []uint8
	for i, r := range c.Roles {
		if r.Creator {
			out = append(out, uint8(i))
		}
	}
	if len(out) == 0 {
		return c.VoterRoleIndexes()
	}
	return out
}
