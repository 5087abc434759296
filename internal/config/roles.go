package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/crewkit/crewkit/pkg/models"
)

// defaultRoles is the built-in role set used when no roles are configured.
// User-configured roles with the same name replace these wholesale.
var defaultRoles = []RoleConfig{
	{
		Name:        "coder",
		Description: "Write and modify code",
		Instructions: "You are a coding specialist in a multi-agent crew.\n" +
			"Write clean, well-tested code. Always verify changes by reading files after editing.\n" +
			"Focus only on the task assigned to you.",
		Mode:           string(models.ModeReadWrite),
		MaxParallel:    3,
		BudgetWeight:   1.0,
		AutoReview:     true,
		RetryTransient: true,
	},
	{
		Name:        "reviewer",
		Description: "Code review for correctness, security, and style",
		Instructions: "You are a code reviewer in a multi-agent crew.\n" +
			"Check for correctness, security vulnerabilities, and style issues.\n" +
			"Do not modify files; only report findings.\n" +
			"Begin your verdict with LGTM if the work is acceptable.",
		Mode:         string(models.ModeReadOnly),
		AllowedTools: []string{"read_file", "list_directory", "search_files"},
		MaxParallel:  2,
		BudgetWeight: 0.4,
	},
	{
		Name:        "researcher",
		Description: "Technical research and information gathering",
		Instructions: "You are a research specialist in a multi-agent crew.\n" +
			"Find authoritative information to support the team's task.\n" +
			"Cite sources when possible.",
		Mode:         string(models.ModeReadOnly),
		MaxParallel:  2,
		BudgetWeight: 0.5,
	},
	{
		Name:        "tester",
		Description: "Write and run tests",
		Instructions: "You are a testing specialist in a multi-agent crew.\n" +
			"Write tests and verify code correctness.\n" +
			"Run tests and report results.",
		Mode:           string(models.ModeReadWrite),
		MaxParallel:    2,
		BudgetWeight:   0.6,
		AutoReview:     true,
		RetryTransient: true,
	},
}

// rolesFile is the shape of a standalone roles YAML file.
type rolesFile struct {
	Roles []RoleConfig `yaml:"roles"`
}

// LoadRolesFile parses role definitions from a YAML file.
func LoadRolesFile(path string) ([]RoleConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading roles file: %w", err)
	}
	var rf rolesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parsing roles file %s: %w", path, err)
	}
	return rf.Roles, nil
}

// BuildRegistry merges configured roles over the defaults and converts
// them into a validated role registry.
func BuildRegistry(configured []RoleConfig) (models.Registry, error) {
	merged := make(map[string]RoleConfig, len(defaultRoles)+len(configured))
	for _, rc := range defaultRoles {
		merged[rc.Name] = rc
	}
	for _, rc := range configured {
		if rc.Name == "" {
			return nil, fmt.Errorf("role with empty name in configuration")
		}
		merged[rc.Name] = rc
	}

	registry := make(models.Registry, len(merged))
	for name, rc := range merged {
		role, err := rc.toRole()
		if err != nil {
			return nil, fmt.Errorf("role %s: %w", name, err)
		}
		registry[name] = role
	}
	return registry, nil
}

// toRole converts a YAML role definition into the runtime Role, filling
// in defaults for omitted fields.
func (rc RoleConfig) toRole() (*models.Role, error) {
	mode := models.ExecMode(rc.Mode)
	if mode == "" {
		mode = models.ModeReadWrite
	}
	if !mode.Valid() {
		return nil, fmt.Errorf("invalid mode %q", rc.Mode)
	}
	maxParallel := rc.MaxParallel
	if maxParallel <= 0 {
		maxParallel = 1
	}
	weight := rc.BudgetWeight
	if weight <= 0 {
		weight = 1.0
	}
	return &models.Role{
		Name:           rc.Name,
		Description:    rc.Description,
		Instructions:   rc.Instructions,
		Mode:           mode,
		AllowedTools:   rc.AllowedTools,
		MaxParallel:    maxParallel,
		ModelOverride:  rc.ModelOverride,
		BudgetWeight:   weight,
		AutoReview:     rc.AutoReview,
		RetryTransient: rc.RetryTransient,
	}, nil
}
