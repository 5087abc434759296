package models

import "sort"

// ExecMode controls whether a role's workers may modify the workspace.
type ExecMode string

const (
	// ModeReadWrite allows file and command tools that mutate state.
	ModeReadWrite ExecMode = "read-write"
	// ModeReadOnly restricts workers to inspection tools.
	ModeReadOnly ExecMode = "read-only"
)

// Valid returns true if the mode is a known value.
func (m ExecMode) Valid() bool {
	return m == ModeReadWrite || m == ModeReadOnly
}

// Role is a named capability profile governing a worker's permissions,
// instructions, and concurrency. Roles are resolved once at worker-spawn
// time via the registry lookup table.
type Role struct {
	// Name identifies the role (e.g. "coder", "reviewer").
	Name string `json:"name"`
	// Description is a one-line summary shown to the decomposer.
	Description string `json:"description"`
	// Instructions is the role's instruction template prepended to every prompt.
	Instructions string `json:"instructions"`
	// Mode controls whether workers of this role may mutate the workspace.
	Mode ExecMode `json:"mode"`
	// AllowedTools restricts the tool set; empty means all tools.
	AllowedTools []string `json:"allowed_tools,omitempty"`
	// MaxParallel caps concurrently running workers of this role.
	MaxParallel int `json:"max_parallel"`
	// ModelOverride selects a non-default completion model for this role.
	ModelOverride string `json:"model_override,omitempty"`
	// BudgetWeight scales the per-task budget reservation estimate.
	BudgetWeight float64 `json:"budget_weight"`
	// AutoReview marks completed tasks of this role for an implicit review pass.
	AutoReview bool `json:"auto_review"`
	// RetryTransient allows one retry after a transient completion error.
	RetryTransient bool `json:"retry_transient"`
}

// Registry maps role names to their capability profiles.
type Registry map[string]*Role

// Get returns the role for a name, or nil if unknown.
func (r Registry) Get(name string) *Role {
	return r[name]
}

// Names returns every registered role name, sorted.
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MaxWorkers returns the sum of all role parallelism caps, bounded by
// the global ceiling when it is positive.
func (r Registry) MaxWorkers(globalCeiling int) int {
	total := 0
	for _, role := range r {
		total += role.MaxParallel
	}
	if globalCeiling > 0 && total > globalCeiling {
		return globalCeiling
	}
	return total
}
