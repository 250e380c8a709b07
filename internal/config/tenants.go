package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/droverworks/drover/internal/tenant"
)

// TenantSpec declares per-tenant limits. Budget fields and circuit fields
// are each all-or-nothing: a tenant may have a budget, a circuit breaker,
// both, or neither.
type TenantSpec struct {
	MaxRunsPerHour   int      `yaml:"max_runs_per_hour"`
	MaxTokensPerDay  int      `yaml:"max_tokens_per_day"`
	FailureThreshold int      `yaml:"failure_threshold"`
	Cooldown         Duration `yaml:"cooldown"`
}

// TenantsFile is the parsed tenant definition file.
type TenantsFile struct {
	Tenants map[string]TenantSpec `yaml:"tenants"`
}

// LoadTenantsFile reads and validates a YAML tenant definition file.
func LoadTenantsFile(path string) (*TenantsFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tenants file %s: %w", path, err)
	}
	var f TenantsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse tenants file %s: %w", path, err)
	}

	for id, spec := range f.Tenants {
		if id == "" {
			return nil, fmt.Errorf("tenants file %s: empty tenant id", path)
		}
		if (spec.MaxRunsPerHour > 0) != (spec.MaxTokensPerDay > 0) {
			return nil, fmt.Errorf("tenants file %s: tenant %q: max_runs_per_hour and max_tokens_per_day must be set together", path, id)
		}
		if spec.MaxRunsPerHour < 0 || spec.MaxTokensPerDay < 0 {
			return nil, fmt.Errorf("tenants file %s: tenant %q: budget values must be positive", path, id)
		}
		if (spec.FailureThreshold > 0) != (spec.Cooldown > 0) {
			return nil, fmt.Errorf("tenants file %s: tenant %q: failure_threshold and cooldown must be set together", path, id)
		}
		if spec.FailureThreshold < 0 || spec.Cooldown < 0 {
			return nil, fmt.Errorf("tenants file %s: tenant %q: circuit values must be positive", path, id)
		}
	}
	return &f, nil
}

// IDs returns all tenant ids in sorted order.
func (f *TenantsFile) IDs() []string {
	ids := make([]string, 0, len(f.Tenants))
	for id := range f.Tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Budgets converts the budget-bearing specs to runtime budgets.
func (f *TenantsFile) Budgets() map[string]tenant.Budget {
	out := make(map[string]tenant.Budget)
	for id, spec := range f.Tenants {
		if spec.MaxRunsPerHour > 0 && spec.MaxTokensPerDay > 0 {
			out[id] = tenant.Budget{
				MaxRunsPerHour:  spec.MaxRunsPerHour,
				MaxTokensPerDay: spec.MaxTokensPerDay,
			}
		}
	}
	return out
}

// Circuits converts the circuit-bearing specs to circuit configs.
func (f *TenantsFile) Circuits() map[string]tenant.CircuitConfig {
	out := make(map[string]tenant.CircuitConfig)
	for id, spec := range f.Tenants {
		if spec.FailureThreshold > 0 && spec.Cooldown > 0 {
			out[id] = tenant.CircuitConfig{
				FailureThreshold: spec.FailureThreshold,
				Cooldown:         spec.Cooldown.Std(),
			}
		}
	}
	return out
}
