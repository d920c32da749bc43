package rbac

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the on-disk form of statements and role grants
type PolicyFile struct {
	Statements []PolicyStatement `yaml:"statements"`
	Roles      []PolicyRole      `yaml:"roles"`
}

// PolicyStatement declares the actions of one resource
type PolicyStatement struct {
	Resource string   `yaml:"resource"`
	Actions  []string `yaml:"actions"`
}

// PolicyRole declares one role
type PolicyRole struct {
	Name   string              `yaml:"name"`
	Kind   string              `yaml:"kind"`
	All    bool                `yaml:"all,omitempty"`
	Grants map[string][]string `yaml:"grants,omitempty"`
}

// LoadPolicyFile reads a YAML policy and builds a sealed role set from it.
// Statements default to DefaultStatements and roles to BuiltInRoles when
// the file omits them.
func LoadPolicyFile(path string) (*RoleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy builds a sealed role set from YAML policy data
func ParsePolicy(data []byte) (*RoleSet, error) {
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	statements := DefaultStatements()
	if len(pf.Statements) > 0 {
		statements = make([]Statement, 0, len(pf.Statements))
		for _, ps := range pf.Statements {
			st := Statement{Resource: Resource(ps.Resource)}
			for _, a := range ps.Actions {
				st.Actions = append(st.Actions, Action(a))
			}
			statements = append(statements, st)
		}
	}

	roles := BuiltInRoles()
	if len(pf.Roles) > 0 {
		roles = make([]RoleDefinition, 0, len(pf.Roles))
		for _, pr := range pf.Roles {
			def := RoleDefinition{
				Name:   RoleName(pr.Name),
				Kind:   RoleKind(pr.Kind),
				All:    pr.All,
				Grants: Grants{},
			}
			for resource, actions := range pr.Grants {
				for _, a := range actions {
					def.Grants[Resource(resource)] = append(def.Grants[Resource(resource)], Action(a))
				}
			}
			roles = append(roles, def)
		}
	}

	return BuildRoleSet(statements, roles)
}
