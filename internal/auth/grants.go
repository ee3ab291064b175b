package auth

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
)

//go:embed model.conf
var grantsModel string

//go:embed policy.csv
var grantsPolicy string

// LoadGrants evaluates a casbin RBAC policy into a flat subject -> permissions
// table. Subjects inherit through g lines. An empty path uses the embedded
// policy. The enforcer is discarded afterwards; the table is what the Model keeps.
func LoadGrants(policyPath string, subjects []string) (map[string][]string, error) {
	m, err := model.NewModelFromString(grantsModel)
	if err != nil {
		return nil, fmt.Errorf("load grants model: %w", err)
	}

	var e *casbin.Enforcer
	if policyPath != "" {
		if _, statErr := os.Stat(policyPath); statErr != nil {
			return nil, fmt.Errorf("grants policy %s: %w", policyPath, statErr)
		}
		e, err = casbin.NewEnforcer(m, fileadapter.NewAdapter(policyPath))
	} else {
		e, err = casbin.NewEnforcer(m)
		if err == nil {
			err = loadEmbeddedPolicy(e, grantsPolicy)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create grants enforcer: %w", err)
	}

	out := make(map[string][]string, len(subjects))
	for _, subject := range subjects {
		rules, err := e.GetImplicitPermissionsForUser(subject)
		if err != nil {
			return nil, fmt.Errorf("resolve grants for %s: %w", subject, err)
		}
		for _, rule := range rules {
			if len(rule) < 2 {
				continue
			}
			out[subject] = append(out[subject], rule[1])
		}
	}
	return out, nil
}

// GrantSubjects lists the subjects LoadGrants should resolve for a hierarchy.
func GrantSubjects(hierarchy, superAdmins []Role) []string {
	subjects := make([]string, 0, len(hierarchy)+len(superAdmins)+len(AccountLevels))
	for _, r := range hierarchy {
		subjects = append(subjects, string(normalizeRole(r)))
	}
	for _, r := range superAdmins {
		subjects = append(subjects, string(normalizeRole(r)))
	}
	for _, lvl := range AccountLevels {
		subjects = append(subjects, LevelSubject(lvl))
	}
	return subjects
}

func loadEmbeddedPolicy(e *casbin.Enforcer, policy string) error {
	for _, line := range strings.Split(policy, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) != 3 {
			return fmt.Errorf("malformed policy line %q", line)
		}
		var err error
		switch parts[0] {
		case "p":
			_, err = e.AddPolicy(parts[1], parts[2])
		case "g":
			_, err = e.AddGroupingPolicy(parts[1], parts[2])
		default:
			err = fmt.Errorf("unknown policy type %q", parts[0])
		}
		if err != nil {
			return fmt.Errorf("add policy %q: %w", line, err)
		}
	}
	return nil
}
