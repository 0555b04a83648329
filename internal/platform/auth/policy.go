package auth

import (
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

const policyModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[role_definition]
g = _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = g(r.sub, p.sub) && r.obj == p.obj && r.act == p.act
`

// Rule grants role the right to perform action on object.
type Rule struct {
	Role   string
	Object string
	Action string
}

// roleInheritance lists (senior, junior) pairs: the senior role inherits every
// grant of the junior one.
var roleInheritance = [][2]string{
	{RoleAdmin, RoleManager},
	{RoleManager, RoleDentist},
	{RoleDentist, RoleStaff},
}

// Policy is an in-memory casbin enforcer over the clinic role hierarchy.
type Policy struct {
	enforcer *casbin.SyncedEnforcer
}

func NewPolicy(rules []Rule) (*Policy, error) {
	m, err := model.NewModelFromString(policyModel)
	if err != nil {
		return nil, fmt.Errorf("load policy model: %w", err)
	}
	e, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("create enforcer: %w", err)
	}
	for _, pair := range roleInheritance {
		if _, err := e.AddGroupingPolicy(pair[0], pair[1]); err != nil {
			return nil, fmt.Errorf("add role %s > %s: %w", pair[0], pair[1], err)
		}
	}
	for _, r := range rules {
		if !KnownRole(r.Role) {
			return nil, fmt.Errorf("rule for unknown role %q", r.Role)
		}
		if _, err := e.AddPolicy(r.Role, r.Object, r.Action); err != nil {
			return nil, fmt.Errorf("add rule %v: %w", r, err)
		}
	}
	return &Policy{enforcer: e}, nil
}

// Enforce reports whether role may perform action on object.
func (p *Policy) Enforce(role, object, action string) (bool, error) {
	if !KnownRole(role) {
		return false, nil
	}
	return p.enforcer.Enforce(role, object, action)
}
