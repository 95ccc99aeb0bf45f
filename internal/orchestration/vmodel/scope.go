package vmodel

import "alex/internal/orchestration/model"

// SubContextScope implements Scope over one agent's SubContext plus its
// run/team back-references, matching spec §4.10's prefix table exactly.
type SubContextScope struct {
	Sub *model.SubContext
}

// NewSubContextScope builds the standard V-Model scope for sub.
func NewSubContextScope(sub *model.SubContext) *SubContextScope {
	return &SubContextScope{Sub: sub}
}

// Root resolves one V-Model prefix to its backing Go value.
func (s *SubContextScope) Root(prefix Prefix) (any, bool) {
	if s.Sub == nil {
		return nil, false
	}
	switch prefix {
	case PrefixState:
		var st model.SubContextState
		s.Sub.ReadLocked(func(state model.SubContextState) { st = state })
		return st, true
	case PrefixMeta:
		return s.Sub.Meta, true
	case PrefixFlags:
		var fl model.Flags
		s.Sub.ReadLocked(func(state model.SubContextState) { fl = state.Flags })
		return fl, true
	case PrefixInitialParams:
		var params map[string]any
		s.Sub.ReadLocked(func(state model.SubContextState) { params = state.InitialParameters })
		return params, true
	case PrefixTeam:
		if s.Sub.Refs.Team == nil {
			return nil, false
		}
		return s.Sub.Refs.Team, true
	case PrefixRun:
		if s.Sub.Refs.Run == nil {
			return nil, false
		}
		return s.Sub.Refs.Run.Meta, true
	case PrefixConfig:
		if s.Sub.Refs.Run == nil {
			return nil, false
		}
		return s.Sub.Refs.Run.Config, true
	case PrefixPrincipal:
		return roleState(s.Sub, model.RolePrincipal)
	case PrefixPartner:
		return roleState(s.Sub, model.RolePartner)
	}
	return nil, false
}

func roleState(sub *model.SubContext, role model.AssignedRole) (any, bool) {
	if sub.Refs.Run == nil {
		return nil, false
	}
	target, ok := sub.Refs.Run.SubContextByRole(role)
	if !ok {
		return nil, false
	}
	var st model.SubContextState
	target.ReadLocked(func(s model.SubContextState) { st = s })
	return st, true
}
