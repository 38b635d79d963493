package engine

import (
	"github.com/c360studio/orchestra/definition"
	"github.com/c360studio/orchestra/store"
)

// effectiveRole merges a project role override over the definition's
// role. Each explicit override field wins; persona_tags plus a team
// roster rebuilds the persona pool from matching members and drops any
// fixed persona.
func (e *Engine) effectiveRole(roleName string, base definition.Role) definition.Role {
	override, ok := e.cfg.RoleOverrides[roleName]
	if !ok {
		return base
	}
	role := base
	if override.Agent != "" {
		role.Agent = override.Agent
	}
	if override.Persona != "" {
		role.Persona = override.Persona
	}
	if len(override.PersonaPool) > 0 {
		role.PersonaPool = override.PersonaPool
	}
	if override.PersonaFrom != "" {
		role.PersonaFrom = override.PersonaFrom
	}
	if len(override.Tools) > 0 {
		role.Tools = override.Tools
	}
	if override.FileScope != nil {
		role.FileScope = *override.FileScope
	}
	if len(override.PersonaTags) > 0 && len(e.cfg.Team) > 0 {
		var pool []string
		for _, member := range e.cfg.Team {
			if member.HasTag(override.PersonaTags) {
				pool = append(pool, member.Persona)
			}
		}
		if len(pool) > 0 {
			role.PersonaPool = pool
			role.Persona = ""
		}
	}
	return role
}

// resolvePersona picks the persona for one dispatch. persona_from wins
// when the named param resolves to a string; otherwise a non-empty pool
// rotates round-robin over this role's prior dispatches; otherwise the
// fixed persona (possibly empty) applies.
func (e *Engine) resolvePersona(def *definition.Definition, wf *store.State, roleName string, role definition.Role) string {
	if role.PersonaFrom != "" {
		if persona, ok := wf.Params[role.PersonaFrom].(string); ok && persona != "" {
			return persona
		}
	}
	if len(role.PersonaPool) > 0 {
		k := priorRoleDispatches(def, wf, roleName)
		return role.PersonaPool[k%len(role.PersonaPool)]
	}
	return role.Persona
}

// priorRoleDispatches counts history entries assigned to roleName,
// excluding the current entry being set up. Interleaved dispatches of
// other roles do not advance the rotation.
func priorRoleDispatches(def *definition.Definition, wf *store.State, roleName string) int {
	if len(wf.History) == 0 {
		return 0
	}
	count := 0
	for _, entry := range wf.History[:len(wf.History)-1] {
		stateDef, ok := def.State(entry.State)
		if ok && stateDef.Kind == definition.KindAgent && stateDef.Assign == roleName {
			count++
		}
	}
	return count
}
