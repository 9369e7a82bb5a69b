// Package privilege answers whether the agent runs elevated and whether a
// tweak needs it to.
package privilege

import "github.com/breeze-rmm/tweakagent/internal/tweak"

// elevatedCommandTypes always need administrator rights, whatever the
// definition says.
var elevatedCommandTypes = map[tweak.CommandType]bool{
	tweak.CommandService: true,
	tweak.CommandPower:   true,
}

// RequiresElevation reports whether def must run in an elevated agent.
// Registry writes are checked per hive by the registry module instead.
func RequiresElevation(def tweak.Definition) bool {
	return def.RequiresAdmin || elevatedCommandTypes[def.CommandType]
}
