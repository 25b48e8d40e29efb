package router

import (
	"sort"
	"strings"
)

// helpText lists the commands visible to the caller, or details one command
// when args name it.
func (m *CommandManager) helpText(args []string, owner bool) string {
	cmds := m.registered()

	if len(args) > 0 {
		name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(args[0]), "/"))
		c, ok := m.lookup(name)
		if !ok {
			return "Unknown command /" + name + ". Try /help"
		}
		var b strings.Builder
		b.WriteString("/" + c.Name)
		if c.Description != "" {
			b.WriteString(" - " + c.Description)
		}
		if c.Usage != "" {
			b.WriteString("\nUsage: " + c.Usage)
		}
		if len(c.Aliases) > 0 {
			b.WriteString("\nAliases: /" + strings.Join(c.Aliases, ", /"))
		}
		if c.Access == AccessOwnerOnly {
			b.WriteString("\nOwner only.")
		}
		return b.String()
	}

	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, c := range cmds {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Name
		}
		b.WriteString(usage)
		if c.Description != "" {
			b.WriteString(" - " + c.Description)
		}
		b.WriteByte('\n')
	}
	b.WriteString("\nUse /help <command> for details.")
	return b.String()
}
