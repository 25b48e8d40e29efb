package router

import (
	"sort"
	"strings"
	"unicode"

	kit "tickbot/internal/transport"
)

// sanitizeTelegramCommand converts a command name into a Telegram-safe bot
// command. Telegram command names are restricted to [a-z0-9_]{1,32}.
func sanitizeTelegramCommand(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))
	lastUnderscore := false
	for _, r := range s {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '_' || r == '-' || r == '/' || unicode.IsSpace(r):
			if b.Len() > 0 && !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}

	out := strings.Trim(b.String(), "_")
	if len(out) > 32 {
		out = strings.TrimRight(out[:32], "_")
	}
	if out == "" {
		return ""
	}
	// Telegram clients expect commands to start with a letter.
	if out[0] >= '0' && out[0] <= '9' {
		out = strings.TrimRight(("cmd_" + out)[:min(32, len(out)+4)], "_")
	}
	return out
}

func buildMenuCommands(cmds []Command) []kit.BotCommand {
	byCmd := map[string]string{}
	for _, c := range cmds {
		name := sanitizeTelegramCommand(c.Name)
		if name == "" {
			continue
		}
		desc := strings.ReplaceAll(strings.TrimSpace(c.Description), "\n", " ")
		if desc == "" {
			desc = name
		}
		if c.Access == AccessOwnerOnly {
			desc = "🔒 " + desc
		}
		if len(desc) > 256 {
			desc = desc[:256]
		}
		byCmd[name] = desc
	}

	names := make([]string, 0, len(byCmd))
	for n := range byCmd {
		names = append(names, n)
	}
	sort.Strings(names)

	out := make([]kit.BotCommand, 0, len(names))
	for _, n := range names {
		out = append(out, kit.BotCommand{Command: n, Description: byCmd[n]})
		if len(out) >= 100 {
			break
		}
	}
	return out
}
