package commands

import (
	"html"
	"strings"
)

func (r *Router) helpText() string {
	r.mu.RLock()
	cmds := append([]Command(nil), r.ordered...)
	r.mu.RUnlock()

	var b strings.Builder
	b.WriteString("<b>可用命令</b>\n")
	for _, c := range cmds {
		if c.Hidden {
			continue
		}
		usage := c.Usage
		if usage == "" {
			usage = "/" + c.Route
		}
		b.WriteString("\n<code>")
		b.WriteString(html.EscapeString(usage))
		b.WriteString("</code>")
		if c.Description != "" {
			b.WriteString("\n  ")
			b.WriteString(html.EscapeString(c.Description))
		}
	}
	return b.String()
}
