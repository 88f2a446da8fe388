package oracle

import (
	"fmt"
	"strings"
)

const (
	assignBegin = "<<ASSIGN-BEGIN>>"
	assignEnd   = "<<ASSIGN-END>>"
)

const systemPrompt = `You group short labels describing visually observable contextual factors into canonical categories.
Reuse an existing group whenever one fits. Create a new group only when none does, and give it a short, general name.
Answer only with the requested JSON.`

// buildPrompt renders the user message for a request. At most examples
// member labels are listed per group.
func buildPrompt(req Request, examples int) string {
	var b strings.Builder

	b.WriteString("Existing groups:\n")
	if len(req.Groups) == 0 {
		b.WriteString("(none yet)\n")
	}
	for i, g := range req.Groups {
		fmt.Fprintf(&b, "Group %d: %s", i+1, g.Name)
		if ex := g.Examples; len(ex) > 0 && examples > 0 {
			if len(ex) > examples {
				ex = ex[:examples]
			}
			fmt.Fprintf(&b, " (e.g. %s)", strings.Join(ex, "; "))
		}
		b.WriteByte('\n')
	}

	b.WriteString("\nLabels to assign:\n")
	for _, l := range req.Labels {
		fmt.Fprintf(&b, "- %s\n", l.Display)
	}

	b.WriteString("\nFor every label, reply with one object. Use \"Group N\" for an existing group or \"NEW: <Name>\" for a new one.\n")
	b.WriteString(assignBegin + "\n")
	b.WriteString(`[{"label": "<label exactly as given>", "group": "Group N"}]` + "\n")
	b.WriteString(assignEnd + "\n")

	return b.String()
}
