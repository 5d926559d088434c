package assembler

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bdobrica/Kioku/internal/kioku/world"
)

// Render formats a bundle as a plain-text block for a narrator prompt.
func Render(b *Bundle) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Location: %s\n%s\n", b.Location.Name, b.Location.Description)
	if len(b.Location.Connections) > 0 {
		dirs := make([]string, 0, len(b.Location.Connections))
		for dir := range b.Location.Connections {
			dirs = append(dirs, dir)
		}
		sort.Strings(dirs)
		fmt.Fprintf(&sb, "Exits: %s\n", strings.Join(dirs, ", "))
	}

	sb.WriteString("\nObjects here:\n")
	writeObjects(&sb, b.ObjectsPresent)

	if len(b.Inventory) > 0 {
		sb.WriteString("\nCarrying:\n")
		writeObjects(&sb, b.Inventory)
	}

	sb.WriteString("\nRecent events:\n")
	if len(b.RecentEvents) == 0 {
		sb.WriteString("- (nothing yet)\n")
	}
	for _, e := range b.RecentEvents {
		fmt.Fprintf(&sb, "- [%s] %s: %s\n", e.Timestamp.UTC().Format(time.DateTime), e.Actor, e.Action)
	}

	if !b.SemanticAvailable {
		fmt.Fprintf(&sb, "\nSemantic memory: %s\n", b.SemanticStatus)
		return sb.String()
	}
	if len(b.SemanticMatches) > 0 {
		sb.WriteString("\nRelated memories:\n")
		for _, m := range b.SemanticMatches {
			fmt.Fprintf(&sb, "- (%.2f) %s\n", m.Score, m.Text)
		}
	}
	if len(b.Patterns) > 0 {
		sb.WriteString("\nPatterns:\n")
		for _, p := range b.Patterns {
			fmt.Fprintf(&sb, "- %s ~ %s (%.2f)\n", p.A.Name, p.B.Name, p.Similarity)
		}
	}
	return sb.String()
}

func writeObjects(sb *strings.Builder, objects []world.Object) {
	if len(objects) == 0 {
		sb.WriteString("- (none)\n")
		return
	}
	for _, o := range objects {
		fmt.Fprintf(sb, "- %s: %s", o.Name, o.Description)
		if keys := o.Properties.Keys(); len(keys) > 0 {
			props := make([]string, len(keys))
			for i, k := range keys {
				props[i] = fmt.Sprintf("%s: %v", k, o.Properties[k])
			}
			fmt.Fprintf(sb, " (%s)", strings.Join(props, ", "))
		}
		sb.WriteString("\n")
	}
}
