package vision

import (
	"fmt"
	"strings"

	"dtex/internal/token"
)

const systemPrompt = `You are a design-token extraction engine. You receive one UI screenshot and
return the design tokens it uses as a JSON array. Respond with JSON only, no prose.

Each array element:
  {"kind": "...", "name": "...", "hex": "...", "px": 0, "unit": "px", "raw": "...", "confidence": 0.0, "design_intent": "..."}

Rules:
- kind is one of: color, spacing, typography, shadow, radius, opacity
- color tokens carry hex as "#RRGGBB"; numeric kinds carry px; string kinds carry raw
- name is a semantic slot such as "palette.primary" or "gap.base"
- confidence is your own estimate in (0,1]
- only report tokens you can actually see`

// buildUserPrompt 组装单张图片的用户提示词。
func buildUserPrompt(kinds []token.Kind, hint string, img summaryer) string {
	var b strings.Builder
	b.WriteString("# Screenshot\n")
	b.WriteString(img.Summary())
	b.WriteString("\n\n")
	if len(kinds) > 0 {
		names := make([]string, 0, len(kinds))
		for _, k := range kinds {
			names = append(names, string(k))
		}
		fmt.Fprintf(&b, "Extract only these token kinds: %s.\n", strings.Join(names, ", "))
	} else {
		b.WriteString("Extract every token kind you can identify.\n")
	}
	if hint = strings.TrimSpace(hint); hint != "" {
		b.WriteString("Design context: " + hint + "\n")
	}
	b.WriteString("Return the JSON array now.")
	return b.String()
}

type summaryer interface{ Summary() string }
