package export

import (
	"fmt"
	"strings"

	"dtex/internal/token"
)

// CSSGenerator 输出 CSS 自定义属性（:root 变量块）。
// 变量名取 --<kind>-<name>，名称已做 slug 化处理。
type CSSGenerator struct{}

func (CSSGenerator) Format() string        { return "css" }
func (CSSGenerator) FileExtension() string { return "css" }

func (CSSGenerator) Generate(res *token.RunResult) ([]byte, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "/* generated from extraction run %s */\n", res.RunID)
	b.WriteString(":root {\n")
	for _, kind := range token.Kinds() {
		lib := res.Library(kind)
		if lib == nil || len(lib.Tokens) == 0 {
			continue
		}
		for _, at := range lib.Tokens {
			name := cssSlug(at.Token.Name)
			if name == "" {
				continue
			}
			value := cssValue(kind, at.Token.Value)
			if value == "" {
				continue
			}
			fmt.Fprintf(&b, "  --%s-%s: %s;\n", kind, name, value)
		}
	}
	b.WriteString("}\n")
	return []byte(b.String()), nil
}

func cssValue(kind token.Kind, v token.Value) string {
	switch kind {
	case token.KindColor:
		return strings.ToUpper(strings.TrimSpace(v.Hex))
	case token.KindOpacity:
		return fmt.Sprintf("%g", v.Px)
	case token.KindSpacing, token.KindRadius:
		unit := strings.TrimSpace(v.Unit)
		if unit == "" {
			unit = "px"
		}
		return fmt.Sprintf("%g%s", v.Px, unit)
	default:
		return strings.TrimSpace(v.Raw)
	}
}

func cssSlug(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	lastDash := true
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
