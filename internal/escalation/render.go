package escalation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var varPattern = regexp.MustCompile(`\{\{([^}]+)\}\}`)

// Render substitutes {{field}} placeholders with vars.
// Unknown placeholders are kept verbatim; rendering never fails.
func Render(template string, vars map[string]any) string {
	if template == "" {
		return template
	}

	return varPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := strings.TrimSpace(match[2 : len(match)-2])
		if value, ok := vars[name]; ok && value != nil {
			return formatValue(value)
		}
		return match
	})
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
