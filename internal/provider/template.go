package provider

import "regexp"

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_]+)\}`)

// RenderTemplate substitutes {key} placeholders with the recipient params.
// Missing or empty values render as <unknown> so a half-filled audience
// import is visible in previews instead of producing broken text.
func RenderTemplate(template string, data map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		key := m[1 : len(m)-1]
		if v, ok := data[key]; ok && v != "" {
			return v
		}
		return "<unknown>"
	})
}
