package feeder

import "strings"

// SubstitutePlaceholders replaces every {{field}} in template with the value
// from record. Unknown fields are left as written. Substituted values are not
// scanned again.
func SubstitutePlaceholders(template string, record Record) string {
	if len(record) == 0 || !strings.Contains(template, "{{") {
		return template
	}

	var b strings.Builder
	b.Grow(len(template))
	rest := template
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			break
		}
		end := strings.Index(rest[start+2:], "}}")
		if end < 0 {
			break
		}
		name := rest[start+2 : start+2+end]
		b.WriteString(rest[:start])
		if value, ok := record[strings.TrimSpace(name)]; ok {
			b.WriteString(value)
		} else {
			b.WriteString(rest[start : start+4+end])
		}
		rest = rest[start+4+end:]
	}
	b.WriteString(rest)
	return b.String()
}
