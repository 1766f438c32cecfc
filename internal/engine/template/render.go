// Package template substitutes {{TOKEN}} placeholders in notification templates.
package template

import (
	"fmt"
	"html"
	"regexp"
	"sort"
	"strings"

	apperrors "practice-rules-engine/internal/common/errors"
	"practice-rules-engine/internal/models"
)

var tokenPattern = regexp.MustCompile(`\{\{([A-Za-z0-9_.]+)\}\}`)

// Render substitutes known variables into the template body. Unknown tokens
// are left in place verbatim. Values are HTML-escaped for HTML templates.
func Render(tmpl models.Template, vars map[string]string) string {
	return renderText(tmpl.Body, vars, tmpl.Format == models.TemplateFormatHTML)
}

// RenderTitle renders the template title. Titles are always plain text.
func RenderTitle(tmpl models.Template, vars map[string]string) string {
	return renderText(tmpl.Title, vars, false)
}

// RenderString renders an arbitrary template string.
func RenderString(s string, vars map[string]string, escapeHTML bool) string {
	return renderText(s, vars, escapeHTML)
}

func renderText(s string, vars map[string]string, escapeHTML bool) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return tokenPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-2]
		v, ok := vars[name]
		if !ok {
			return match
		}
		if escapeHTML {
			return html.EscapeString(v)
		}
		return v
	})
}

// Tokens lists the distinct variable names referenced by s, sorted.
func Tokens(s string) []string {
	seen := make(map[string]struct{})
	for _, m := range tokenPattern.FindAllStringSubmatch(s, -1) {
		seen[m[1]] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Validate rejects templates that cannot be rendered as intended.
func Validate(tmpl models.Template) error {
	if strings.TrimSpace(tmpl.ID) == "" {
		return apperrors.NewTemplateInvalidError("id is required")
	}
	if strings.TrimSpace(tmpl.Body) == "" {
		return apperrors.NewTemplateInvalidError(fmt.Sprintf("template %s: body is empty", tmpl.ID))
	}
	if strings.TrimSpace(tmpl.Category) == "" {
		return apperrors.NewTemplateInvalidError(fmt.Sprintf("template %s: category is required", tmpl.ID))
	}
	switch tmpl.Format {
	case "", models.TemplateFormatText, models.TemplateFormatHTML:
	default:
		return apperrors.NewTemplateInvalidError(fmt.Sprintf("template %s: unknown format %q", tmpl.ID, tmpl.Format))
	}
	for field, s := range map[string]string{"title": tmpl.Title, "body": tmpl.Body} {
		if err := checkDelimiters(s); err != nil {
			return apperrors.NewTemplateInvalidError(fmt.Sprintf("template %s %s: %v", tmpl.ID, field, err))
		}
	}
	return nil
}

// checkDelimiters requires every "{{" to open a well-formed token.
func checkDelimiters(s string) error {
	rest := s
	offset := 0
	for {
		i := strings.Index(rest, "{{")
		if i < 0 {
			return nil
		}
		loc := tokenPattern.FindStringIndex(rest[i:])
		if loc == nil || loc[0] != 0 {
			end := i + 20
			if end > len(rest) {
				end = len(rest)
			}
			return fmt.Errorf("malformed placeholder at offset %d near %q", offset+i, rest[i:end])
		}
		offset += i + loc[1]
		rest = rest[i+loc[1]:]
	}
}
