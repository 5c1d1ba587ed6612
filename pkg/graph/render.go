package graph

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ErrTemplate is returned for malformed templates or unknown placeholders.
var ErrTemplate = errors.New("invalid template")

// TemplateValues returns the placeholder values available to Render.
// Values from rc.Vars override the built-in names.
func (rc RunContext) TemplateValues() map[string]string {
	d := rc.LogicalDate.UTC()
	values := map[string]string{
		"ds":        d.Format("2006-01-02"),
		"ds_nodash": d.Format("20060102"),
		"ts":        d.Format(time.RFC3339),
		"year":      fmt.Sprintf("%04d", d.Year()),
		"month":     fmt.Sprintf("%02d", int(d.Month())),
		"day":       fmt.Sprintf("%02d", d.Day()),
		"hour":      fmt.Sprintf("%02d", d.Hour()),
		"run_id":    rc.RunID,
	}
	for k, v := range rc.Vars {
		values[k] = v
	}
	return values
}

// Render substitutes {name} placeholders in tmpl. A template without
// placeholders is returned unchanged, so static prefixes such as
// "song-data" are valid templates.
func Render(tmpl string, rc RunContext) (string, error) {
	if !strings.ContainsAny(tmpl, "{}") {
		return tmpl, nil
	}
	values := rc.TemplateValues()
	var b strings.Builder
	rest := tmpl
	for {
		open := strings.IndexByte(rest, '{')
		closing := strings.IndexByte(rest, '}')
		if open < 0 {
			if closing >= 0 {
				return "", errors.Wrapf(ErrTemplate, "unbalanced '}' in %q", tmpl)
			}
			b.WriteString(rest)
			return b.String(), nil
		}
		if closing >= 0 && closing < open {
			return "", errors.Wrapf(ErrTemplate, "unbalanced '}' in %q", tmpl)
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return "", errors.Wrapf(ErrTemplate, "unclosed '{' in %q", tmpl)
		}
		name := strings.TrimSpace(rest[open+1 : open+end])
		value, ok := values[name]
		if !ok {
			return "", errors.Wrapf(ErrTemplate, "unknown placeholder {%s} in %q", name, tmpl)
		}
		b.WriteString(rest[:open])
		b.WriteString(value)
		rest = rest[open+end+1:]
	}
}
