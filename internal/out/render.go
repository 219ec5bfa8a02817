package out

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/ggonzalez94/yieldvault/internal/config"
	"github.com/ggonzalez94/yieldvault/internal/model"
)

func Render(w io.Writer, env model.Envelope, settings config.Settings) error {
	data := env.Data
	if len(settings.SelectFields) > 0 {
		data = project(data, settings.SelectFields)
	}

	if settings.ResultsOnly {
		if settings.OutputMode == "json" {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(data)
		}
		return renderPlain(w, data)
	}

	if settings.OutputMode == "json" {
		env.Data = data
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(env)
	}

	plain := map[string]any{
		"success":  env.Success,
		"data":     data,
		"warnings": env.Warnings,
		"meta":     env.Meta,
	}
	if env.Error != nil {
		plain["error"] = env.Error
	}
	return renderPlain(w, plain)
}

// renderPlain prints one key=value line per object. Nested objects are
// flattened into dotted keys matching --select paths, and lists of objects
// (batch records, ranked opportunities) follow their parent on indented lines.
func renderPlain(w io.Writer, data any) error {
	lines := plainLines(normalizeValue(data), "")
	if len(lines) == 0 {
		lines = []string{"[]"}
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func plainLines(v any, indent string) []string {
	switch t := v.(type) {
	case []any:
		var lines []string
		for _, item := range t {
			lines = append(lines, plainLines(item, indent)...)
		}
		return lines
	case map[string]any:
		fields := map[string]string{}
		lists := map[string][]any{}
		flatten("", t, fields, lists)
		lines := []string{indent + joinFields(fields)}
		for _, key := range sortedKeys(lists) {
			lines = append(lines, fmt.Sprintf("%s%s: %d", indent, key, len(lists[key])))
			lines = append(lines, plainLines(lists[key], indent+"  ")...)
		}
		return lines
	default:
		return []string{indent + scalar(t)}
	}
}

func flatten(prefix string, m map[string]any, fields map[string]string, lists map[string][]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch t := v.(type) {
		case map[string]any:
			flatten(key, t, fields, lists)
		case []any:
			if len(t) > 0 && isObject(t[0]) {
				lists[key] = t
				continue
			}
			parts := make([]string, len(t))
			for i, item := range t {
				parts[i] = scalar(item)
			}
			fields[key] = strings.Join(parts, ",")
		default:
			fields[key] = scalar(t)
		}
	}
}

func isObject(v any) bool {
	_, ok := v.(map[string]any)
	return ok
}

func joinFields(fields map[string]string) string {
	keys := sortedKeys(fields)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	return strings.Join(parts, " ")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// scalar prints amounts exactly; values with spaces are quoted so a line
// still splits on whitespace.
func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		if t == "" || strings.ContainsAny(t, " \t") {
			return strconv.Quote(t)
		}
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}

func project(data any, fields []string) any {
	n := normalizeValue(data)
	switch t := n.(type) {
	case []any:
		out := make([]map[string]any, 0, len(t))
		for _, item := range t {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			out = append(out, projectMap(m, fields))
		}
		return out
	case map[string]any:
		return projectMap(t, fields)
	default:
		return n
	}
}

// projectMap keeps the selected fields. A dotted field such as
// "state.liquid" reaches into nested objects and is keyed by its full path.
func projectMap(m map[string]any, fields []string) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := lookup(m, f); ok {
			out[f] = v
		}
	}
	return out
}

func lookup(m map[string]any, path string) (any, bool) {
	if v, ok := m[path]; ok {
		return v, true
	}
	head, rest, nested := strings.Cut(path, ".")
	if !nested {
		return nil, false
	}
	child, ok := m[head].(map[string]any)
	if !ok {
		return nil, false
	}
	return lookup(child, rest)
}

// normalizeValue round-trips v through JSON so every shape renders the same
// way. Numbers stay json.Number: share and asset amounts exceed float64.
func normalizeValue(v any) any {
	buf, err := json.Marshal(v)
	if err != nil {
		return v
	}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return v
	}
	return out
}
