// Package fields resolves dotted key paths against feed items and renders
// the values for notification messages.
package fields

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"rss_notify/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Placeholder is rendered for values that are absent from the item.
const Placeholder = "..."

// Resolve walks item along the dot-separated path. It reports false as
// soon as a segment is missing or the current node is not an object.
func Resolve(item model.Item, path string) (any, bool) {
	var cur any = map[string]any(item)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Render formats a resolved value for display and applies the
// replacement rules in order.
func Render(value any, replacements []model.Replacement) string {
	if value == nil {
		return Placeholder
	}
	return Replace(format(value), replacements)
}

// Replace applies each rule as a global find-and-replace. Targets are
// regular expressions; a target that does not compile is matched
// literally. Rules with an empty target or value are skipped.
func Replace(s string, replacements []model.Replacement) string {
	for _, r := range replacements {
		if r.Target == "" || r.Value == "" {
			continue
		}
		re, err := regexp.Compile(r.Target)
		if err != nil {
			s = strings.ReplaceAll(s, r.Target, r.Value)
			continue
		}
		s = re.ReplaceAllLiteralString(s, r.Value)
	}
	return s
}

func format(value any) string {
	switch v := value.(type) {
	case []any:
		parts := make([]string, 0, len(v))
		for _, el := range flatten(v) {
			parts = append(parts, formatElement(el))
		}
		return strings.Join(parts, ", ")
	case map[string]any:
		return encode(v)
	case string:
		return strings.TrimSpace(v)
	default:
		return scalar(v)
	}
}

func flatten(values []any) []any {
	out := make([]any, 0, len(values))
	for _, v := range values {
		if nested, ok := v.([]any); ok {
			out = append(out, nested...)
			continue
		}
		out = append(out, v)
	}
	return out
}

func formatElement(el any) string {
	switch v := el.(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any, []any:
		return encode(v)
	default:
		return scalar(v)
	}
}

func scalar(v any) string {
	switch n := v.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(n)
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	default:
		return encode(n)
	}
}

func encode(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return Placeholder
	}
	return string(b)
}

// Paths lists the dotted path of every leaf in item, sorted. Nested
// objects are descended; arrays are leaves.
func Paths(item model.Item) []string {
	var out []string
	collect(map[string]any(item), "", &out)
	sort.Strings(out)
	return out
}

func collect(obj map[string]any, prefix string, out *[]string) {
	for key, v := range obj {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			collect(nested, path, out)
			continue
		}
		*out = append(*out, path)
	}
}

// Sync rebuilds a selection list from the paths found in item. Existing
// selections are kept for paths that still exist; new paths are added as
// selected fields.
func Sync(existing []model.FieldSelection, item model.Item) []model.FieldSelection {
	byPath := make(map[string]model.FieldSelection, len(existing))
	for _, f := range existing {
		if _, ok := byPath[f.Path]; !ok {
			byPath[f.Path] = f
		}
	}

	paths := Paths(item)
	out := make([]model.FieldSelection, 0, len(paths))
	for _, p := range paths {
		if f, ok := byPath[p]; ok {
			out = append(out, f)
			continue
		}
		out = append(out, model.FieldSelection{
			ID:         uuid.NewString(),
			Path:       p,
			IsSelected: true,
		})
	}
	return out
}
