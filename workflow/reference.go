package workflow

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*(.*?)\s*\}\}`)

// PathSegment is one accessor of an access path.
type PathSegment struct {
	Key     string
	Index   int
	IsIndex bool
}

func (s PathSegment) String() string {
	if s.IsIndex {
		return fmt.Sprintf("[%d]", s.Index)
	}
	return fmt.Sprintf("[%q]", s.Key)
}

// Placeholder wraps a path in template delimiters.
func Placeholder(path string) string {
	return "{{ " + path + " }}"
}

func isWholePlaceholder(s string) bool {
	loc := placeholderPattern.FindStringSubmatchIndex(s)
	return loc != nil && loc[0] == 0 && loc[1] == len(s)
}

func placeholderPath(s string) string {
	m := placeholderPattern.FindStringSubmatch(s)
	if m == nil {
		return ""
	}
	return m[1]
}

// ParsePath splits `base["key"][0]['other']` into its base variable and
// accessors.
func ParsePath(path string) (string, []PathSegment, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil, &ReferenceError{Kind: RefErrEmptyPath, Path: path, Reason: "empty access path"}
	}

	i := 0
	for i < len(path) && isIdentByte(path[i], i == 0) {
		i++
	}
	if i == 0 {
		return "", nil, &ReferenceError{Kind: RefErrMalformedPath, Path: path, Reason: "path must start with an identifier"}
	}
	base := path[:i]

	var segments []PathSegment
	for i < len(path) {
		if path[i] != '[' {
			return "", nil, &ReferenceError{Kind: RefErrMalformedPath, Path: path, Reason: fmt.Sprintf("unexpected %q at offset %d", path[i], i)}
		}
		i++
		for i < len(path) && path[i] == ' ' {
			i++
		}
		if i >= len(path) {
			return "", nil, &ReferenceError{Kind: RefErrMalformedPath, Path: path, Reason: "unterminated accessor"}
		}

		var seg PathSegment
		switch q := path[i]; {
		case q == '\'' || q == '"':
			end := strings.IndexByte(path[i+1:], q)
			if end < 0 {
				return "", nil, &ReferenceError{Kind: RefErrMalformedPath, Path: path, Reason: "unterminated string key"}
			}
			seg.Key = path[i+1 : i+1+end]
			i += end + 2
		case q >= '0' && q <= '9':
			start := i
			for i < len(path) && path[i] >= '0' && path[i] <= '9' {
				i++
			}
			n, err := strconv.Atoi(path[start:i])
			if err != nil {
				return "", nil, &ReferenceError{Kind: RefErrMalformedPath, Path: path, Reason: err.Error()}
			}
			seg.Index = n
			seg.IsIndex = true
		default:
			return "", nil, &ReferenceError{Kind: RefErrMalformedPath, Path: path, Reason: "accessor must be a quoted key or a non-negative index"}
		}

		for i < len(path) && path[i] == ' ' {
			i++
		}
		if i >= len(path) || path[i] != ']' {
			return "", nil, &ReferenceError{Kind: RefErrMalformedPath, Path: path, Reason: "missing ]"}
		}
		i++
		segments = append(segments, seg)
	}
	return base, segments, nil
}

func isIdentByte(b byte, first bool) bool {
	switch {
	case b == '_', b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z':
		return true
	case b >= '0' && b <= '9':
		return !first
	default:
		return false
	}
}

// ResolvePath looks up an access path against the execution state.
func ResolvePath(path string, vars map[string]any) (any, error) {
	base, segments, err := ParsePath(path)
	if err != nil {
		return nil, err
	}
	cur, ok := vars[base]
	if !ok {
		return nil, &ReferenceError{Kind: RefErrMissingVariable, Path: path, Reason: fmt.Sprintf("variable %q is not defined", base)}
	}
	for _, seg := range segments {
		if seg.IsIndex {
			cur, err = indexValue(path, seg, cur)
		} else {
			cur, err = keyValue(path, seg, cur)
		}
		if err != nil {
			return nil, err
		}
	}
	return cur, nil
}

func keyValue(path string, seg PathSegment, cur any) (any, error) {
	switch m := cur.(type) {
	case map[string]any:
		v, ok := m[seg.Key]
		if !ok {
			return nil, &ReferenceError{Kind: RefErrMissingKey, Path: path, Segment: seg.String()}
		}
		return v, nil
	case map[string]string:
		v, ok := m[seg.Key]
		if !ok {
			return nil, &ReferenceError{Kind: RefErrMissingKey, Path: path, Segment: seg.String()}
		}
		return v, nil
	}

	rv := reflect.ValueOf(cur)
	if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
		return nil, &ReferenceError{Kind: RefErrNotAMap, Path: path, Segment: seg.String(), Reason: fmt.Sprintf("value is %s", typeName(cur))}
	}
	v := rv.MapIndex(reflect.ValueOf(seg.Key).Convert(rv.Type().Key()))
	if !v.IsValid() {
		return nil, &ReferenceError{Kind: RefErrMissingKey, Path: path, Segment: seg.String()}
	}
	return v.Interface(), nil
}

func indexValue(path string, seg PathSegment, cur any) (any, error) {
	if list, ok := cur.([]any); ok {
		if seg.Index >= len(list) {
			return nil, &ReferenceError{Kind: RefErrIndexOutOfRange, Path: path, Segment: seg.String(), Reason: fmt.Sprintf("length is %d", len(list))}
		}
		return list[seg.Index], nil
	}

	rv := reflect.ValueOf(cur)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, &ReferenceError{Kind: RefErrNotASequence, Path: path, Segment: seg.String(), Reason: fmt.Sprintf("value is %s", typeName(cur))}
	}
	if seg.Index >= rv.Len() {
		return nil, &ReferenceError{Kind: RefErrIndexOutOfRange, Path: path, Segment: seg.String(), Reason: fmt.Sprintf("length is %d", rv.Len())}
	}
	return rv.Index(seg.Index).Interface(), nil
}

// ResolveValue substitutes every placeholder in v. A string that is exactly
// one placeholder yields the referenced value with its type intact; embedded
// placeholders are stringified in place, with null for absent values.
// Lists and maps are resolved recursively, keys included.
func ResolveValue(v any, vars map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return resolveString(val, vars)

	case []any:
		out := make([]any, len(val))
		for i, el := range val {
			r, err := ResolveValue(el, vars)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil

	case []string:
		out := make([]any, len(val))
		for i, el := range val {
			r, err := resolveString(el, vars)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil

	case map[string]any:
		out := make(map[string]any, len(val))
		for k, el := range val {
			key, err := resolveKey(k, vars)
			if err != nil {
				return nil, err
			}
			r, err := ResolveValue(el, vars)
			if err != nil {
				return nil, err
			}
			out[key] = r
		}
		return out, nil

	case map[string]string:
		out := make(map[string]any, len(val))
		for k, el := range val {
			key, err := resolveKey(k, vars)
			if err != nil {
				return nil, err
			}
			r, err := resolveString(el, vars)
			if err != nil {
				return nil, err
			}
			out[key] = r
		}
		return out, nil

	default:
		return v, nil
	}
}

// ResolveArgs resolves every argument of an action node.
func ResolveArgs(args map[string]any, vars map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args))
	for k, v := range args {
		r, err := ResolveValue(v, vars)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", k, err)
		}
		out[k] = r
	}
	return out, nil
}

func resolveKey(k string, vars map[string]any) (string, error) {
	r, err := resolveString(k, vars)
	if err != nil {
		return "", err
	}
	if s, ok := r.(string); ok {
		return s, nil
	}
	return stringify(r), nil
}

func resolveString(s string, vars map[string]any) (any, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		return ResolvePath(s[matches[0][2]:matches[0][3]], vars)
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		v, err := ResolvePath(s[m[2]:m[3]], vars)
		if err != nil {
			refErr, ok := err.(*ReferenceError)
			if !ok || !refErr.missingValue() {
				return nil, err
			}
			v = nil
		}
		b.WriteString(stringify(v))
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

// References lists the base variables referenced by placeholders anywhere
// in v, in first occurrence order.
func References(v any) ([]string, error) {
	var refs []string
	seen := make(map[string]bool)
	add := func(s string) error {
		for _, m := range placeholderPattern.FindAllStringSubmatch(s, -1) {
			base, _, err := ParsePath(m[1])
			if err != nil {
				return err
			}
			if !seen[base] {
				seen[base] = true
				refs = append(refs, base)
			}
		}
		return nil
	}

	var walk func(any) error
	walk = func(v any) error {
		switch val := v.(type) {
		case string:
			return add(val)
		case []any:
			for _, el := range val {
				if err := walk(el); err != nil {
					return err
				}
			}
		case []string:
			for _, el := range val {
				if err := add(el); err != nil {
					return err
				}
			}
		case map[string]any:
			for _, k := range sortedKeys(val) {
				if err := add(k); err != nil {
					return err
				}
				if err := walk(val[k]); err != nil {
					return err
				}
			}
		case map[string]string:
			for _, k := range sortedKeys(val) {
				if err := add(k); err != nil {
					return err
				}
				if err := add(val[k]); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(v); err != nil {
		return nil, err
	}
	return refs, nil
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
