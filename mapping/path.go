package mapping

import (
	"fmt"
	"strconv"
	"strings"
)

type absentValue struct{}

func (absentValue) String() string { return "<absent>" }

// Absent is returned by path lookups that find nothing. It is distinct from a
// present nil value.
var Absent any = absentValue{}

func IsAbsent(value any) bool {
	_, ok := value.(absentValue)
	return ok
}

type segment struct {
	field   string
	hasName bool
	indexes []int
}

// Path is a parsed dotted path such as items[0].name.
type Path struct {
	raw      string
	segments []segment
}

func ParsePath(raw string) (Path, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Path{}, newMappingError(raw, "path is required")
	}
	parts := strings.Split(trimmed, ".")
	segments := make([]segment, 0, len(parts))
	for _, part := range parts {
		seg, err := parseSegment(part)
		if err != nil {
			return Path{}, newMappingError(raw, err.Error())
		}
		segments = append(segments, seg)
	}
	return Path{raw: trimmed, segments: segments}, nil
}

func MustParsePath(raw string) Path {
	path, err := ParsePath(raw)
	if err != nil {
		panic(err)
	}
	return path
}

func parseSegment(part string) (segment, error) {
	part = strings.TrimSpace(part)
	if part == "" {
		return segment{}, fmt.Errorf("empty path segment")
	}
	bracket := strings.IndexByte(part, '[')
	if bracket < 0 {
		if strings.ContainsRune(part, ']') {
			return segment{}, fmt.Errorf("unbalanced index in segment %q", part)
		}
		return segment{field: part, hasName: true}, nil
	}
	seg := segment{field: part[:bracket], hasName: bracket > 0}
	rest := part[bracket:]
	for rest != "" {
		if rest[0] != '[' {
			return segment{}, fmt.Errorf("unexpected %q after index in segment %q", rest, part)
		}
		end := strings.IndexByte(rest, ']')
		if end < 0 {
			return segment{}, fmt.Errorf("unbalanced index in segment %q", part)
		}
		body := strings.TrimSpace(rest[1:end])
		index, err := strconv.Atoi(body)
		if err != nil {
			return segment{}, fmt.Errorf("index %q in segment %q is not an integer", body, part)
		}
		if index < 0 {
			return segment{}, fmt.Errorf("negative index %d in segment %q", index, part)
		}
		seg.indexes = append(seg.indexes, index)
		rest = rest[end+1:]
	}
	return seg, nil
}

func (p Path) String() string {
	return p.raw
}

func (p Path) IsZero() bool {
	return len(p.segments) == 0
}

// Get resolves the path against doc and returns Absent when any step is
// missing, nil, or of the wrong shape.
func (p Path) Get(doc any) any {
	if p.IsZero() {
		return Absent
	}
	current := doc
	for _, seg := range p.segments {
		if seg.hasName {
			object, ok := current.(map[string]any)
			if !ok {
				return Absent
			}
			next, found := object[seg.field]
			if !found {
				return Absent
			}
			current = next
		}
		for _, index := range seg.indexes {
			list, ok := current.([]any)
			if !ok || index >= len(list) {
				return Absent
			}
			current = list[index]
		}
	}
	return current
}

// Set writes value at the path inside doc and returns the (possibly new)
// root. Intermediate maps are created; lists only grow by appending at
// index len(list).
func (p Path) Set(doc any, value any) (any, error) {
	if p.IsZero() {
		return doc, newMappingError(p.raw, "path is required")
	}
	steps := p.steps()
	return setStep(doc, steps, value, p.raw)
}

type step struct {
	field   string
	index   int
	isIndex bool
}

func (p Path) steps() []step {
	steps := make([]step, 0, len(p.segments))
	for _, seg := range p.segments {
		if seg.hasName {
			steps = append(steps, step{field: seg.field})
		}
		for _, index := range seg.indexes {
			steps = append(steps, step{index: index, isIndex: true})
		}
	}
	return steps
}

func setStep(node any, steps []step, value any, raw string) (any, error) {
	if len(steps) == 0 {
		return value, nil
	}
	current := steps[0]
	if current.isIndex {
		var list []any
		switch typed := node.(type) {
		case []any:
			list = typed
		case nil, absentValue:
			if current.index != 0 {
				return nil, newMappingError(raw, fmt.Sprintf("cannot create list element %d in a missing list", current.index))
			}
		default:
			return nil, newMappingError(raw, fmt.Sprintf("cannot index into %T", node))
		}
		if current.index > len(list) {
			return nil, newMappingError(raw, fmt.Sprintf("index %d out of range for list of length %d", current.index, len(list)))
		}
		var child any = Absent
		if current.index < len(list) {
			child = list[current.index]
		}
		updated, err := setStep(child, steps[1:], value, raw)
		if err != nil {
			return nil, err
		}
		if current.index == len(list) {
			return append(list, updated), nil
		}
		list[current.index] = updated
		return list, nil
	}

	var object map[string]any
	switch typed := node.(type) {
	case map[string]any:
		object = typed
	case nil, absentValue:
		object = map[string]any{}
	default:
		return nil, newMappingError(raw, fmt.Sprintf("cannot set field %q on %T", current.field, node))
	}
	child, found := object[current.field]
	if !found {
		child = Absent
	}
	updated, err := setStep(child, steps[1:], value, raw)
	if err != nil {
		return nil, err
	}
	object[current.field] = updated
	return object, nil
}

// Get parses path and resolves it against doc. Only a malformed path is an
// error; missing data yields Absent.
func Get(doc any, path string) (any, error) {
	parsed, err := ParsePath(path)
	if err != nil {
		return Absent, err
	}
	return parsed.Get(doc), nil
}

// Set parses path and writes value into doc, creating doc when nil.
func Set(doc map[string]any, path string, value any) (map[string]any, error) {
	parsed, err := ParsePath(path)
	if err != nil {
		return doc, err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	root, err := parsed.Set(doc, value)
	if err != nil {
		return doc, err
	}
	object, ok := root.(map[string]any)
	if !ok {
		return doc, newMappingError(path, "path must address a field of the root object")
	}
	return object, nil
}
