// Package usererr implements the user-facing error taxonomy from
// spec.md §7: problems with the user's code or configuration, as opposed
// to internal bugs (which use github.com/go-errors/errors directly and
// carry a stack instead of a value descriptor).
package usererr

import (
	"encoding/json"
	"fmt"
	"strings"
)

const maxDescriptorKeys = 10
const maxJSONBytes = 500
const maxStackLines = 10

// Error is a user-facing diagnostic: a short problem statement, a
// descriptor of the offending value, and a remediation pointer.
type Error struct {
	Problem     string
	Value       ValueDescriptor
	Remediation string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Problem)
	if d := e.Value.String(); d != "" {
		b.WriteString(": ")
		b.WriteString(d)
	}
	if e.Remediation != "" {
		b.WriteString(" (")
		b.WriteString(e.Remediation)
		b.WriteString(")")
	}
	return b.String()
}

// ValueDescriptor captures just enough about an offending value to make
// a diagnostic actionable without dumping arbitrarily large payloads.
type ValueDescriptor struct {
	Type          string
	FirstTenKeys  []string
	Stack         string // set only when the value is error-like
	TruncatedJSON string
}

func (d ValueDescriptor) String() string {
	var parts []string
	if d.Type != "" {
		parts = append(parts, "type="+d.Type)
	}
	if len(d.FirstTenKeys) > 0 {
		parts = append(parts, "keys=["+strings.Join(d.FirstTenKeys, ",")+"]")
	}
	if d.Stack != "" {
		parts = append(parts, "stack="+d.Stack)
	}
	if d.TruncatedJSON != "" {
		parts = append(parts, "value="+d.TruncatedJSON)
	}
	return strings.Join(parts, " ")
}

// DescribeValue builds a ValueDescriptor for an arbitrary Go value, the
// way the source's serializer failure path describes an unserializable
// foreign object (spec.md §6 scenario).
func DescribeValue(v any) ValueDescriptor {
	d := ValueDescriptor{Type: fmt.Sprintf("%T", v)}

	if keyed, ok := v.(map[string]any); ok {
		keys := make([]string, 0, len(keyed))
		for k := range keyed {
			keys = append(keys, k)
		}
		if len(keys) > maxDescriptorKeys {
			keys = keys[:maxDescriptorKeys]
		}
		d.FirstTenKeys = keys
	}

	if errLike, ok := v.(interface{ Stack() string }); ok {
		d.Stack = firstNLines(errLike.Stack(), maxStackLines)
	} else if err, ok := v.(error); ok {
		d.Stack = err.Error()
	}

	if raw, err := json.Marshal(v); err == nil {
		s := string(raw)
		if len(s) > maxJSONBytes {
			s = s[:maxJSONBytes] + "...(truncated)"
		}
		d.TruncatedJSON = s
	}

	return d
}

func firstNLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}

// Unserializable builds the diagnostic spec.md §6's "Unserialisable
// global" scenario requires: capture aborts reporting the global's name,
// value descriptor, and a pointer to delete it.
func Unserializable(name string, value any) *Error {
	return &Error{
		Problem:     fmt.Sprintf("top-level global %q could not be serialized into the snapshot", name),
		Value:       DescribeValue(value),
		Remediation: "delete this global before capturing a dedicated snapshot",
	}
}

// UnknownRequirement reports a package requirement with no matching
// bundle entry (spec.md §4.3 add_big_bundle's MissingRequirement, surfaced
// to the user rather than treated as an internal bug: a typo'd dependency
// name is a user mistake, not a bootstrap-core defect).
func UnknownRequirement(name string) *Error {
	return &Error{
		Problem:     fmt.Sprintf("unknown package requirement %q", name),
		Remediation: "check the requirement name against the installed bundle",
	}
}

// UnserializableForeignObject reports a host-side object reachable from
// the hiwire table that the interpreter's serializer could not turn into
// a SerializedRef during capture (spec.md §8 scenario 6: dedicated-mode
// capture must abort rather than silently drop the reference).
func UnserializableForeignObject(value any) *Error {
	return &Error{
		Problem:     "a live object referenced by the interpreter could not be serialized into the snapshot",
		Value:       DescribeValue(value),
		Remediation: "remove or replace this object before capturing a dedicated snapshot",
	}
}

// DuplicateEntry reports a collision between two packages being overlaid
// (spec.md §8 scenario 2).
func DuplicateEntry(path, reqA, reqB string) *Error {
	return &Error{
		Problem:     fmt.Sprintf("packages %q and %q both provide %q", reqA, reqB, path),
		Remediation: "remove one of the conflicting packages from the bundle",
	}
}
