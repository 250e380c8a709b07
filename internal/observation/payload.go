package observation

import "fmt"

// maxNestingDepth bounds nested payload structure. Deeper inputs are
// rejected rather than truncated.
const maxNestingDepth = 50

// forbiddenKeys are rejected in any mapping position. The runtime itself is
// immune to prototype pollution, but observations and decision payloads may
// be reserialized into contexts that are not.
var forbiddenKeys = map[string]struct{}{
	"__proto__":   {},
	"prototype":   {},
	"constructor": {},
}

// UnsafeKeyError reports a forbidden key in an observation or payload.
type UnsafeKeyError struct {
	Key string
}

func (e *UnsafeKeyError) Error() string {
	return fmt.Sprintf("observation: unsafe key %q", e.Key)
}

// TooDeepError reports payload nesting beyond maxNestingDepth.
type TooDeepError struct {
	Max int
}

func (e *TooDeepError) Error() string {
	return fmt.Sprintf("observation: payload nesting exceeds depth %d", e.Max)
}

// CheckPayload validates an untrusted decoded JSON value: no forbidden keys
// at any mapping level and nesting depth at most 50.
func CheckPayload(v any) error {
	return checkValue(v, 0)
}

func checkValue(v any, depth int) error {
	if depth > maxNestingDepth {
		return &TooDeepError{Max: maxNestingDepth}
	}
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if _, bad := forbiddenKeys[k]; bad {
				return &UnsafeKeyError{Key: k}
			}
			if err := checkValue(child, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, child := range t {
			if err := checkValue(child, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
