package gate

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxArgSize bounds every string argument, in bytes.
const DefaultMaxArgSize = 16 << 10

var (
	ErrArgTooLarge  = errors.New("argument exceeds maximum allowed size")
	ErrInvalidUTF8  = errors.New("argument contains invalid UTF-8 sequences")
	errArgTooDeeply = errors.New("argument nesting too deep")
)

const maxArgDepth = 32

// SanitizeArgs returns a copy of args with every string, at any depth,
// checked against limit, validated as UTF-8 and stripped of control
// characters other than newline, tab and carriage return. The limit applies
// to the raw value before stripping. Oversized values are rejected rather
// than truncated.
func SanitizeArgs(args map[string]any, limit int) (map[string]any, error) {
	out, err := sanitizeValue(args, limit, 0, "")
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func sanitizeValue(v any, limit, depth int, path string) (any, error) {
	if depth > maxArgDepth {
		return nil, fmt.Errorf("%s: %w", path, errArgTooDeeply)
	}
	switch val := v.(type) {
	case string:
		clean, err := sanitizeString(val, limit)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return clean, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			clean, err := sanitizeValue(item, limit, depth+1, joinPath(path, k))
			if err != nil {
				return nil, err
			}
			out[k] = clean
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			clean, err := sanitizeValue(item, limit, depth+1, fmt.Sprintf("%s[%d]", path, i))
			if err != nil {
				return nil, err
			}
			out[i] = clean
		}
		return out, nil
	default:
		return v, nil
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func sanitizeString(input string, limit int) (string, error) {
	if limit > 0 && len(input) > limit {
		return "", fmt.Errorf("%w: size=%d limit=%d", ErrArgTooLarge, len(input), limit)
	}
	if !utf8.ValidString(input) {
		return "", ErrInvalidUTF8
	}

	// Fast path: if no control chars, return as is.
	if strings.IndexFunc(input, isUnsafeControl) < 0 {
		return input, nil
	}
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if !isUnsafeControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}

func isUnsafeControl(r rune) bool {
	return unicode.IsControl(r) && r != '\n' && r != '\t' && r != '\r'
}
