package helpers

import (
	"bytes"
	"errors"
	"fmt"
)

// Patch errors.
var (
	ErrPlaceholderNotFound  = errors.New("placeholder not found")
	ErrPlaceholderAmbiguous = errors.New("placeholder found more than once")
	ErrPatchLength          = errors.New("replacement length differs from placeholder")
)

// Zeros returns a zero-filled slice of length n.
func Zeros(n int) []byte {
	return make([]byte, n)
}

// Concat joins byte slices into a fresh slice.
func Concat(parts ...[]byte) []byte {
	return bytes.Join(parts, nil)
}

// PatchOnce returns a copy of buf with the single occurrence of placeholder
// replaced by replacement. The placeholder must occur exactly once and the
// replacement must have the same length, so the result always has len(buf).
func PatchOnce(buf, placeholder, replacement []byte) ([]byte, error) {
	if len(placeholder) != len(replacement) {
		return nil, fmt.Errorf("%w: %d != %d", ErrPatchLength, len(replacement), len(placeholder))
	}
	if len(placeholder) == 0 {
		return nil, ErrPlaceholderNotFound
	}

	idx := bytes.Index(buf, placeholder)
	if idx < 0 {
		return nil, ErrPlaceholderNotFound
	}
	if bytes.Contains(buf[idx+1:], placeholder) {
		return nil, ErrPlaceholderAmbiguous
	}

	out := make([]byte, len(buf))
	copy(out, buf)
	copy(out[idx:], replacement)
	return out, nil
}

// PatchFirstOf tries each placeholder in order and patches the first one
// present. Exactly one of the candidates may occur in buf.
func PatchFirstOf(buf []byte, placeholders [][]byte, replacement []byte) ([]byte, error) {
	found := -1
	for i, p := range placeholders {
		if bytes.Contains(buf, p) {
			if found >= 0 {
				return nil, ErrPlaceholderAmbiguous
			}
			found = i
		}
	}
	if found < 0 {
		return nil, ErrPlaceholderNotFound
	}
	return PatchOnce(buf, placeholders[found], replacement)
}
