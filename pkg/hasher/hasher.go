// Package hasher derives content addresses for atoms.
//
// A node is addressed by its type and name, a link by the hash of its type
// followed by the ordered handles of its targets. Every digest is computed over
// a canonical space separated text form, so the same structure always yields
// the same handle on every machine. There is no salt and no state.
package hasher

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// Size is the length of a Handle in bytes.
const Size = md5.Size

const separator = " "

var ErrInvalidHandle = errors.New("hasher: invalid handle")

// Handle is the content address of an atom.
type Handle [Size]byte

// String renders the handle as 32 lowercase hex characters.
func (h Handle) String() string {
	return hex.EncodeToString(h[:])
}

func (h Handle) IsZero() bool {
	return h == Handle{}
}

func (h Handle) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Handle) UnmarshalText(text []byte) error {
	parsed, err := ParseHandle(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ParseHandle parses the hex form produced by Handle.String.
func ParseHandle(s string) (Handle, error) { // A
	var h Handle
	if len(s) != hex.EncodedLen(Size) {
		return h, fmt.Errorf("%w: %q has length %d", ErrInvalidHandle, s, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("%w: %q: %v", ErrInvalidHandle, s, err)
	}
	return h, nil
}

// MustParseHandle is ParseHandle for constants in tests and fixtures.
func MustParseHandle(s string) Handle {
	h, err := ParseHandle(s)
	if err != nil {
		panic(err)
	}
	return h
}

func computeHash(text string) Handle {
	return Handle(md5.Sum([]byte(text)))
}

// NamedTypeHash digests a type name on its own.
func NamedTypeHash(atomType string) Handle {
	return computeHash(atomType)
}

// TerminalHash is the handle of the node (atomType, name).
func TerminalHash(atomType, name string) Handle {
	return computeHash(atomType + separator + name)
}

// CompositeHash digests an ordered list of handles. A single element is its
// own composite.
func CompositeHash(elements []Handle) Handle { // A
	if len(elements) == 1 {
		return elements[0]
	}
	parts := make([]string, len(elements))
	for i, e := range elements {
		parts[i] = e.String()
	}
	return computeHash(strings.Join(parts, separator))
}

// ExpressionHash is the handle of a link with the given type hash and
// ordered targets. Order is significant.
func ExpressionHash(typeHash Handle, targets []Handle) Handle {
	elements := make([]Handle, 0, len(targets)+1)
	elements = append(elements, typeHash)
	elements = append(elements, targets...)
	return CompositeHash(elements)
}

// LinkHandle is a shorthand for ExpressionHash(NamedTypeHash(linkType), targets).
func LinkHandle(linkType string, targets ...Handle) Handle {
	return ExpressionHash(NamedTypeHash(linkType), targets)
}
