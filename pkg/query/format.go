package query

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/i5heu/atomspace/pkg/atomdb"
	"github.com/i5heu/atomspace/pkg/hasher"
	"github.com/i5heu/atomspace/pkg/iterator"
)

// OutputFormat selects how a binding is projected for the caller.
type OutputFormat int

const (
	// FormatHandle reports each variable as its handle.
	FormatHandle OutputFormat = iota
	// FormatAtomInfo resolves each variable to its atom document.
	FormatAtomInfo
	// FormatJSON is FormatAtomInfo serialized as a JSON object.
	FormatJSON
)

var formatNames = map[OutputFormat]string{
	FormatHandle:   "HANDLE",
	FormatAtomInfo: "ATOM_INFO",
	FormatJSON:     "JSON",
}

func (f OutputFormat) String() string {
	if s, ok := formatNames[f]; ok {
		return s
	}
	return fmt.Sprintf("OutputFormat(%d)", int(f))
}

// ParseOutputFormat accepts the names printed by String, case-insensitively.
func ParseOutputFormat(s string) (OutputFormat, error) {
	for f, name := range formatNames {
		if strings.EqualFold(s, name) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("query: unknown output format %q", s)
}

// Answer is one formatted binding. Bindings is always set; Atoms is set for
// FormatAtomInfo and FormatJSON, JSON only for FormatJSON.
type Answer struct {
	Bindings map[string]string             `json:"bindings"`
	Atoms    map[string]atomdb.AtomDocument `json:"atoms,omitempty"`
	JSON     json.RawMessage                `json:"json,omitempty"`
}

// Format projects bindings into answers. Documents are fetched from db as
// the iterator advances.
func Format(
	ctx context.Context,
	db atomdb.AtomDB,
	bindings iterator.Iterator[Binding],
	format OutputFormat,
) iterator.Iterator[Answer] {
	return iterator.MapErr(bindings, func(b Binding) (Answer, error) {
		return FormatBinding(ctx, db, b, format)
	})
}

// FormatBinding projects a single binding.
func FormatBinding(
	ctx context.Context,
	db atomdb.AtomDB,
	b Binding,
	format OutputFormat,
) (Answer, error) { // A
	answer := Answer{Bindings: make(map[string]string, len(b))}
	for name, h := range b {
		answer.Bindings[name] = h.String()
	}
	if format == FormatHandle {
		return answer, nil
	}

	answer.Atoms = make(map[string]atomdb.AtomDocument, len(b))
	for _, name := range b.Names() {
		doc, err := db.GetAtom(ctx, b[name])
		if err != nil {
			return Answer{}, fmt.Errorf("resolve %s: %w", name, err)
		}
		answer.Atoms[name] = doc
	}
	if format == FormatJSON {
		raw, err := json.Marshal(answer.Atoms)
		if err != nil {
			return Answer{}, fmt.Errorf("encode answer: %w", err)
		}
		answer.JSON = raw
	}
	return answer, nil
}

// BindingOf recovers the binding an answer was produced from.
func BindingOf(a Answer) (Binding, error) {
	b := make(Binding, len(a.Bindings))
	for name, s := range a.Bindings {
		h, err := hasher.ParseHandle(s)
		if err != nil {
			return nil, fmt.Errorf("binding %s: %w", name, err)
		}
		b[name] = h
	}
	return b, nil
}
