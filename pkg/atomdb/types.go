// Package atomdb defines the atom store contract shared by every backend and
// ships the in-memory hash-table store.
//
// A store owns the hypergraph: atoms keyed by handle, the per-type link lists
// and the incoming-link index. Nothing outside a store mutates it; the query
// and traversal layers only read through AtomDB.
package atomdb

import (
	"maps"
	"slices"

	"github.com/i5heu/atomspace/pkg/hasher"
)

// AtomInput describes an atom to insert. An input with Targets is a link, an
// input without is a node. Link targets are inputs themselves so links may
// nest.
type AtomInput struct {
	Type       string         `json:"type" yaml:"type"`
	Name       string         `json:"name,omitempty" yaml:"name,omitempty"`
	Targets    []AtomInput    `json:"targets,omitempty" yaml:"targets,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

func (in AtomInput) IsLink() bool {
	return len(in.Targets) > 0
}

// Node is a convenience constructor for node inputs.
func Node(nodeType, name string) AtomInput {
	return AtomInput{Type: nodeType, Name: name}
}

// Link is a convenience constructor for link inputs.
func Link(linkType string, targets ...AtomInput) AtomInput {
	return AtomInput{Type: linkType, Targets: targets}
}

// WithAttributes returns a copy of in carrying attrs.
func (in AtomInput) WithAttributes(attrs map[string]any) AtomInput {
	in.Attributes = maps.Clone(attrs)
	return in
}

// Template is the type skeleton of an atom: its type and, for links, the
// skeletons of its targets.
type Template struct {
	Type    string     `json:"type"`
	Targets []Template `json:"targets,omitempty"`
}

// AtomDocument is the realized form of an atom.
type AtomDocument struct {
	Handle     hasher.Handle   `json:"handle"`
	Type       string          `json:"named_type"`
	Name       string          `json:"name,omitempty"`
	Targets    []hasher.Handle `json:"targets,omitempty"`
	Template   *Template       `json:"template,omitempty"`
	Attributes map[string]any  `json:"attributes,omitempty"`
}

func (d AtomDocument) IsLink() bool {
	return len(d.Targets) > 0
}

// IsNodeNamed reports whether d is the node (nodeType, name). Handles of
// distinct pairs can coincide, e.g. ("A b", "c") and ("A", "b c").
func (d AtomDocument) IsNodeNamed(nodeType, name string) bool {
	return !d.IsLink() && d.Type == nodeType && d.Name == name
}

// IsLinkOf reports whether d is the link linkType over targets.
func (d AtomDocument) IsLinkOf(linkType string, targets []hasher.Handle) bool {
	return d.IsLink() && d.Type == linkType && slices.Equal(d.Targets, targets)
}

// Attribute returns a custom attribute such as a link weight.
func (d AtomDocument) Attribute(key string) (any, bool) {
	v, ok := d.Attributes[key]
	return v, ok
}

// Clone returns a copy that shares no slices or maps with d.
func (d AtomDocument) Clone() AtomDocument {
	d.Targets = slices.Clone(d.Targets)
	d.Attributes = maps.Clone(d.Attributes)
	if d.Template != nil {
		t := d.Template.clone()
		d.Template = &t
	}
	return d
}

func (t Template) clone() Template {
	if t.Targets == nil {
		return t
	}
	targets := make([]Template, len(t.Targets))
	for i, c := range t.Targets {
		targets[i] = c.clone()
	}
	t.Targets = targets
	return t
}

// Counts is the result of CountAtoms.
type Counts struct {
	Nodes int `json:"node_count"`
	Links int `json:"link_count"`
}

// IncomingOptions selects what GetIncomingLinks realizes.
type IncomingOptions struct {
	// HandlesOnly skips realizing link documents.
	HandlesOnly bool
	// TargetsDocument additionally realizes every target of each link.
	TargetsDocument bool
}

// IncomingLink is one entry of the incoming-link index for some atom.
type IncomingLink struct {
	Handle  hasher.Handle  `json:"handle"`
	Link    *AtomDocument  `json:"link,omitempty"`
	Targets []AtomDocument `json:"targets,omitempty"`
}

// PageRequest addresses a slice of an enumeration. Limit 0 means everything
// from Offset on.
type PageRequest struct {
	Offset int
	Limit  int
}

// Page is one slice of an enumeration. Next is the offset of the following
// page and is only meaningful when Done is false.
type Page struct {
	Atoms []AtomDocument `json:"atoms"`
	Next  int            `json:"next"`
	Done  bool           `json:"done"`
}
