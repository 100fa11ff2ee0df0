package atomdb

import (
	"context"
	"fmt"

	"github.com/i5heu/atomspace/pkg/hasher"
)

// AtomDB is the atom store adapter. Implementations may be local or remote;
// every method may block on I/O and honours ctx.
//
// Adding an atom that already exists is a no-op that returns the existing
// handle. A link becomes visible to readers only together with every atom it
// references.
type AtomDB interface {
	GetAtom(ctx context.Context, h hasher.Handle) (AtomDocument, error)
	GetNode(ctx context.Context, nodeType, name string) (AtomDocument, error)
	GetLink(ctx context.Context, linkType string, targets []hasher.Handle) (AtomDocument, error)
	GetIncomingLinks(ctx context.Context, h hasher.Handle, opts IncomingOptions) ([]IncomingLink, error)
	// GetLinksByType enumerates links of one type in store order.
	GetLinksByType(ctx context.Context, linkType string, page PageRequest) (Page, error)
	// GetAllNodes enumerates nodes of one type, or of every type when
	// nodeType is empty.
	GetAllNodes(ctx context.Context, nodeType string, page PageRequest) (Page, error)
	AddNode(ctx context.Context, in AtomInput) (hasher.Handle, error)
	AddLink(ctx context.Context, in AtomInput) (hasher.Handle, error)
	CountAtoms(ctx context.Context) (Counts, error)
	Close() error
}

// NodeHandle is the handle a node with this type and name has.
func NodeHandle(nodeType, name string) hasher.Handle {
	return hasher.TerminalHash(nodeType, name)
}

// LinkHandle is the handle a link with this type and targets has.
func LinkHandle(linkType string, targets ...hasher.Handle) hasher.Handle {
	return hasher.LinkHandle(linkType, targets...)
}

// Expand validates in and flattens it into documents in dependency order:
// every target precedes the links that reference it and the last element is
// the atom described by in itself. Shared sub-structures appear once.
func Expand(in AtomInput) ([]AtomDocument, error) { // A
	var out []AtomDocument
	seen := make(map[hasher.Handle]struct{})
	if _, err := expand(in, &out, seen); err != nil {
		return nil, err
	}
	return out, nil
}

func expand(
	in AtomInput,
	out *[]AtomDocument,
	seen map[hasher.Handle]struct{},
) (AtomDocument, error) {
	if in.Type == "" {
		if in.IsLink() {
			return AtomDocument{}, fmt.Errorf("%w: link without type", ErrAddLink)
		}
		return AtomDocument{}, fmt.Errorf("%w: node without type", ErrAddNode)
	}

	if !in.IsLink() {
		if in.Name == "" {
			return AtomDocument{}, fmt.Errorf("%w: node %q has neither name nor targets", ErrAddNode, in.Type)
		}
		doc := AtomDocument{
			Handle:     hasher.TerminalHash(in.Type, in.Name),
			Type:       in.Type,
			Name:       in.Name,
			Attributes: in.Attributes,
		}
		appendOnce(doc, out, seen)
		return doc, nil
	}

	if in.Name != "" {
		return AtomDocument{}, fmt.Errorf("%w: link %q must not carry a name", ErrAddLink, in.Type)
	}

	targets := make([]hasher.Handle, len(in.Targets))
	skeleton := make([]Template, len(in.Targets))
	for i, t := range in.Targets {
		td, err := expand(t, out, seen)
		if err != nil {
			return AtomDocument{}, fmt.Errorf("%w: target %d of %q: %w", ErrAddLink, i, in.Type, err)
		}
		targets[i] = td.Handle
		skeleton[i] = templateOf(td)
	}

	doc := AtomDocument{
		Handle:     hasher.ExpressionHash(hasher.NamedTypeHash(in.Type), targets),
		Type:       in.Type,
		Targets:    targets,
		Template:   &Template{Type: in.Type, Targets: skeleton},
		Attributes: in.Attributes,
	}
	appendOnce(doc, out, seen)
	return doc, nil
}

func templateOf(d AtomDocument) Template {
	if d.Template != nil {
		return *d.Template
	}
	return Template{Type: d.Type}
}

func appendOnce(doc AtomDocument, out *[]AtomDocument, seen map[hasher.Handle]struct{}) {
	if _, ok := seen[doc.Handle]; ok {
		return
	}
	seen[doc.Handle] = struct{}{}
	*out = append(*out, doc)
}

// SlicePage cuts the page addressed by req out of an ordered enumeration.
func SlicePage[T any](all []T, req PageRequest) ([]T, int, bool) {
	start := min(max(req.Offset, 0), len(all))
	end := len(all)
	if req.Limit > 0 && start+req.Limit < end {
		end = start + req.Limit
	}
	return all[start:end], end, end >= len(all)
}
