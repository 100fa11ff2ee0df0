// Package query evaluates conjunctive pattern queries over an atom store.
//
// A query is a tree of Link templates whose target slots are Node literals,
// Variables or nested Link templates, combined with And. Evaluation yields
// every binding of variables to handles that satisfies all templates at once.
package query

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/i5heu/atomspace/pkg/hasher"
)

var ErrInvalidExpression = errors.New("query: invalid expression")

// Expression is one of Node, Variable, Link or And.
type Expression interface {
	expression()
}

// Node matches exactly the node with this type and name.
type Node struct {
	Type string
	Name string
}

// Variable matches any atom and binds it to Name.
type Variable struct {
	Name string
}

// Link matches links of Type whose ordered targets match Targets.
type Link struct {
	Type    string
	Targets []Expression
}

// And is the conjunction of its terms.
type And struct {
	Terms []Expression
}

func (Node) expression()     {}
func (Variable) expression() {}
func (Link) expression()     {}
func (And) expression()      {}

// V is shorthand for Variable{Name: name}.
func V(name string) Variable {
	return Variable{Name: name}
}

// Handle is the handle of the node n denotes.
func (n Node) Handle() hasher.Handle {
	return hasher.TerminalHash(n.Type, n.Name)
}

// ground returns the handle of a template without variables.
func ground(e Expression) (hasher.Handle, bool) {
	switch e := e.(type) {
	case Node:
		return e.Handle(), true
	case Link:
		targets := make([]hasher.Handle, len(e.Targets))
		for i, t := range e.Targets {
			h, ok := ground(t)
			if !ok {
				return hasher.Handle{}, false
			}
			targets[i] = h
		}
		if e.Type == "" || len(targets) == 0 {
			return hasher.Handle{}, false
		}
		return hasher.ExpressionHash(hasher.NamedTypeHash(e.Type), targets), true
	}
	return hasher.Handle{}, false
}

type wireExpr struct {
	Node     *wireNode  `json:"node,omitempty"`
	Variable string     `json:"variable,omitempty"`
	Link     *wireLink  `json:"link,omitempty"`
	And      []wireExpr `json:"and,omitempty"`
}

type wireNode struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type wireLink struct {
	Type    string     `json:"type"`
	Targets []wireExpr `json:"targets"`
}

// MarshalExpression encodes e as JSON, e.g.
//
//	{"and":[{"link":{"type":"Inheritance","targets":[{"variable":"V1"},{"variable":"V2"}]}}]}
func MarshalExpression(e Expression) ([]byte, error) {
	w, err := toWire(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// UnmarshalExpression decodes the JSON form produced by MarshalExpression.
func UnmarshalExpression(data []byte) (Expression, error) {
	var w wireExpr
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidExpression, err)
	}
	return fromWire(w)
}

func toWire(e Expression) (wireExpr, error) { // A
	switch e := e.(type) {
	case Node:
		return wireExpr{Node: &wireNode{Type: e.Type, Name: e.Name}}, nil
	case Variable:
		if e.Name == "" {
			return wireExpr{}, fmt.Errorf("%w: unnamed variable", ErrInvalidExpression)
		}
		return wireExpr{Variable: e.Name}, nil
	case Link:
		targets := make([]wireExpr, len(e.Targets))
		for i, t := range e.Targets {
			w, err := toWire(t)
			if err != nil {
				return wireExpr{}, err
			}
			targets[i] = w
		}
		return wireExpr{Link: &wireLink{Type: e.Type, Targets: targets}}, nil
	case And:
		terms := make([]wireExpr, len(e.Terms))
		for i, t := range e.Terms {
			w, err := toWire(t)
			if err != nil {
				return wireExpr{}, err
			}
			terms[i] = w
		}
		return wireExpr{And: terms}, nil
	}
	return wireExpr{}, fmt.Errorf("%w: %T", ErrInvalidExpression, e)
}

func fromWire(w wireExpr) (Expression, error) { // A
	set := 0
	if w.Node != nil {
		set++
	}
	if w.Variable != "" {
		set++
	}
	if w.Link != nil {
		set++
	}
	if w.And != nil {
		set++
	}
	if set != 1 {
		return nil, fmt.Errorf("%w: expected exactly one of node, variable, link, and", ErrInvalidExpression)
	}

	switch {
	case w.Node != nil:
		return Node{Type: w.Node.Type, Name: w.Node.Name}, nil
	case w.Variable != "":
		return Variable{Name: w.Variable}, nil
	case w.Link != nil:
		targets := make([]Expression, len(w.Link.Targets))
		for i, t := range w.Link.Targets {
			e, err := fromWire(t)
			if err != nil {
				return nil, err
			}
			targets[i] = e
		}
		return Link{Type: w.Link.Type, Targets: targets}, nil
	default:
		terms := make([]Expression, len(w.And))
		for i, t := range w.And {
			e, err := fromWire(t)
			if err != nil {
				return nil, err
			}
			terms[i] = e
		}
		return And{Terms: terms}, nil
	}
}
