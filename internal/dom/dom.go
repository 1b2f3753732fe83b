// Package dom is a small element tree for driving the recorder without a
// browser. Nodes carry an optional ref so scripts can address them.
package dom

import (
	"fmt"
	"strings"

	"github.com/yourorg/annotrack/internal/recorder"
)

// Node is one element. The zero value is not usable; use NewNode.
type Node struct {
	Ref string

	tag      string
	id       string
	classes  []string
	parent   *Node
	children []*Node
}

// NewNode creates a detached element. class is a space-separated list.
func NewNode(tag, id, class string) *Node {
	return &Node{tag: strings.ToLower(tag), id: id, classes: strings.Fields(class)}
}

// NewDocument returns an <html> root with an empty <body>.
func NewDocument() (html, body *Node) {
	html = NewNode("html", "", "")
	body = NewNode("body", "", "")
	html.Append(body)
	return html, body
}

// Append attaches children to n in order, detaching them from any
// previous parent first. It returns n.
func (n *Node) Append(children ...*Node) *Node {
	for _, c := range children {
		c.Detach()
		c.parent = n
		n.children = append(n.children, c)
	}
	return n
}

// Detach removes n from its parent. Its own subtree stays intact.
func (n *Node) Detach() {
	p := n.parent
	if p == nil {
		return
	}
	for i, c := range p.children {
		if c == n {
			p.children = append(p.children[:i:i], p.children[i+1:]...)
			break
		}
	}
	n.parent = nil
}

func (n *Node) TagName() string { return n.tag }

func (n *Node) ID() string { return n.id }

func (n *Node) Classes() []string { return n.classes }

// Parent returns a nil interface, not a typed nil, at the top of a tree.
func (n *Node) Parent() recorder.Element {
	if n.parent == nil {
		return nil
	}
	return n.parent
}

func (n *Node) Children() []recorder.Element {
	out := make([]recorder.Element, len(n.children))
	for i, c := range n.children {
		out[i] = c
	}
	return out
}

// Find returns the node in n's subtree with the given ref.
func (n *Node) Find(ref string) (*Node, bool) {
	if n.Ref == ref {
		return n, true
	}
	for _, c := range n.children {
		if found, ok := c.Find(ref); ok {
			return found, true
		}
	}
	return nil, false
}

// Spec is the JSON form of a subtree.
type Spec struct {
	Tag      string `json:"tag"`
	ID       string `json:"id,omitempty"`
	Class    string `json:"class,omitempty"`
	Ref      string `json:"ref,omitempty"`
	Children []Spec `json:"children,omitempty"`
}

// Build creates the tree described by s and indexes nodes by ref.
// Duplicate refs are an error.
func Build(s Spec) (*Node, map[string]*Node, error) {
	refs := make(map[string]*Node)
	root, err := build(s, refs)
	if err != nil {
		return nil, nil, err
	}
	return root, refs, nil
}

func build(s Spec, refs map[string]*Node) (*Node, error) {
	if strings.TrimSpace(s.Tag) == "" {
		return nil, fmt.Errorf("dom: node %q has no tag", s.Ref)
	}
	n := NewNode(s.Tag, s.ID, s.Class)
	n.Ref = s.Ref
	if s.Ref != "" {
		if _, dup := refs[s.Ref]; dup {
			return nil, fmt.Errorf("dom: duplicate ref %q", s.Ref)
		}
		refs[s.Ref] = n
	}
	for _, cs := range s.Children {
		c, err := build(cs, refs)
		if err != nil {
			return nil, err
		}
		n.Append(c)
	}
	return n, nil
}
