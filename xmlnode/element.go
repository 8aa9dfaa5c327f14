// Package xmlnode defines the structured-tree contract the core consumes.
//
// Per spec §1, XML DOM parsing/serialization is out of scope: the core
// assumes some structured tree with element name, namespace, attributes,
// children, and text. This package pins that shape down as a concrete,
// allocation-light value type so the rest of the module has something
// precise to build against, without importing a full DOM or XML parser.
package xmlnode

// Attr is a single XML attribute.
type Attr struct {
	Name  string
	Value string
}

// Element is one node of the structured tree a transport shim feeds into
// the pipeline (see spec §6, "XML carrier contract"). It is a plain value
// type: copying an Element copies its slice headers, not the underlying
// arrays, so callers that mutate Children/Attrs after copying an Element
// must Clone first.
type Element struct {
	Name      string // local name, e.g. "iq", "features", "open"
	Namespace string
	Attrs     []Attr
	Children  []*Element
	Text      string
}

// NewElement constructs a childless element with the given name/namespace.
func NewElement(namespace, name string) *Element {
	return &Element{Name: name, Namespace: namespace}
}

// Attr returns the value of the named attribute and whether it was present.
func (e *Element) Attr(name string) (string, bool) {
	if e == nil {
		return "", false
	}
	for _, a := range e.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// SetAttr sets (or replaces) an attribute.
func (e *Element) SetAttr(name, value string) *Element {
	for i, a := range e.Attrs {
		if a.Name == name {
			e.Attrs[i].Value = value
			return e
		}
	}
	e.Attrs = append(e.Attrs, Attr{Name: name, Value: value})
	return e
}

// AddChild appends a child element and returns e for chaining.
func (e *Element) AddChild(c *Element) *Element {
	e.Children = append(e.Children, c)
	return e
}

// Child returns the first child matching (namespace, name), or nil.
func (e *Element) Child(namespace, name string) *Element {
	if e == nil {
		return nil
	}
	for _, c := range e.Children {
		if c.Name == name && (namespace == "" || c.Namespace == namespace) {
			return c
		}
	}
	return nil
}

// FirstChild returns the first child element, or nil if e has none.
func (e *Element) FirstChild() *Element {
	if e == nil || len(e.Children) == 0 {
		return nil
	}
	return e.Children[0]
}

// Signature identifies an element by (namespace, local-name), the key
// shape plugin dispatch and feature advertisement match against (spec §3,
// §4.9).
type Signature struct {
	Namespace string
	LocalName string
}

// Sig returns e's own (namespace, name) signature.
func (e *Element) Sig() Signature {
	if e == nil {
		return Signature{}
	}
	return Signature{Namespace: e.Namespace, LocalName: e.Name}
}

// Clone deep-copies e and its subtree.
func (e *Element) Clone() *Element {
	if e == nil {
		return nil
	}
	c := &Element{
		Name:      e.Name,
		Namespace: e.Namespace,
		Text:      e.Text,
		Attrs:     append([]Attr(nil), e.Attrs...),
	}
	for _, child := range e.Children {
		c.Children = append(c.Children, child.Clone())
	}
	return c
}
