// Package xmlutil provides a small in-memory XML document tree and the
// handful of node helpers the rest of the ingestion pipeline needs: finding
// a child by name, reading an attribute, and extracting canonical text
// content. It deliberately does not attempt to be a general-purpose XML DOM
// library (spec treats the XML DOM library as an external, abstract
// capability) — only what XsltTransformEngine and SqlDataModel consume.
package xmlutil

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Attr is one attribute on a Node.
type Attr struct {
	Key string
	Val string
}

// Node is one element in a parsed document. Text is the node's direct
// character data (not including descendants' text); Children holds nested
// elements in document order.
type Node struct {
	Name     string
	Attrs    []Attr
	Text     string
	Children []*Node
}

// Document wraps the root element of a parsed XML document.
type Document struct {
	Root *Node
}

// Parse decodes r into a Document. It runs a streaming xml.Decoder token
// loop but builds an explicit tree instead of emitting records directly, since downstream
// consumers (XsltTransformEngine, SqlDataModel) need random-access lookups.
func Parse(r io.Reader) (*Document, error) {
	dec := xml.NewDecoder(r)
	var stack []*Node
	var root *Node

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("xmlutil: decode: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &Node{Name: t.Name.Local}
			for _, a := range t.Attr {
				n.Attrs = append(n.Attrs, Attr{Key: a.Name.Local, Val: a.Value})
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			} else {
				root = n
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		}
	}

	if root == nil {
		return nil, fmt.Errorf("xmlutil: empty document")
	}
	return &Document{Root: root}, nil
}

// GetAttrValue returns the value of the named attribute, or "" with false
// if absent. Matches xmlGetAttrValue's first-match semantics.
func GetAttrValue(n *Node, key string) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, a := range n.Attrs {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

// FindNode searches n's direct children for the first one named key.
// Returns nil if not found. Matches xmlFindNode.
func FindNode(n *Node, key string) *Node {
	if n == nil {
		return nil
	}
	for _, c := range n.Children {
		if c.Name == key {
			return c
		}
	}
	return nil
}

// FindNodes returns every direct child of n named key, in document order.
func FindNodes(n *Node, key string) []*Node {
	if n == nil {
		return nil
	}
	var out []*Node
	for _, c := range n.Children {
		if c.Name == key {
			out = append(out, c)
		}
	}
	return out
}

// ExtractContent canonicalizes a node's textual content for hashing and
// display: its own character data, trimmed, and if it has no text but has
// element children, the space-joined ExtractContent of each child in
// document order. This mirrors xmlExtractContent's handling of both leaf
// value nodes and array-shaped nodes.
func ExtractContent(n *Node) string {
	if n == nil {
		return ""
	}
	if txt := strings.TrimSpace(n.Text); txt != "" {
		return txt
	}
	if len(n.Children) == 0 {
		return ""
	}
	parts := make([]string, 0, len(n.Children))
	for _, c := range n.Children {
		parts = append(parts, ExtractContent(c))
	}
	return strings.Join(parts, " ")
}

// GetNodeContent finds the direct child named key and returns its
// ExtractContent, or "" if the child does not exist. Matches
// xmlGetNodeContent.
func GetNodeContent(n *Node, key string) string {
	return ExtractContent(FindNode(n, key))
}

// NodeToString renders n and its subtree back to XML text, with attributes
// sorted by key for deterministic output.
func NodeToString(n *Node) string {
	var b strings.Builder
	writeNode(&b, n, 0)
	return b.String()
}

func writeNode(b *strings.Builder, n *Node, depth int) {
	if n == nil {
		return
	}
	indent := strings.Repeat("  ", depth)
	attrs := append([]Attr(nil), n.Attrs...)
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Key < attrs[j].Key })

	b.WriteString(indent)
	b.WriteString("<")
	b.WriteString(n.Name)
	for _, a := range attrs {
		fmt.Fprintf(b, " %s=%q", a.Key, a.Val)
	}
	if len(n.Children) == 0 && strings.TrimSpace(n.Text) == "" {
		b.WriteString("/>\n")
		return
	}
	b.WriteString(">")
	if txt := strings.TrimSpace(n.Text); txt != "" {
		b.WriteString(xmlEscape(txt))
	}
	if len(n.Children) > 0 {
		b.WriteString("\n")
		for _, c := range n.Children {
			writeNode(b, c, depth+1)
		}
		b.WriteString(indent)
	}
	b.WriteString("</")
	b.WriteString(n.Name)
	b.WriteString(">\n")
}

func xmlEscape(s string) string {
	var b strings.Builder
	if err := xml.EscapeText(&b, []byte(s)); err != nil {
		return s
	}
	return b.String()
}
