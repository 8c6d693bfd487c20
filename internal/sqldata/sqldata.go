// Package sqldata implements SqlDataModel: read-only accessors over the
// canonical "sqldata" document a Stylesheet produces (see internal/xslt),
// plus the deterministic record hash used for content-addressed
// deduplication during system registration.
package sqldata

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"rteval-parserd/internal/xmlutil"
)

// unitSeparator joins the canonical text of an array field's elements when
// computing a record hash, per the hashing rule's array-field clause.
const unitSeparator = "\x1f"

// ArrayFormatter renders an array field's items as a vendor-specific SQL
// array literal. Implemented by internal/dbclient for Postgres and injected
// here at construction so the model stays uncoupled from any one database
// dialect.
type ArrayFormatter interface {
	FormatArray(items []string) string
}

// Model is a stateless set of accessors parameterized only by the injected
// ArrayFormatter.
type Model struct {
	arrayFmt ArrayFormatter
}

// NewModel constructs a Model using af for array literal rendering.
func NewModel(af ArrayFormatter) *Model {
	return &Model{arrayFmt: af}
}

// RequiredSchemaVersion reads the root element's "schemaver" attribute.
func (m *Model) RequiredSchemaVersion(root *xmlutil.Node) (uint, error) {
	if root == nil {
		return 0, fmt.Errorf("sqldata: nil root")
	}
	v, ok := xmlutil.GetAttrValue(root, "schemaver")
	if !ok {
		return 0, fmt.Errorf("sqldata: root element %s missing schemaver attribute", root.Name)
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("sqldata: invalid schemaver %q: %w", v, err)
	}
	return uint(n), nil
}

// fields returns record's direct <field> children in document order.
func fields(record *xmlutil.Node) []*xmlutil.Node {
	return xmlutil.FindNodes(record, "field")
}

// FieldIndex returns the position of the field named fieldName within
// record, or -1 if absent.
func (m *Model) FieldIndex(record *xmlutil.Node, fieldName string) int {
	for i, f := range fields(record) {
		if name, ok := xmlutil.GetAttrValue(f, "name"); ok && name == fieldName {
			return i
		}
	}
	return -1
}

// records returns doc's <record> elements under its root, in document
// order.
func records(doc *xmlutil.Document) []*xmlutil.Node {
	if doc == nil || doc.Root == nil {
		return nil
	}
	return xmlutil.FindNodes(doc.Root, "record")
}

// Value returns the string value of fieldName within the recordIndex'th
// record of doc, and whether it is null. An out-of-range recordIndex or a
// missing field is an error.
func (m *Model) Value(doc *xmlutil.Document, fieldName string, recordIndex int) (value string, isNull bool, err error) {
	recs := records(doc)
	if recordIndex < 0 || recordIndex >= len(recs) {
		return "", false, fmt.Errorf("sqldata: record index %d out of range (have %d)", recordIndex, len(recs))
	}
	rec := recs[recordIndex]
	idx := m.FieldIndex(rec, fieldName)
	if idx < 0 {
		return "", false, fmt.Errorf("sqldata: field %q not found in record %d", fieldName, recordIndex)
	}
	f := fields(rec)[idx]
	if _, null := xmlutil.GetAttrValue(f, "null"); null {
		return "", true, nil
	}
	typ, _ := xmlutil.GetAttrValue(f, "type")
	if typ == "array" {
		return m.FormatArray(f), false, nil
	}
	return xmlutil.ExtractContent(f), false, nil
}

// ExtractContent canonicalizes a field or record node's text for general
// consumption (logging, display), delegating to xmlutil's join-of-children
// rule for array-shaped nodes.
func (m *Model) ExtractContent(n *xmlutil.Node) string {
	return xmlutil.ExtractContent(n)
}

// FormatArray renders an array field's <item> children using the injected
// ArrayFormatter.
func (m *Model) FormatArray(n *xmlutil.Node) string {
	if n == nil {
		return ""
	}
	items := make([]string, 0, len(n.Children))
	for _, c := range n.Children {
		items = append(items, xmlutil.ExtractContent(c))
	}
	return m.arrayFmt.FormatArray(items)
}

// RecordHash computes the SHA-1 record hash: the canonical text content of
// every field not marked nohash="1", concatenated in document order, with
// null fields contributing the empty string and array fields contributing
// their items joined by a unit-separator byte. The result is 40 lowercase
// hex characters.
func (m *Model) RecordHash(record *xmlutil.Node) (string, error) {
	if record == nil {
		return "", fmt.Errorf("sqldata: RecordHash: nil record")
	}
	var b strings.Builder
	for _, f := range fields(record) {
		if v, ok := xmlutil.GetAttrValue(f, "nohash"); ok && v == "1" {
			continue
		}
		if _, isNull := xmlutil.GetAttrValue(f, "null"); isNull {
			continue
		}
		typ, _ := xmlutil.GetAttrValue(f, "type")
		if typ == "array" {
			items := make([]string, 0, len(f.Children))
			for _, c := range f.Children {
				items = append(items, xmlutil.ExtractContent(c))
			}
			b.WriteString(strings.Join(items, unitSeparator))
			continue
		}
		b.WriteString(xmlutil.ExtractContent(f))
	}

	sum := sha1.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:]), nil
}
