// Package xslt implements XsltTransformEngine. Because a concrete XSLT
// processor and XML DOM library are explicitly out of scope (treated as
// abstract external capabilities), the engine here is a Go-native stand-in:
// a Stylesheet is a small metadata header (required schema version) plus a
// fixed, in-process registry of per-table builder functions, keyed exactly
// the way the teacher's internal/transform package keys its
// transformRegistry by transform name. Each worker clones its own
// Stylesheet handle, matching the "not safe to share across workers"
// contract.
package xslt

import (
	"fmt"
	"strconv"
	"strings"

	"rteval-parserd/internal/kvbag"
	"rteval-parserd/internal/xmlutil"

	"gopkg.in/ini.v1"
)

// Engine applies a compiled Stylesheet to an input document with named
// parameters, producing a canonical sqldata document.
type Engine interface {
	Apply(stylesheet *Stylesheet, input *xmlutil.Document, params *kvbag.Bag) (*xmlutil.Document, error)
}

// builderFunc renders one table's sqldata records from the raw report
// document. table and params are available so a single generic measurement
// builder can serve every configured measurement table name.
type builderFunc func(table string, input *xmlutil.Document, params *kvbag.Bag) ([]*xmlutil.Node, error)

// registry maps a table name to the builder producing its records. Tables
// not present fall back to buildMeasurement, since measurement table names
// are operator-configured (cfg.MeasurementTables) rather than fixed.
var registry = map[string]builderFunc{
	"systems":    buildSystems,
	"rtevalruns": buildRtevalrun,
}

// Stylesheet is the compiled, immutable transformation handle. schemaver is
// read once from the on-disk stylesheet descriptor at LoadStylesheet time
// and compared against the connection's rteval_info.sql_schema_ver at
// startup (internal/dbclient.Connect).
type Stylesheet struct {
	RequiredSchemaVersion uint
	path                  string
}

// LoadStylesheet reads the stylesheet descriptor at path. The descriptor is
// a small INI file (the one metadata format already in the dependency
// surface via gopkg.in/ini.v1) declaring the schema version this compiled
// transform set targets:
//
//	[stylesheet]
//	schemaver = 7
func LoadStylesheet(path string) (*Stylesheet, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("xslt: load stylesheet %s: %w", path, err)
	}
	sec := f.Section("stylesheet")
	v := sec.Key("schemaver").MustUint(0)
	if v == 0 {
		return nil, fmt.Errorf("xslt: stylesheet %s: missing or zero schemaver", path)
	}
	return &Stylesheet{RequiredSchemaVersion: v, path: path}, nil
}

// Clone returns a copy of the handle for exclusive use by one worker. The
// Stylesheet carries no mutable state today, but Clone exists so call sites
// never need to know that — future stateful compiled representations slot
// in without touching callers.
func (s *Stylesheet) Clone() *Stylesheet {
	clone := *s
	return &clone
}

// templateEngine is the sole Engine implementation.
type templateEngine struct{}

// NewEngine returns the in-process transform engine.
func NewEngine() Engine {
	return templateEngine{}
}

// Apply dispatches to the builder registered for params["table"], wraps the
// resulting records in a canonical sqldata root, and returns it as a new
// Document. Parameter formatting errors and builder errors are both fatal
// to the calling job, matching spec's two named XsltTransformEngine
// failure modes.
func (templateEngine) Apply(stylesheet *Stylesheet, input *xmlutil.Document, params *kvbag.Bag) (*xmlutil.Document, error) {
	table, ok := params.GetValue("table")
	if !ok || table == "" {
		return nil, fmt.Errorf("xslt: apply: missing required parameter %q", "table")
	}
	for _, required := range []string{"submid", "report_filename"} {
		if _, ok := params.GetValue(required); !ok {
			return nil, fmt.Errorf("xslt: apply: missing required parameter %q", required)
		}
	}

	build := registry[table]
	if build == nil {
		build = buildMeasurement
	}
	records, err := build(table, input, params)
	if err != nil {
		return nil, fmt.Errorf("xslt: transform table %s: %w", table, err)
	}

	root := &xmlutil.Node{
		Name: "sqldata",
		Attrs: []xmlutil.Attr{
			{Key: "table", Val: table},
			{Key: "schemaver", Val: strconv.FormatUint(uint64(stylesheet.RequiredSchemaVersion), 10)},
		},
		Children: records,
	}
	return &xmlutil.Document{Root: root}, nil
}

// field builds one <field> node, matching the SqlDataDocument contract:
// name, type tag, and either an inline value or a null marker. noHash
// marks fields excluded from record_hash (e.g. redundant or
// engine-assigned columns).
func field(name, typ, value string, isNull, noHash bool) *xmlutil.Node {
	n := &xmlutil.Node{Name: "field", Attrs: []xmlutil.Attr{
		{Key: "name", Val: name},
		{Key: "type", Val: typ},
	}}
	if noHash {
		n.Attrs = append(n.Attrs, xmlutil.Attr{Key: "nohash", Val: "1"})
	}
	if isNull {
		n.Attrs = append(n.Attrs, xmlutil.Attr{Key: "null", Val: "1"})
	} else {
		n.Text = value
	}
	return n
}

// arrayField builds an array-typed field nesting a homogeneous sequence of
// <item> children, matching the array invariant in SqlDataDocument.
func arrayField(name string, items []string) *xmlutil.Node {
	n := &xmlutil.Node{Name: "field", Attrs: []xmlutil.Attr{
		{Key: "name", Val: name},
		{Key: "type", Val: "array"},
	}}
	for _, it := range items {
		n.Children = append(n.Children, &xmlutil.Node{Name: "item", Text: it})
	}
	return n
}

func optionalText(input *xmlutil.Document, nodeName string) (string, bool) {
	if input == nil || input.Root == nil {
		return "", false
	}
	v := xmlutil.GetNodeContent(input.Root, nodeName)
	return v, v != ""
}

// buildSystems renders a single systems record from the summary report's
// host-identification nodes.
func buildSystems(_ string, input *xmlutil.Document, _ *kvbag.Bag) ([]*xmlutil.Node, error) {
	if input == nil || input.Root == nil {
		return nil, fmt.Errorf("xslt: buildSystems: empty input document")
	}
	hostname, _ := optionalText(input, "hostname")
	kernel, _ := optionalText(input, "kernel_version")
	arch, _ := optionalText(input, "arch")
	cpuModel, _ := optionalText(input, "cpu_model")
	numCPUsStr, _ := optionalText(input, "num_cpus")

	rec := &xmlutil.Node{Name: "record", Children: []*xmlutil.Node{
		field("hostname", "string", hostname, hostname == "", false),
		field("kernel_version", "string", kernel, kernel == "", false),
		field("arch", "string", arch, arch == "", false),
		field("cpu_model", "string", cpuModel, cpuModel == "", false),
		field("num_cpus", "integer", numCPUsStr, numCPUsStr == "", true),
	}}
	return []*xmlutil.Node{rec}, nil
}

// buildRtevalrun renders a single rtevalruns record, pulling the job's
// identifying parameters (submid/syskey/rterid/report_filename) straight
// from params, since these are engine-assigned rather than present in the
// raw report.
func buildRtevalrun(_ string, input *xmlutil.Document, params *kvbag.Bag) ([]*xmlutil.Node, error) {
	submid, _ := params.GetValue("submid")
	syskey, _ := params.GetValue("syskey")
	rterid, _ := params.GetValue("rterid")
	reportFilename, _ := params.GetValue("report_filename")
	runDate := ""
	if input != nil && input.Root != nil {
		runDate = xmlutil.GetNodeContent(input.Root, "date")
	}

	rec := &xmlutil.Node{Name: "record", Children: []*xmlutil.Node{
		field("submid", "integer", submid, false, false),
		field("syskey", "integer", syskey, false, false),
		field("rterid", "integer", rterid, false, true),
		field("report_filename", "string", reportFilename, false, true),
		field("run_date", "timestamp", runDate, runDate == "", false),
	}}
	return []*xmlutil.Node{rec}, nil
}

// buildMeasurement renders one record per <Sample> found under
// <Measurements><Profile name="table">, for any configured measurement
// table name. This is the generic fallback used for every table not in
// the fixed registry above.
func buildMeasurement(table string, input *xmlutil.Document, params *kvbag.Bag) ([]*xmlutil.Node, error) {
	rterid, _ := params.GetValue("rterid")
	if input == nil || input.Root == nil {
		return nil, fmt.Errorf("xslt: buildMeasurement(%s): empty input document", table)
	}

	measurements := xmlutil.FindNode(input.Root, "Measurements")
	if measurements == nil {
		return nil, nil
	}
	var profile *xmlutil.Node
	for _, p := range xmlutil.FindNodes(measurements, "Profile") {
		if name, ok := xmlutil.GetAttrValue(p, "name"); ok && strings.EqualFold(name, table) {
			profile = p
			break
		}
	}
	if profile == nil {
		return nil, nil
	}

	var records []*xmlutil.Node
	for _, sample := range xmlutil.FindNodes(profile, "Sample") {
		core, _ := xmlutil.GetAttrValue(sample, "core")
		minV := xmlutil.GetNodeContent(sample, "min")
		maxV := xmlutil.GetNodeContent(sample, "max")
		avgV := xmlutil.GetNodeContent(sample, "avg")

		rec := &xmlutil.Node{Name: "record", Children: []*xmlutil.Node{
			field("rterid", "integer", rterid, false, true),
			field("core", "integer", core, core == "", false),
			field("min", "float", minV, minV == "", false),
			field("max", "float", maxV, maxV == "", false),
			field("avg", "float", avgV, avgV == "", false),
		}}
		records = append(records, rec)
	}
	return records, nil
}
