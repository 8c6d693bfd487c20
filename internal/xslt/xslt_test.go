package xslt

import (
	"os"
	"path/filepath"
	"testing"

	"rteval-parserd/internal/kvbag"
	"rteval-parserd/internal/xmlutil"
)

func writeStylesheet(t *testing.T, schemaver string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "stylesheet.ini")
	content := "[stylesheet]\nschemaver = " + schemaver + "\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write stylesheet: %v", err)
	}
	return path
}

func TestLoadStylesheet(t *testing.T) {
	path := writeStylesheet(t, "7")
	sheet, err := LoadStylesheet(path)
	if err != nil {
		t.Fatalf("LoadStylesheet() unexpected error: %v", err)
	}
	if sheet.RequiredSchemaVersion != 7 {
		t.Errorf("RequiredSchemaVersion = %d, want 7", sheet.RequiredSchemaVersion)
	}
}

func TestLoadStylesheet_MissingSchemaver(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stylesheet.ini")
	if err := os.WriteFile(path, []byte("[stylesheet]\n"), 0644); err != nil {
		t.Fatalf("write stylesheet: %v", err)
	}
	if _, err := LoadStylesheet(path); err == nil {
		t.Fatal("LoadStylesheet() with missing schemaver error = nil, want error")
	}
}

func TestLoadStylesheet_MissingFile(t *testing.T) {
	if _, err := LoadStylesheet("/nonexistent/path.ini"); err == nil {
		t.Fatal("LoadStylesheet() with missing file error = nil, want error")
	}
}

func TestStylesheet_Clone(t *testing.T) {
	sheet := &Stylesheet{RequiredSchemaVersion: 3, path: "x"}
	clone := sheet.Clone()
	if clone == sheet {
		t.Error("Clone() returned the same pointer, want a distinct copy")
	}
	if clone.RequiredSchemaVersion != sheet.RequiredSchemaVersion {
		t.Errorf("Clone().RequiredSchemaVersion = %d, want %d", clone.RequiredSchemaVersion, sheet.RequiredSchemaVersion)
	}
}

func sampleSummary() *xmlutil.Document {
	return &xmlutil.Document{Root: &xmlutil.Node{Name: "summary", Children: []*xmlutil.Node{
		{Name: "hostname", Text: "host1"},
		{Name: "kernel_version", Text: "6.1.0"},
		{Name: "arch", Text: "x86_64"},
		{Name: "cpu_model", Text: "Generic CPU"},
		{Name: "num_cpus", Text: "8"},
		{Name: "date", Text: "2026-07-29T00:00:00Z"},
		{Name: "Measurements", Children: []*xmlutil.Node{
			{Name: "Profile", Attrs: []xmlutil.Attr{{Key: "name", Val: "cyclictest"}}, Children: []*xmlutil.Node{
				{Name: "Sample", Attrs: []xmlutil.Attr{{Key: "core", Val: "0"}}, Children: []*xmlutil.Node{
					{Name: "min", Text: "1"},
					{Name: "max", Text: "42"},
					{Name: "avg", Text: "5.5"},
				}},
			}},
		}},
	}}}
}

func baseParams() *kvbag.Bag {
	p := kvbag.New(1)
	p.Add("submid", "10")
	p.Add("report_filename", "/tmp/10.xml")
	return p
}

func TestEngine_ApplySystems(t *testing.T) {
	engine := NewEngine()
	sheet := &Stylesheet{RequiredSchemaVersion: 7}
	params := baseParams()
	params.Add("table", "systems")

	doc, err := engine.Apply(sheet, sampleSummary(), params)
	if err != nil {
		t.Fatalf("Apply(systems) unexpected error: %v", err)
	}
	if v, _ := xmlutil.GetAttrValue(doc.Root, "table"); v != "systems" {
		t.Errorf("root table attribute = %q, want systems", v)
	}
	if v, _ := xmlutil.GetAttrValue(doc.Root, "schemaver"); v != "7" {
		t.Errorf("root schemaver attribute = %q, want 7", v)
	}
	recs := xmlutil.FindNodes(doc.Root, "record")
	if len(recs) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(recs))
	}
}

func TestEngine_ApplyMeasurement(t *testing.T) {
	engine := NewEngine()
	sheet := &Stylesheet{RequiredSchemaVersion: 7}
	params := baseParams()
	params.Add("table", "cyclictest")
	params.Add("rterid", "99")
	params.Add("syskey", "1")

	doc, err := engine.Apply(sheet, sampleSummary(), params)
	if err != nil {
		t.Fatalf("Apply(cyclictest) unexpected error: %v", err)
	}
	recs := xmlutil.FindNodes(doc.Root, "record")
	if len(recs) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(recs))
	}
}

func TestEngine_ApplyMeasurement_UnknownTableYieldsZeroRows(t *testing.T) {
	engine := NewEngine()
	sheet := &Stylesheet{RequiredSchemaVersion: 7}
	params := baseParams()
	params.Add("table", "nonexistent_profile")
	params.Add("rterid", "99")

	doc, err := engine.Apply(sheet, sampleSummary(), params)
	if err != nil {
		t.Fatalf("Apply() unexpected error: %v", err)
	}
	if recs := xmlutil.FindNodes(doc.Root, "record"); len(recs) != 0 {
		t.Errorf("len(records) = %d, want 0 for a table with no matching profile", len(recs))
	}
}

func TestEngine_Apply_MissingTableParam(t *testing.T) {
	engine := NewEngine()
	sheet := &Stylesheet{RequiredSchemaVersion: 7}
	params := baseParams()

	if _, err := engine.Apply(sheet, sampleSummary(), params); err == nil {
		t.Fatal("Apply() with missing table parameter error = nil, want error")
	}
}

func TestEngine_Apply_MissingRequiredParam(t *testing.T) {
	engine := NewEngine()
	sheet := &Stylesheet{RequiredSchemaVersion: 7}
	params := kvbag.New(1)
	params.Add("table", "systems")

	if _, err := engine.Apply(sheet, sampleSummary(), params); err == nil {
		t.Fatal("Apply() with missing submid/report_filename error = nil, want error")
	}
}
