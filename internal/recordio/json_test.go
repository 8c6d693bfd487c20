package recordio

import (
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestWriteJSON_DefaultColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	if err := WriteJSON(testRows(), path, nil); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	var got []map[string]string
	if err := json.Unmarshal([]byte(readFile(t, path)), &got); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d rows, want 2", len(got))
	}
	if got[0]["clientid"] != "client-a" || got[0]["status"] != "SUCCESS" {
		t.Errorf("row 0 = %v, want clientid=client-a status=SUCCESS", got[0])
	}
}

func TestWriteJSON_RestrictedColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	if err := WriteJSON(testRows(), path, []string{"submid"}); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}

	var got []map[string]string
	if err := json.Unmarshal([]byte(readFile(t, path)), &got); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	for i, row := range got {
		if len(row) != 1 {
			t.Errorf("row %d = %v, want exactly the submid field", i, row)
		}
	}
}

func TestWriteJSON_EmptyRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	if err := WriteJSON(nil, path, nil); err != nil {
		t.Fatalf("WriteJSON() error = %v", err)
	}
	var got []map[string]string
	if err := json.Unmarshal([]byte(readFile(t, path)), &got); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("WriteJSON(nil) produced %d rows, want 0", len(got))
	}
}

func TestWriteJSON_InvalidColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	if err := WriteJSON(testRows(), path, []string{"bogus"}); err == nil {
		t.Fatal("WriteJSON() error = nil, want error for unknown column")
	}
}
