package tap

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestAddListRemove(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if err := m.Add(ctx, "custom/tap", "https://github.com/custom/homebrew-tap"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	tapped, err := m.IsTapped(ctx, "custom/tap")
	if err != nil || !tapped {
		t.Fatalf("IsTapped = %v, %v, want true, nil", tapped, err)
	}

	entries, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "custom/tap" {
		t.Errorf("List = %v, want one entry named custom/tap", entries)
	}

	if err := m.Remove(ctx, "custom/tap"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if tapped, err := m.IsTapped(ctx, "custom/tap"); err != nil || tapped {
		t.Errorf("IsTapped after remove = %v, %v, want false, nil", tapped, err)
	}
}

func TestAddRejectsNameWithoutSlash(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Add(context.Background(), "notaslash", "https://example.com"); err == nil {
		t.Error("Add should reject a tap name without a slash")
	}
}

func TestCacheFormulaAndReadBack(t *testing.T) {
	dir := t.TempDir()
	m, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Add(context.Background(), "custom/tap", "https://example.com"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	descriptor := []byte(`{"name":"widget","versions":{"stable":"2.0.0"}}`)
	if err := m.CacheFormula("custom/tap", "widget", descriptor); err != nil {
		t.Fatalf("CacheFormula: %v", err)
	}

	data, ok := m.ReadCachedFormula("custom/tap", "widget")
	if !ok {
		t.Fatal("ReadCachedFormula returned ok=false")
	}
	if string(data) != string(descriptor) {
		t.Errorf("ReadCachedFormula = %s, want %s", data, descriptor)
	}

	if _, err := os.Stat(filepath.Join(m.FormulaDir("custom/tap"), "widget.json")); err != nil {
		t.Errorf("expected formula file on disk: %v", err)
	}
}

func TestParseRef(t *testing.T) {
	tapName, formulaName, ok := ParseRef("custom/tap/widget")
	if !ok || tapName != "custom/tap" || formulaName != "widget" {
		t.Errorf("ParseRef = %q, %q, %v", tapName, formulaName, ok)
	}

	if _, _, ok := ParseRef("widget"); ok {
		t.Error("ParseRef should reject a bare name")
	}
}
