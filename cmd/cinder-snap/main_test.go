package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/cinder/vm"
)

func writeSnapshot(t *testing.T, path string) []byte {
	t.Helper()
	m, err := vm.NewVM(vm.DefaultLimits())
	if err != nil {
		t.Fatalf("NewVM failed: %v", err)
	}
	defer m.Close()
	b := vm.NewBuilder()
	b.PushInt(1)
	b.Emit(vm.OpEnd)
	p, err := b.Program()
	if err != nil {
		t.Fatalf("Program failed: %v", err)
	}
	if err := m.Load(p); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	data, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return data
}

func runCmd(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestVerify(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.snap")
	writeSnapshot(t, good)
	bad := filepath.Join(dir, "bad.snap")
	os.WriteFile(bad, []byte("garbage!"), 0644)

	code, out, _ := runCmd(t, "verify", good)
	if code != 0 || !strings.Contains(out, "cinder snapshot version 1") {
		t.Errorf("verify good: code %d, output %q", code, out)
	}
	code, _, errOut := runCmd(t, "verify", bad)
	if code != 1 || !strings.Contains(errOut, "invalid snapshot magic") {
		t.Errorf("verify bad: code %d, stderr %q", code, errOut)
	}
}

func TestImportExportListDelete(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "store.db")
	src := filepath.Join(dir, "in.snap")
	data := writeSnapshot(t, src)

	if code, _, errOut := runCmd(t, "-db", db, "import", src, "first"); code != 0 {
		t.Fatalf("import: code %d, stderr %q", code, errOut)
	}

	code, out, _ := runCmd(t, "-db", db, "list")
	if code != 0 || !strings.Contains(out, "NAME") || !strings.Contains(out, "first") {
		t.Errorf("list: code %d, output %q", code, out)
	}

	dst := filepath.Join(dir, "out.snap")
	if code, _, errOut := runCmd(t, "-db", db, "export", "first", dst); code != 0 {
		t.Fatalf("export: code %d, stderr %q", code, errOut)
	}
	got, err := os.ReadFile(dst)
	if err != nil || !bytes.Equal(got, data) {
		t.Errorf("exported %d bytes, want %d identical bytes (err %v)", len(got), len(data), err)
	}

	if code, _, errOut := runCmd(t, "-db", db, "delete", "first"); code != 0 {
		t.Fatalf("delete: code %d, stderr %q", code, errOut)
	}
	if _, out, _ := runCmd(t, "-db", db, "list"); !strings.Contains(out, "No snapshots.") {
		t.Errorf("list after delete = %q", out)
	}
	if code, _, _ := runCmd(t, "-db", db, "delete", "first"); code != 1 {
		t.Errorf("second delete: code %d, want 1", code)
	}
}

func TestUsageErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"frobnicate"}},
		{"missing argument", []string{"verify"}},
		{"extra argument", []string{"list", "x"}},
		{"bad flag", []string{"-nope", "list"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _, _ := runCmd(t, tt.args...); code != 2 {
				t.Errorf("code = %d, want 2", code)
			}
		})
	}
}
