package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleRoster = `providers:
  - abbreviation: provA
    census: {total: 1, ccu: 0, covid: 0}
  - abbreviation: provB
    census: {total: 0, ccu: 0, covid: 0}
`

type harness struct {
	t      *testing.T
	dbPath string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CENSUSCORE_STORAGE_DRIVER", "sqlite")
	t.Setenv("CENSUSCORE_BLOB_DRIVER", "fs")
	t.Setenv("CENSUSCORE_BLOB_FS_ROOT", filepath.Join(dir, "blobs"))
	t.Setenv("CENSUSCORE_LOG_LEVEL", "error")
	return &harness{t: t, dbPath: filepath.Join(dir, "census.db")}
}

func (h *harness) run(args ...string) (int, string, string) {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--store.sqlite-path", h.dbPath}, args...)
	code := cli(full, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (h *harness) mustRun(args ...string) string {
	h.t.Helper()
	code, stdout, stderr := h.run(args...)
	if code != 0 {
		h.t.Fatalf("censusctl %v exited %d: %s", args, code, stderr)
	}
	return stdout
}

func writeRoster(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "roster.yaml")
	if err := os.WriteFile(path, []byte(sampleRoster), 0o600); err != nil {
		t.Fatalf("write roster: %v", err)
	}
	return path
}

func TestWorkflowAcrossInvocations(t *testing.T) {
	h := newHarness(t)
	roster := writeRoster(t)

	if out := h.mustRun("roster", "--file", roster); !strings.Contains(out, "with 2 providers") {
		t.Fatalf("unexpected roster output %q", out)
	}
	if out := h.mustRun("count", "2"); !strings.Contains(out, "created 2 patients") {
		t.Fatalf("unexpected count output %q", out)
	}
	if out := h.mustRun("current"); !strings.Contains(out, "counted") || !strings.Contains(out, "patients=2") {
		t.Fatalf("unexpected current output %q", out)
	}
	h.mustRun("designate", "--ccu", "1", "--covid", "2")

	var view distributionView
	if err := json.Unmarshal([]byte(h.mustRun("show", "--format", "json")), &view); err != nil {
		t.Fatalf("decode show output: %v", err)
	}
	if view.Distribution.Status != "designated" || len(view.LineItems) != 2 || len(view.Patients) != 2 {
		t.Fatalf("unexpected view %+v", view)
	}
	if got := view.LineItems[0].AssignedCensus; got.Total != 2 || got.CCU != 1 || got.COVID != 1 {
		t.Fatalf("unexpected provA census %+v", got)
	}
	if got := view.LineItems[1].AssignedCensus.Total; got != 1 {
		t.Fatalf("expected provB total 1, got %d", got)
	}

	table := h.mustRun("show")
	for _, want := range []string{"provA", "provB", "ccu", "covid"} {
		if !strings.Contains(table, want) {
			t.Fatalf("table output missing %q:\n%s", want, table)
		}
	}
	for _, header := range []string{"PROVIDER", "PATIENT", "FLAGS"} {
		if !strings.Contains(strings.ToUpper(table), header) {
			t.Fatalf("table output missing %q header:\n%s", header, table)
		}
	}

	if out := h.mustRun("export"); !strings.Contains(out, "assignments.csv") || !strings.Contains(out, "assignments.json") {
		t.Fatalf("unexpected export output %q", out)
	}
	code, _, stderr := h.run("export")
	if code != 1 || !strings.Contains(stderr, "already exists") {
		t.Fatalf("expected second export to fail, got %d %q", code, stderr)
	}

	if out := h.mustRun("reset"); !strings.Contains(out, "counted") {
		t.Fatalf("unexpected reset output %q", out)
	}
	h.mustRun("designate")

	if out := h.mustRun("roster", "--carry-forward"); !strings.Contains(out, "(#2)") {
		t.Fatalf("unexpected carry-forward output %q", out)
	}
	if out := h.mustRun("current"); !strings.Contains(out, "collecting") || !strings.Contains(out, "patients=0") {
		t.Fatalf("unexpected current output %q", out)
	}
}

func TestCommandErrors(t *testing.T) {
	h := newHarness(t)

	code, _, stderr := h.run("current")
	if code != 1 || !strings.Contains(stderr, "not found") {
		t.Fatalf("expected missing distribution error, got %d %q", code, stderr)
	}

	code, _, stderr = h.run("roster")
	if code != 1 || !strings.Contains(stderr, "--file or --carry-forward") {
		t.Fatalf("expected roster source error, got %d %q", code, stderr)
	}

	h.mustRun("roster", "--file", writeRoster(t))
	code, _, stderr = h.run("count", "0")
	if code != 1 || !strings.Contains(stderr, "validation failed") {
		t.Fatalf("expected validation error, got %d %q", code, stderr)
	}

	h.mustRun("count", "1")
	code, _, stderr = h.run("designate", "--ccu", "3")
	if code != 1 || !strings.Contains(stderr, "out of range") {
		t.Fatalf("expected out of range error, got %d %q", code, stderr)
	}

	code, _, _ = h.run("bogus")
	if code != 2 {
		t.Fatalf("expected usage error for unknown command, got %d", code)
	}
	code, _, _ = h.run("count")
	if code != 2 {
		t.Fatalf("expected usage error for missing count, got %d", code)
	}
}

func TestHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := cli([]string{"--help"}, &stdout, &stderr); code != 0 {
		t.Fatalf("expected help to exit 0, got %d", code)
	}
	if !strings.Contains(stdout.String(), "designate") {
		t.Fatalf("help output missing commands: %q", stdout.String())
	}
}

func TestMetricsTextfile(t *testing.T) {
	h := newHarness(t)
	metrics := filepath.Join(t.TempDir(), "censusctl.prom")
	h.mustRun("--metrics-textfile", metrics, "roster", "--file", writeRoster(t))
	data, err := os.ReadFile(metrics)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(data), `censuscore_operations_total{operation="build_distribution",status="success"} 1`) {
		t.Fatalf("metrics missing build counter:\n%s", data)
	}
}
