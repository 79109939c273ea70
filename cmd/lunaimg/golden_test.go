package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lunakernel/luna/internal/bootmap"
)

func smokeBootInfo(t *testing.T) *bootmap.Info {
	t.Helper()
	info, err := bootmap.NewBuilder().
		WithMemoryMap([]bootmap.Region{
			{Base: 0, Length: 0x9f000, Type: bootmap.RegionUsable},
			{Base: 0x100000, Length: 0x7f00000, Type: bootmap.RegionUsable},
		}).
		Build()
	if err != nil {
		t.Fatalf("build boot info: %v", err)
	}
	return info
}

func TestTraceScenarioIsDeterministic(t *testing.T) {
	info := smokeBootInfo(t)

	a, err := traceScenario(info)
	if err != nil {
		t.Fatalf("traceScenario: %v", err)
	}
	b, err := traceScenario(info)
	if err != nil {
		t.Fatalf("traceScenario (second run): %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("traceScenario is not deterministic:\n--- a ---\n%s\n--- b ---\n%s", a, b)
	}
	if !strings.Contains(string(a), "pmm: total=") {
		t.Fatalf("trace missing pmm summary line: %s", a)
	}
	if !strings.Contains(string(a), "paging: map va=") {
		t.Fatalf("trace missing paging line: %s", a)
	}
	if !strings.Contains(string(a), "cpuinit: started") {
		t.Fatalf("trace missing cpuinit AP bring-up line: %s", a)
	}
	if !strings.Contains(string(a), "timekeeping: hpet counter readback") {
		t.Fatalf("trace missing timekeeping hpet line: %s", a)
	}
	if !strings.Contains(string(a), "board: driverbus bound") {
		t.Fatalf("trace missing driverbus line: %s", a)
	}
}

func TestRunFixturesWritesThenMatchesGolden(t *testing.T) {
	dir := t.TempDir()
	scenarioPath := filepath.Join(dir, "scenario.yaml")
	if err := os.WriteFile(scenarioPath, []byte(`
name: smoke
memory_map:
  - base: 0x0
    length: 0x9f000
    type: usable
  - base: 0x100000
    length: 0x7f00000
    type: usable
`), 0o644); err != nil {
		t.Fatalf("write scenario: %v", err)
	}
	outDir := filepath.Join(dir, "fixtures")

	if err := runFixtures(context.Background(), scenarioPath, outDir, true); err != nil {
		t.Fatalf("runFixtures(update=true): %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "smoke.golden")); err != nil {
		t.Fatalf("golden file not written: %v", err)
	}

	if err := runFixtures(context.Background(), scenarioPath, outDir, false); err != nil {
		t.Fatalf("runFixtures(update=false) against freshly written golden: %v", err)
	}
}

func TestRunFixturesDetectsDrift(t *testing.T) {
	dir := t.TempDir()
	scenarioPath := filepath.Join(dir, "scenario.yaml")
	if err := os.WriteFile(scenarioPath, []byte(`
name: drift
memory_map:
  - base: 0x0
    length: 0x1000
    type: usable
`), 0o644); err != nil {
		t.Fatalf("write scenario: %v", err)
	}
	outDir := filepath.Join(dir, "fixtures")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outDir, "drift.golden"), []byte("stale content\n"), 0o644); err != nil {
		t.Fatalf("seed stale golden: %v", err)
	}

	if err := runFixtures(context.Background(), scenarioPath, outDir, false); err == nil {
		t.Fatalf("expected drift error against a stale golden fixture")
	}
}
