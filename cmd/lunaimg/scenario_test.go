package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/lunakernel/luna/internal/bootmap"
)

func writeScenarioFile(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "scenario.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write scenario: %v", err)
	}
	return path
}

func TestLoadScenarioParsesMemoryMapAndSMP(t *testing.T) {
	path := writeScenarioFile(t, `
name: smoke
rsdp: 0x7fe00000
memory_map:
  - base: 0x0
    length: 0x9fc00
    type: usable
  - base: 0x9fc00
    length: 0x400
    type: reserved
smp:
  bsp_lapic_id: 0
  lapic_ids: [0, 1]
`)

	s, err := loadScenario(path)
	if err != nil {
		t.Fatalf("loadScenario: %v", err)
	}
	if s.Name != "smoke" {
		t.Fatalf("Name = %q, want smoke", s.Name)
	}
	if len(s.MemoryMap) != 2 {
		t.Fatalf("len(MemoryMap) = %d, want 2", len(s.MemoryMap))
	}
	if s.SMP == nil || len(s.SMP.LapicIDs) != 2 {
		t.Fatalf("SMP = %+v, want 2 lapic ids", s.SMP)
	}
}

func TestLoadScenarioRejectsEmptyMemoryMap(t *testing.T) {
	path := writeScenarioFile(t, "name: empty\nmemory_map: []\n")
	if _, err := loadScenario(path); err == nil {
		t.Fatalf("expected error for empty memory_map")
	}
}

func TestToBootInfoRejectsUnknownRegionType(t *testing.T) {
	s := &scenario{
		Name: "bad",
		MemoryMap: []scenarioRegion{
			{Base: 0, Length: 0x1000, Type: "not_a_real_type"},
		},
	}
	if _, err := s.toBootInfo(); err == nil {
		t.Fatalf("expected error for unknown region type")
	}
}

func TestToBootInfoBuildsUsableMemoryMap(t *testing.T) {
	s := &scenario{
		Name: "ok",
		MemoryMap: []scenarioRegion{
			{Base: 0, Length: 0x100000, Type: "usable"},
		},
	}
	info, err := s.toBootInfo()
	if err != nil {
		t.Fatalf("toBootInfo: %v", err)
	}
	if len(info.MemoryMap) != 1 {
		t.Fatalf("len(MemoryMap) = %d, want 1", len(info.MemoryMap))
	}
	if info.MemoryMap[0].Type != bootmap.RegionUsable {
		t.Fatalf("Type = %v, want RegionUsable", info.MemoryMap[0].Type)
	}
}

func TestScenarioSMPToSMPInfo(t *testing.T) {
	s := &scenarioSMP{BSPLapicID: 2, LapicIDs: []uint32{2, 3, 4}}
	info := s.toSMPInfo()
	if info.BSPLAPICID != 2 {
		t.Fatalf("BSPLAPICID = %d, want 2", info.BSPLAPICID)
	}
	if len(info.CPUs) != 3 || info.CPUs[1].LAPICID != 3 {
		t.Fatalf("CPUs = %+v", info.CPUs)
	}
}
