package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/lunakernel/luna/internal/bootmap"
)

// scenario is a hand-authored boot-time fixture: a memory map plus an
// RSDP/SMP description, the host-side equivalent of what a real
// bootloader would hand the kernel via bootmap.Parse. YAML keeps these
// checked in as readable fixtures instead of binary tag blobs.
type scenario struct {
	Name      string           `yaml:"name"`
	RSDP      uint64           `yaml:"rsdp"`
	MemoryMap []scenarioRegion `yaml:"memory_map"`
	SMP       *scenarioSMP     `yaml:"smp,omitempty"`
}

type scenarioRegion struct {
	Base   uint64 `yaml:"base"`
	Length uint64 `yaml:"length"`
	Type   string `yaml:"type"`
}

type scenarioSMP struct {
	BSPLapicID uint32   `yaml:"bsp_lapic_id"`
	LapicIDs   []uint32 `yaml:"lapic_ids"`
}

func (s *scenarioSMP) toSMPInfo() bootmap.SMPInfo {
	cpus := make([]bootmap.CPUInfo, len(s.LapicIDs))
	for i, id := range s.LapicIDs {
		cpus[i] = bootmap.CPUInfo{LAPICID: id}
	}
	return bootmap.SMPInfo{BSPLAPICID: s.BSPLapicID, CPUs: cpus}
}

var regionTypeNames = map[string]bootmap.RegionType{
	"usable":                   bootmap.RegionUsable,
	"reserved":                 bootmap.RegionReserved,
	"acpi_reclaimable":         bootmap.RegionACPIReclaimable,
	"acpi_nvs":                 bootmap.RegionACPINVS,
	"bad_memory":               bootmap.RegionBadMemory,
	"bootloader_reclaimable":   bootmap.RegionBootloaderReclaimable,
	"kernel_and_modules":       bootmap.RegionKernelAndModules,
	"framebuffer":              bootmap.RegionFramebuffer,
}

func loadScenario(path string) (*scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var s scenario
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	if len(s.MemoryMap) == 0 {
		return nil, fmt.Errorf("scenario %s: memory_map must not be empty", path)
	}
	return &s, nil
}

// toBootInfo builds a bootmap.Info the way bootmap.Parse would have,
// using bootmap.Builder's own round-trip (encode the scenario into a
// tag chain, then parse it back) so a fixture exercises the exact wire
// format the kernel's boot path consumes, not just the in-memory struct.
func (s *scenario) toBootInfo() (*bootmap.Info, error) {
	regions := make([]bootmap.Region, 0, len(s.MemoryMap))
	for _, r := range s.MemoryMap {
		kind, ok := regionTypeNames[r.Type]
		if !ok {
			return nil, fmt.Errorf("scenario %s: unknown region type %q", s.Name, r.Type)
		}
		regions = append(regions, bootmap.Region{Base: r.Base, Length: r.Length, Type: kind})
	}

	builder := bootmap.NewBuilder().WithMemoryMap(regions)
	if s.RSDP != 0 {
		builder = builder.WithRSDP(s.RSDP)
	}
	if s.SMP != nil {
		builder = builder.WithSMP(s.SMP.toSMPInfo())
	}
	return builder.Build()
}
