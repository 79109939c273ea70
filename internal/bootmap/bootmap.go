// Package bootmap parses the stivale2-compatible boot information structure
// handed to Luna by its loader: an ID-tagged linked list of records. Every
// consumer of boot-time data (the frame allocator, SMP bring-up, ACPI) goes
// through the single tag walker in this package, per spec.md §6.
package bootmap

import "fmt"

// TagID identifies the kind of a boot info tag.
type TagID uint64

const (
	TagMemoryMap TagID = 0x2187f79e8612de07
	TagSMP       TagID = 0x34d1d96339647025
	TagRSDP      TagID = 0x9e1786930a375e78
	TagFramebuf  TagID = 0x506461d2950408fa
)

// RegionType classifies one entry of the memory map.
type RegionType uint32

const (
	RegionUsable RegionType = iota
	RegionReserved
	RegionACPIReclaimable
	RegionACPINVS
	RegionBadMemory
	RegionBootloaderReclaimable
	RegionKernelAndModules
	RegionFramebuffer
)

// Region describes one memory map entry as reported by the loader.
type Region struct {
	Base   uint64
	Length uint64
	Type   RegionType
}

// Tag is one link in the boot-info tag list: an identifier and a pointer
// to the next tag (0 terminates the list).
type Tag struct {
	ID     TagID
	Next   uint64
	Offset int // offset of the tag's payload within the tag buffer
}

// Info is the parsed view of the tags this kernel cares about. Tags it does
// not recognize are preserved in All so collaborators (ACPI table walkers,
// GUI framebuffer setup) can find them without a second parse pass.
type Info struct {
	MemoryMap []Region
	RSDP      uint64
	SMP       SMPInfo
	HasSMP    bool
	All       []Tag
}

// SMPInfo describes the secondary CPUs discovered via the loader's SMP tag.
type SMPInfo struct {
	BSPLAPICID uint32
	CPUs       []CPUInfo
}

// CPUInfo is one entry of the SMP tag's CPU array.
type CPUInfo struct {
	LAPICID     uint32
	TargetStack uint64
	GotoAddress uint64
}

// raw is the Builder's in-memory record of a synthetic boot info: the set
// of tag IDs present plus the already-decoded memory map, SMP descriptor
// and RSDP. Tests construct it through Builder to avoid depending on an
// actual stivale2 loader.
type raw struct {
	tags map[TagID][]byte
	mm   []Region
	smp  *SMPInfo
	rsdp uint64
}

// Builder assembles a synthetic tag list, used by the host test tool and by
// unit tests to exercise Parse without an actual bootloader.
type Builder struct{ r raw }

// NewBuilder returns an empty boot-info builder.
func NewBuilder() *Builder { return &Builder{r: raw{tags: map[TagID][]byte{}}} }

// WithMemoryMap installs the memory map tag.
func (b *Builder) WithMemoryMap(regions []Region) *Builder {
	b.r.mm = append([]Region(nil), regions...)
	b.r.tags[TagMemoryMap] = nil
	return b
}

// WithRSDP installs the ACPI RSDP pointer tag.
func (b *Builder) WithRSDP(addr uint64) *Builder {
	b.r.rsdp = addr
	b.r.tags[TagRSDP] = nil
	return b
}

// WithSMP installs the SMP descriptor tag.
func (b *Builder) WithSMP(info SMPInfo) *Builder {
	b.r.smp = &info
	b.r.tags[TagSMP] = nil
	return b
}

// Build finalizes the synthetic boot info.
func (b *Builder) Build() (*Info, error) {
	info := &Info{MemoryMap: b.r.mm, RSDP: b.r.rsdp}
	if b.r.smp != nil {
		info.SMP = *b.r.smp
		info.HasSMP = true
	}
	for id := range b.r.tags {
		info.All = append(info.All, Tag{ID: id})
	}
	if len(info.MemoryMap) == 0 {
		return nil, fmt.Errorf("bootmap: memory map tag is required")
	}
	return info, nil
}

// tagHeaderSize is the size in bytes of a stivale2 tag header: identifier
// followed by the physical address of the next tag.
const tagHeaderSize = 16

// Parse walks the loader-provided tag list starting at headAddr, reading
// tag headers and memory-map/SMP/RSDP payloads through the supplied
// physical-memory reader. It is the single parser every other boot-time
// consumer goes through (spec.md §6).
func Parse(headAddr uint64, read func(addr uint64, out []byte)) (*Info, error) {
	info := &Info{}

	addr := headAddr
	seen := 0
	for addr != 0 {
		seen++
		if seen > 4096 {
			return nil, fmt.Errorf("bootmap: tag list exceeds sanity limit, possible cycle")
		}

		var header [tagHeaderSize]byte
		read(addr, header[:])
		id := TagID(leU64(header[0:8]))
		next := leU64(header[8:16])

		info.All = append(info.All, Tag{ID: id, Next: next})

		switch id {
		case TagMemoryMap:
			info.MemoryMap = parseMemoryMap(addr+tagHeaderSize, read)
		case TagRSDP:
			var buf [8]byte
			read(addr+tagHeaderSize, buf[:])
			info.RSDP = leU64(buf[:])
		case TagSMP:
			info.SMP = parseSMP(addr+tagHeaderSize, read)
			info.HasSMP = true
		}

		addr = next
	}

	if len(info.MemoryMap) == 0 {
		return nil, fmt.Errorf("bootmap: loader did not provide a memory map tag")
	}

	return info, nil
}

func parseMemoryMap(payloadAddr uint64, read func(uint64, []byte)) []Region {
	var countBuf [8]byte
	read(payloadAddr, countBuf[:])
	count := leU64(countBuf[:])

	const entrySize = 24 // base uint64, length uint64, type uint32 + padding
	regions := make([]Region, 0, count)
	for i := uint64(0); i < count; i++ {
		var entry [entrySize]byte
		read(payloadAddr+8+i*entrySize, entry[:])
		regions = append(regions, Region{
			Base:   leU64(entry[0:8]),
			Length: leU64(entry[8:16]),
			Type:   RegionType(leU32(entry[16:20])),
		})
	}
	return regions
}

func parseSMP(payloadAddr uint64, read func(uint64, []byte)) SMPInfo {
	var header [8]byte
	read(payloadAddr, header[:])
	bspID := leU32(header[0:4])
	count := leU32(header[4:8])

	const entrySize = 20 // LAPIC id uint32, target stack uint64, goto address uint64
	cpus := make([]CPUInfo, 0, count)
	for i := uint32(0); i < count; i++ {
		var entry [entrySize]byte
		read(payloadAddr+8+uint64(i)*entrySize, entry[:])
		cpus = append(cpus, CPUInfo{
			LAPICID:     leU32(entry[0:4]),
			TargetStack: leU64(entry[4:12]),
			GotoAddress: leU64(entry[12:20]),
		})
	}
	return SMPInfo{BSPLAPICID: bspID, CPUs: cpus}
}

func leU32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leU64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// HighestUsableAddr returns the end address of the highest usable region,
// which sizes the PMM's bitmap (spec.md §3).
func (i *Info) HighestUsableAddr() uint64 {
	var highest uint64
	for _, r := range i.MemoryMap {
		if r.Type != RegionUsable {
			continue
		}
		if end := r.Base + r.Length; end > highest {
			highest = end
		}
	}
	return highest
}
