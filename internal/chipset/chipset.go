package chipset

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/btree"
	"github.com/lunakernel/luna/internal/debug"
	"github.com/lunakernel/luna/internal/hv"
)

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// HandlePIO dispatches an I/O port access to the registered device.
func (c *Chipset) HandlePIO(ctx hv.ExitContext, port uint16, data []byte, isWrite bool) error {
	handler, ok := c.pio[port]
	if !ok {
		return fmt.Errorf("chipset: no handler for I/O port 0x%04x", port)
	}
	debug.Writef("chipset.HandlePIO", "handler=%T port=0x%04x data=% x isWrite=%t", handler, port, data, isWrite)
	if isWrite {
		return handler.WriteIOPort(ctx, port, data)
	}
	return handler.ReadIOPort(ctx, port, data)
}

// HandleMMIO dispatches an MMIO access to the registered device. Lookup
// walks the ordered btree backward from the first binding whose base is
// greater than addr, which visits candidate regions in descending base
// order — the first one that covers [addr, accessEnd) is the answer,
// since registered regions never overlap (spec.md §3/§9: "ordered map
// `base -> (driver*, length)`", replacing a linear scan).
func (c *Chipset) HandleMMIO(ctx hv.ExitContext, addr uint64, data []byte, isWrite bool) error {
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}

	var found *mmioBinding
	pivot := mmioBinding{region: hv.MMIORegion{Address: addr + 1}}
	c.mmio.DescendLessOrEqual(pivot, func(binding mmioBinding) bool {
		start := binding.region.Address
		end := start + binding.region.Size
		if addr >= start && accessEnd <= end {
			b := binding
			found = &b
			return false
		}
		// Bindings never overlap, so once we've passed below addr there
		// is no covering region further back.
		return start+binding.region.Size > addr
	})

	if found == nil {
		return fmt.Errorf("chipset: no handler for MMIO address 0x%016x", addr)
	}

	debug.Writef("chipset.HandleMMIO", "handler=%T addr=0x%016x data=% x isWrite=%t", found.handler, addr, data, isWrite)
	if isWrite {
		return found.handler.WriteMMIO(ctx, addr, data)
	}
	return found.handler.ReadMMIO(ctx, addr, data)
}

// Poll executes Poll on all poll-capable devices.
func (c *Chipset) Poll(ctx context.Context) error {
	for _, handler := range c.polls {
		if err := handler.Poll(ctx); err != nil {
			return fmt.Errorf("chipset: poll: %w", err)
		}
	}
	return nil
}

// PIOPorts returns every I/O port this chipset has a registered handler
// for, so a caller folding a whole built Chipset into a larger dispatch
// fabric (internal/hv/native's virtualMachine) can register it as one
// hv.Device instead of one per constituent device.
func (c *Chipset) PIOPorts() []uint16 {
	ports := make([]uint16, 0, len(c.pio))
	for port := range c.pio {
		ports = append(ports, port)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// MMIORegionsList returns every MMIO region this chipset has a
// registered handler for, in base-address order.
func (c *Chipset) MMIORegionsList() []hv.MMIORegion {
	regions := make([]hv.MMIORegion, 0, c.mmio.Len())
	c.mmio.Ascend(func(b mmioBinding) bool {
		regions = append(regions, b.region)
		return true
	})
	return regions
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
