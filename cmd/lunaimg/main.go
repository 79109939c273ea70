// Command lunaimg is the host-side companion to the kernel (spec.md §7,
// §9): it never runs as part of the kernel image itself, and is the only
// place in this module the hosted-process dependencies (YAML scenarios,
// progress rendering, a live log pane, raw KVM access for differential
// testing, and synthetic network frame construction) are allowed to live.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
)

func run(ctx context.Context, args []string) error {
	if len(args) < 1 {
		usage()
		return fmt.Errorf("lunaimg: missing subcommand")
	}

	sub := args[0]
	fs := flag.NewFlagSet("lunaimg "+sub, flag.ExitOnError)

	switch sub {
	case "fixtures":
		scenario := fs.String("scenario", "", "path to a YAML boot scenario")
		out := fs.String("out", "", "directory to write golden fixtures into")
		update := fs.Bool("update", false, "overwrite existing golden fixtures instead of comparing against them")
		fs.Parse(args[1:])
		if *scenario == "" || *out == "" {
			return fmt.Errorf("lunaimg fixtures: -scenario and -out are required")
		}
		return runFixtures(ctx, *scenario, *out, *update)

	case "kvmdiff":
		count := fs.Int("n", 64, "number of instruction sequences to differentially test, cycled from a fixed set")
		fs.Parse(args[1:])
		return runKVMDiff(ctx, *count)

	case "netframe":
		out := fs.String("out", "", "file to write a synthetic Ethernet/IPv4/UDP capture to")
		fs.Parse(args[1:])
		if *out == "" {
			return fmt.Errorf("lunaimg netframe: -out is required")
		}
		return runNetFrame(*out)

	case "monitor":
		fs.Parse(args[1:])
		return runMonitor(ctx)

	default:
		usage()
		return fmt.Errorf("lunaimg: unknown subcommand %q", sub)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `lunaimg - host-side build and test tooling for the Luna kernel

USAGE:
  lunaimg <subcommand> [flags]

SUBCOMMANDS:
  fixtures -scenario FILE -out DIR [-update]
        Assemble a stivale2-style boot memory map and ACPI fixture set
        from a YAML scenario and run it through bootmap/pmm/paging to
        produce (or check) deterministic golden-file regression output.

  kvmdiff [-n COUNT]
        Run COUNT MMIO-faulting instruction sequences, cycled from a
        fixed set of cases, through both internal/hv/emulate and a throwaway scratch VM under the
        host's own /dev/kvm, and report any mismatch. Linux + KVM only.

  netframe -out FILE
        Build a synthetic Ethernet/IPv4/UDP frame with gVisor's tcpip
        header helpers and write it to FILE, to regression-test the
        out-of-scope network-driver contract boundary without linking a
        TCP/IP stack into the kernel itself.

  monitor
        Render a live build/test log pane (charmbracelet/x/vt over a
        raw terminal) while fixtures runs as a subprocess.
`)
}

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "lunaimg:", err)
		os.Exit(1)
	}
}
