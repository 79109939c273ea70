package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/charmbracelet/x/vt"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// runMonitor drives the "fixtures" subcommand as a child process, and
// renders its combined stdout/stderr into a small live log pane instead
// of writing it directly on the terminal. Grounded on the teacher's
// internal/term.View (read-only; that package drives a full GPU-backed
// window, which lunaimg has no use for) for the pairing of a
// vt.SafeEmulator as an output normalizer with raw terminal mode for
// input, scaled down to a headless pane with no mouse/selection/clipboard
// handling.
func runMonitor(ctx context.Context) error {
	const cols, rows = 100, 24
	emu := vt.NewSafeEmulator(cols, rows)
	defer emu.Close()

	restore, err := enterRawMode()
	if err != nil {
		// Not every CI shell is a real tty; fall back to a plain scroll.
		return runMonitorPlain(ctx)
	}
	defer restore()

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("lunaimg monitor"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionClearOnFinish(),
	)

	cmds := [][]string{
		{os.Args[0], "fixtures", "-scenario", "testdata/smoke.yaml", "-out", ".lunaimg-fixtures"},
	}

	for _, args := range cmds {
		if err := streamCommand(ctx, args, emu, bar); err != nil {
			return err
		}
	}

	drawPane(emu, cols, rows)
	return nil
}

// streamCommand runs one subprocess, writing its combined output into
// emu (which strips/normalizes any escape sequences the child emits) and
// advancing bar once per line so a long-running fixture regeneration
// still shows forward progress.
func streamCommand(ctx context.Context, args []string, emu *vt.SafeEmulator, bar *progressbar.ProgressBar) error {
	if len(args) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	out, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("monitor: stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("monitor: start %v: %w", args, err)
	}

	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		line := scanner.Bytes()
		emu.Write(append(append([]byte(nil), line...), '\r', '\n'))
		_ = bar.Add(1)
	}

	return cmd.Wait()
}

// drawPane repaints the whole terminal from the emulator's cell grid.
// A real GUI view would do incremental dirty-cell updates (see the
// teacher's View.syncGridFromEmulator); a one-shot CLI render just needs
// the final frame.
func drawPane(emu *vt.SafeEmulator, cols, rows int) {
	fmt.Print("\x1b[2J\x1b[H")
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			cell := emu.CellAt(x, y)
			if cell == nil || cell.Content == "" {
				fmt.Print(" ")
				continue
			}
			fmt.Print(cell.Content)
		}
		fmt.Print("\r\n")
	}
}

// runMonitorPlain is the fallback for a non-tty stdout (piped to a file,
// running under a test harness, etc.): no raw mode, no cell grid, just
// forwarded lines.
func runMonitorPlain(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, os.Args[0], "fixtures", "-scenario", "testdata/smoke.yaml", "-out", ".lunaimg-fixtures")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

func enterRawMode() (restore func(), err error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("monitor: stdin is not a terminal")
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { _ = term.Restore(fd, state) }, nil
}
