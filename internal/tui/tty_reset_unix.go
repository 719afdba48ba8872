//go:build !windows

package tui

import (
	"os"
	"os/exec"
)

// bestEffortResetTTY restores the terminal to a sane state after the UI
// exits. Errors are ignored; there is nothing useful to do with them.
func bestEffortResetTTY() {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return
	}
	defer tty.Close()

	cmd := exec.Command("stty", "sane")
	cmd.Stdin = tty
	_ = cmd.Run()
}
