package common

import (
	"os"

	"golang.org/x/sys/windows"
)

var (
	kernel32DLL        = windows.NewLazySystemDLL("kernel32.dll")
	setConsoleOutputCP = kernel32DLL.NewProc("SetConsoleOutputCP")
)

// Poetry output is UTF-8 and the CLI progress view redraws with ANSI escapes,
// so both are switched on for the current console.
func init() {
	// See: https://learn.microsoft.com/en-us/windows/console/console-virtual-terminal-sequences#output-sequences
	var outMode uint32
	out := windows.Handle(os.Stdout.Fd())
	if err := windows.GetConsoleMode(out, &outMode); err != nil {
		return
	}
	outMode |= windows.ENABLE_PROCESSED_OUTPUT | windows.ENABLE_VIRTUAL_TERMINAL_PROCESSING
	_ = windows.SetConsoleMode(out, outMode)

	codePage := uint(65001)
	if ret, _, err := setConsoleOutputCP.Call(uintptr(codePage)); ret == 0 {
		GLogger.Warn("couldn't set console output codepage", "error", err)
	}
}
