// Command fezzrun is the subprocess helper referenced by FEZZ_RUNNER. It
// dlopen's the library path given as its sole argument, reads a
// wire-request from stdin to EOF, calls the plugin's fezz_handle_v2, and
// writes the wire-response bytes to stdout. Exit code 0 on success;
// non-zero with a message on stderr otherwise.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/oriys/hhrf/internal/abi"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: fezzrun <library-path>")
		os.Exit(2)
	}
	if err := run(os.Args[1]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(libraryPath string) error {
	lib, err := abi.Open(libraryPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", libraryPath, err)
	}
	defer lib.Close()

	req, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read request: %w", err)
	}

	resp, err := lib.Handle(req)
	if err != nil {
		return fmt.Errorf("handle: %w", err)
	}

	if _, err := os.Stdout.Write(resp); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
