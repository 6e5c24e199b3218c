// Command filehash computes a panel of digests (CRC-32, MD5, SHA-1,
// SHA-256, SHA-512) over files, directory trees, and tar streams.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/odinmay/filehash/internal/cliapp"
)

func main() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exitCode := cliapp.Run(os.Stdin, os.Stdout, os.Stderr, os.Args, os.Environ(), sigCh)

	os.Exit(exitCode)
}
