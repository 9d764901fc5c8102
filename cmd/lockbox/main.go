// Command lockbox stores plaintexts under passkeys and locks identifiers
// after repeated wrong passkeys.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/forest6511/lockbox/pkg/vault"
)

// Exit codes
const (
	exitOK = iota
	exitError
	exitValidation
	exitNotFound
	exitWrongPasskey
	exitLocked
	exitWrongMaster
)

func main() {
	if err := newCLI(os.Stdin, os.Stdout, os.Stderr).execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps an outcome to the process exit status.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, vault.ErrValidation):
		return exitValidation
	case errors.Is(err, vault.ErrNotFound):
		return exitNotFound
	case errors.Is(err, vault.ErrWrongPasskey):
		return exitWrongPasskey
	case errors.Is(err, vault.ErrLocked):
		return exitLocked
	case errors.Is(err, vault.ErrWrongMaster):
		return exitWrongMaster
	default:
		return exitError
	}
}
