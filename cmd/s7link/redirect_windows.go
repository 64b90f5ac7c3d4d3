//go:build windows

package main

import "os"

// redirectStderr swaps os.Stderr only; panics from the runtime still go to
// the console since there is no dup2.
func redirectStderr(f *os.File) {
	os.Stderr = f
}
