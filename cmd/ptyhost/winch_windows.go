//go:build windows

package main

import "os"

// Windows consoles have no resize signal; the size is read on each Fit.
func notifyResize(chan<- os.Signal) {}
