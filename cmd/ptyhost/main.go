package main

import (
	"fmt"
	"os"
)

const usage = `usage: ptyhost [command] [flags]

commands:
  run         start an interactive shell through the pty host (default)
  profiles    list shell profiles and whether they are installed
  pty-worker  serve the pty worker protocol on stdio (started by ptyhost itself)
`

func main() {
	if len(os.Args) < 2 {
		os.Exit(runSession(nil))
	}

	switch os.Args[1] {
	case "run":
		os.Exit(runSession(os.Args[2:]))
	case "profiles":
		os.Exit(runProfiles(os.Args[2:]))
	case "pty-worker":
		os.Exit(runWorker(os.Args[2:]))
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
	default:
		// Flags without a command belong to run.
		if len(os.Args[1]) > 0 && os.Args[1][0] == '-' {
			os.Exit(runSession(os.Args[1:]))
		}
		fmt.Fprintf(os.Stderr, "unknown command: %s\n%s", os.Args[1], usage)
		os.Exit(2)
	}
}
