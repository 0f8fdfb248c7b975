package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

// errReported marks failures already explained on the console.
var errReported = errors.New("reported")

func main() {
	// A missing .env is normal; real environment variables still apply.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
