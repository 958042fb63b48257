package main

import (
	"fmt"
	"os"

	"github.com/blackwell-systems/trustmonitor/internal/app"
	terrors "github.com/blackwell-systems/trustmonitor/internal/errors"
)

func main() {
	if err := app.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(terrors.ExitCode(err))
	}
}
