// Command skein is the CLI for the skein coordination substrate. It is a
// thin shim: every command is a direct call into the programmatic surface
// and contains no coordination logic of its own.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/skeinworks/skein/internal/telemetry"
)

// Version is stamped by the release build.
var Version = "dev"

func main() {
	ctx := context.Background()
	if err := telemetry.Init(ctx, "skein", Version); err != nil {
		fmt.Fprintf(os.Stderr, "telemetry init: %v\n", err)
	}
	defer telemetry.Shutdown(ctx)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render("error: ")+err.Error())
		os.Exit(1)
	}
}
