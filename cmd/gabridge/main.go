// Command gabridge runs the Google Analytics bridge as a standalone host.
package main

import (
	"context"
	"os"

	"github.com/handbuilt/gabridge/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
