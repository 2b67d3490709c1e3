// Package main is the entry point for the content mirror server.
package main

import (
	"os"

	"github.com/stacklok/content-mirror/cmd/content-mirror/app"
	"github.com/stacklok/content-mirror/internal/logger"
)

func main() {
	// Logs go to stderr so stdout stays clean for commands that output data
	// (e.g., version --format json).
	err := app.NewRootCmd().Execute()
	logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}
