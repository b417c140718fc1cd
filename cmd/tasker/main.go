// Package main is the entry point for the tasker CLI.
package main

import (
	"os"

	"github.com/tasker-systems/tasker/cmd/tasker/app"
	"github.com/tasker-systems/tasker/pkg/logger"
)

func main() {
	// Initialize the logger
	logger.Initialize()

	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
