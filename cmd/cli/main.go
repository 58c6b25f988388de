package main

import (
	"os"

	"github.com/fleetillo/dispatch-gateway/pkg/logger"
)

func main() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
