package main

import (
	"github.com/sirupsen/logrus"

	"github.com/dockmaster-io/dockmaster/cmd"
)

// init configures the initial logging level for Dockmaster.
//
// It sets logrus to InfoLevel by default, ensuring basic operational logs
// are visible unless overridden by --log-level in cmd.
func init() {
	logrus.SetLevel(logrus.InfoLevel)
}

// main serves as the entry point for the Dockmaster application.
//
// It delegates execution to the cmd package, which handles CLI setup, flag
// parsing, and assembly of the gateway and stream tiers.
func main() {
	cmd.Execute()
}
