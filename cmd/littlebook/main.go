package main

import (
	"log"

	"tractor.dev/toolkit-go/engine"
	"tractor.dev/toolkit-go/engine/cli"
)

func main() {
	engine.Run(Main{})
}

type Main struct{}

func (m *Main) InitializeCLI(root *cli.Command) {
	root.Usage = "littlebook"
	root.AddCommand(serveCmd())
	root.AddCommand(installCmd())
	root.AddCommand(uninstallCmd())
	root.AddCommand(bundleCmd())
	root.AddCommand(storageWorkerCmd())
	root.AddCommand(schemaCmd())
}

func fatal(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
