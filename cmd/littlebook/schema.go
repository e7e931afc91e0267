package main

import (
	"os"

	"tractor.dev/toolkit-go/engine/cli"

	"tractor.dev/littlebook/config"
)

func schemaCmd() *cli.Command {
	cmd := &cli.Command{
		Usage: "schema",
		Short: "print the JSON schema of " + config.Filename,
		Run: func(ctx *cli.Context, args []string) {
			b, err := config.Schema()
			fatal(err)
			os.Stdout.Write(append(b, '\n'))
		},
	}
	return cmd
}
