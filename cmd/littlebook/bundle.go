package main

import (
	"context"
	"os"
	"path/filepath"

	"tractor.dev/toolkit-go/engine/cli"

	"tractor.dev/littlebook/boot"
)

func bundleCmd() *cli.Command {
	var (
		configPath string
		out        string
	)
	cmd := &cli.Command{
		Usage: "bundle [entry]",
		Short: "bundle the entry program",
		Args:  cli.MaxArgs(1),
		Run: func(ctx *cli.Context, args []string) {
			entry := ""
			if len(args) > 0 {
				entry = args[0]
			}
			fatal(bundle(context.Background(), configPath, entry, out))
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file")
	cmd.Flags().StringVar(&out, "out", "", "write bundle.js and bundle.css into this directory instead of stdout")
	return cmd
}

func bundle(ctx context.Context, configPath, entry, out string) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx = a.context(ctx)

	e, err := a.environment(ctx)
	if err != nil {
		return err
	}
	manifest, err := readManifest(a.cfg.Manifest)
	if err != nil {
		return err
	}
	if entry == "" {
		entry = a.cfg.Entry
	}
	res, err := boot.Run(ctx, boot.Options{
		Env:      e,
		Manifest: manifest,
		Install:  boot.Policy(a.cfg.Install),
		Entry:    entry,
		Logger:   a.log,
	})
	if err != nil {
		return err
	}
	for _, w := range res.Bundle.Warnings {
		a.log.Warn("bundle", "warning", w.String())
	}
	if out == "" {
		_, err := os.Stdout.Write(res.Bundle.JS)
		return err
	}
	if err := os.MkdirAll(out, 0755); err != nil {
		return err
	}
	files := map[string][]byte{
		"bundle.js":      res.Bundle.JS,
		"bundle.js.map":  res.Bundle.JSMap,
		"bundle.css":     res.Bundle.CSS,
		"bundle.css.map": res.Bundle.CSSMap,
	}
	for name, data := range files {
		if len(data) == 0 {
			continue
		}
		if err := os.WriteFile(filepath.Join(out, name), data, 0644); err != nil {
			return err
		}
	}
	a.log.Info("bundled", "entry", entry, "out", out)
	return nil
}
