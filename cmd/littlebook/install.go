package main

import (
	"context"
	"fmt"

	"tractor.dev/toolkit-go/engine/cli"

	"tractor.dev/littlebook/boot"
	"tractor.dev/littlebook/env"
)

func installCmd() *cli.Command {
	var (
		configPath string
		force      bool
	)
	cmd := &cli.Command{
		Usage: "install",
		Short: "install the packaged system tree",
		Run: func(ctx *cli.Context, args []string) {
			fatal(install(context.Background(), configPath, force))
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file")
	cmd.Flags().BoolVar(&force, "force", false, "install even when up to date")
	return cmd
}

func install(ctx context.Context, configPath string, force bool) error {
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
	policy := boot.Policy(a.cfg.Install)
	if force {
		policy = boot.InstallAlways
	}
	installed, err := boot.Install(ctx, e, manifest, policy, a.log)
	if err != nil {
		return err
	}
	v, err := env.InstalledVersion(ctx, e)
	if err != nil {
		return err
	}
	if installed {
		fmt.Printf("installed %s into %s\n", v, e.SystemRoot())
	} else {
		fmt.Printf("%s is up to date (%s)\n", e.SystemRoot(), v)
	}
	return nil
}

func uninstallCmd() *cli.Command {
	var configPath string
	cmd := &cli.Command{
		Usage: "uninstall",
		Short: "remove the installed system tree",
		Run: func(ctx *cli.Context, args []string) {
			fatal(uninstall(context.Background(), configPath))
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file")
	return cmd
}

func uninstall(ctx context.Context, configPath string) error {
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
	if err := env.Uninstall(ctx, e); err != nil {
		return err
	}
	fmt.Printf("uninstalled %s\n", e.SystemRoot())
	return nil
}
