package main

import (
	"context"
	"io"
	"os"
	"os/signal"

	"tractor.dev/toolkit-go/engine/cli"

	"tractor.dev/littlebook/env/opfs"
)

func storageWorkerCmd() *cli.Command {
	var configPath string
	cmd := &cli.Command{
		Usage: "storage-worker",
		Short: "serve the private storage area on stdio",
		Run: func(ctx *cli.Context, args []string) {
			sctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			fatal(storageWorker(sctx, configPath, stdio{os.Stdin, os.Stdout}))
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "config file")
	return cmd
}

func storageWorker(ctx context.Context, configPath string, conn io.ReadWriteCloser) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	policy, err := a.contention()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(a.cfg.OPFS.Dir, 0755); err != nil {
		return err
	}
	w, err := opfs.NewWorker(a.cfg.OPFS.Dir, policy)
	if err != nil {
		return err
	}
	defer w.Close()
	a.log.Debug("storage worker", "dir", a.cfg.OPFS.Dir, "contention", a.cfg.OPFS.Contention)
	return w.Serve(a.context(ctx), conn)
}

// stdio is the worker's end of the pipe to its parent.
type stdio struct {
	io.Reader
	io.WriteCloser
}
