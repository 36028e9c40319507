// Package main vends a long-running worker to delete expired vault records and their blobs.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/common/version"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
	"linkvault.io/vault/common/logging"
	"linkvault.io/vault/config"
	cst "linkvault.io/vault/constants"
	"linkvault.io/vault/reaper"
)

func main() {
	app := &cli.App{
		Name:    "reaper",
		Usage:   "delete expired vault content",
		Version: version.Version,
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", EnvVars: []string{cst.EnvVerbose}, Usage: "log at debug level"},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "sweep periodically until terminated",
				Action: func(c *cli.Context) error { return withReaper(c, runLoop) },
			},
			{
				Name:   "sweep",
				Usage:  "sweep once and exit",
				Action: func(c *cli.Context) error { return withReaper(c, sweepOnce) },
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("error running reaper")
	}
}

func withReaper(c *cli.Context, f func(context.Context, *reaper.Reaper) error) error {
	viper.AutomaticEnv()
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logging.SetupLog("linkvault-reaper", cfg.Verbose || c.Bool("verbose"))
	clog := logging.WithFuncName()
	clog.WithField("build", version.Info()).Info("starting reaper")
	// ensure the worker can be responsive to system signals
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	records, err := cfg.RecordStore(ctx)
	if err != nil {
		clog.WithError(err).Error("error setting up record store")
		return err
	}
	defer records.Close()
	blobs, err := cfg.BlobStore(ctx)
	if err != nil {
		clog.WithError(err).Error("error setting up blob store")
		return err
	}
	defer blobs.Close()
	return f(ctx, reaper.New(records, blobs, cfg.Reaper))
}

func runLoop(ctx context.Context, r *reaper.Reaper) error {
	r.Run(ctx)
	return nil
}

func sweepOnce(ctx context.Context, r *reaper.Reaper) error {
	stats, e := r.Sweep(ctx)
	if e != nil {
		return e
	}
	logging.WithFuncName().WithFields(log.Fields{
		"loaded":       stats.Loaded,
		"reaped":       stats.Reaped,
		"failed":       stats.Failed,
		"blobFailures": stats.BlobFailures,
	}).Info("sweep done")
	return nil
}
