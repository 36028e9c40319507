// Package main runs the writer service, which handles uploads and deletions of vault content.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/common/version"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"linkvault.io/vault/common/logging"
	"linkvault.io/vault/config"
	"linkvault.io/vault/vault"
)

func main() {
	if err := serve(); err != nil {
		log.WithError(err).Fatal("error running writer")
	}
}

func serve() error {
	viper.AutomaticEnv()
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logging.SetupLog("linkvault-writer", cfg.Verbose)
	clog := logging.WithFuncName()
	clog.WithField("build", version.Info()).Info("starting writer")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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
	idp, err := cfg.Identity()
	if err != nil {
		return err
	}
	wrt := &writer{
		Vault:    vault.New(records, blobs, cfg.Vault()),
		Identity: idp,
		Trap:     cfg.TrapName,
		MaxBody:  cfg.ReqBodySizeMaxByte,
	}
	wrt.SetupRoutes()
	s := newServer(cfg.WriterAddr, wrt)
	go func() {
		<-ctx.Done()
		clog.Info("got termination signal. Stopping")
		shutdown(s)
	}()
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
