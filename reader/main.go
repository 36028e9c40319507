// Package main runs the reader service, which serves vault content under its access constraints.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/common/version"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"linkvault.io/vault/common/logging"
	"linkvault.io/vault/config"
	"linkvault.io/vault/vault"
)

func main() {
	if err := serve(); err != nil {
		log.WithError(err).Fatal("error running reader")
	}
}

func serve() error {
	viper.AutomaticEnv()
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logging.SetupLog("linkvault-reader", cfg.Verbose)
	clog := logging.WithFuncName()
	clog.WithField("build", version.Info()).Info("starting reader")
	if !cfg.Verbose {
		gin.SetMode(gin.ReleaseMode)
	}

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
	r := &reader{Vault: vault.New(records, blobs, cfg.Vault()), Identity: idp}
	r.SetupRoutes()
	s := &http.Server{
		Addr:           cfg.ReaderAddr,
		Handler:        r.Router,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   2 * time.Minute,
		MaxHeaderBytes: 1 << 13,
	}
	go func() {
		<-ctx.Done()
		clog.Info("got termination signal. Stopping")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Shutdown(sctx); err != nil {
			clog.WithError(err).Error("error shutting down reader")
		}
	}()
	if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
