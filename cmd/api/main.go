package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dbsandbox/api/internal/config"
	"github.com/dbsandbox/api/internal/server"
)

func main() {
	log := logrus.NewEntry(logrus.StandardLogger())
	logrus.SetFormatter(&logrus.JSONFormatter{})

	cfg := config.FromEnv()

	srv, err := server.New(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize server")
	}

	go func() {
		log.WithField("addr", srv.HTTP.Addr).Info("server listening")
		if err := srv.HTTP.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			panic(fmt.Sprintf("http server error: %s", err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("server shutdown did not complete cleanly")
	}
	log.Info("server exiting")
}
