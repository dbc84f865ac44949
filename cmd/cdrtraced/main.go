package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	internal "github.com/datakarta/cdrtrace/trace"
	"github.com/datakarta/cdrtrace/trace/config"
	"github.com/datakarta/cdrtrace/trace/enrich"
	"github.com/datakarta/cdrtrace/trace/index"
	"github.com/datakarta/cdrtrace/trace/orchestrator"
	"github.com/datakarta/cdrtrace/trace/server"
	"github.com/datakarta/cdrtrace/trace/service"
	"github.com/datakarta/cdrtrace/trace/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	log := internal.GetLogger()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	db, err := store.Connect(cfg.Trace.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open cdr database")
	}
	st := store.New(db)
	defer st.Close()

	ctx := context.Background()
	if err := st.InitSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize schema")
	}

	cache := enrich.NewCache(st,
		time.Duration(cfg.Trace.Cache.TTLMinutes)*time.Minute,
		cfg.Trace.Cache.Capacity)

	orch := orchestrator.New(st, cache, index.NewMemIndex(), orchestrator.Config{
		Enabled:        cfg.Trace.Index.Enabled,
		Mandatory:      cfg.Trace.Index.Mandatory,
		PollInterval:   time.Duration(cfg.Trace.Index.PollIntervalSec) * time.Second,
		BatchSize:      cfg.Trace.Index.BatchSize,
		ReconnectDelay: time.Duration(cfg.Trace.Index.ReconnectDelaySec) * time.Second,
		DialCode:       cfg.Trace.Country.DialCode,
	})
	if err := orch.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start search orchestrator")
	}
	defer orch.Close()

	svc := service.New(orch, st, cfg.Trace.Country.DialCode)
	srv := &http.Server{
		Addr:    cfg.Trace.HTTP.Addr,
		Handler: server.New(svc, log).Handler(),
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("cdrtrace listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
}
