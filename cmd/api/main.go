package main

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/koboldbooks/kobold/pkg/config"
	"github.com/koboldbooks/kobold/pkg/conversion"
	"github.com/koboldbooks/kobold/pkg/database"
	"github.com/koboldbooks/kobold/pkg/ingest"
	"github.com/koboldbooks/kobold/pkg/jobqueue"
	"github.com/koboldbooks/kobold/pkg/metadata"
	"github.com/koboldbooks/kobold/pkg/migrations"
	"github.com/koboldbooks/kobold/pkg/scanner"
	"github.com/koboldbooks/kobold/pkg/server"
	"github.com/koboldbooks/kobold/pkg/version"
	"github.com/koboldbooks/kobold/pkg/watcher"
	"github.com/koboldbooks/kobold/pkg/worker"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/logger"
	"github.com/robinjoseph08/golib/signals"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := logger.New()

	log.Info("starting kobold", logger.Data{"version": version.Version})

	cfg, err := config.New()
	if err != nil {
		log.Err(err).Fatal("config error")
	}

	db, err := database.New(cfg)
	if err != nil {
		log.Err(err).Fatal("database error")
	}

	group, err := migrations.BringUpToDate(ctx, db)
	if err != nil {
		log.Err(err).Fatal("migrations error")
	}
	if group.ID == 0 {
		log.Info("no new migrations to run")
	} else {
		log.Info("migrated to new group", logger.Data{"group_id": group.ID, "migration_names": group.Migrations.String()})
	}

	queue := jobqueue.New(db)

	ingestSvc := ingest.NewService(cfg, db, queue)

	var external metadata.Resolver
	if cfg.FetchExternalMetadata {
		external = metadata.NewGoodreadsResolver(nil)
	}
	metadataSvc := metadata.NewService(cfg, db, metadata.NewManager(cfg, external), metadata.NewEPUBEmbedder(log), nil)

	var converter conversion.Converter
	if cfg.ConvertEPUB {
		kepubify, err := conversion.NewKepubifyConverter(cfg.KepubifyPath)
		if err != nil {
			log.Err(err).Warn("kepubify not found, conversion disabled")
			cfg.ConvertEPUB = false
		} else {
			converter = kepubify
		}
	}
	conversionSvc := conversion.NewService(cfg, db, converter)

	wrkr := worker.New(cfg, queue, ingestSvc, metadataSvc, conversionSvc)

	wtchr := watcher.New(cfg, queue)
	if err := wtchr.Start(ctx); err != nil {
		log.Err(err).Fatal("watcher error")
	}

	scnr := scanner.New(cfg, queue)
	scnr.Start(ctx)

	srv, err := server.New(cfg, db)
	if err != nil {
		log.Err(err).Fatal("server error")
	}

	graceful := signals.Setup()

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
		lc := net.ListenConfig{}
		listener, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			log.Err(err).Fatal("failed to bind port")
		}

		actualPort := listener.Addr().(*net.TCPAddr).Port
		log.Info("server started", logger.Data{"port": actualPort})

		err = srv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Err(err).Fatal("server stopped")
		}
		log.Info("server stopped")
	}()

	wrkr.Start(ctx)
	log.Info("worker started")

	<-graceful
	log.Info("starting graceful shutdown")

	err = srv.Shutdown(context.Background())
	if err != nil {
		log.Err(err).Error("server shutdown error")
	}
	log.Info("server shutdown")

	cancel()

	wrkr.Shutdown(cfg.WorkerShutdownGrace)
	log.Info("worker shutdown")

	wtchr.Shutdown(cfg.WorkerShutdownGrace)
	log.Info("watcher shutdown")

	scnr.Shutdown(cfg.WorkerShutdownGrace)
	log.Info("scanner shutdown")

	err = db.Close()
	if err != nil {
		log.Err(err).Error("database close error")
	}
	log.Info("database closed")
}
