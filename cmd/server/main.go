package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/irohalab/mira-download-manager/internal/adapter"
	"github.com/irohalab/mira-download-manager/internal/broker"
	"github.com/irohalab/mira-download-manager/internal/config"
	"github.com/irohalab/mira-download-manager/internal/domain"
	apphttp "github.com/irohalab/mira-download-manager/internal/http"
	"github.com/irohalab/mira-download-manager/internal/repository"
	"github.com/irohalab/mira-download-manager/internal/repository/sqlite"
	"github.com/irohalab/mira-download-manager/internal/service"
	"github.com/irohalab/mira-download-manager/internal/storage"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	jobRepo := sqlite.NewJobRepository(db)
	uploadRepo := sqlite.NewUploadedObjectRepository(db)
	cleanupRepo := sqlite.NewCleanupTaskRepository(db)

	if err := jobRepo.Init(ctx); err != nil {
		logger.Fatalf("init job repository: %v", err)
	}
	if err := uploadRepo.Init(ctx); err != nil {
		logger.Fatalf("init uploaded object repository: %v", err)
	}
	if err := cleanupRepo.Init(ctx); err != nil {
		logger.Fatalf("init cleanup task repository: %v", err)
	}

	adpt, err := buildAdapter(cfg, cleanupRepo, logger)
	if err != nil {
		logger.Fatalf("setup downloader: %v", err)
	}

	mq, err := broker.Dial(cfg.AMQP.URL, logger)
	if err != nil {
		logger.Fatalf("connect message broker: %v", err)
	}
	defer mq.Close()

	var storageSvc storage.Service
	if cfg.Storage.Enabled {
		storageSvc, err = buildStorage(ctx, cfg, logger)
		if err != nil {
			logger.Fatalf("setup storage: %v", err)
		}
		if err := storageSvc.EnsureBucket(ctx); err != nil {
			logger.Fatalf("ensure bucket: %v", err)
		}
	}

	reconciler := service.NewReconciler(adpt, jobRepo, logger)
	downloads := service.NewDownloadService(cfg, adpt, jobRepo, uploadRepo, mq, storageSvc, reconciler, logger)
	cleaner := service.NewJobCleaner(downloads, jobRepo, cleanupRepo, cfg.Download.RetentionDays, logger)

	if err := downloads.Start(ctx); err != nil {
		logger.Fatalf("start download service: %v", err)
	}
	cleaner.Start(ctx)

	err = mq.Consume(ctx, cfg.AMQP.TaskExchange, cfg.AMQP.TaskQueue, cfg.AMQP.TaskRoutingKey, func(body []byte) bool {
		var msg domain.DownloadTaskMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			logger.WithError(err).Error("malformed download task message")
			return true // drop, a requeue cannot fix it
		}
		if _, err := downloads.Submit(ctx, &msg); err != nil {
			logger.WithError(err).WithField("taskId", msg.ID).Error("failed to submit download task")
		}
		return true
	})
	if err != nil {
		logger.Fatalf("consume download tasks: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(downloads)
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	cleaner.Stop()
	downloads.Stop()

	logger.Info("bye")
}

func buildAdapter(cfg config.Config, cleanup repository.CleanupTaskRepository, logger *logrus.Logger) (adapter.Adapter, error) {
	switch domain.DownloaderType(cfg.Download.Downloader) {
	case domain.DownloaderQBittorrent:
		return adapter.NewQBittorrent(cfg.QBittorrent.APIURL, cfg.QBittorrent.Username, cfg.QBittorrent.Password, cleanup, logger), nil
	case domain.DownloaderDeluge:
		return adapter.NewDeluge(cfg.Deluge.RPCURL, cfg.Deluge.Password, cleanup, logger), nil
	case domain.DownloaderEmbedded:
		return adapter.NewEmbedded(cfg.Download.Location, cleanup, logger), nil
	default:
		return nil, fmt.Errorf("unknown downloader %q", cfg.Download.Downloader)
	}
}

func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	if cfg.Storage.Bucket == "" {
		return nil, fmt.Errorf("storage bucket is required")
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(cfg.Storage.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return storage.NewS3Service(client, cfg.Storage.Bucket, cfg.Storage.ExpireDays, logger), nil
}
