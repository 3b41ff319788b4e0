package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"sitesafe/internal/alerts"
	"sitesafe/internal/archive"
	"sitesafe/internal/auth"
	"sitesafe/internal/camera"
	"sitesafe/internal/config"
	"sitesafe/internal/database"
	"sitesafe/internal/detection"
	"sitesafe/internal/kafka"
	"sitesafe/internal/metrics"
	"sitesafe/internal/pipeline"
	"sitesafe/internal/services"
	"sitesafe/internal/stream"
	"sitesafe/internal/telegram"
	"sitesafe/internal/webrtc"
	"sitesafe/internal/ws"
)

func main() {
	var (
		configF   = flag.String("config", "sitesafe.yaml", "Path to the YAML config file")
		hostF     = flag.String("host", "", "Listen host (overrides config)")
		httpPortF = flag.String("http-port", "", "HTTP port (overrides config)")
		dbgF      = flag.Bool("debug", false, "Log request and response bodies")
		autostart = flag.Bool("autostart", false, "Start streaming as soon as the server is up")
	)
	flag.Parse()

	logger := log.New(os.Stderr, "[sitesafe] ", log.Ltime)

	cfg, err := config.Load(*configF)
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	if *hostF != "" {
		cfg.Server.Host = *hostF
	}
	if *httpPortF != "" {
		port, err := strconv.Atoi(*httpPortF)
		if err != nil {
			logger.Fatalf("invalid port %q: %v", *httpPortF, err)
		}
		cfg.Server.Port = port
	}
	if *dbgF {
		cfg.Server.Debug = true
	}

	// Storage
	db, err := database.Open(cfg.Database)
	if err != nil {
		logger.Fatalf("failed to open database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		logger.Fatalf("failed to migrate database: %v", err)
	}

	// Detection backend
	inferer, closeInferer, err := newInferer(cfg.Detector)
	if err != nil {
		logger.Fatalf("failed to create detector: %v", err)
	}
	decoder := detection.NewDecoder()
	decoder.ConfThreshold = cfg.Detector.ConfThreshold
	decoder.IoUThreshold = cfg.Detector.IoUThreshold

	gallery := detection.NewGallery()
	faces := detection.NewFaceRecognizer(detection.FaceRecognizerConfig{
		Enabled:             cfg.Face.Enabled,
		ServiceEndpoint:     cfg.Face.Endpoint,
		SimilarityThreshold: cfg.Face.Threshold,
	}, gallery)
	var recognizer pipeline.Recognizer
	var embedder services.FaceEmbedder
	if cfg.Face.Enabled {
		recognizer = faces
		embedder = faces
	}

	// Alerting
	state := pipeline.NewStreamState(nil)
	frames := pipeline.NewFrameBus()
	manager := alerts.NewManager(cfg.Alerts.Cooldown)
	history := alerts.NewHistory()

	var m *metrics.Metrics
	hub := ws.NewHub(func() { m.ListenerPruned() })

	var notifiers []alerts.Notifier
	bot := telegram.NewBot(cfg.Telegram)
	if bot.IsEnabled() {
		var snapshot func() []byte
		if cfg.Telegram.SendSnapshot {
			snapshot = frames.Latest
		}
		notifiers = append(notifiers, telegram.NewNotifier(bot, snapshot))
	}
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer, err = kafka.NewProducer(cfg.Kafka)
		if err != nil {
			logger.Fatalf("failed to connect to kafka: %v", err)
		}
		notifiers = append(notifiers, producer)
	}

	var rtc *webrtc.Server
	m = metrics.New(metrics.Gauges{
		Streaming:      func() bool { return state.Lifecycle() != pipeline.Stopped },
		Listeners:      hub.Count,
		VideoClients:   frames.SubscriberCount,
		WebRTCClients:  func() int { return rtc.ClientCount() },
		Zones:          state.ZoneCount,
		HistoryEntries: history.Len,
	})

	dispatcher := alerts.NewDispatcher(alerts.DispatcherConfig{
		History:       history,
		Broadcaster:   hub,
		Store:         db,
		Notifiers:     notifiers,
		NotifyTimeout: cfg.Alerts.NotifyTimeout,
		OnFailure:     m.DeliveryFailed,
	})

	// Frame loop
	p := pipeline.New(cfg.Pipeline, pipeline.Deps{
		Source:     camera.NewSource(cfg.Camera),
		Inferer:    inferer,
		Decoder:    decoder,
		Recognizer: recognizer,
		Annotator:  stream.NewAnnotator(),
		Alerts:     manager,
		Dispatcher: dispatcher,
		State:      state,
		Frames:     frames,
		Observer:   m,
	})
	rtc = webrtc.NewServer(cfg.WebRTC, frames)

	var store *archive.Archive
	if cfg.Archive.Enabled {
		store, err = archive.New(cfg.Archive)
		if err != nil {
			logger.Fatalf("failed to create archive: %v", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := store.EnsureBucket(ctx); err != nil {
			logger.Printf("archive bucket unavailable, uploads will be retried per request: %v", err)
		}
		cancel()
	}

	authenticator, err := auth.NewAuthenticator(cfg.Auth)
	if err != nil {
		logger.Fatalf("failed to configure auth: %v", err)
	}

	// Services
	var (
		streamSvc   *services.StreamImplementation
		geofenceSvc *services.GeofenceImplementation
		reportSvc   *services.ReportImplementation
		uploadSvc   *services.UploadImplementation
		workersSvc  *services.WorkersImplementation
		authSvc     *services.AuthImplementation
		healthSvc   *services.HealthImplementation
	)
	{
		streamSvc = services.NewStreamService(p, hub.Count)
		geofenceSvc = services.NewGeofenceService(state, db, db, manager)
		if err := geofenceSvc.Restore(cfg.Geofence.ZonesFile, cfg.Geofence.Enabled); err != nil {
			logger.Fatalf("failed to restore zones: %v", err)
		}
		if store != nil {
			reportSvc = services.NewReportService(history, store, db)
		} else {
			reportSvc = services.NewReportService(history, nil, db)
		}
		var media services.MediaArchiver
		if store != nil {
			media = store
		}
		uploadSvc, err = services.NewUploadService(p, state, media, services.UploadConfig{
			Dir:         cfg.Server.UploadDir,
			FFmpegPath:  cfg.Camera.FFmpegPath,
			JPEGQuality: cfg.Pipeline.JPEGQuality,
		})
		if err != nil {
			logger.Fatalf("failed to create upload service: %v", err)
		}
		workersSvc = services.NewWorkersService(gallery, db, embedder)
		if err := workersSvc.Reload(); err != nil {
			logger.Printf("face gallery not loaded: %v", err)
		}
		authSvc = services.NewAuthService(authenticator)
		healthSvc = services.NewHealthService(state, inferer, db)
	}

	errc := make(chan error)

	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	if cfg.Telegram.Commands && bot.IsEnabled() {
		handler := telegram.NewCommandHandler(bot, &services.Controller{
			Stream:    streamSvc,
			Geofence:  geofenceSvc,
			Reports:   reportSvc,
			Snapshots: frames.Latest,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := handler.StartPolling(ctx); err != nil && ctx.Err() == nil {
				logger.Printf("telegram polling stopped: %v", err)
			}
		}()
	}

	if cfg.Alerts.Retention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pruneAlerts(ctx, db, cfg.Alerts.Retention, logger)
		}()
	}

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	handleHTTPServer(ctx, addr, &endpoints{
		stream:   streamSvc,
		geofence: geofenceSvc,
		report:   reportSvc,
		upload:   uploadSvc,
		workers:  workersSvc,
		auth:     authSvc,
		health:   healthSvc,
		frames:   frames,
		hub:      hub,
		webrtc:   rtc,
		metrics:  m,
		verifier: authenticator,
		maxBody:  cfg.Server.MaxUploadBytes,
	}, &wg, errc, logger, cfg.Server.Debug)

	if *autostart {
		if res, err := streamSvc.Start(ctx); err != nil {
			logger.Printf("autostart failed: %v", err)
		} else {
			logger.Printf("autostart: %s %s", res.Status, res.Detail)
		}
	}

	// Wait for signal.
	logger.Printf("exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	p.Stop()
	rtc.Close()
	hub.CloseAll()
	dispatcher.Wait()
	wg.Wait()

	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Printf("%v", err)
		}
	}
	if closeInferer != nil {
		closeInferer()
	}
	db.Close()
	logger.Println("exited")
}

// newInferer builds the configured detection backend. The returned close
// function may be nil.
func newInferer(cfg config.DetectorConfig) (detection.Inferer, func(), error) {
	switch cfg.Backend {
	case config.BackendGRPC:
		gi, err := detection.NewGRPCInferer(detection.GRPCInfererConfig{
			Endpoint:    cfg.Endpoint,
			InputWidth:  cfg.InputWidth,
			InputHeight: cfg.InputHeight,
			Timeout:     cfg.Timeout,
		})
		if err != nil {
			return nil, nil, err
		}
		return gi, func() { gi.Close() }, nil
	default:
		return detection.NewHTTPInferer(detection.HTTPInfererConfig{
			Endpoint:    cfg.Endpoint,
			InputWidth:  cfg.InputWidth,
			InputHeight: cfg.InputHeight,
			Timeout:     cfg.Timeout,
		}), nil, nil
	}
}

// pruneAlerts deletes stored alerts older than retention once an hour.
func pruneAlerts(ctx context.Context, db *database.Database, retention time.Duration, logger *log.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		n, err := db.DeleteAlertsBefore(time.Now().Add(-retention))
		if err != nil {
			logger.Printf("failed to prune alerts: %v", err)
		} else if n > 0 {
			logger.Printf("pruned %d alerts older than %s", n, retention)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
