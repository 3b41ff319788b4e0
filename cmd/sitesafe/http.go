package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"sitesafe/internal/metrics"
	authmw "sitesafe/internal/middleware"
	"sitesafe/internal/pipeline"
	"sitesafe/internal/services"
	"sitesafe/internal/stream"
	"sitesafe/internal/webrtc"
	"sitesafe/internal/ws"
)

// endpoints bundles everything the HTTP layer serves.
type endpoints struct {
	stream   *services.StreamImplementation
	geofence *services.GeofenceImplementation
	report   *services.ReportImplementation
	upload   *services.UploadImplementation
	workers  *services.WorkersImplementation
	auth     *services.AuthImplementation
	health   *services.HealthImplementation
	frames   *pipeline.FrameBus
	hub      *ws.Hub
	webrtc   *webrtc.Server
	metrics  *metrics.Metrics
	verifier authmw.TokenVerifier
	maxBody  int64
}

// handleHTTPServer starts configures and starts a HTTP server on the given
// address. It shuts down the server when ctx is cancelled.
func handleHTTPServer(ctx context.Context, addr string, e *endpoints, wg *sync.WaitGroup, errc chan error, logger *log.Logger, debug bool) {

	// Setup goa log adapter.
	var (
		adapter middleware.Logger
	)
	{
		adapter = middleware.NewLogger(logger)
	}

	// Build the service HTTP request multiplexer and mount the endpoints.
	var mux goahttp.Muxer
	{
		mux = goahttp.NewMuxer()
	}
	r := &router{
		mux:      mux,
		logger:   logger,
		protect:  authmw.AuthMiddleware(e.verifier),
		optional: authmw.OptionalAuth(e.verifier),
	}
	mounts := r.mount(e)

	// Wrap the multiplexer with additional middlewares. Middlewares mounted
	// here apply to all the request/response endpoints.
	var handler http.Handler = mux
	{
		if debug {
			handler = httpmdlwr.Debug(mux, os.Stdout)(handler)
		}
		handler = httpmdlwr.Log(adapter)(handler)
		handler = httpmdlwr.RequestID()(handler)
	}

	// Long-lived responses bypass the request logger, which buffers the
	// response writer and hides Flush and Hijack.
	root := http.NewServeMux()
	{
		protect := authmw.AuthMiddleware(e.verifier)
		root.Handle("/api/stream", protect(stream.NewMJPEGHandler(e.frames)))
		root.Handle("/ws/alerts", protect(ws.NewAlertHandler(e.hub, e.stream.Streaming)))
		root.Handle("/ws/video", protect(ws.NewVideoHandler(e.frames)))
		root.Handle("/", handler)
	}

	srv := &http.Server{Addr: addr, Handler: root, ReadHeaderTimeout: time.Second * 60}
	for _, m := range mounts {
		logger.Printf("HTTP %q mounted on %s %s", m.name, m.verb, m.pattern)
	}
	logger.Printf("HTTP \"stream\" mounted on GET /api/stream")
	logger.Printf("HTTP \"alerts socket\" mounted on GET /ws/alerts")
	logger.Printf("HTTP \"video socket\" mounted on GET /ws/video")

	(*wg).Add(1)
	go func() {
		defer (*wg).Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			logger.Printf("HTTP server listening on %q", addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		logger.Printf("shutting down HTTP server at %q", addr)

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := srv.Shutdown(ctx)
		if err != nil {
			logger.Printf("failed to shutdown: %v", err)
		}
	}()
}

// errorHandler returns a function that writes and logs the given error.
// The function also writes and logs the error unique ID so that it's possible
// to correlate.
func errorHandler(logger *log.Logger) func(context.Context, http.ResponseWriter, error) {
	return func(ctx context.Context, w http.ResponseWriter, err error) {
		id, _ := ctx.Value(middleware.RequestIDKey).(string)

		status := http.StatusInternalServerError
		message := "internal error [" + id + "]"
		var svcErr *services.ServiceError
		if errors.As(err, &svcErr) {
			status = statusFor(svcErr.Kind)
			message = svcErr.Message
		}

		enc := goahttp.ResponseEncoder(ctx, w)
		w.WriteHeader(status)
		_ = enc.Encode(map[string]string{"error": message})
		logger.Printf("[%s] ERROR: %s", id, err.Error())
	}
}

func statusFor(kind error) int {
	switch {
	case errors.Is(kind, services.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(kind, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(kind, services.ErrConflict):
		return http.StatusConflict
	case errors.Is(kind, services.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(kind, services.ErrUnavailable):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
