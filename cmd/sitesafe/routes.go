package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	pionwebrtc "github.com/pion/webrtc/v3"
	goahttp "goa.design/goa/v3/http"

	"sitesafe/internal/geofence"
	"sitesafe/internal/services"
	"sitesafe/internal/stream"
	"sitesafe/internal/webrtc"
)

type mountPoint struct {
	name, verb, pattern string
}

// router adapts service methods to goa's muxer, using goa's request
// decoder and response encoder.
type router struct {
	mux    goahttp.Muxer
	logger *log.Logger
	// protect rejects requests without a valid token; optional only
	// attaches the caller's claims.
	protect  func(http.Handler) http.Handler
	optional func(http.Handler) http.Handler
	mounts   []mountPoint
}

// call is a service method bound to a request. A nil result with a nil
// error is written as 204 No Content.
type call func(ctx context.Context, r *http.Request) (any, error)

// public leaves a handler unauthenticated.
func public(h http.Handler) http.Handler { return h }

func (rt *router) handle(name, verb, pattern string, status int, wrap func(http.Handler) http.Handler, fn call) {
	eh := errorHandler(rt.logger)
	var h http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res, err := fn(r.Context(), r)
		if err != nil {
			eh(r.Context(), w, err)
			return
		}
		if res == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		enc := goahttp.ResponseEncoder(r.Context(), w)
		w.WriteHeader(status)
		if err := enc.Encode(res); err != nil {
			eh(r.Context(), w, err)
		}
	})
	rt.raw(name, verb, pattern, wrap, h)
}

func (rt *router) raw(name, verb, pattern string, wrap func(http.Handler) http.Handler, h http.Handler) {
	h = wrap(h)
	rt.mux.Handle(verb, pattern, h.ServeHTTP)
	rt.mounts = append(rt.mounts, mountPoint{name, verb, pattern})
}

func (rt *router) param(r *http.Request, name string) string {
	v := rt.mux.Vars(r)[name]
	if unescaped, err := url.PathUnescape(v); err == nil {
		return unescaped
	}
	return v
}

func decode(r *http.Request, v any) error {
	if err := goahttp.RequestDecoder(r).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return &services.ServiceError{Kind: services.ErrBadRequest, Message: "missing request body"}
		}
		return &services.ServiceError{Kind: services.ErrBadRequest, Message: "invalid request body: " + err.Error()}
	}
	return nil
}

// formFile reads the "file" part of a multipart upload.
func formFile(r *http.Request, maxBody int64) (string, []byte, error) {
	if maxBody > 0 {
		r.Body = http.MaxBytesReader(nil, r.Body, maxBody)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", nil, &services.ServiceError{Kind: services.ErrBadRequest, Message: fmt.Sprintf("file upload required: %v", err)}
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read upload: %w", err)
	}
	return header.Filename, data, nil
}

// mount registers every request/response endpoint.
func (rt *router) mount(e *endpoints) []mountPoint {
	// Health
	rt.handle("healthz", "GET", "/healthz", http.StatusOK, public, func(ctx context.Context, r *http.Request) (any, error) {
		return map[string]string{"status": "ok"}, e.health.Healthz(ctx)
	})
	rt.handle("readyz", "GET", "/readyz", http.StatusOK, public, func(ctx context.Context, r *http.Request) (any, error) {
		if err := e.health.Readyz(ctx); err != nil {
			return nil, err
		}
		return map[string]string{"status": "ready"}, nil
	})
	rt.handle("health", "GET", "/api/health", http.StatusOK, public, func(ctx context.Context, r *http.Request) (any, error) {
		return e.health.Health(ctx)
	})
	rt.raw("metrics", "GET", "/metrics", public, e.metrics.Handler())

	// Auth
	rt.handle("login", "POST", "/api/auth/login", http.StatusOK, public, func(ctx context.Context, r *http.Request) (any, error) {
		var p services.LoginPayload
		if err := decode(r, &p); err != nil {
			return nil, err
		}
		return e.auth.Login(ctx, &p)
	})
	rt.handle("auth status", "GET", "/api/auth/status", http.StatusOK, rt.optional, func(ctx context.Context, r *http.Request) (any, error) {
		return e.auth.Status(ctx)
	})

	// Stream control
	rt.handle("start", "POST", "/api/start", http.StatusOK, rt.protect, func(ctx context.Context, r *http.Request) (any, error) {
		return e.stream.Start(ctx)
	})
	rt.handle("stop", "POST", "/api/stop", http.StatusOK, rt.protect, func(ctx context.Context, r *http.Request) (any, error) {
		return e.stream.Stop(ctx)
	})
	rt.handle("status", "GET", "/api/status", http.StatusOK, rt.protect, func(ctx context.Context, r *http.Request) (any, error) {
		return e.stream.Status(ctx)
	})
	rt.raw("snapshot", "GET", "/api/snapshot", rt.protect, stream.NewSnapshotHandler(e.frames.Latest))

	// WebRTC signalling
	rt.handle("webrtc offer", "POST", "/ws/webrtc-offer", http.StatusOK, rt.protect, func(ctx context.Context, r *http.Request) (any, error) {
		var offer pionwebrtc.SessionDescription
		if err := decode(r, &offer); err != nil {
			return nil, err
		}
		answer, err := e.webrtc.HandleOffer(ctx, offer)
		if errors.Is(err, webrtc.ErrTooManyClients) {
			return nil, &services.ServiceError{Kind: services.ErrUnavailable, Message: err.Error()}
		}
		if err != nil {
			return nil, &services.ServiceError{Kind: services.ErrBadRequest, Message: err.Error()}
		}
		return answer, nil
	})

	// Geofence
	rt.handle("geofence enable", "POST", "/api/geofence/enable", http.StatusOK, rt.protect, func(ctx context.Context, r *http.Request) (any, error) {
		return e.geofence.Enable(ctx)
	})
	rt.handle("geofence disable", "POST", "/api/geofence/disable", http.StatusOK, rt.protect, func(ctx context.Context, r *http.Request) (any, error) {
		return e.geofence.Disable(ctx)
	})
	rt.handle("geofence status", "GET", "/api/geofence/status", http.StatusOK, rt.protect, func(ctx context.Context, r *http.Request) (any, error) {
		return e.geofence.Status(ctx)
	})
	rt.handle("list zones", "GET", "/api/geofence/zones", http.StatusOK, rt.protect, func(ctx context.Context, r *http.Request) (any, error) {
		return e.geofence.ListZones(ctx)
	})
	rt.handle("create zone", "POST", "/api/geofence/zones", http.StatusCreated, rt.protect, func(ctx context.Context, r *http.Request) (any, error) {
		var z geofence.Zone
		if err := decode(r, &z); err != nil {
			return nil, err
		}
		return e.geofence.CreateZone(ctx, z)
	})
	rt.handle("clear zones", "DELETE", "/api/geofence/zones", http.StatusOK, rt.protect, func(ctx context.Context, r *http.Request) (any, error) {
		return nil, e.geofence.ClearZones(ctx)
	})
	rt.handle("delete zone", "DELETE", "/api/geofence/zones/{name}", http.StatusOK, rt.protect, func(ctx context.Context, r *http.Request) (any, error) {
		return nil, e.geofence.DeleteZone(ctx, rt.param(r, "name"))
	})
	rt.handle("zone rules", "PUT", "/api/geofence/zones/{name}/rules", http.StatusOK, rt.protect, func(ctx context.Context, r *http.Request) (any, error) {
		var p services.ZoneRulesPayload
		if err := decode(r, &p); err != nil {
			return nil, err
		}
		return e.geofence.SetZoneRules(ctx, rt.param(r, "name"), &p)
	})

	// Reports and alert history
	rt.handle("report", "GET", "/api/report", http.StatusOK, rt.protect, func(ctx context.Context, r *http.Request) (any, error) {
		return e.report.Generate(ctx)
	})
	rt.handle("alerts", "GET", "/api/alerts", http.StatusOK, rt.protect, func(ctx context.Context, r *http.Request) (any, error) {
		q := r.URL.Query()
		limit, _ := strconv.Atoi(q.Get("limit"))
		return e.report.ListAlerts(ctx, &services.AlertsPayload{Type: q.Get("type"), Since: q.Get("since"), Limit: limit})
	})

	// Uploads
	rt.handle("upload image", "POST", "/api/upload", http.StatusOK, rt.protect, func(ctx context.Context, r *http.Request) (any, error) {
		name, data, err := formFile(r, e.maxBody)
		if err != nil {
			return nil, err
		}
		return e.upload.UploadImage(ctx, name, data)
	})
	rt.handle("upload video", "POST", "/api/upload/video", http.StatusOK, rt.protect, func(ctx context.Context, r *http.Request) (any, error) {
		name, data, err := formFile(r, e.maxBody)
		if err != nil {
			return nil, err
		}
		return e.upload.UploadVideo(ctx, name, data)
	})
	rt.raw("uploads", "GET", "/uploads/{*filepath}", public,
		http.StripPrefix(services.UploadPrefix, http.FileServer(http.Dir(e.upload.Dir()))))

	// Face gallery
	rt.handle("list workers", "GET", "/api/workers", http.StatusOK, rt.protect, func(ctx context.Context, r *http.Request) (any, error) {
		return e.workers.List(ctx)
	})
	rt.handle("enroll worker", "POST", "/api/workers/{id}/embeddings", http.StatusCreated, rt.protect, func(ctx context.Context, r *http.Request) (any, error) {
		id := rt.param(r, "id")
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			_, data, err := formFile(r, e.maxBody)
			if err != nil {
				return nil, err
			}
			return e.workers.EnrollImage(ctx, id, data)
		}
		var p services.EnrollPayload
		if err := decode(r, &p); err != nil {
			return nil, err
		}
		return e.workers.Enroll(ctx, id, &p)
	})
	rt.handle("delete worker", "DELETE", "/api/workers/{id}", http.StatusOK, rt.protect, func(ctx context.Context, r *http.Request) (any, error) {
		return nil, e.workers.Delete(ctx, rt.param(r, "id"))
	})

	return rt.mounts
}
