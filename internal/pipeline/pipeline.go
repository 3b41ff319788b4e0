// Package pipeline runs the capture, inference, rule and publish loop.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log"
	"sync"
	"time"

	"sitesafe/internal/alerts"
	"sitesafe/internal/detection"
	"sitesafe/internal/geofence"
	"sitesafe/internal/rules"
)

// ErrAlreadyStreaming is returned by Start while a stream is live.
var ErrAlreadyStreaming = errors.New("already streaming")

// OpenError wraps a frame source that could not be opened.
type OpenError struct {
	Err error
}

func (e *OpenError) Error() string { return "camera_error: " + e.Err.Error() }
func (e *OpenError) Unwrap() error { return e.Err }

// Config tunes the frame loop. Zero values take defaults.
type Config struct {
	InferInterval    time.Duration `yaml:"infer_interval" env:"PIPELINE_INFER_INTERVAL"`
	StabilizerTTL    time.Duration `yaml:"stabilizer_ttl" env:"PIPELINE_STABILIZER_TTL"`
	RecognizeEvery   time.Duration `yaml:"recognize_every" env:"PIPELINE_RECOGNIZE_EVERY"`
	RecognizeTimeout time.Duration `yaml:"recognize_timeout" env:"PIPELINE_RECOGNIZE_TIMEOUT"`
	InferTimeout     time.Duration `yaml:"infer_timeout" env:"PIPELINE_INFER_TIMEOUT"`
	RetryDelay       time.Duration `yaml:"retry_delay" env:"PIPELINE_RETRY_DELAY"`
	JPEGQuality      int           `yaml:"jpeg_quality" env:"PIPELINE_JPEG_QUALITY"`
	// PersonAttribution switches PPE alert text to the per-person variant.
	PersonAttribution bool `yaml:"person_attribution" env:"PIPELINE_PERSON_ATTRIBUTION"`
	// RestrictedClasses applies to zones without their own list.
	RestrictedClasses []string `yaml:"restricted_classes" env:"GEOFENCE_RESTRICTED_CLASSES" envSeparator:","`
}

func (c Config) withDefaults() Config {
	if c.InferInterval <= 0 {
		c.InferInterval = DefaultInferInterval
	}
	if c.StabilizerTTL <= 0 {
		c.StabilizerTTL = DefaultStabilizerTTL
	}
	if c.RecognizeEvery <= 0 {
		c.RecognizeEvery = 4 * time.Second
	}
	if c.RecognizeTimeout <= 0 {
		c.RecognizeTimeout = time.Second
	}
	if c.InferTimeout <= 0 {
		c.InferTimeout = 5 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 100 * time.Millisecond
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = 85
	}
	if c.RestrictedClasses == nil {
		c.RestrictedClasses = geofence.DefaultRestrictedClasses
	}
	return c
}

// Deps are the collaborators of a Pipeline. Recognizer and Observer may be nil.
type Deps struct {
	Source     FrameSource
	Inferer    detection.Inferer
	Decoder    *detection.Decoder
	Recognizer Recognizer
	Annotator  Annotator
	Alerts     *alerts.Manager
	Dispatcher *alerts.Dispatcher
	State      *StreamState
	Frames     *FrameBus
	Observer   Observer
}

// Analysis is the result of running detection and rules over one image.
type Analysis struct {
	Detections []detection.Detection
	Violations []string
	Zones      []geofence.Violation
	Annotated  image.Image
}

// Pipeline owns the frame loop. Start and Stop are safe to call from any
// goroutine; at most one loop runs at a time.
type Pipeline struct {
	cfg        Config
	source     FrameSource
	inferer    detection.Inferer
	decoder    *detection.Decoder
	recognizer Recognizer
	annotator  Annotator
	alerts     *alerts.Manager
	dispatcher *alerts.Dispatcher
	state      *StreamState
	frames     *FrameBus
	observer   Observer
	scheduler  *Scheduler
	stabilizer *Stabilizer
	now        func() time.Time

	ctl    sync.Mutex // serializes Start and Stop
	cancel context.CancelFunc
	done   chan struct{}

	// owned by the loop goroutine
	current       []detection.Detection
	workerID      string
	lastRecognize time.Time
	engine        *geofence.Engine
	engineVersion uint64
}

// New creates a stopped pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	cfg = cfg.withDefaults()
	if deps.Decoder == nil {
		deps.Decoder = detection.NewDecoder()
	}
	if deps.State == nil {
		deps.State = NewStreamState(nil)
	}
	if deps.Frames == nil {
		deps.Frames = NewFrameBus()
	}
	if deps.Alerts == nil {
		deps.Alerts = alerts.NewManager(alerts.DefaultCooldown)
	}
	if deps.Dispatcher == nil {
		deps.Dispatcher = alerts.NewDispatcher(alerts.DispatcherConfig{History: alerts.NewHistory()})
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	return &Pipeline{
		cfg:        cfg,
		source:     deps.Source,
		inferer:    deps.Inferer,
		decoder:    deps.Decoder,
		recognizer: deps.Recognizer,
		annotator:  deps.Annotator,
		alerts:     deps.Alerts,
		dispatcher: deps.Dispatcher,
		state:      deps.State,
		frames:     deps.Frames,
		observer:   deps.Observer,
		scheduler:  NewScheduler(cfg.InferInterval),
		stabilizer: NewStabilizer(cfg.StabilizerTTL),
		now:        time.Now,
		workerID:   detection.UnknownWorker,
	}
}

// State returns the shared control state.
func (p *Pipeline) State() *StreamState { return p.state }

// Frames returns the bus annotated frames are published on.
func (p *Pipeline) Frames() *FrameBus { return p.frames }

// Streaming reports whether the loop is live.
func (p *Pipeline) Streaming() bool { return p.state.Lifecycle() != Stopped }

// Start opens the frame source and launches the loop. It returns
// ErrAlreadyStreaming if a loop is live and *OpenError if the source cannot
// be opened; in both cases no loop is started.
func (p *Pipeline) Start(ctx context.Context) error {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	if !p.state.beginStart() {
		return ErrAlreadyStreaming
	}
	if err := p.source.Open(ctx); err != nil {
		p.state.setLifecycle(Stopped, false)
		log.Printf("[Pipeline] Failed to open frame source: %v", err)
		return &OpenError{Err: err}
	}

	p.alerts.Reset()
	p.scheduler.Reset()
	p.stabilizer.Reset()
	p.current = nil
	p.workerID = detection.UnknownWorker
	p.lastRecognize = time.Time{}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.state.setLifecycle(Running, true)

	go p.run(loopCtx, p.done)
	log.Printf("[Pipeline] Streaming started")
	return nil
}

// Stop clears streaming_active and waits for the loop to release the
// source. It is a no-op when nothing is running.
func (p *Pipeline) Stop() {
	p.ctl.Lock()
	defer p.ctl.Unlock()

	if p.done == nil {
		return
	}
	p.state.requestStop()
	p.cancel()
	<-p.done
	p.done = nil
	p.cancel = nil
	log.Printf("[Pipeline] Streaming stopped")
}

func (p *Pipeline) run(ctx context.Context, done chan struct{}) {
	defer func() {
		if err := p.source.Close(); err != nil {
			log.Printf("[Pipeline] Error closing frame source: %v", err)
		}
		p.state.setLifecycle(Stopped, false)
		close(done)
	}()

	log.Printf("[Pipeline] Processing loop started")
	defer log.Printf("[Pipeline] Processing loop stopped")

	for {
		if !p.state.Active() || ctx.Err() != nil {
			return
		}

		if !p.source.Ready() {
			sleepCtx(ctx, p.cfg.RetryDelay)
			continue
		}

		frame, err := p.source.Read(ctx)
		if err != nil {
			p.observer.ReadError()
			sleepCtx(ctx, p.cfg.RetryDelay)
			continue
		}
		p.observer.FrameRead()

		p.processFrame(ctx, frame)
	}
}

// processFrame runs one iteration after a successful read. A panic or error
// drops the frame and the loop carries on.
func (p *Pipeline) processFrame(ctx context.Context, frame image.Image) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Pipeline] Recovered from frame fault: %v", r)
			p.observer.FrameFault()
		}
	}()

	now := p.now()

	p.recognize(ctx, frame, now)

	if p.scheduler.ShouldInfer(now) {
		dets, err := p.infer(ctx, frame)
		if err != nil {
			log.Printf("[Pipeline] Inference failed, dropping frame: %v", err)
			p.observer.FrameFault()
			return
		}
		p.current = p.stabilizer.Stabilize(dets, now)
	}

	zones, version := p.activeZones()
	annotated := frame
	if p.annotator != nil {
		annotated = p.annotator.Annotate(frame, p.current, zones)
	}

	p.checkPPE(p.current)
	if zones != nil {
		p.checkZones(p.current, zones, version)
	}

	data, err := EncodeJPEG(annotated, p.cfg.JPEGQuality)
	if err != nil {
		log.Printf("[Pipeline] Failed to encode frame: %v", err)
		p.observer.FrameFault()
		return
	}
	p.frames.Publish(data)
	p.observer.FramePublished(len(data))
}

func (p *Pipeline) recognize(ctx context.Context, frame image.Image, now time.Time) {
	if p.recognizer == nil {
		return
	}
	if !p.lastRecognize.IsZero() && now.Sub(p.lastRecognize) < p.cfg.RecognizeEvery {
		return
	}
	p.lastRecognize = now

	rctx, cancel := context.WithTimeout(ctx, p.cfg.RecognizeTimeout)
	defer cancel()
	id, err := p.recognizer.Recognize(rctx, frame)
	if err != nil {
		if !errors.Is(err, detection.ErrBackendDisabled) {
			log.Printf("[Pipeline] Face recognition failed: %v", err)
		}
		id = detection.UnknownWorker
	}
	p.workerID = id
}

func (p *Pipeline) infer(ctx context.Context, frame image.Image) ([]detection.Detection, error) {
	if !p.scheduler.Begin() {
		return p.current, nil
	}
	start := p.now()
	defer func() { p.scheduler.MarkInferred(p.now()) }()

	dets, err := p.detect(ctx, frame)
	p.observer.Inference(p.now().Sub(start), err)
	return dets, err
}

func (p *Pipeline) detect(ctx context.Context, frame image.Image) ([]detection.Detection, error) {
	ictx, cancel := context.WithTimeout(ctx, p.cfg.InferTimeout)
	defer cancel()

	inf, err := p.inferer.Infer(ictx, frame)
	if err != nil {
		return nil, err
	}
	b := frame.Bounds()
	return p.decoder.Decode(inf.Output, inf.Transform, b.Dx(), b.Dy())
}

// activeZones returns the zone list when geofencing is on, nil otherwise.
func (p *Pipeline) activeZones() ([]geofence.Zone, uint64) {
	if !p.state.GeofenceEnabled() {
		return nil, 0
	}
	zones, version := p.state.Zones()
	if len(zones) == 0 {
		return nil, 0
	}
	return zones, version
}

func (p *Pipeline) checkPPE(dets []detection.Detection) {
	violations := rules.ExtractViolations(dets)
	if len(violations) == 0 {
		return
	}

	msg := rules.Message(violations, p.workerID)
	if p.cfg.PersonAttribution {
		people, unattributed := rules.AttributeViolations(dets)
		if m := rules.AttributedMessage(people, unattributed, p.workerID); m != "" {
			msg = m
		}
	}

	if rec, ok := p.alerts.TryTrigger(msg); ok {
		log.Printf("[Pipeline] %s", msg)
		p.dispatcher.Dispatch(rec)
		p.observer.AlertFired(string(alerts.TypePPE))
	}
}

func (p *Pipeline) checkZones(dets []detection.Detection, zones []geofence.Zone, version uint64) {
	if p.engine == nil || p.engineVersion != version {
		p.engine = geofence.NewEngine(zones, geofence.NewPolicy(p.cfg.RestrictedClasses, zones))
		p.engineVersion = version
	}

	for _, v := range p.engine.Evaluate(dets) {
		if rec, ok := p.alerts.TryTriggerZone(v.Zone, v.Object); ok {
			log.Printf("[Pipeline] %s", rec.Message)
			p.dispatcher.Dispatch(rec)
			p.observer.AlertFired(string(alerts.TypeGeofence))
		}
	}
}

// Analyze runs detection and rules over a single image without touching
// the live stream, cooldowns or history. Zone rules run against zones when
// it is non-empty.
func (p *Pipeline) Analyze(ctx context.Context, img image.Image, zones []geofence.Zone) (*Analysis, error) {
	dets, err := p.detect(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}

	a := &Analysis{
		Detections: dets,
		Violations: rules.ExtractViolations(dets),
		Annotated:  img,
	}
	if len(zones) > 0 {
		engine := geofence.NewEngine(zones, geofence.NewPolicy(p.cfg.RestrictedClasses, zones))
		a.Zones = engine.Evaluate(dets)
	}
	if p.annotator != nil {
		a.Annotated = p.annotator.Annotate(img, dets, zones)
	}
	return a, nil
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
