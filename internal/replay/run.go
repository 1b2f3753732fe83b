package replay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/annotrack/internal/clock"
	"github.com/yourorg/annotrack/internal/config"
	"github.com/yourorg/annotrack/internal/filter"
	"github.com/yourorg/annotrack/internal/identity"
	"github.com/yourorg/annotrack/internal/recorder"
	"github.com/yourorg/annotrack/internal/shipper"
	"github.com/yourorg/annotrack/internal/store"
)

// Options configures Run. Transport defaults to an HTTPTransport built
// from the shipper config.
type Options struct {
	Config    *config.Config
	Script    *Script
	Logger    *zap.Logger
	Transport shipper.Transport
	// Wait bounds how long Run waits for delivery after playback.
	Wait time.Duration
}

// Report summarizes a replay.
type Report struct {
	Session   string
	Entries   int64
	Posted    uint64
	Delivered uint64
	Pending   int
	Failures  uint64
}

// Run wires storage, identity, recorder and shipper from the config,
// plays the script and waits for the queue to settle.
func Run(ctx context.Context, opts Options) (Report, error) {
	cfg, logger := opts.Config, opts.Logger
	if cfg == nil || opts.Script == nil {
		return Report{}, errors.New("replay: config and script are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	debug, err := config.ParseDebug(cfg.Recorder.Debug)
	if err != nil {
		return Report{}, err
	}

	kv, tab, closeKV, err := openStorage(cfg.Recorder)
	if err != nil {
		return Report{}, err
	}
	defer closeKV()

	transport := opts.Transport
	if transport == nil {
		transport = &shipper.HTTPTransport{
			HTTPClient: &http.Client{Timeout: cfg.Shipper.RequestTimeout},
			Compress:   cfg.Shipper.Compress,
		}
	}
	ship := shipper.New(shipper.Options{
		Transport:      transport,
		MinGap:         cfg.Shipper.MinGap,
		RequestTimeout: cfg.Shipper.RequestTimeout,
		DrainTimeout:   cfg.Shipper.DrainTimeout,
		Logger:         logger.Named("shipper"),
	})

	host, err := NewHost(opts.Script)
	if err != nil {
		return Report{}, err
	}
	clk := clock.Fake(time.UnixMilli(opts.Script.StartMS))
	rec, err := recorder.New(recorder.Options{
		Page:     host.Page,
		Identity: identity.NewProvider(tab, kv),
		Sink:     ship,
		Credentials: func() (string, string) {
			return cfg.Shipper.API, cfg.Shipper.Token
		},
		Clock:               clk,
		Logger:              logger.Named("recorder"),
		Rules:               filter.New(cfg.Recorder.IgnoreActivities, cfg.Redact),
		Debug:               debug,
		ImageSurfaceClasses: cfg.Recorder.ImageSurfaceClasses,
		ScrollbarThreshold:  cfg.Recorder.ScrollbarThreshold,
	})
	if err != nil {
		return Report{}, err
	}

	shipCtx, stopShipper := context.WithCancel(ctx)
	shipErr := make(chan error, 1)
	go func() { shipErr <- ship.Run(shipCtx) }()

	playErr := NewPlayer(opts.Script, host, rec, clk, logger.Named("player")).Play(ctx)
	if playErr == nil {
		waitSettled(ctx, ship, opts.Wait)
	}
	stopShipper()
	drainErr := <-shipErr

	st := ship.Stats()
	report := Report{
		Session:   rec.SessionID(),
		Entries:   rec.SequenceID(),
		Posted:    st.Posted,
		Delivered: st.Delivered,
		Pending:   st.Pending,
		Failures:  st.Failures,
	}
	if playErr != nil {
		return report, playErr
	}
	if drainErr != nil {
		return report, fmt.Errorf("undelivered entries: %w", drainErr)
	}
	return report, nil
}

func openStorage(rc config.RecorderConfig) (store.KV, identity.TabChannel, func(), error) {
	if rc.Storage == "sqlite" {
		s, err := store.NewSQLiteStore(rc.StorageDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open recorder storage: %w", err)
		}
		return s, identity.NewStoredTab(s), func() { _ = s.Close() }, nil
	}
	return store.NewMemoryKV(), &identity.MemoryTab{}, func() {}, nil
}

func waitSettled(ctx context.Context, ship *shipper.Shipper, limit time.Duration) {
	if limit <= 0 {
		limit = 30 * time.Second
	}
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for {
		if ship.Stats().Settled() {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}
