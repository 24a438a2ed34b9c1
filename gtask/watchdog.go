package gtask

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gordian-engine/gnode/internal/gchan"
)

// Watchdog probes the tasks that opt in through [*Watchdog.Monitor].
//
// A nil *Watchdog is valid: Monitor returns a nil channel,
// so a task's probe case in its select loop never fires.
type Watchdog struct {
	log *slog.Logger

	cancel          context.CancelCauseFunc
	monitorRequests chan monitorRequest

	// Monitors are added at runtime, so a WaitGroup tracks them all.
	wg sync.WaitGroup
}

// MonitorConfig describes how a single task is probed.
type MonitorConfig struct {
	// Name of the task, for reporting.
	Name string

	// The task is probed every Interval + [-Jitter, +Jitter).
	Interval, Jitter time.Duration

	// The task must accept the probe and close its Alive channel within ResponseTimeout.
	ResponseTimeout time.Duration
}

func (c MonitorConfig) validate() error {
	var err error
	if c.Name == "" {
		err = errors.Join(err, errors.New("MonitorConfig.Name must not be empty"))
	}

	if c.Interval <= 0 {
		err = errors.Join(err, errors.New("MonitorConfig.Interval must be positive"))
	}

	if c.Jitter <= 0 {
		err = errors.Join(err, errors.New("MonitorConfig.Jitter must be positive"))
	} else if c.Jitter > c.Interval {
		err = errors.Join(err, errors.New("MonitorConfig.Jitter must not exceed MonitorConfig.Interval"))
	}

	if c.ResponseTimeout <= 0 {
		err = errors.Join(err, errors.New("MonitorConfig.ResponseTimeout must be positive"))
	}

	return err
}

// Probe is delivered to a monitored task.
// The task must close Alive as soon as it receives the probe.
type Probe struct {
	Alive chan<- struct{}
}

type monitorRequest struct {
	Cfg MonitorConfig

	Resp chan (<-chan Probe)
}

// NewWatchdog returns a Watchdog and a context derived from ctx.
// The returned context is canceled when a monitored task fails to answer a probe,
// or upon [*Watchdog.Terminate].
func NewWatchdog(ctx context.Context, log *slog.Logger) (*Watchdog, context.Context) {
	wCtx, cancel := context.WithCancelCause(ctx)
	w := &Watchdog{
		log:             log,
		cancel:          cancel,
		monitorRequests: make(chan monitorRequest), // Unbuffered since requests are synchronous.
	}
	w.wg.Add(1)
	go w.kernel(ctx, wCtx)
	return w, wCtx
}

// Wait blocks until the watchdog's goroutines finish.
// They follow the context passed to [NewWatchdog].
func (w *Watchdog) Wait() {
	if w == nil {
		return
	}
	w.wg.Wait()
}

// Terminate cancels the watchdog context with a [ForcedTerminationError].
func (w *Watchdog) Terminate(reason string) {
	w.cancel(ForcedTerminationError{Reason: reason})
}

func (w *Watchdog) kernel(rootCtx, wCtx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-rootCtx.Done():
			w.log.Info("Watchdog stopping due to root context cancellation", "cause", context.Cause(rootCtx))
			return
		case req := <-w.monitorRequests:
			probes := make(chan Probe) // Unbuffered: the task must actively accept it.
			w.wg.Add(1)
			go w.monitor(wCtx, w.log.With("task", req.Cfg.Name), req.Cfg, probes)
			req.Resp <- probes
		}
	}
}

// Monitor starts probing a task and returns the channel the task must receive from.
//
// If ctx is canceled before the monitor starts, or if w is nil, the result is nil.
func (w *Watchdog) Monitor(ctx context.Context, cfg MonitorConfig) <-chan Probe {
	if err := cfg.validate(); err != nil {
		panic(fmt.Errorf("BUG: (*Watchdog).Monitor: invalid MonitorConfig: %w", err))
	}

	if w == nil {
		return nil
	}

	req := monitorRequest{
		Cfg:  cfg,
		Resp: make(chan (<-chan Probe), 1),
	}
	ch, _ := gchan.ReqResp(
		ctx, w.log,
		w.monitorRequests, req,
		req.Resp,
		"requesting task monitor",
	)
	return ch
}

func (w *Watchdog) monitor(ctx context.Context, log *slog.Logger, cfg MonitorConfig, probes chan<- Probe) {
	defer w.wg.Done()

	// A PCG per monitor avoids contending on the global source.
	rng := rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))

	for {
		j := rng.Int64N(int64(2*cfg.Jitter)) - int64(cfg.Jitter)
		timer := time.NewTimer(cfg.Interval + time.Duration(j))

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if !w.probe(ctx, log, cfg, probes) {
				return
			}
		}
	}
}

// probe sends a single probe and waits for the answer.
// It reports false when monitoring should stop.
func (w *Watchdog) probe(ctx context.Context, log *slog.Logger, cfg MonitorConfig, probes chan<- Probe) bool {
	alive := make(chan struct{})
	timer := time.NewTimer(cfg.ResponseTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case probes <- Probe{Alive: alive}:
	case <-timer.C:
		log.Warn("Task did not accept watchdog probe")
		w.cancel(UnresponsiveTaskError{Task: cfg.Name})
		return false
	}

	select {
	case <-ctx.Done():
		return false
	case <-alive:
		return true
	case <-timer.C:
		// The task may have answered just as the timer fired.
		select {
		case <-alive:
			return true
		default:
			log.Warn("Task did not answer watchdog probe")
			w.cancel(UnresponsiveTaskError{Task: cfg.Name})
			return false
		}
	}
}
