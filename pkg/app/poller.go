package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// CycleFunc runs one update cycle.
type CycleFunc func(ctx context.Context) error

// Poller runs a cycle immediately on start and then on every tick. A tick
// that arrives while a cycle is still running is skipped.
type Poller struct {
	interval time.Duration
	run      CycleFunc
	logger   *logrus.Logger

	running atomic.Bool
	trigger chan struct{}

	mutex  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPoller(interval time.Duration, run CycleFunc, logger *logrus.Logger) *Poller {
	return &Poller{
		interval: interval,
		run:      run,
		logger:   logger,
		trigger:  make(chan struct{}, 1),
	}
}

// Start starts the polling loop (implements Service interface).
func (p *Poller) Start() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go p.loop(ctx, p.done)

	p.logger.WithField("interval", p.interval).Info("Poller started")
	return nil
}

// Stop cancels the running cycle and waits for the loop to exit.
func (p *Poller) Stop() error {
	p.mutex.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mutex.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	<-done

	p.logger.Info("Poller stopped")
	return nil
}

// TriggerNow asks the loop for an extra cycle without waiting for it.
func (p *Poller) TriggerNow() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

// Tick runs one cycle unless another is in progress. It reports whether the
// cycle ran.
func (p *Poller) Tick(ctx context.Context) (bool, error) {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.Debug("Update already in progress, skipping")
		return false, nil
	}
	defer p.running.Store(false)

	return true, p.run(ctx)
}

func (p *Poller) Running() bool {
	return p.running.Load()
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	p.tick(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		case <-p.trigger:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if _, err := p.Tick(ctx); err != nil && ctx.Err() == nil {
		p.logger.WithError(err).Warn("Update cycle failed")
	}
}
