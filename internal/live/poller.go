package live

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"shelly-monitor/internal/model"
)

// Source reads one live sample from a device.
type Source interface {
	Fetch(ctx context.Context, dev model.Device, ts int64) (model.LiveSample, error)
}

// Poller runs one sampling loop per device. Samples and errors are delivered
// on separate channels; both are closed by Stop.
type Poller struct {
	source     Source
	devices    []model.Device
	interval   time.Duration
	maxBackoff time.Duration
	now        func() time.Time

	samples chan model.LiveSample
	errors  chan model.PollError

	mu       sync.Mutex
	cancel   context.CancelFunc
	started  bool
	stopped  bool
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewPoller(source Source, devices []model.Device, interval, maxBackoff time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	if maxBackoff < interval {
		maxBackoff = 30 * time.Second
	}
	buf := 64 * max(1, len(devices))
	return &Poller{
		source:     source,
		devices:    devices,
		interval:   interval,
		maxBackoff: maxBackoff,
		now:        time.Now,
		samples:    make(chan model.LiveSample, buf),
		errors:     make(chan model.PollError, buf),
	}
}

func (p *Poller) Samples() <-chan model.LiveSample { return p.samples }

func (p *Poller) Errors() <-chan model.PollError { return p.errors }

func (p *Poller) Interval() time.Duration { return p.interval }

// Start launches the device loops. It has no effect once started or stopped.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started || p.stopped {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for _, dev := range p.devices {
		p.wg.Add(1)
		go p.loop(ctx, dev)
	}
	log.Info().Int("devices", len(p.devices)).Dur("interval", p.interval).Msg("live poller started")
}

// Stop cancels all loops and waits for them. Nothing is emitted after Stop returns.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		cancel := p.cancel
		p.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		p.wg.Wait()
		close(p.samples)
		close(p.errors)
		log.Info().Msg("live poller stopped")
	})
}

func (p *Poller) loop(ctx context.Context, dev model.Device) {
	defer p.wg.Done()

	logger := log.With().Str("device", dev.Key).Str("host", dev.Host).Logger()
	errCount := 0
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		ts := p.now().Unix()
		sample, err := p.source.Fetch(ctx, dev, ts)
		if ctx.Err() != nil {
			return
		}

		if err != nil {
			errCount++
			logger.Warn().Err(err).Int("errors", errCount).Msg("live poll failed")
			pe := model.PollError{DeviceKey: dev.Key, DeviceName: dev.DisplayName(), TS: ts, Message: err.Error()}
			select {
			case p.errors <- pe:
			case <-ctx.Done():
				return
			}
		} else {
			errCount = 0
			select {
			case p.samples <- sample:
			case <-ctx.Done():
				return
			}
		}

		timer.Reset(Backoff(p.interval, p.maxBackoff, errCount))
	}
}

// Backoff is the delay before the next poll after errCount consecutive failures.
func Backoff(interval, maxBackoff time.Duration, errCount int) time.Duration {
	if errCount < 2 {
		return interval
	}
	d := interval * time.Duration(1<<min(errCount-1, 5))
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}
