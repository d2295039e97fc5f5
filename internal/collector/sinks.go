package collector

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"shelly-monitor/internal/model"
)

const (
	sinkQueueSize = 256
	sinkTimeout   = 5 * time.Second
)

// Sink receives processed samples off the pipeline goroutine, e.g. the MQTT
// publisher or the InfluxDB writer.
type Sink interface {
	Name() string
	WriteSample(ctx context.Context, s model.LiveSample, kwhToday float64) error
}

type sinkJob struct {
	sample model.LiveSample
	kwh    float64
}

// sinkWorker owns one bounded queue so a slow sink only loses its own samples.
type sinkWorker struct {
	sink    Sink
	queue   chan sinkJob
	dropped atomic.Int64
}

func (c *Collector) startSinks(sinks []Sink) {
	for _, s := range sinks {
		w := &sinkWorker{sink: s, queue: make(chan sinkJob, sinkQueueSize)}
		c.sinks = append(c.sinks, w)
		c.sinkWG.Add(1)
		go c.runSink(w)
	}
}

func (c *Collector) enqueueSinks(s model.LiveSample, kwh float64) {
	c.sinkMu.RLock()
	defer c.sinkMu.RUnlock()

	if c.sinksClosed {
		return
	}
	for _, w := range c.sinks {
		select {
		case w.queue <- sinkJob{sample: s, kwh: kwh}:
		default:
			if n := w.dropped.Add(1); n == 1 || n%100 == 0 {
				log.Warn().Str("sink", w.sink.Name()).Int64("dropped", n).Msg("sink queue full, dropping samples")
			}
		}
	}
}

func (c *Collector) runSink(w *sinkWorker) {
	defer c.sinkWG.Done()

	for j := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		err := w.sink.WriteSample(ctx, j.sample, j.kwh)
		cancel()

		if err != nil {
			log.Warn().Err(err).Str("sink", w.sink.Name()).Str("device", j.sample.DeviceKey).Msg("sink write failed")
		}
	}
}

// stopSinks closes the queues and waits for queued samples to be written.
func (c *Collector) stopSinks() {
	c.sinkMu.Lock()
	if c.sinksClosed {
		c.sinkMu.Unlock()
		return
	}
	c.sinksClosed = true
	for _, w := range c.sinks {
		close(w.queue)
	}
	c.sinkMu.Unlock()

	c.sinkWG.Wait()
}
