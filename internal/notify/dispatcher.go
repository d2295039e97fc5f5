package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Message is one rendered alert notification.
type Message struct {
	ID         string  `json:"id"`
	RuleID     string  `json:"rule_id"`
	DeviceKey  string  `json:"device_key"`
	DeviceName string  `json:"device_name"`
	Title      string  `json:"title"`
	Text       string  `json:"text"`
	Value      float64 `json:"value"`
	TS         int64   `json:"ts"`
}

// Channel delivers messages to one external destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

// DispatchError is returned when a message cannot be queued for delivery.
type DispatchError struct {
	Channel string
	Reason  string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %q: %s", e.Channel, e.Reason)
}

type job struct {
	channel Channel
	msg     Message
}

// Dispatcher delivers messages asynchronously through a bounded queue.
// Send never blocks; delivery failures are logged and dropped.
type Dispatcher struct {
	channels    map[string]Channel
	sendTimeout time.Duration
	queue       chan job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(queueSize, workers int, sendTimeout time.Duration, channels ...Channel) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 100
	}
	if workers <= 0 {
		workers = 1
	}
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}

	d := &Dispatcher{
		channels:    make(map[string]Channel, len(channels)),
		sendTimeout: sendTimeout,
		queue:       make(chan job, queueSize),
	}
	for _, ch := range channels {
		d.channels[ch.Name()] = ch
	}

	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Channels lists the registered channel names.
func (d *Dispatcher) Channels() []string {
	names := make([]string, 0, len(d.channels))
	for name := range d.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Dispatcher) Send(channel string, msg Message) error {
	ch, ok := d.channels[channel]
	if !ok {
		return &DispatchError{Channel: channel, Reason: "unknown channel"}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return &DispatchError{Channel: channel, Reason: "dispatcher closed"}
	}

	select {
	case d.queue <- job{channel: ch, msg: msg}:
		return nil
	default:
		return &DispatchError{Channel: channel, Reason: "queue full"}
	}
}

// Close stops accepting messages and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for j := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
		err := j.channel.Send(ctx, j.msg)
		cancel()

		if err != nil {
			log.Error().Err(err).Str("channel", j.channel.Name()).Str("rule", j.msg.RuleID).Msg("notification delivery failed")
			continue
		}
		log.Debug().Str("channel", j.channel.Name()).Str("rule", j.msg.RuleID).Msg("notification delivered")
	}
}
