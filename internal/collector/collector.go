package collector

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"shelly-monitor/internal/alert"
	"shelly-monitor/internal/influx"
	"shelly-monitor/internal/live"
	"shelly-monitor/internal/model"
	"shelly-monitor/internal/mqtt"
	"shelly-monitor/internal/storage"
	"shelly-monitor/internal/syncer"
)

const (
	maxRecentAlerts   = 100
	chunkLogRetention = 30 * 24 * time.Hour
)

var ErrSyncRunning = errors.New("a sync run is already in progress")

// Broadcaster receives every retained point, e.g. a websocket hub.
type Broadcaster interface {
	Broadcast(deviceKey string, point model.LivePoint)
}

// Collector moves live samples through energy integration, the retained
// store and alert evaluation, then hands them to the publishing sinks. It also
// owns sync runs.
type Collector struct {
	devices     []model.Device
	poller      *live.Poller
	store       *live.Store
	energy      *live.TodayEnergy
	alerts      *alert.Engine
	db          *storage.Database
	syncer      *syncer.Engine
	syncOpts    syncer.Options
	publisher   *mqtt.Publisher
	influx      *influx.Writer
	broadcaster Broadcaster
	autoSync    time.Duration
	now         func() time.Time

	sinks       []*sinkWorker
	sinkMu      sync.RWMutex
	sinksClosed bool
	sinkWG      sync.WaitGroup

	mu           sync.RWMutex
	ctx          context.Context
	isCollecting bool
	syncRunning  bool
	lastSyncAt   time.Time
	lastResults  []model.SyncRunResult
	progress     map[string]model.SyncProgress
	recentAlerts []alert.Event
	lastErrors   map[string]model.PollError
}

type CollectorConfig struct {
	Devices     []model.Device
	Poller      *live.Poller
	Store       *live.Store
	Energy      *live.TodayEnergy
	Alerts      *alert.Engine
	Database    *storage.Database
	Syncer      *syncer.Engine
	SyncOptions syncer.Options
	Publisher   *mqtt.Publisher
	Influx      *influx.Writer
	Broadcaster Broadcaster
	// Sinks are written in addition to Publisher and Influx.
	Sinks []Sink
	// AutoSyncInterval of zero disables scheduled sync runs.
	AutoSyncInterval time.Duration
}

func NewCollector(cfg CollectorConfig) *Collector {
	energy := cfg.Energy
	if energy == nil {
		energy = live.NewTodayEnergy(time.Local)
	}
	c := &Collector{
		devices:     cfg.Devices,
		poller:      cfg.Poller,
		store:       cfg.Store,
		energy:      energy,
		alerts:      cfg.Alerts,
		db:          cfg.Database,
		syncer:      cfg.Syncer,
		syncOpts:    cfg.SyncOptions,
		publisher:   cfg.Publisher,
		influx:      cfg.Influx,
		broadcaster: cfg.Broadcaster,
		autoSync:    cfg.AutoSyncInterval,
		now:         time.Now,
		lastErrors:  make(map[string]model.PollError),
		progress:    make(map[string]model.SyncProgress),
	}

	var sinks []Sink
	if cfg.Publisher != nil {
		sinks = append(sinks, cfg.Publisher)
	}
	if cfg.Influx != nil {
		sinks = append(sinks, cfg.Influx)
	}
	c.startSinks(append(sinks, cfg.Sinks...))
	return c
}

// Start runs the pipeline until ctx is cancelled.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.isCollecting = true
	c.mu.Unlock()

	var wg sync.WaitGroup

	if c.poller != nil {
		log.Info().Int("devices", len(c.devices)).Dur("interval", c.poller.Interval()).Msg("starting live collection")
		c.poller.Start(ctx)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.consume()
		}()
	}

	if c.autoSync > 0 && c.syncer != nil {
		log.Info().Dur("interval", c.autoSync).Msg("auto-sync enabled")
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.autoSyncLoop(ctx)
		}()
	}

	<-ctx.Done()
	if c.poller != nil {
		c.poller.Stop()
	}
	wg.Wait()

	c.mu.Lock()
	c.isCollecting = false
	c.mu.Unlock()
	log.Info().Msg("collector stopped")
	return nil
}

func (c *Collector) consume() {
	samples := c.poller.Samples()
	errs := c.poller.Errors()
	for samples != nil || errs != nil {
		select {
		case s, ok := <-samples:
			if !ok {
				samples = nil
				continue
			}
			c.HandleSample(s)
		case e, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.HandleError(e)
		}
	}
}

// HandleSample processes one live sample and returns the retained point.
// Sink writes are queued and never block the caller.
func (c *Collector) HandleSample(s model.LiveSample) model.LivePoint {
	kwh := c.energy.Add(s.DeviceKey, s.TS, s.PowerW.Total)
	point := model.PointFromSample(s, kwh)

	if c.store != nil {
		c.store.Update(s.DeviceKey, point)
	}

	c.mu.Lock()
	delete(c.lastErrors, s.DeviceKey)
	c.mu.Unlock()

	if c.alerts != nil {
		if events := c.alerts.Evaluate(s); len(events) > 0 {
			c.recordAlerts(events)
		}
	}

	c.enqueueSinks(s, kwh)

	if c.broadcaster != nil {
		c.broadcaster.Broadcast(s.DeviceKey, point)
	}

	return point
}

func (c *Collector) HandleError(e model.PollError) {
	log.Warn().Str("device", e.DeviceKey).Int64("ts", e.TS).Msg(e.Message)

	c.mu.Lock()
	c.lastErrors[e.DeviceKey] = e
	c.mu.Unlock()
}

func (c *Collector) recordAlerts(events []alert.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recentAlerts = append(c.recentAlerts, events...)
	if over := len(c.recentAlerts) - maxRecentAlerts; over > 0 {
		c.recentAlerts = append([]alert.Event(nil), c.recentAlerts[over:]...)
	}
}

func (c *Collector) autoSyncLoop(ctx context.Context) {
	ticker := time.NewTicker(c.autoSync)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RunSync(ctx, nil); err != nil {
				log.Warn().Err(err).Msg("scheduled sync skipped")
			}
		}
	}
}

// RunSync synchronises the given devices, or all configured devices when
// keys is empty. Only one run may be active at a time.
func (c *Collector) RunSync(ctx context.Context, keys []string) ([]model.SyncRunResult, error) {
	if err := c.acquireSync(); err != nil {
		return nil, err
	}
	return c.runSync(ctx, keys), nil
}

// TriggerSync starts a sync run in the background and returns immediately.
func (c *Collector) TriggerSync(keys []string) error {
	if err := c.acquireSync(); err != nil {
		return err
	}
	go c.runSync(c.baseContext(), keys)
	return nil
}

func (c *Collector) acquireSync() error {
	if c.syncer == nil {
		return errors.New("sync is not configured")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.syncRunning {
		return ErrSyncRunning
	}
	c.syncRunning = true
	c.progress = make(map[string]model.SyncProgress)
	return nil
}

func (c *Collector) recordProgress(deviceKey string, done, total int, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress[deviceKey] = model.SyncProgress{
		DeviceKey: deviceKey,
		Done:      done,
		Total:     total,
		Message:   msg,
		UpdatedAt: c.now().Unix(),
	}
}

func (c *Collector) runSync(ctx context.Context, keys []string) []model.SyncRunResult {
	defer func() {
		c.mu.Lock()
		c.syncRunning = false
		c.mu.Unlock()
	}()

	devices := c.selectDevices(keys)
	log.Info().Int("devices", len(devices)).Msg("sync run started")

	opts := c.syncOpts
	next := opts.Progress
	opts.Progress = func(deviceKey string, done, total int, msg string) {
		c.recordProgress(deviceKey, done, total, msg)
		if next != nil {
			next(deviceKey, done, total, msg)
		}
	}

	results := c.syncer.SyncAll(ctx, devices, opts)
	for _, r := range results {
		ev := log.Info()
		if r.Err != nil {
			ev = log.Warn().Err(r.Err)
		}
		ev.Str("device", r.DeviceKey).Msg(r.Summary())

		if c.db != nil && !r.Skipped {
			if err := c.db.SaveRunLog(r); err != nil {
				log.Warn().Err(err).Str("device", r.DeviceKey).Msg("failed to save sync log")
			}
		}
	}

	if c.db != nil {
		if err := c.db.CleanOldChunkLogs(chunkLogRetention); err != nil {
			log.Warn().Err(err).Msg("failed to clean old sync logs")
		}
	}

	c.ApplyBaselines(devices)

	c.mu.Lock()
	c.lastSyncAt = c.now()
	c.lastResults = results
	c.mu.Unlock()

	return results
}

func (c *Collector) baseContext() context.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.ctx != nil {
		return c.ctx
	}
	return context.Background()
}

// ApplyBaselines seeds today's energy of each device from stored history.
func (c *Collector) ApplyBaselines(devices []model.Device) {
	if c.db == nil {
		return
	}

	dayStart := c.energy.DayStart(c.now().Unix())
	for _, dev := range devices {
		if !dev.SupportsBulkHistory {
			continue
		}
		kwh, lastTS, ok, err := c.db.TodayBaseline(dev.Key, dayStart.Unix())
		if err != nil {
			log.Warn().Err(err).Str("device", dev.Key).Msg("failed to load today baseline")
			continue
		}
		if !ok {
			continue
		}
		c.energy.ApplyBaseline(dev.Key, dayStart, kwh, lastTS)
		log.Debug().Str("device", dev.Key).Float64("kwh", kwh).Msg("applied today baseline")
	}
}

func (c *Collector) selectDevices(keys []string) []model.Device {
	if len(keys) == 0 {
		return c.devices
	}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	var out []model.Device
	for _, d := range c.devices {
		if want[d.Key] {
			out = append(out, d)
		}
	}
	return out
}

func (c *Collector) Devices() []model.Device {
	return c.devices
}

func (c *Collector) Store() *live.Store {
	return c.store
}

func (c *Collector) Alerts() *alert.Engine {
	return c.alerts
}

func (c *Collector) Database() *storage.Database {
	return c.db
}

func (c *Collector) IsCollecting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isCollecting
}

// SyncStatus reports whether a run is active and the outcome of the last one.
func (c *Collector) SyncStatus() (running bool, lastAt time.Time, results []model.SyncRunResult) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.syncRunning, c.lastSyncAt, append([]model.SyncRunResult(nil), c.lastResults...)
}

// SyncProgress returns the latest progress report per device of the current
// or last sync run, ordered by device key.
func (c *Collector) SyncProgress() []model.SyncProgress {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.SyncProgress, 0, len(c.progress))
	for _, p := range c.progress {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceKey < out[j].DeviceKey })
	return out
}

func (c *Collector) RecentAlerts() []alert.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]alert.Event(nil), c.recentAlerts...)
}

func (c *Collector) LastErrors() map[string]model.PollError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]model.PollError, len(c.lastErrors))
	for k, v := range c.lastErrors {
		out[k] = v
	}
	return out
}

func (c *Collector) KwhToday(deviceKey string) float64 {
	return c.energy.Get(deviceKey)
}

// Now is the current time in the zone today's energy is counted in.
func (c *Collector) Now() time.Time {
	return c.now().In(c.energy.Location())
}

// Stop drains the sink queues and closes the sinks and the database.
func (c *Collector) Stop() {
	c.stopSinks()

	if c.publisher != nil {
		c.publisher.Close()
	}
	if c.influx != nil {
		c.influx.Close()
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close database")
		}
	}
}
