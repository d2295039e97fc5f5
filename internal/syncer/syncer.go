package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"shelly-monitor/internal/model"
	"shelly-monitor/internal/storage"
)

type Downloader interface {
	DownloadCSV(ctx context.Context, host string, componentID int, start, end int64) ([]byte, error)
	EarliestRecord(ctx context.Context, host string, componentID int) (int64, bool, error)
}

type CursorStore interface {
	LoadCursor(deviceKey string) (*int64, error)
	SaveCursor(deviceKey string, endTS int64) error
}

// ChunkStore must accept the same range twice without duplicating rows.
type ChunkStore interface {
	SaveChunk(ctx context.Context, dev model.Device, start, end int64, body []byte) error
}

// Tee saves each chunk to every store in order and stops at the first failure.
type Tee []ChunkStore

func (t Tee) SaveChunk(ctx context.Context, dev model.Device, start, end int64, body []byte) error {
	for _, s := range t {
		if err := s.SaveChunk(ctx, dev, start, end, body); err != nil {
			return err
		}
	}
	return nil
}

// ProgressFunc is called before and after every chunk.
type ProgressFunc func(deviceKey string, done, total int, msg string)

type Options struct {
	RangeOverride        *model.TimeRange
	FallbackLookbackDays int
	ChunkSeconds         int64
	OverlapSeconds       int64
	Progress             ProgressFunc
}

func DefaultOptions() Options {
	return Options{
		FallbackLookbackDays: 7,
		ChunkSeconds:         12 * 3600,
		OverlapSeconds:       60,
	}
}

type Engine struct {
	dl       Downloader
	cursors  CursorStore
	chunks   ChunkStore
	parallel int
	now      func() time.Time
}

func NewEngine(dl Downloader, cursors CursorStore, chunks ChunkStore, parallel int) *Engine {
	if parallel <= 0 {
		parallel = 1
	}
	return &Engine{
		dl:       dl,
		cursors:  cursors,
		chunks:   chunks,
		parallel: parallel,
		now:      time.Now,
	}
}

func checkSupported(dev model.Device) error {
	if !dev.SupportsBulkHistory {
		return &UnsupportedDeviceError{DeviceKey: dev.Key}
	}
	return nil
}

// SyncDevice downloads history for one device and advances its cursor to the
// end of the last chunk that was fully downloaded and stored.
func (e *Engine) SyncDevice(ctx context.Context, dev model.Device, opts Options) model.SyncRunResult {
	opts = withDefaults(opts)
	now := e.now().Unix()
	res := model.SyncRunResult{
		DeviceKey:  dev.Key,
		DeviceName: dev.DisplayName(),
		StartedAt:  now,
		Chunks:     []model.ChunkResult{},
	}
	logger := log.With().Str("device", dev.Key).Str("host", dev.Host).Logger()

	var unsupported *UnsupportedDeviceError
	if err := checkSupported(dev); errors.As(err, &unsupported) {
		logger.Debug().Msg("skipping sync: no history support")
		res.Skipped = true
		res.EndedAt = e.now().Unix()
		return res
	}

	cursor, err := e.cursors.LoadCursor(dev.Key)
	if err != nil {
		res.Err = &PersistenceError{DeviceKey: dev.Key, Op: "load cursor", Err: err}
		res.EndedAt = e.now().Unix()
		return res
	}

	start, end := requestedRange(now, cursor, opts)
	start = e.clampToEarliest(ctx, dev, start)
	res.RequestedRange = model.TimeRange{Start: start, End: end}

	chunks := Chunks(start, end, opts.ChunkSeconds)
	total := len(chunks)
	progress := func(done int, msg string) {
		if opts.Progress != nil {
			opts.Progress(dev.Key, done, total, msg)
		}
	}

	var lastSuccessEnd *int64
	aborted := false
	for i, c := range chunks {
		if err := ctx.Err(); err != nil {
			res.Err = err
			break
		}
		progress(i, fmt.Sprintf("downloading %d-%d", c.Start, c.End))

		body, err := e.dl.DownloadCSV(ctx, dev.Host, dev.ComponentID, c.Start, c.End)
		if err != nil {
			res.Chunks = append(res.Chunks, model.ChunkResult{StartTS: c.Start, EndTS: c.End, Error: err.Error()})
			res.Err = err
			progress(i, "error: "+err.Error())
			logger.Warn().Err(err).Int64("chunk_start", c.Start).Int64("chunk_end", c.End).Msg("chunk download failed, aborting device sync")
			break
		}

		if !storage.HasDataRows(body) {
			nd := &NoDataInRangeError{Start: c.Start, End: c.End}
			res.Chunks = append(res.Chunks, model.ChunkResult{StartTS: c.Start, EndTS: c.End, Error: nd.Error()})
			progress(i+1, "no data in range")
			continue
		}

		if err := e.chunks.SaveChunk(ctx, dev, c.Start, c.End, body); err != nil {
			perr := &PersistenceError{DeviceKey: dev.Key, Op: "save chunk", Err: err}
			res.Chunks = append(res.Chunks, model.ChunkResult{StartTS: c.Start, EndTS: c.End, Error: perr.Error()})
			res.Err = perr
			aborted = true
			logger.Error().Err(err).Int64("chunk_start", c.Start).Int64("chunk_end", c.End).Msg("failed to persist chunk")
			break
		}

		res.Chunks = append(res.Chunks, model.ChunkResult{StartTS: c.Start, EndTS: c.End, OK: true})
		chunkEnd := c.End
		lastSuccessEnd = &chunkEnd
		progress(i+1, "ok")
	}

	if !aborted && lastSuccessEnd != nil && (cursor == nil || *lastSuccessEnd > *cursor) {
		if err := e.cursors.SaveCursor(dev.Key, *lastSuccessEnd); err != nil {
			res.Err = &PersistenceError{DeviceKey: dev.Key, Op: "save cursor", Err: err}
		} else {
			res.UpdatedCursorEndTS = lastSuccessEnd
		}
	}

	res.EndedAt = e.now().Unix()
	logger.Info().Str("result", res.Summary()).Msg("device sync finished")
	return res
}

// SyncAll syncs every device independently. Results keep the input order.
func (e *Engine) SyncAll(ctx context.Context, devices []model.Device, opts Options) []model.SyncRunResult {
	results := make([]model.SyncRunResult, len(devices))

	var g errgroup.Group
	g.SetLimit(e.parallel)
	for i, dev := range devices {
		i, dev := i, dev
		g.Go(func() error {
			results[i] = e.SyncDevice(ctx, dev, opts)
			return nil
		})
	}
	g.Wait()

	return results
}

func (e *Engine) clampToEarliest(ctx context.Context, dev model.Device, start int64) int64 {
	earliest, ok, err := e.dl.EarliestRecord(ctx, dev.Host, dev.ComponentID)
	if err != nil {
		log.Debug().Str("device", dev.Key).Err(err).Msg("history metadata unavailable, keeping requested start")
		return start
	}
	if ok && start < earliest {
		return earliest
	}
	return start
}

func withDefaults(opts Options) Options {
	def := DefaultOptions()
	if opts.ChunkSeconds <= 0 {
		opts.ChunkSeconds = def.ChunkSeconds
	}
	if opts.OverlapSeconds < 0 {
		opts.OverlapSeconds = 0
	}
	if opts.FallbackLookbackDays <= 0 {
		opts.FallbackLookbackDays = def.FallbackLookbackDays
	}
	return opts
}

func requestedRange(now int64, cursor *int64, opts Options) (int64, int64) {
	if opts.RangeOverride != nil {
		return opts.RangeOverride.Start, opts.RangeOverride.End
	}

	var start int64
	if cursor != nil {
		start = max(0, *cursor-opts.OverlapSeconds)
	} else {
		start = max(0, now-int64(opts.FallbackLookbackDays)*86400)
	}
	end := now
	if end <= start {
		end = start + 1
	}
	return start, end
}

// Chunks partitions [start, end) into consecutive ranges of at most width seconds.
func Chunks(start, end, width int64) []model.TimeRange {
	if width <= 0 {
		width = DefaultOptions().ChunkSeconds
	}
	var out []model.TimeRange
	for cur := start; cur < end; {
		next := min(end, cur+width)
		out = append(out, model.TimeRange{Start: cur, End: next})
		cur = next
	}
	return out
}
