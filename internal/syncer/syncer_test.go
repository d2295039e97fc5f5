package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"shelly-monitor/internal/model"
	"shelly-monitor/internal/transport"
)

const header = "timestamp,a_total_act_energy\n"

// fakeDevices serves history per host. A chunk is answered from the first
// matching rule; anything else returns one data row.
type fakeDevices struct {
	mu        sync.Mutex
	earliest  map[string]int64
	failFrom  map[string]int64 // transport error for chunks starting at or after
	emptyAt   map[string]int64 // header-only chunk starting at
	downloads map[string][]model.TimeRange
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{
		earliest:  map[string]int64{},
		failFrom:  map[string]int64{},
		emptyAt:   map[string]int64{},
		downloads: map[string][]model.TimeRange{},
	}
}

func (f *fakeDevices) DownloadCSV(ctx context.Context, host string, componentID int, start, end int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.downloads[host] = append(f.downloads[host], model.TimeRange{Start: start, End: end})
	if from, ok := f.failFrom[host]; ok && start >= from {
		return nil, &transport.TransportError{URL: host, Attempts: 4, Err: errors.New("connection refused")}
	}
	if at, ok := f.emptyAt[host]; ok && start == at {
		return []byte(header), nil
	}
	return []byte(fmt.Sprintf("%s%d,1\n", header, start)), nil
}

func (f *fakeDevices) EarliestRecord(ctx context.Context, host string, componentID int) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ts, ok := f.earliest[host]
	return ts, ok, nil
}

type memCursors struct {
	mu      sync.Mutex
	cursors map[string]int64
	saves   int
	failErr error
}

func newMemCursors() *memCursors {
	return &memCursors{cursors: map[string]int64{}}
}

func (m *memCursors) LoadCursor(key string) (*int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.cursors[key]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (m *memCursors) SaveCursor(key string, end int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return m.failErr
	}
	m.cursors[key] = end
	m.saves++
	return nil
}

type memChunks struct {
	mu      sync.Mutex
	saved   []model.TimeRange
	failErr error
}

func (m *memChunks) SaveChunk(ctx context.Context, dev model.Device, start, end int64, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failErr != nil {
		return m.failErr
	}
	m.saved = append(m.saved, model.TimeRange{Start: start, End: end})
	return nil
}

const testNow = int64(1_700_000_000)

func newTestEngine(dl *fakeDevices, cursors *memCursors, chunks *memChunks) *Engine {
	e := NewEngine(dl, cursors, chunks, 2)
	e.now = func() time.Time { return time.Unix(testNow, 0) }
	return e
}

func meter(key string) model.Device {
	return model.Device{Key: key, Host: key + ".local", Kind: model.KindEnergyMeter, SupportsBulkHistory: true}
}

func opts() Options {
	return Options{FallbackLookbackDays: 1, ChunkSeconds: 3600, OverlapSeconds: 60}
}

func TestChunks(t *testing.T) {
	got := Chunks(0, 250, 100)
	want := []model.TimeRange{{Start: 0, End: 100}, {Start: 100, End: 200}, {Start: 200, End: 250}}
	if len(got) != len(want) {
		t.Fatalf("expected %d chunks, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("chunk %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
	if len(Chunks(10, 10, 100)) != 0 {
		t.Error("empty range must yield no chunks")
	}
}

func TestSyncDevice_UnsupportedIsSkipped(t *testing.T) {
	dl, cursors, chunks := newFakeDevices(), newMemCursors(), &memChunks{}
	e := newTestEngine(dl, cursors, chunks)

	dev := model.Device{Key: "plug", Host: "plug.local", Kind: model.KindSwitchMeter}
	res := e.SyncDevice(context.Background(), dev, opts())

	if !res.Skipped {
		t.Error("expected skipped result")
	}
	if len(res.Chunks) != 0 {
		t.Errorf("expected no chunks, got %d", len(res.Chunks))
	}
	if res.UpdatedCursorEndTS != nil {
		t.Error("expected no cursor update")
	}
	if res.Err != nil {
		t.Errorf("expected no error, got %v", res.Err)
	}
	if res.Summary() != "skipped: device has no history support" {
		t.Errorf("unexpected summary %q", res.Summary())
	}
	if len(dl.downloads) != 0 {
		t.Error("unsupported device must not be contacted")
	}
}

func TestSyncDevice_FreshDeviceUsesLookback(t *testing.T) {
	dl, cursors, chunks := newFakeDevices(), newMemCursors(), &memChunks{}
	e := newTestEngine(dl, cursors, chunks)

	res := e.SyncDevice(context.Background(), meter("main"), opts())

	if res.RequestedRange.Start != testNow-86400 || res.RequestedRange.End != testNow {
		t.Errorf("unexpected range %+v", res.RequestedRange)
	}
	if len(res.Chunks) != 24 || res.OKChunks() != 24 {
		t.Errorf("expected 24 OK chunks, got %s", res.Summary())
	}
	if res.UpdatedCursorEndTS == nil || *res.UpdatedCursorEndTS != testNow {
		t.Errorf("expected cursor at now, got %v", res.UpdatedCursorEndTS)
	}
	if cursors.cursors["main"] != testNow {
		t.Errorf("expected persisted cursor %d, got %d", testNow, cursors.cursors["main"])
	}
}

func TestSyncDevice_ResumesWithOverlap(t *testing.T) {
	dl, cursors, chunks := newFakeDevices(), newMemCursors(), &memChunks{}
	cursors.cursors["main"] = testNow - 1800
	e := newTestEngine(dl, cursors, chunks)

	res := e.SyncDevice(context.Background(), meter("main"), opts())

	if res.RequestedRange.Start != testNow-1800-60 {
		t.Errorf("expected start to include overlap, got %d", res.RequestedRange.Start)
	}
	if len(res.Chunks) != 1 {
		t.Errorf("expected a single chunk, got %d", len(res.Chunks))
	}
}

func TestSyncDevice_ClampsToEarliestRecord(t *testing.T) {
	dl, cursors, chunks := newFakeDevices(), newMemCursors(), &memChunks{}
	dl.earliest["main.local"] = testNow - 7200
	e := newTestEngine(dl, cursors, chunks)

	res := e.SyncDevice(context.Background(), meter("main"), opts())

	if res.RequestedRange.Start != testNow-7200 {
		t.Errorf("expected start clamped to earliest record, got %d", res.RequestedRange.Start)
	}
	if len(res.Chunks) != 2 {
		t.Errorf("expected 2 chunks, got %d", len(res.Chunks))
	}
}

func TestSyncDevice_HeaderOnlyChunkContinues(t *testing.T) {
	dl, cursors, chunks := newFakeDevices(), newMemCursors(), &memChunks{}
	start := testNow - 3*3600
	dl.earliest["main.local"] = start
	dl.emptyAt["main.local"] = start
	e := newTestEngine(dl, cursors, chunks)

	res := e.SyncDevice(context.Background(), meter("main"), opts())

	if len(res.Chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(res.Chunks))
	}
	if res.Chunks[0].OK || res.Chunks[0].Error == "" {
		t.Errorf("expected first chunk to be a non-fatal no-data failure, got %+v", res.Chunks[0])
	}
	if res.OKChunks() != 2 {
		t.Errorf("expected 2 OK chunks, got %d", res.OKChunks())
	}
	if res.Err != nil {
		t.Errorf("no-data chunk must not fail the run, got %v", res.Err)
	}
	if res.Summary() != "2/3 chunks OK" {
		t.Errorf("unexpected summary %q", res.Summary())
	}
	if len(chunks.saved) != 2 {
		t.Errorf("header-only chunk must not be stored, saved %d", len(chunks.saved))
	}
}

func TestSyncDevice_TransportErrorAborts(t *testing.T) {
	dl, cursors, chunks := newFakeDevices(), newMemCursors(), &memChunks{}
	start := testNow - 4*3600
	dl.earliest["main.local"] = start
	dl.failFrom["main.local"] = start + 2*3600
	e := newTestEngine(dl, cursors, chunks)

	res := e.SyncDevice(context.Background(), meter("main"), opts())

	if len(res.Chunks) != 3 {
		t.Fatalf("expected abort after third chunk, got %d chunks", len(res.Chunks))
	}
	var terr *transport.TransportError
	if !errors.As(res.Err, &terr) {
		t.Errorf("expected TransportError, got %v", res.Err)
	}
	want := start + 2*3600
	if res.UpdatedCursorEndTS == nil || *res.UpdatedCursorEndTS != want {
		t.Errorf("expected cursor at last success %d, got %v", want, res.UpdatedCursorEndTS)
	}
	if len(dl.downloads["main.local"]) != 3 {
		t.Errorf("remaining chunks must not be requested, got %d downloads", len(dl.downloads["main.local"]))
	}
}

func TestSyncDevice_CursorNeverDecreases(t *testing.T) {
	dl, cursors, chunks := newFakeDevices(), newMemCursors(), &memChunks{}
	cursors.cursors["main"] = testNow
	e := newTestEngine(dl, cursors, chunks)

	o := opts()
	o.RangeOverride = &model.TimeRange{Start: testNow - 7200, End: testNow - 3600}
	res := e.SyncDevice(context.Background(), meter("main"), o)

	if res.OKChunks() != 1 {
		t.Fatalf("expected 1 OK chunk, got %s", res.Summary())
	}
	if res.UpdatedCursorEndTS != nil {
		t.Errorf("cursor must not move backwards, got %d", *res.UpdatedCursorEndTS)
	}
	if cursors.cursors["main"] != testNow {
		t.Errorf("persisted cursor changed to %d", cursors.cursors["main"])
	}

	// A later run whose every chunk fails leaves the cursor untouched.
	dl.failFrom["main.local"] = 0
	res = e.SyncDevice(context.Background(), meter("main"), opts())
	if res.OKChunks() != 0 || cursors.cursors["main"] != testNow {
		t.Errorf("failed run moved cursor: %s, cursor %d", res.Summary(), cursors.cursors["main"])
	}
}

func TestSyncDevice_PersistenceErrorKeepsCursor(t *testing.T) {
	dl, cursors, chunks := newFakeDevices(), newMemCursors(), &memChunks{failErr: errors.New("disk full")}
	e := newTestEngine(dl, cursors, chunks)

	res := e.SyncDevice(context.Background(), meter("main"), opts())

	var perr *PersistenceError
	if !errors.As(res.Err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", res.Err)
	}
	if len(res.Chunks) != 1 {
		t.Errorf("expected abort after first chunk, got %d", len(res.Chunks))
	}
	if cursors.saves != 0 || res.UpdatedCursorEndTS != nil {
		t.Error("cursor must not be written after a persistence failure")
	}
}

func TestSyncDevice_CursorSaveFailure(t *testing.T) {
	dl, cursors, chunks := newFakeDevices(), newMemCursors(), &memChunks{}
	cursors.failErr = errors.New("read-only database")
	e := newTestEngine(dl, cursors, chunks)

	res := e.SyncDevice(context.Background(), meter("main"), opts())

	var perr *PersistenceError
	if !errors.As(res.Err, &perr) || perr.Op != "save cursor" {
		t.Fatalf("expected save cursor PersistenceError, got %v", res.Err)
	}
	if res.UpdatedCursorEndTS != nil {
		t.Error("unsaved cursor must not be reported")
	}
}

func TestSyncAll_IsolatesDevices(t *testing.T) {
	dl, cursors, chunks := newFakeDevices(), newMemCursors(), &memChunks{}
	dl.failFrom["a.local"] = 0
	e := newTestEngine(dl, cursors, chunks)

	devices := []model.Device{meter("a"), meter("b"), {Key: "plug", Host: "plug.local"}}
	results := e.SyncAll(context.Background(), devices, opts())

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if results[0].DeviceKey != "a" || results[1].DeviceKey != "b" || results[2].DeviceKey != "plug" {
		t.Errorf("results out of order: %s, %s, %s", results[0].DeviceKey, results[1].DeviceKey, results[2].DeviceKey)
	}
	if results[0].Err == nil || results[0].OKChunks() != 0 {
		t.Errorf("expected device a to fail, got %s", results[0].Summary())
	}
	if results[1].Err != nil || results[1].OKChunks() != 24 {
		t.Errorf("expected device b to fully succeed, got %s", results[1].Summary())
	}
	if !results[2].Skipped {
		t.Error("expected plug to be skipped")
	}
	if _, ok := cursors.cursors["a"]; ok {
		t.Error("failed device must not get a cursor")
	}
	if cursors.cursors["b"] != testNow {
		t.Errorf("expected cursor for b at %d, got %d", testNow, cursors.cursors["b"])
	}
}

func TestSyncDevice_ReportsProgress(t *testing.T) {
	dl, cursors, chunks := newFakeDevices(), newMemCursors(), &memChunks{}
	dl.earliest["main.local"] = testNow - 7200
	e := newTestEngine(dl, cursors, chunks)

	var last struct{ done, total int }
	o := opts()
	o.Progress = func(key string, done, total int, msg string) {
		last.done, last.total = done, total
	}
	e.SyncDevice(context.Background(), meter("main"), o)

	if last.done != 2 || last.total != 2 {
		t.Errorf("expected final progress 2/2, got %d/%d", last.done, last.total)
	}
}

func TestTee_StopsAtFirstFailure(t *testing.T) {
	first := &memChunks{}
	failing := &memChunks{failErr: errors.New("bucket unavailable")}
	last := &memChunks{}

	err := Tee{first, failing, last}.SaveChunk(context.Background(), meter("m"), 0, 60, []byte("x"))
	if err == nil {
		t.Fatal("expected the second store's error")
	}
	if len(first.saved) != 1 || len(last.saved) != 0 {
		t.Errorf("saved = %d/%d, want 1/0", len(first.saved), len(last.saved))
	}
}
