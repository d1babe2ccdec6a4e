package writer

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	appconfig "tradeflow/config"
	"tradeflow/internal/manifest"
	"tradeflow/logger"
	"tradeflow/models"
)

type capturedUpload struct {
	key  string
	size int
}

type uploadRecorder struct {
	mu      sync.Mutex
	uploads []capturedUpload
	fail    bool
}

func (r *uploadRecorder) upload(key string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return context.DeadlineExceeded
	}
	r.uploads = append(r.uploads, capturedUpload{key: key, size: len(data)})
	return nil
}

func (r *uploadRecorder) all() []capturedUpload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]capturedUpload(nil), r.uploads...)
}

func testArchiver(t *testing.T, rec *uploadRecorder, batchSize int) *Archiver {
	t.Helper()
	cfg := &appconfig.Config{}
	cfg.Storage.S3.Bucket = "tradeflow-archive"
	cfg.Archive.Prefix = "archive"
	cfg.Archive.Compression = "snappy"

	a := &Archiver{
		config:    cfg,
		manifest:  manifest.NewTracker(t.TempDir()),
		log:       logger.GetLogger(),
		buffer:    make(map[string][]models.MarketEvent),
		batchSize: batchSize,
		ctx:       context.Background(),
	}
	a.upload = rec.upload
	return a
}

func archiveEvent(instrument string, epochSeq, seq int64) models.MarketEvent {
	return models.MarketEvent{
		InstrumentID:   instrument,
		Type:           models.EventTypeTrade,
		Price:          71900,
		Quantity:       3,
		SequenceNumber: seq,
		Timestamp:      time.Date(2026, 8, 24, 9, 30, 0, 0, time.UTC),
		Epoch:          models.ConnectionEpoch{Seq: epochSeq, ID: "epoch-1"},
		ReceivedTime:   time.Now(),
	}
}

func TestArchiverFlushesWhenBatchFull(t *testing.T) {
	rec := &uploadRecorder{}
	a := testArchiver(t, rec, 3)

	for seq := int64(1); seq <= 3; seq++ {
		a.addEvent(archiveEvent("005930", 1, seq))
	}

	uploads := rec.all()
	if len(uploads) != 1 {
		t.Fatalf("expected 1 upload at batch size, got %d", len(uploads))
	}
	key := uploads[0].key
	if !strings.HasPrefix(key, "archive/date=2026-08-24/instrument=005930/000001-") ||
		!strings.HasSuffix(key, ".parquet") {
		t.Errorf("unexpected object key %q", key)
	}
	if uploads[0].size == 0 {
		t.Error("parquet payload should not be empty")
	}

	a.mu.RLock()
	remaining := len(a.buffer)
	a.mu.RUnlock()
	if remaining != 0 {
		t.Errorf("buffer should be empty after size flush, %d keys remain", remaining)
	}
}

func TestArchiverIntervalFlush(t *testing.T) {
	rec := &uploadRecorder{}
	a := testArchiver(t, rec, 1000)

	a.addEvent(archiveEvent("005930", 1, 1))
	a.addEvent(archiveEvent("005930", 1, 2))
	if got := rec.all(); len(got) != 0 {
		t.Fatalf("below batch size nothing should upload, got %d", len(got))
	}

	a.flushBuffers("interval")
	if got := rec.all(); len(got) != 1 {
		t.Fatalf("expected 1 upload after interval flush, got %d", len(got))
	}
}

func TestArchiverSplitsBatchesByInstrumentAndEpoch(t *testing.T) {
	rec := &uploadRecorder{}
	a := testArchiver(t, rec, 1000)

	a.addEvent(archiveEvent("005930", 1, 1))
	a.addEvent(archiveEvent("005930", 2, 1))
	a.addEvent(archiveEvent("000660", 1, 1))
	a.flushBuffers("interval")

	uploads := rec.all()
	if len(uploads) != 3 {
		t.Fatalf("expected one object per instrument+epoch, got %d", len(uploads))
	}
	var epochs, instruments int
	for _, u := range uploads {
		if strings.Contains(u.key, "instrument=005930") {
			instruments++
		}
		if strings.Contains(u.key, "/000002-") {
			epochs++
		}
	}
	if instruments != 2 || epochs != 1 {
		t.Errorf("keys not partitioned as expected: %+v", uploads)
	}
}

func TestArchiverRecordsManifest(t *testing.T) {
	rec := &uploadRecorder{}
	a := testArchiver(t, rec, 2)

	a.addEvent(archiveEvent("005930", 1, 1))
	a.addEvent(archiveEvent("005930", 1, 2))

	files := a.manifest.Day("2026-08-24")
	if len(files) != 1 {
		t.Fatalf("expected 1 manifest entry, got %d", len(files))
	}
	if files[0].Instrument != "005930" || files[0].RecordCount != 2 || files[0].EpochSeq != 1 {
		t.Errorf("manifest entry wrong: %+v", files[0])
	}
}

func TestArchiverDropsBatchOnUploadFailure(t *testing.T) {
	rec := &uploadRecorder{fail: true}
	a := testArchiver(t, rec, 1)

	a.addEvent(archiveEvent("005930", 1, 1))

	if a.uploadErrors != 1 {
		t.Errorf("expected 1 upload error, got %d", a.uploadErrors)
	}
	if files := a.manifest.Day("2026-08-24"); len(files) != 0 {
		t.Errorf("failed upload must not be recorded in the manifest: %+v", files)
	}
}

func TestArchiverDrainsOnChannelClose(t *testing.T) {
	rec := &uploadRecorder{}
	events := make(chan models.MarketEvent, 4)
	a := testArchiver(t, rec, 1000)
	a.events = events
	a.flushTicker = time.NewTicker(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	a.ctx = ctx

	a.wg.Add(1)
	go a.worker()

	events <- archiveEvent("005930", 1, 1)
	events <- archiveEvent("005930", 1, 2)
	close(events)

	done := make(chan struct{})
	go func() { a.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not drain after channel close")
	}
	cancel()

	if got := rec.all(); len(got) != 1 {
		t.Fatalf("expected drain flush to upload 1 batch, got %d", len(got))
	}
}
