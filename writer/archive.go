package writer

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "tradeflow/config"
	"tradeflow/internal/manifest"
	"tradeflow/internal/metrics"
	"tradeflow/logger"
	"tradeflow/models"
)

// archiveRecord is the parquet row schema for archived market events.
type archiveRecord struct {
	InstrumentID   string  `parquet:"name=instrument_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	EventType      string  `parquet:"name=event_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price          float64 `parquet:"name=price, type=DOUBLE"`
	AskPrice       float64 `parquet:"name=ask_price, type=DOUBLE"`
	Quantity       float64 `parquet:"name=quantity, type=DOUBLE"`
	SequenceNumber int64   `parquet:"name=sequence_number, type=INT64"`
	EpochSeq       int64   `parquet:"name=epoch_seq, type=INT64"`
	EpochID        string  `parquet:"name=epoch_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp      int64   `parquet:"name=timestamp_ms, type=INT64"`
	ReceivedTime   int64   `parquet:"name=received_ms, type=INT64"`
}

// memoryFileWriter implements source.ParquetFile for in-memory writing.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)  { return mfw, nil }

// Seek is required by the interface but never used on the write path.
func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// Archiver mirrors the event stream into parquet batches on S3, one object
// per instrument and connection epoch. Archiving is best effort: an upload
// failure drops the batch and counts it, it never slows the trading path.
type Archiver struct {
	config   *appconfig.Config
	events   <-chan models.MarketEvent
	s3Client *s3.Client
	manifest *manifest.Tracker

	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	buffer      map[string][]models.MarketEvent
	batchSize   int
	flushTicker *time.Ticker

	// upload is swappable so tests can capture objects without S3.
	upload func(key string, data []byte) error

	batchesWritten int64
	rowsWritten    int64
	bytesWritten   int64
	uploadErrors   int64
}

// NewArchiver builds the S3 archive writer. Returns nil when archiving is
// disabled in the configuration.
func NewArchiver(cfg *appconfig.Config, events <-chan models.MarketEvent) (*Archiver, error) {
	log := logger.GetLogger()

	if !cfg.Storage.S3.Enabled {
		log.WithComponent("archiver").Info("archive writer disabled")
		return nil, nil
	}

	ctx := context.Background()

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	})

	manifestDir := cfg.Archive.ManifestDir
	if manifestDir == "" {
		manifestDir = "data/archive-manifest"
	}

	a := &Archiver{
		config:   cfg,
		events:   events,
		s3Client: s3Client,
		manifest: manifest.NewTracker(manifestDir),
		log:      log,
	}
	a.upload = a.uploadToS3

	log.WithComponent("archiver").WithFields(logger.Fields{
		"bucket":     cfg.Storage.S3.Bucket,
		"region":     cfg.Storage.S3.Region,
		"endpoint":   cfg.Storage.S3.Endpoint,
		"path_style": cfg.Storage.S3.PathStyle,
	}).Info("archive writer initialized")

	return a, nil
}

func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	a.running = true
	a.ctx = ctx
	a.buffer = make(map[string][]models.MarketEvent)
	a.mu.Unlock()

	log := a.log.WithComponent("archiver").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting archive writer")

	a.batchSize = a.config.Archive.BatchSize
	if a.batchSize < 1 {
		a.batchSize = 1000
	}
	flushInterval := a.config.Archive.FlushInterval.Std()
	if flushInterval <= 0 {
		flushInterval = 30 * time.Second
	}
	a.flushTicker = time.NewTicker(flushInterval)

	a.wg.Add(1)
	go a.worker()

	a.wg.Add(1)
	go a.flushWorker()

	go a.metricsReporter(ctx)

	log.Info("archive writer started successfully")
	return nil
}

// Stop flushes what is buffered and waits for the workers. Cancel the
// context passed to Start first, otherwise the flush worker keeps running.
func (a *Archiver) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	if a.flushTicker != nil {
		a.flushTicker.Stop()
	}

	a.log.WithComponent("archiver").Info("stopping archive writer")
	a.wg.Wait()
	a.log.WithComponent("archiver").Info("archive writer stopped")
}

func (a *Archiver) worker() {
	defer a.wg.Done()

	log := a.log.WithComponent("archiver").WithFields(logger.Fields{"worker": "consume"})

	for {
		select {
		case <-a.ctx.Done():
			log.Info("worker stopped due to context cancellation")
			return
		case ev, ok := <-a.events:
			if !ok {
				a.flushBuffers("drain")
				log.Info("archive channel closed, worker stopping")
				return
			}
			a.addEvent(ev)
		}
	}
}

func (a *Archiver) flushWorker() {
	defer a.wg.Done()

	log := a.log.WithComponent("archiver").WithFields(logger.Fields{"worker": "flush"})

	for {
		select {
		case <-a.ctx.Done():
			a.flushBuffers("shutdown")
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-a.flushTicker.C:
			a.flushBuffers("interval")
		}
	}
}

func (a *Archiver) addEvent(ev models.MarketEvent) {
	key := bufferKey(ev)

	a.mu.Lock()
	a.buffer[key] = append(a.buffer[key], ev)
	var full []models.MarketEvent
	if len(a.buffer[key]) >= a.batchSize {
		full = a.buffer[key]
		delete(a.buffer, key)
	}
	a.mu.Unlock()

	if full != nil {
		a.uploadBatch(key, full, "size")
	}
}

func bufferKey(ev models.MarketEvent) string {
	return fmt.Sprintf("%s|%d", ev.InstrumentID, ev.Epoch.Seq)
}

func (a *Archiver) flushBuffers(reason string) {
	a.mu.Lock()
	buffers := a.buffer
	a.buffer = make(map[string][]models.MarketEvent)
	a.mu.Unlock()

	if len(buffers) == 0 {
		return
	}

	a.log.WithComponent("archiver").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing archive buffers")

	for key, events := range buffers {
		if len(events) == 0 {
			continue
		}
		a.uploadBatch(key, events, reason)
	}
}

func (a *Archiver) uploadBatch(key string, events []models.MarketEvent, reason string) {
	parts := strings.SplitN(key, "|", 2)
	instrument := parts[0]
	epochSeq, _ := strconv.ParseInt(parts[1], 10, 64)

	batchID := uuid.New().String()
	date := events[0].Timestamp.UTC().Format("2006-01-02")
	objectKey := a.objectKey(instrument, epochSeq, batchID, date)

	log := a.log.WithComponent("archiver").WithFields(logger.Fields{
		"batch_id":   batchID,
		"instrument": instrument,
		"epoch":      epochSeq,
		"records":    len(events),
		"s3_key":     objectKey,
		"reason":     reason,
	})

	data, err := a.createParquet(events)
	if err != nil {
		atomic.AddInt64(&a.uploadErrors, 1)
		log.WithError(err).Error("failed to build parquet batch, batch dropped")
		return
	}

	if err := a.upload(objectKey, data); err != nil {
		atomic.AddInt64(&a.uploadErrors, 1)
		log.WithError(err).WithFields(logger.Fields{
			"bucket": a.config.Storage.S3.Bucket,
		}).Error("failed to upload archive batch, batch dropped")
		return
	}

	atomic.AddInt64(&a.batchesWritten, 1)
	atomic.AddInt64(&a.rowsWritten, int64(len(events)))
	atomic.AddInt64(&a.bytesWritten, int64(len(data)))
	logger.RecordChannelMessage("s3_parquet", len(data))
	logger.LogDataFlowEntry(log, "archive_bus", "s3_parquet", len(events), "market_events")

	if err := a.manifest.Record(manifest.ArchiveFile{
		Bucket:      a.config.Storage.S3.Bucket,
		Key:         objectKey,
		SizeBytes:   int64(len(data)),
		RecordCount: int64(len(events)),
		Instrument:  instrument,
		EpochSeq:    epochSeq,
		Date:        date,
		UploadedAt:  time.Now().UTC(),
	}); err != nil {
		log.WithError(err).Warn("failed to update archive manifest")
	}

	log.WithFields(logger.Fields{"file_size": len(data)}).Info("archive batch uploaded")
}

func (a *Archiver) objectKey(instrument string, epochSeq int64, batchID, date string) string {
	prefix := a.config.Archive.Prefix
	if prefix == "" {
		prefix = "archive"
	}
	key := filepath.Join(prefix,
		fmt.Sprintf("date=%s", date),
		fmt.Sprintf("instrument=%s", instrument),
		fmt.Sprintf("%06d-%s.parquet", epochSeq, batchID),
	)
	return filepath.ToSlash(key)
}

func (a *Archiver) createParquet(events []models.MarketEvent) ([]byte, error) {
	fw := newMemoryFileWriter()

	pw, err := writer.NewParquetWriter(fw, new(archiveRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("creating parquet writer: %w", err)
	}

	switch a.config.Archive.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, ev := range events {
		record := archiveRecord{
			InstrumentID:   ev.InstrumentID,
			EventType:      string(ev.Type),
			Price:          ev.Price,
			AskPrice:       ev.AskPrice,
			Quantity:       ev.Quantity,
			SequenceNumber: ev.SequenceNumber,
			EpochSeq:       ev.Epoch.Seq,
			EpochID:        ev.Epoch.ID,
			Timestamp:      ev.Timestamp.UnixMilli(),
			ReceivedTime:   ev.ReceivedTime.UnixMilli(),
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("writing parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalizing parquet file: %w", err)
	}

	return fw.Bytes(), nil
}

func (a *Archiver) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":      "parquet",
			"compression":       a.config.Archive.Compression,
			"tradeflow-version": a.config.Tradeflow.Version,
		},
	}

	// Uploads in flight when shutdown starts are allowed to finish.
	ctx := context.WithoutCancel(a.ctx)
	if _, err := a.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("uploading to S3 bucket %s: %w", a.config.Storage.S3.Bucket, err)
	}
	return nil
}

func (a *Archiver) metricsReporter(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.reportMetrics()
		}
	}
}

func (a *Archiver) reportMetrics() {
	batches := atomic.LoadInt64(&a.batchesWritten)
	rows := atomic.LoadInt64(&a.rowsWritten)
	written := atomic.LoadInt64(&a.bytesWritten)
	errs := atomic.LoadInt64(&a.uploadErrors)

	metrics.EmitMetric(a.log, "archiver", "batches_written", batches, "counter", logger.Fields{})
	metrics.EmitMetric(a.log, "archiver", "rows_written", rows, "counter", logger.Fields{})
	metrics.EmitMetric(a.log, "archiver", "errors_count", errs, "counter", logger.Fields{})

	a.mu.RLock()
	buffered := 0
	for _, events := range a.buffer {
		buffered += len(events)
	}
	a.mu.RUnlock()

	a.log.WithComponent("archiver").WithFields(logger.Fields{
		"batches_written": batches,
		"rows_written":    rows,
		"bytes_written":   written,
		"upload_errors":   errs,
		"buffered_events": buffered,
	}).Info("archive writer metrics")
}
