package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ArchiveFile describes one parquet object uploaded by the archive writer.
type ArchiveFile struct {
	Bucket      string    `json:"bucket"`
	Key         string    `json:"key"`
	SizeBytes   int64     `json:"size_bytes"`
	RecordCount int64     `json:"record_count"`
	Instrument  string    `json:"instrument"`
	EpochSeq    int64     `json:"epoch_seq"`
	Date        string    `json:"date"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

type index struct {
	Days      []string  `json:"days"`
	Files     int       `json:"files"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker keeps a local JSON manifest of every archive object uploaded,
// one file per trading day plus an index of days, so operators can locate
// archives without listing the bucket.
type Tracker struct {
	mu      sync.Mutex
	baseDir string
	entries map[string][]ArchiveFile
	files   int
}

// NewTracker returns a tracker rooted at baseDir. Existing manifests are
// picked up lazily, so restarting mid-day appends instead of overwriting.
func NewTracker(baseDir string) *Tracker {
	return &Tracker{
		baseDir: baseDir,
		entries: make(map[string][]ArchiveFile),
	}
}

// Record appends f to its day's manifest and rewrites the index.
func (t *Tracker) Record(f ArchiveFile) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := os.MkdirAll(t.baseDir, 0o755); err != nil {
		return fmt.Errorf("creating manifest directory: %w", err)
	}

	if _, loaded := t.entries[f.Date]; !loaded {
		t.loadDay(f.Date)
	}
	t.entries[f.Date] = append(t.entries[f.Date], f)
	t.files++

	b, err := json.MarshalIndent(t.entries[f.Date], "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(t.dayPath(f.Date), b, 0o644); err != nil {
		return err
	}
	return t.writeIndex()
}

// Day returns the manifest entries recorded for a date (YYYY-MM-DD).
func (t *Tracker) Day(date string) []ArchiveFile {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, loaded := t.entries[date]; !loaded {
		t.loadDay(date)
	}
	out := make([]ArchiveFile, len(t.entries[date]))
	copy(out, t.entries[date])
	return out
}

func (t *Tracker) loadDay(date string) {
	b, err := os.ReadFile(t.dayPath(date))
	if err != nil {
		t.entries[date] = nil
		return
	}
	var files []ArchiveFile
	if err := json.Unmarshal(b, &files); err != nil {
		t.entries[date] = nil
		return
	}
	t.entries[date] = files
	t.files += len(files)
}

func (t *Tracker) writeIndex() error {
	days := make([]string, 0, len(t.entries))
	for day, files := range t.entries {
		if len(files) > 0 {
			days = append(days, day)
		}
	}
	sort.Strings(days)

	idx := index{Days: days, Files: t.files, UpdatedAt: time.Now().UTC()}
	b, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(t.baseDir, "index.json"), b, 0o644)
}

func (t *Tracker) dayPath(date string) string {
	return filepath.Join(t.baseDir, fmt.Sprintf("manifest-%s.json", date))
}
