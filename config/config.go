package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type SyncMode string

const (
	// SyncPerRecord fsyncs after every durable append.
	SyncPerRecord SyncMode = "record"
	// SyncBatch groups the durable appends queued behind the writer into one fsync.
	SyncBatch SyncMode = "batch"
)

type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionSnappy Compression = "snappy"
)

// UpdatePolicy decides what a non-transactional update does to a record
// that so far only exists inside an uncommitted transaction.
type UpdatePolicy string

const (
	// UpdateReject fails the update with an unknown record error.
	UpdateReject UpdatePolicy = "reject"
	// UpdateFold appends the update to the owning transaction, so it applies
	// on commit and is discarded on rollback.
	UpdateFold UpdatePolicy = "fold"
)

type Config struct {
	Journal JournalOptions `yaml:"journal"`
	Paging  PagingOptions  `yaml:"paging"`
}

type JournalOptions struct {
	Dir               string        `yaml:"dir"`
	FileSize          int64         `yaml:"file_size"`
	SyncMode          SyncMode      `yaml:"sync_mode"`
	SyncInterval      time.Duration `yaml:"sync_interval"`
	MaxBatch          int           `yaml:"max_batch"`
	CompactRatio      float64       `yaml:"compact_ratio"`
	CompactMinFiles   int           `yaml:"compact_min_files"`
	CompactInterval   time.Duration `yaml:"compact_interval"`
	Compression       Compression   `yaml:"compression"`
	CompressThreshold int           `yaml:"compress_threshold"`
	UncommittedUpdate UpdatePolicy  `yaml:"uncommitted_update"`
}

type PagingOptions struct {
	Dir             string `yaml:"dir"`
	PageSize        int64  `yaml:"page_size"`
	PageMaxMessages int    `yaml:"page_max_messages"`
	HighWaterMark   int64  `yaml:"high_water_mark"`
	LowWaterMark    int64  `yaml:"low_water_mark"`
	GlobalMaxSize   int64  `yaml:"global_max_size"`
	SyncPages       bool   `yaml:"sync_pages"`
}

func Default() Config {
	return Config{
		Journal: DefaultJournalOptions("data/journal"),
		Paging:  DefaultPagingOptions("data/paging"),
	}
}

func DefaultJournalOptions(dir string) JournalOptions {
	return JournalOptions{
		Dir:               dir,
		FileSize:          10 * 1024 * 1024,
		SyncMode:          SyncBatch,
		SyncInterval:      200 * time.Millisecond,
		MaxBatch:          256,
		CompactRatio:      0.3,
		CompactMinFiles:   1,
		Compression:       CompressionNone,
		CompressThreshold: 4 * 1024,
		UncommittedUpdate: UpdateReject,
	}
}

func DefaultPagingOptions(dir string) PagingOptions {
	return PagingOptions{
		Dir:             dir,
		PageSize:        10 * 1024 * 1024,
		PageMaxMessages: 0,
		HighWaterMark:   64 * 1024 * 1024,
		LowWaterMark:    48 * 1024 * 1024,
		SyncPages:       true,
	}
}

// Load reads a YAML file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "read config")
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parse config %s", path)
	}

	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if err := c.Journal.Validate(); err != nil {
		return errors.Wrap(err, "journal")
	}
	if err := c.Paging.Validate(); err != nil {
		return errors.Wrap(err, "paging")
	}
	return nil
}

func (o JournalOptions) Validate() error {
	switch {
	case o.Dir == "":
		return errors.New("dir is required")
	case o.FileSize < 1024:
		return errors.Errorf("file size %d is below 1KB", o.FileSize)
	case o.MaxBatch <= 0:
		return errors.Errorf("invalid max batch %d", o.MaxBatch)
	case o.CompactRatio < 0 || o.CompactRatio > 1:
		return errors.Errorf("compact ratio %v out of [0,1]", o.CompactRatio)
	case o.CompactMinFiles < 1:
		return errors.Errorf("invalid compact min files %d", o.CompactMinFiles)
	}

	switch o.SyncMode {
	case SyncPerRecord, SyncBatch:
	default:
		return errors.Errorf("unknown sync mode %q", o.SyncMode)
	}

	switch o.Compression {
	case CompressionNone, CompressionSnappy:
	default:
		return errors.Errorf("unknown compression %q", o.Compression)
	}

	switch o.UncommittedUpdate {
	case UpdateReject, UpdateFold:
	default:
		return errors.Errorf("unknown uncommitted update policy %q", o.UncommittedUpdate)
	}

	return nil
}

func (o PagingOptions) Validate() error {
	switch {
	case o.Dir == "":
		return errors.New("dir is required")
	case o.PageSize <= 0 && o.PageMaxMessages <= 0:
		return errors.New("either page size or page max messages must be set")
	case o.HighWaterMark <= 0:
		return errors.Errorf("invalid high water mark %d", o.HighWaterMark)
	case o.LowWaterMark < 0 || o.LowWaterMark > o.HighWaterMark:
		return errors.Errorf("low water mark %d must be within [0, %d]", o.LowWaterMark, o.HighWaterMark)
	}
	return nil
}
