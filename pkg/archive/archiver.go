package archive

import (
	"context"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

var archiveUploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "harvester_archive_uploads_total",
	Help: "Total archive uploads by result (ok, error, dropped)",
}, []string{"result"})

// Config holds archiver configuration.
type Config struct {
	// Prefix is prepended to every object key.
	Prefix string

	// QueueSize bounds pending uploads; further files are dropped.
	QueueSize int

	// Timeout bounds each upload.
	Timeout time.Duration
}

// Archiver uploads files in the background. Upload failures are logged and
// counted but never returned; the local copy stays authoritative.
type Archiver struct {
	uploader Uploader
	config   Config
	logger   zerolog.Logger

	queue chan string
	wg    sync.WaitGroup
	once  sync.Once

	mu       sync.Mutex
	uploaded int
	failed   int
	dropped  int
}

// NewArchiver starts the upload worker.
func NewArchiver(uploader Uploader, config Config, logger zerolog.Logger) *Archiver {
	if config.QueueSize <= 0 {
		config.QueueSize = 64
	}
	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}

	a := &Archiver{
		uploader: uploader,
		config:   config,
		logger:   logger,
		queue:    make(chan string, config.QueueSize),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Key returns the object key for a local file.
func (a *Archiver) Key(file string) string {
	return path.Join(a.config.Prefix, filepath.Base(file))
}

// Enqueue schedules file for upload without blocking. It must not be
// called after Close.
func (a *Archiver) Enqueue(file string) {
	select {
	case a.queue <- file:
	default:
		a.mu.Lock()
		a.dropped++
		a.mu.Unlock()
		archiveUploadsTotal.WithLabelValues("dropped").Inc()
		a.logger.Warn().Str("path", file).Msg("Archive queue full, skipping upload")
	}
}

// Close waits for queued uploads to finish.
func (a *Archiver) Close() {
	a.once.Do(func() { close(a.queue) })
	a.wg.Wait()
}

// Stats returns uploaded, failed, and dropped counts.
func (a *Archiver) Stats() (uploaded, failed, dropped int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.uploaded, a.failed, a.dropped
}

func (a *Archiver) run() {
	defer a.wg.Done()
	for file := range a.queue {
		a.upload(file)
	}
}

func (a *Archiver) upload(file string) {
	ctx, cancel := context.WithTimeout(context.Background(), a.config.Timeout)
	defer cancel()

	key := a.Key(file)
	start := time.Now()
	err := a.uploader.Upload(ctx, key, file)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.failed++
		archiveUploadsTotal.WithLabelValues("error").Inc()
		a.logger.Warn().Err(err).Str("path", file).Str("key", key).Msg("Archive upload failed")
		return
	}
	a.uploaded++
	archiveUploadsTotal.WithLabelValues("ok").Inc()
	a.logger.Info().Str("path", file).Str("key", key).Dur("duration", time.Since(start)).Msg("Archived file")
}
