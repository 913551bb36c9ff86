// Package orchestrator schedules per-object extract/sink pipelines with
// bounded concurrency, batched progress and log emission, and cooperative
// cancellation.
package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	ansi "github.com/k0kubun/go-ansi"
	"github.com/schollz/progressbar/v3"
	log "github.com/sirupsen/logrus"

	"github.com/forcevault/forcevault/internal/extract"
	"github.com/forcevault/forcevault/internal/models"
)

// ProgressSink receives run progress. Status delivery is at most once per
// throttle window per task; implementations for terminal, file, and GUI
// are trivial adapters.
type ProgressSink interface {
	TaskStatus(status extract.JobStatus)
	TaskDone(result models.ObjectBackupResult)
	RunProgress(completed, total int64)
}

const (
	// statusWindow coalesces task status callbacks to ≤10 Hz per task.
	statusWindow = 100 * time.Millisecond

	// logFlushInterval and logFlushBatch bound the log flusher.
	logFlushInterval = 200 * time.Millisecond
	logFlushBatch    = 50

	// logCloseGrace bounds the final drain after cancellation.
	logCloseGrace = 1 * time.Second
)

// throttler wraps a ProgressSink, forwarding only the first status per
// object within each window. Terminal results always pass through.
type throttler struct {
	sink   ProgressSink
	window time.Duration
	ticks  sync.Map // object -> *atomic.Int64 (unix nanos of last forward)
}

func newThrottler(sink ProgressSink) *throttler {
	return &throttler{sink: sink, window: statusWindow}
}

func (t *throttler) TaskStatus(status extract.JobStatus) {
	if t.sink == nil {
		return
	}
	now := time.Now().UnixNano()
	v, _ := t.ticks.LoadOrStore(status.Object, new(atomic.Int64))
	last := v.(*atomic.Int64)

	prev := last.Load()
	if now-prev < int64(t.window) {
		return
	}
	if !last.CompareAndSwap(prev, now) {
		return // another callback won the window
	}
	t.sink.TaskStatus(status)
}

func (t *throttler) TaskDone(result models.ObjectBackupResult) {
	if t.sink != nil {
		t.sink.TaskDone(result)
	}
}

func (t *throttler) RunProgress(completed, total int64) {
	if t.sink != nil {
		t.sink.RunProgress(completed, total)
	}
}

// logBuffer queues log lines from workers and flushes them on a fixed
// interval, bounded per flush. Appends never block a worker.
type logBuffer struct {
	ch      chan string
	emit    func(string)
	done    chan struct{}
	flushed sync.WaitGroup
	dropped atomic.Int64
}

func newLogBuffer(emit func(string)) *logBuffer {
	if emit == nil {
		emit = func(line string) { log.Info(line) }
	}
	b := &logBuffer{
		ch:   make(chan string, 1024),
		emit: emit,
		done: make(chan struct{}),
	}
	b.flushed.Add(1)
	go b.flushLoop()
	return b
}

// Append enqueues a log line, dropping it when the queue is full.
func (b *logBuffer) Append(line string) {
	select {
	case b.ch <- line:
	default:
		b.dropped.Add(1)
	}
}

func (b *logBuffer) flushLoop() {
	defer b.flushed.Done()

	ticker := time.NewTicker(logFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.drain(logFlushBatch)
		case <-b.done:
			// Final drain, abandoned after the grace period.
			deadline := time.Now().Add(logCloseGrace)
			for len(b.ch) > 0 && time.Now().Before(deadline) {
				b.drain(logFlushBatch)
			}
			return
		}
	}
}

func (b *logBuffer) drain(max int) {
	for i := 0; i < max; i++ {
		select {
		case line := <-b.ch:
			b.emit(line)
		default:
			return
		}
	}
}

// Close stops the flusher after the final bounded drain.
func (b *logBuffer) Close() {
	close(b.done)
	b.flushed.Wait()
	if n := b.dropped.Load(); n > 0 {
		log.WithField("dropped", n).Warn("Log queue overflowed, messages dropped")
	}
}

// TerminalProgress renders run progress as a terminal bar.
type TerminalProgress struct {
	bar *progressbar.ProgressBar
}

// NewTerminalProgress creates a progress bar over the given task count.
func NewTerminalProgress(total int64) *TerminalProgress {
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(ansi.NewAnsiStdout()),
		progressbar.OptionSetDescription("backing up"),
		progressbar.OptionShowCount(),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer: "[green]=[reset]", SaucerHead: "[green]>[reset]",
			SaucerPadding: " ", BarStart: "[", BarEnd: "]",
		}),
	)
	return &TerminalProgress{bar: bar}
}

// TaskStatus updates the bar description with the live job state.
func (p *TerminalProgress) TaskStatus(status extract.JobStatus) {
	p.bar.Describe(status.Object + ": " + string(status.State))
}

// TaskDone logs the terminal result above the bar.
func (p *TerminalProgress) TaskDone(result models.ObjectBackupResult) {
	log.WithFields(log.Fields{
		"object":  result.ObjectName,
		"status":  result.Status,
		"records": result.RecordCount,
	}).Info("Object finished")
}

// RunProgress advances the bar.
func (p *TerminalProgress) RunProgress(completed, total int64) {
	p.bar.Set64(completed)
}

// LogProgress is a headless adapter emitting progress through logrus.
type LogProgress struct{}

// TaskStatus logs live status at debug level.
func (LogProgress) TaskStatus(status extract.JobStatus) {
	log.WithFields(log.Fields{
		"object": status.Object,
		"state":  status.State,
		"rows":   status.RowsDownloaded,
	}).Debug("Task status")
}

// TaskDone logs the terminal result.
func (LogProgress) TaskDone(result models.ObjectBackupResult) {
	fields := log.Fields{
		"object":  result.ObjectName,
		"status":  result.Status,
		"records": result.RecordCount,
		"bytes":   result.ByteCount,
	}
	switch result.Status {
	case models.TaskStatusFailed:
		log.WithFields(fields).WithField("error", result.ErrorMsg).Error("Object failed")
	case models.TaskStatusSkipped:
		log.WithFields(fields).WithField("reason", result.ErrorMsg).Warn("Object skipped")
	default:
		log.WithFields(fields).Info("Object completed")
	}
}

// RunProgress logs the aggregate fraction.
func (LogProgress) RunProgress(completed, total int64) {
	log.WithFields(log.Fields{
		"completed": completed,
		"total":     total,
	}).Debug("Run progress")
}
