package orchestrator

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forcevault/forcevault/internal/extract"
	"github.com/forcevault/forcevault/internal/models"
)

type recordingSink struct {
	mu       sync.Mutex
	statuses []extract.JobStatus
	done     []models.ObjectBackupResult
	progress [][2]int64
}

func (r *recordingSink) TaskStatus(s extract.JobStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recordingSink) TaskDone(result models.ObjectBackupResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = append(r.done, result)
}

func (r *recordingSink) RunProgress(completed, total int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, [2]int64{completed, total})
}

func (r *recordingSink) statusCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.statuses)
}

func TestThrottlerCoalescesWithinWindow(t *testing.T) {
	rec := &recordingSink{}
	th := newThrottler(rec)

	for i := 0; i < 100; i++ {
		th.TaskStatus(extract.JobStatus{Object: "Account", RowsDownloaded: int64(i)})
	}
	assert.Equal(t, 1, rec.statusCount(), "burst within one window forwards once")
}

func TestThrottlerForwardsAfterWindow(t *testing.T) {
	rec := &recordingSink{}
	th := newThrottler(rec)
	th.window = 5 * time.Millisecond

	th.TaskStatus(extract.JobStatus{Object: "Account"})
	time.Sleep(10 * time.Millisecond)
	th.TaskStatus(extract.JobStatus{Object: "Account"})
	assert.Equal(t, 2, rec.statusCount())
}

func TestThrottlerPerObjectWindows(t *testing.T) {
	rec := &recordingSink{}
	th := newThrottler(rec)

	th.TaskStatus(extract.JobStatus{Object: "Account"})
	th.TaskStatus(extract.JobStatus{Object: "Contact"})
	th.TaskStatus(extract.JobStatus{Object: "Account"})
	assert.Equal(t, 2, rec.statusCount(), "each object gets its own window")
}

func TestThrottlerTerminalEventsAlwaysPass(t *testing.T) {
	rec := &recordingSink{}
	th := newThrottler(rec)

	for i := 0; i < 5; i++ {
		th.TaskDone(models.ObjectBackupResult{ObjectName: "Account"})
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.done, 5)
}

func TestThrottlerNilSink(t *testing.T) {
	th := newThrottler(nil)
	assert.NotPanics(t, func() {
		th.TaskStatus(extract.JobStatus{Object: "Account"})
		th.TaskDone(models.ObjectBackupResult{})
		th.RunProgress(1, 2)
	})
}

func TestLogBufferFlushesQueuedLines(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	buf := newLogBuffer(func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	})

	for i := 0; i < 10; i++ {
		buf.Append(fmt.Sprintf("line %d", i))
	}
	buf.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lines, 10)
	assert.Equal(t, "line 0", lines[0])
	assert.Equal(t, "line 9", lines[9])
}

func TestLogBufferAppendNeverBlocks(t *testing.T) {
	// The emitter is stuck; Close is never called so the buffer is
	// simply abandoned at the end of the test.
	buf := newLogBuffer(func(string) { time.Sleep(time.Hour) })

	start := time.Now()
	for i := 0; i < 5000; i++ {
		buf.Append("x")
	}
	assert.Less(t, time.Since(start), time.Second, "appends past the queue bound are dropped, not blocked")
	assert.Greater(t, buf.dropped.Load(), int64(0))
}
