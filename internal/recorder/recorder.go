// Package recorder writes controller events of a session to a JSON Lines file.
package recorder

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vision-alert/alert-server/internal/events"
	"github.com/vision-alert/alert-server/internal/logger"
	"github.com/vision-alert/alert-server/internal/metrics"
)

var (
	ErrRecording    = errors.New("already recording")
	ErrNotRecording = errors.New("not recording")
)

// Entry is one line of a recording.
type Entry struct {
	At    time.Time    `json:"at"`
	Event events.Event `json:"event"`
}

// Recorder records events to file
type Recorder struct {
	lifecycle    sync.Mutex // serializes Start and Stop, held across the writer drain
	mu           sync.RWMutex
	file         *os.File
	buf          *bufio.Writer
	filename     string
	basePath     string
	recording    bool
	entryCount   uint64
	bytesWritten uint64
	dropped      uint64
	startTime    time.Time
	entries      chan Entry
	done         chan struct{}
	wg           sync.WaitGroup

	metrics *metrics.Metrics
	now     func() time.Time
}

// NewRecorder creates a recorder writing into basePath. m may be nil.
func NewRecorder(basePath string, m *metrics.Metrics) *Recorder {
	return &Recorder{
		basePath: basePath,
		metrics:  m,
		now:      time.Now,
	}
}

// Start starts recording to a new file
func (r *Recorder) Start() (RecordingStatus, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return RecordingStatus{}, ErrRecording
	}
	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return RecordingStatus{}, fmt.Errorf("failed to create recording dir: %w", err)
	}

	r.startTime = r.now()
	filename := fmt.Sprintf("session_%s.jsonl", r.startTime.Format("20060102_150405.000"))
	file, err := os.Create(filepath.Join(r.basePath, filename))
	if err != nil {
		return RecordingStatus{}, fmt.Errorf("failed to create file: %w", err)
	}

	r.file = file
	r.buf = bufio.NewWriter(file)
	r.filename = filename
	r.recording = true
	r.entryCount = 0
	r.bytesWritten = 0
	r.dropped = 0
	r.entries = make(chan Entry, 64)
	r.done = make(chan struct{})

	r.wg.Add(1)
	go r.writeEntries(r.entries, r.done)

	if r.metrics != nil {
		metrics.SetBool(&r.metrics.RecordingActive, true)
	}
	logger.Info("Recorder", "Recording to %s", filename)
	return r.statusLocked(), nil
}

// Stop flushes pending entries and closes the file.
func (r *Recorder) Stop() (RecordingStatus, error) {
	r.lifecycle.Lock()
	defer r.lifecycle.Unlock()
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return RecordingStatus{}, ErrNotRecording
	}
	r.recording = false
	close(r.done)
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if r.file != nil {
		if ferr := r.buf.Flush(); ferr != nil {
			err = fmt.Errorf("failed to flush file: %w", ferr)
		} else if serr := r.file.Sync(); serr != nil {
			err = fmt.Errorf("failed to sync file: %w", serr)
		}
		if cerr := r.file.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close file: %w", cerr)
		}
		r.file, r.buf = nil, nil
	}
	if r.metrics != nil {
		metrics.SetBool(&r.metrics.RecordingActive, false)
	}
	logger.Info("Recorder", "Stopped %s: %d entries, %d bytes, %d dropped", r.filename, r.entryCount, r.bytesWritten, r.dropped)
	return r.statusLocked(), err
}

// Publish queues e for writing. Events are dropped when not recording or when
// the writer falls behind.
func (r *Recorder) Publish(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return
	}
	if e.Announcement != nil {
		a := *e.Announcement
		a.Audio = ""
		e.Announcement = &a
	}
	select {
	case r.entries <- Entry{At: r.now(), Event: e}:
	default:
		r.dropped++
	}
}

func (r *Recorder) writeEntries(entries <-chan Entry, done <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case entry := <-entries:
			r.writeEntry(entry)
		case <-done:
			for {
				select {
				case entry := <-entries:
					r.writeEntry(entry)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) writeEntry(entry Entry) {
	line, err := json.Marshal(entry)
	if err != nil {
		logger.Warn("Recorder", "Encode %s event: %v", entry.Event.Type, err)
		return
	}
	line = append(line, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.buf == nil {
		return
	}
	n, err := r.buf.Write(line)
	if err != nil {
		logger.Warn("Recorder", "Write failed: %v", err)
		return
	}
	r.bytesWritten += uint64(n)
	r.entryCount++
	if r.metrics != nil {
		r.metrics.RecordingEntries.Add(1)
		r.metrics.RecordingBytes.Add(uint64(n))
	}
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// Status returns the current recording status
func (r *Recorder) Status() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statusLocked()
}

func (r *Recorder) statusLocked() RecordingStatus {
	st := RecordingStatus{
		Recording:    r.recording,
		Filename:     r.filename,
		EntryCount:   r.entryCount,
		BytesWritten: r.bytesWritten,
		Dropped:      r.dropped,
	}
	if !r.startTime.IsZero() {
		t := r.startTime
		st.StartTime = &t
	}
	if r.recording {
		st.DurationMs = r.now().Sub(r.startTime).Milliseconds()
	}
	return st
}

// Close stops an active recording.
func (r *Recorder) Close() error {
	if r.IsRecording() {
		_, err := r.Stop()
		return err
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool       `json:"recording"`
	Filename     string     `json:"filename,omitempty"`
	EntryCount   uint64     `json:"entry_count"`
	BytesWritten uint64     `json:"bytes_written"`
	Dropped      uint64     `json:"dropped"`
	DurationMs   int64      `json:"duration_ms"`
	StartTime    *time.Time `json:"start_time,omitempty"`
}
