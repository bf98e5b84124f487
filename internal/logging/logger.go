package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	// requestLogBufferSize bounds how many completed invocations can be
	// queued for the file sink before Log starts dropping entries rather
	// than blocking the gateway's dispatch path on disk I/O.
	requestLogBufferSize = 256
	// requestLogFlushInterval is the longest a written entry can sit in
	// the buffered writer before it is visible on disk.
	requestLogFlushInterval = 250 * time.Millisecond
)

// RequestLog is one completed invocation, logged by the gateway after a
// dispatch returns (success or failure) for either transport.
type RequestLog struct {
	Timestamp   time.Time `json:"timestamp"`
	RequestID   string    `json:"request_id"`
	TraceID     string    `json:"trace_id,omitempty"`
	SpanID      string    `json:"span_id,omitempty"`
	Function    string    `json:"function"`
	FunctionKey string    `json:"function_key"`
	Transport   string    `json:"transport,omitempty"`
	DurationMs  int64     `json:"duration_ms"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
	InputSize   int       `json:"input_size"`
	OutputSize  int       `json:"output_size,omitempty"`
}

// Logger writes one RequestLog per completed invocation: synchronously
// to the console, since an operator watching a terminal wants it now,
// and — once a file sink is configured — asynchronously through a
// bounded channel, so a slow disk never adds latency to the gateway's
// hot path. A full buffer drops the newest entry and warns on the
// operational logger instead of blocking the request that triggered it.
type Logger struct {
	mu      sync.Mutex
	enabled bool
	console bool

	entries chan *RequestLog
	done    chan struct{}
	file    *os.File
}

var defaultLogger = &Logger{enabled: true, console: true}

// Default returns the process-wide request logger.
func Default() *Logger {
	return defaultLogger
}

// SetOutput points the file sink at path and starts its background
// writer. Calling it again swaps in a new file, first draining and
// closing whichever sink was previously running.
func (l *Logger) SetOutput(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	l.mu.Lock()
	prevEntries, prevDone, prevFile := l.entries, l.done, l.file
	l.entries = make(chan *RequestLog, requestLogBufferSize)
	l.done = make(chan struct{})
	l.file = f
	entries, done, file := l.entries, l.done, l.file
	l.mu.Unlock()

	if prevEntries != nil {
		close(prevEntries)
		<-prevDone
		prevFile.Close()
	}

	go runRequestLogWriter(entries, done, file)
	return nil
}

// SetConsole enables/disables console output.
func (l *Logger) SetConsole(enabled bool) {
	l.mu.Lock()
	l.console = enabled
	l.mu.Unlock()
}

// Log records one completed invocation.
func (l *Logger) Log(entry *RequestLog) {
	if !l.enabled {
		return
	}
	entry.Timestamp = time.Now()

	l.mu.Lock()
	console := l.console
	entries := l.entries
	l.mu.Unlock()

	if console {
		writeConsoleLine(entry)
	}
	if entries == nil {
		return
	}

	select {
	case entries <- entry:
	default:
		Op().Warn("dropping request log entry, file sink buffer full",
			"request_id", entry.RequestID, "function_key", entry.FunctionKey)
	}
}

func writeConsoleLine(entry *RequestLog) {
	status := "✓"
	if !entry.Success {
		status = "✗"
	}
	fmt.Printf("[request] %s %s %s %s %dms\n",
		status, entry.RequestID, entry.Function, entry.Transport, entry.DurationMs)
	if entry.Error != "" {
		fmt.Printf("[request]   error: %s\n", entry.Error)
	}
}

// Close drains and flushes the file sink, if one is configured, then
// closes the underlying file.
func (l *Logger) Close() {
	l.mu.Lock()
	entries, done, file := l.entries, l.done, l.file
	l.entries, l.done, l.file = nil, nil, nil
	l.mu.Unlock()

	if entries != nil {
		close(entries)
		<-done
	}
	if file != nil {
		file.Close()
	}
}

// runRequestLogWriter batches JSON-encoded entries through a buffered
// writer, flushing on a fixed interval so the file sink never holds more
// than requestLogFlushInterval worth of unflushed log lines, and on
// channel close so Close never drops the tail of a run.
func runRequestLogWriter(entries <-chan *RequestLog, done chan<- struct{}, file *os.File) {
	defer close(done)

	w := bufio.NewWriter(file)
	ticker := time.NewTicker(requestLogFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				w.Flush()
				return
			}
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			w.Write(data)
			w.WriteByte('\n')
		case <-ticker.C:
			w.Flush()
		}
	}
}
