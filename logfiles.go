package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogFiles mirrors the in-memory event and trace rings to timestamped
// files under logs/. Either file may be nil when it could not be opened;
// writes then degrade to the rings only.
type LogFiles struct {
	mu    sync.Mutex
	event *os.File
	trace *os.File
}

// NewLogFiles creates logs/event_<stamp>.log and logs/scpi_<stamp>.log.
// Failures are warnings, not fatal.
func NewLogFiles() *LogFiles {
	if err := os.MkdirAll("logs", 0o750); err != nil {
		log.Printf("Warning: cannot create logs directory: %v\n", err)
	}

	stamp := time.Now().Format("20060102_150405")
	lf := &LogFiles{}
	lf.event = openLogFile(filepath.Join("logs", "event_"+stamp+".log"))
	lf.trace = openLogFile(filepath.Join("logs", "scpi_"+stamp+".log"))
	return lf
}

func openLogFile(path string) *os.File {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		log.Printf("Warning: cannot open %s: %v\n", path, err)
		return nil
	}
	return f
}

func (l *LogFiles) WriteEvent(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	writeStamped(l.event, msg)
}

func (l *LogFiles) WriteTrace(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	writeStamped(l.trace, msg)
}

func writeStamped(f *os.File, msg string) {
	if f == nil {
		return
	}
	stamp := time.Now().Format("2006-01-02 15:04:05.000")
	fmt.Fprintf(f, "[%s] %s\n", stamp, msg)
}

func (l *LogFiles) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.event != nil {
		_ = l.event.Close()
		l.event = nil
	}
	if l.trace != nil {
		_ = l.trace.Close()
		l.trace = nil
	}
}
