// Package log writes hourly-rotated, zstd-compressed JSONL files.
package log

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"realtime.ai/internal/engine"
	"realtime.ai/internal/profile"
)

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	p := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// Files lists the writer's files, oldest first.
func (w *JSONLZstdWriter) Files() ([]string, error) {
	out, err := filepath.Glob(filepath.Join(w.baseDir, w.prefix+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// ReadAll decodes every JSONL line of one file. A file still being written may end in
// an unterminated frame; the lines decoded before it are returned with the error.
func ReadAll(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, err
	}
	defer dec.Close()

	var out []json.RawMessage
	r := bufio.NewReader(dec)
	for {
		line, err := r.ReadBytes('\n')
		if line = bytes.TrimSpace(line); len(line) > 0 {
			out = append(out, json.RawMessage(append([]byte(nil), line...)))
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}

// AuditLogger writes one entry per profile store change.
type AuditLogger struct {
	w      *JSONLZstdWriter
	logger *stdlog.Logger
}

func NewAuditLogger(dataDir string, logger *stdlog.Logger) *AuditLogger {
	return &AuditLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "audit"), "audit"), logger: logger}
}

func (l *AuditLogger) WriteAudit(c profile.Change) error { return l.w.Write(c) }

func (l *AuditLogger) RecordChange(c profile.Change) {
	if err := l.WriteAudit(c); err != nil && l.logger != nil {
		l.logger.Printf("audit log: %v", err)
	}
}

func (l *AuditLogger) Writer() *JSONLZstdWriter { return l.w }
func (l *AuditLogger) Close() error             { return l.w.Close() }

// WeatherLogger writes one entry per city lookup.
type WeatherLogger struct {
	w      *JSONLZstdWriter
	logger *stdlog.Logger
}

func NewWeatherLogger(dataDir string, logger *stdlog.Logger) *WeatherLogger {
	return &WeatherLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "weather"), "weather"), logger: logger}
}

func (l *WeatherLogger) WriteFetch(r engine.FetchReport) error { return l.w.Write(r) }

func (l *WeatherLogger) RecordFetch(r engine.FetchReport) {
	if err := l.WriteFetch(r); err != nil && l.logger != nil {
		l.logger.Printf("weather log: %v", err)
	}
}

func (l *WeatherLogger) Writer() *JSONLZstdWriter { return l.w }
func (l *WeatherLogger) Close() error             { return l.w.Close() }
