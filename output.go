/*
 * Copyright (c) 2017 Kurt Jung (Gmail: kurt.w.jung)
 * Copyright (c) 2020 Andreas Schneider
 *
 * Permission to use, copy, modify, and distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

package frontdoor

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// OutputMode selects where backend stdout/stderr go.
type OutputMode string

const (
	// OutputInherit hands the supervisor's own stdout/stderr to the backend.
	OutputInherit OutputMode = "inherit"
	// OutputLog forwards each backend output line into the zap logger.
	OutputLog OutputMode = "log"
)

// Rotation defaults for the backend output file.
const (
	DefaultLogMaxSizeMB  = 10
	DefaultLogMaxBackups = 3
	DefaultLogMaxAgeDays = 7
)

const (
	maxRecentOutput = 4096
	maxPartialLine  = 64 * 1024
)

// recentOutput keeps the tail of backend output so crash logs can show
// what the process printed last.
type recentOutput struct {
	mu  sync.Mutex
	buf []byte
}

func (ro *recentOutput) Write(p []byte) (n int, err error) {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	ro.buf = append(ro.buf, p...)
	if over := len(ro.buf) - maxRecentOutput; over > 0 {
		ro.buf = append(ro.buf[:0], ro.buf[over:]...)
	}
	return len(p), nil
}

func (ro *recentOutput) String() string {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	return string(ro.buf)
}

func (ro *recentOutput) Reset() {
	ro.mu.Lock()
	defer ro.mu.Unlock()
	ro.buf = ro.buf[:0]
}

// zapWriter logs every complete line written to it. A trailing partial
// line is held until the next write completes it or Flush is called.
type zapWriter struct {
	logger *zap.Logger
	name   string
	pid    atomic.Int64

	mu      sync.Mutex
	partial []byte
}

func newZapWriter(logger *zap.Logger, name string) *zapWriter {
	return &zapWriter{logger: logger, name: name}
}

func (zw *zapWriter) Write(p []byte) (n int, err error) {
	zw.mu.Lock()
	defer zw.mu.Unlock()

	data := append(zw.partial, p...)
	last := bytes.LastIndexByte(data, '\n')
	if last < 0 {
		if len(data) >= maxPartialLine {
			zw.emit(string(data))
			data = nil
		}
		zw.partial = data
		return len(p), nil
	}
	for _, line := range bytes.Split(data[:last], []byte{'\n'}) {
		zw.emit(string(bytes.TrimSuffix(line, []byte{'\r'})))
	}
	zw.partial = append([]byte(nil), data[last+1:]...)
	return len(p), nil
}

// Flush logs a held partial line. It is called once the process has
// exited and its pipes are drained.
func (zw *zapWriter) Flush() {
	zw.mu.Lock()
	defer zw.mu.Unlock()
	if len(zw.partial) > 0 {
		zw.emit(string(bytes.TrimSuffix(zw.partial, []byte{'\r'})))
	}
	zw.partial = nil
}

func (zw *zapWriter) emit(line string) {
	zw.logger.Info("gateway "+zw.name,
		zap.Int64("pid", zw.pid.Load()),
		zap.String("line", line))
}

// newLogFile opens a size-rotated file for backend output.
func newLogFile(path string) io.WriteCloser {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    DefaultLogMaxSizeMB,
		MaxBackups: DefaultLogMaxBackups,
		MaxAge:     DefaultLogMaxAgeDays,
	}
}

func parseOutputMode(s string) (OutputMode, error) {
	switch m := OutputMode(strings.ToLower(s)); m {
	case "", OutputInherit:
		return OutputInherit, nil
	case OutputLog:
		return m, nil
	default:
		return "", fmt.Errorf("unknown output mode %q (want %q or %q)", s, OutputInherit, OutputLog)
	}
}
