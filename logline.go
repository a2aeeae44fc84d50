// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package jobmgt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"sync"
	"time"
)

// LogLine is one record of the structured log protocol spoken between a job
// process and its launcher. The job process writes one JSON object per line
// to its standard output; the launcher parses each line and re-emits it
// through its own logging facility under the record's original identity.
// Lines that do not parse as a record are treated as plain output.
type LogLine struct {
	Name     string  `json:"name"`     // name of the originating logger
	Created  float64 `json:"created"`  // epoch seconds the record was emitted
	Level    int     `json:"level"`    // numeric slog level
	Msg      string  `json:"msg"`      // formatted message
	Lineno   int     `json:"lineno"`   // source line of the call site
	Pathname string  `json:"pathname"` // source file of the call site
}

// ParseLogLine parses one line of job process output as a protocol record.
func ParseLogLine(line []byte) (*LogLine, error) {
	l := new(LogLine)
	if err := json.Unmarshal(line, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Time returns the emission time of the record.
func (l *LogLine) Time() time.Time {
	sec := int64(l.Created)
	nsec := int64((l.Created - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}

// Record converts the line into a slog record carrying the original logger
// name and call site as attributes, ready to be handled by the launcher's
// own handler.
func (l *LogLine) Record() slog.Record {
	rec := slog.NewRecord(l.Time(), slog.Level(l.Level), l.Msg, 0)
	attrs := []slog.Attr{slog.String("logger", l.Name)}
	if l.Pathname != "" {
		attrs = append(attrs, slog.String("pathname", l.Pathname), slog.Int("lineno", l.Lineno))
	}
	rec.AddAttrs(attrs...)
	return rec
}

// LineHandler is a slog.Handler that emits the log-line protocol, one JSON
// object per line. It is installed in job processes launched with log
// capture enabled, so that their output can be relayed by the launcher.
type LineHandler struct {
	mu    *sync.Mutex
	w     io.Writer
	name  string
	level slog.Leveler
	attrs string
	group string
}

// NewLineHandler returns a handler emitting protocol records under the
// given logger name to w. Records below level are discarded.
func NewLineHandler(w io.Writer, name string, level slog.Leveler) *LineHandler {
	return &LineHandler{
		mu:    new(sync.Mutex),
		w:     w,
		name:  name,
		level: level,
	}
}

// Enabled implements slog.Handler.
func (h *LineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

// Handle implements slog.Handler. Attributes are folded into the message,
// since the protocol carries a single message string.
func (h *LineHandler) Handle(_ context.Context, rec slog.Record) error {
	var sb strings.Builder
	sb.WriteString(rec.Message)
	sb.WriteString(h.attrs)
	rec.Attrs(func(a slog.Attr) bool {
		writeAttr(&sb, h.group, a)
		return true
	})

	l := LogLine{
		Name:    h.name,
		Created: float64(rec.Time.UnixNano()) / float64(time.Second),
		Level:   int(rec.Level),
		Msg:     sb.String(),
	}
	if rec.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{rec.PC}).Next()
		l.Pathname = frame.File
		l.Lineno = frame.Line
	}

	data, err := json.Marshal(&l)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.w.Write(data)
	return err
}

// WithAttrs implements slog.Handler.
func (h *LineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	var sb strings.Builder
	for _, a := range attrs {
		writeAttr(&sb, h.group, a)
	}
	c := *h
	c.attrs = h.attrs + sb.String()
	return &c
}

// WithGroup implements slog.Handler.
func (h *LineHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.group = h.group + name + "."
	return &c
}

func writeAttr(sb *strings.Builder, group string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}
	fmt.Fprintf(sb, " %s%s=%v", group, a.Key, a.Value.Resolve())
}
