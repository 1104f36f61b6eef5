/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package logtest

import (
	"sync"
	"time"

	"github.com/ssgreg/logf"

	"github.com/LeadFabric-nv/federale-file-upload/log"
)

// RecordedEntry is a single logged message with its fields.
type RecordedEntry struct {
	Level  log.Level
	Time   time.Time
	Text   string
	Fields []log.Field
}

// FindField returns the field with the given key.
func (re *RecordedEntry) FindField(key string) (*log.Field, bool) {
	for i := range re.Fields {
		if re.Fields[i].Key == key {
			return &re.Fields[i], true
		}
	}
	return nil, false
}

// FieldString returns the value of a string, bytes or error field.
func (re *RecordedEntry) FieldString(key string) (string, bool) {
	f, ok := re.FindField(key)
	if !ok {
		return "", false
	}
	switch f.Type {
	case logf.FieldTypeBytesToString, logf.FieldTypeBytes, logf.FieldTypeRawBytes:
		return string(f.Bytes), true
	case logf.FieldTypeError:
		if err, isErr := f.Any.(error); isErr && err != nil {
			return err.Error(), true
		}
	}
	return "", false
}

// entrySink collects entries from every logger derived from the same Recorder.
type entrySink struct {
	mu      sync.RWMutex
	entries []RecordedEntry
}

//nolint:gocritic // logf.EntryWriter takes the entry by value
func (s *entrySink) WriteEntry(e logf.Entry) {
	fields := make([]log.Field, 0, len(e.Fields)+len(e.DerivedFields))
	fields = append(fields, e.Fields...)
	fields = append(fields, e.DerivedFields...)

	s.mu.Lock()
	s.entries = append(s.entries, RecordedEntry{Level: toLevel(e.Level), Time: e.Time, Text: e.Text, Fields: fields})
	s.mu.Unlock()
}

// Recorder is a log.FieldLogger keeping logged entries in memory.
type Recorder struct {
	*log.LogfAdapter
	sink *entrySink
}

// NewRecorder creates a Recorder that records all levels.
func NewRecorder() *Recorder {
	sink := &entrySink{}
	return &Recorder{LogfAdapter: &log.LogfAdapter{Logger: logf.NewLogger(logf.LevelDebug, sink)}, sink: sink}
}

// With returns a child Recorder sharing the recorded entries.
func (r *Recorder) With(fs ...log.Field) log.FieldLogger {
	return &Recorder{LogfAdapter: r.LogfAdapter.With(fs...).(*log.LogfAdapter), sink: r.sink}
}

// WithLevel returns a child Recorder that drops entries below level.
func (r *Recorder) WithLevel(level log.Level) log.FieldLogger {
	return &Recorder{LogfAdapter: r.LogfAdapter.WithLevel(level).(*log.LogfAdapter), sink: r.sink}
}

// Entries returns a copy of the recorded entries.
func (r *Recorder) Entries() []RecordedEntry {
	r.sink.mu.RLock()
	defer r.sink.mu.RUnlock()
	return append([]RecordedEntry(nil), r.sink.entries...)
}

// FindEntry returns the first entry with exactly this message.
func (r *Recorder) FindEntry(msg string) (RecordedEntry, bool) {
	return r.FindEntryByFilter(func(e RecordedEntry) bool { return e.Text == msg })
}

// FindEntryByFilter returns the first entry matching filter.
func (r *Recorder) FindEntryByFilter(filter func(entry RecordedEntry) bool) (RecordedEntry, bool) {
	for _, e := range r.Entries() {
		if filter(e) {
			return e, true
		}
	}
	return RecordedEntry{}, false
}

func toLevel(l logf.Level) log.Level {
	switch l {
	case logf.LevelError:
		return log.LevelError
	case logf.LevelWarn:
		return log.LevelWarn
	case logf.LevelDebug:
		return log.LevelDebug
	default:
		return log.LevelInfo
	}
}
