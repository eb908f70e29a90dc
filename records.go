package ctorz

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// RewriteRecord is the audit entry of a type. It is created the first time a
// load event is observed for an identifier that has hooks, and never changes
// afterwards: later load events of the same type are not recorded again.
type RewriteRecord struct {
	Type      TypeID
	Rewritten bool
	// Reason explains why the type was not rewritten, or why a rewritten
	// form was passed through as-is. Empty on a plain success.
	Reason string
	// Digest is the xxhash64 of the raw form, hex encoded.
	Digest string
	// Hooks is the size of the hook snapshot woven into the type.
	Hooks int
	// Snapshot identifies the frozen hook list the rewritten code calls.
	// Zero when nothing was woven.
	Snapshot   uint32
	ObservedAt time.Time
}

// RecordSink receives new RewriteRecords, for example to export them for
// offline reports. Sinks are called from delivery goroutines, never from the
// host loader.
type RecordSink interface {
	WriteRecord(ctx context.Context, rec RewriteRecord) error
}

// RecordSinkFunc adapts a function to RecordSink.
type RecordSinkFunc func(ctx context.Context, rec RewriteRecord) error

// WriteRecord implements RecordSink.
func (f RecordSinkFunc) WriteRecord(ctx context.Context, rec RewriteRecord) error {
	return f(ctx, rec)
}

// recordBook is a first-write-wins table of records.
type recordBook struct {
	mu      sync.RWMutex
	records map[TypeID]RewriteRecord
}

// put stores rec unless a record for its type exists.
// It reports whether rec was stored.
func (b *recordBook) put(rec RewriteRecord) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.records == nil {
		b.records = make(map[TypeID]RewriteRecord)
	}
	if _, ok := b.records[rec.Type]; ok {
		return false
	}
	b.records[rec.Type] = rec
	return true
}

func (b *recordBook) get(id TypeID) (RewriteRecord, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	rec, ok := b.records[id]
	return rec, ok
}

func (b *recordBook) all() []RewriteRecord {
	b.mu.RLock()
	out := make([]RewriteRecord, 0, len(b.records))
	for _, rec := range b.records {
		out = append(out, rec)
	}
	b.mu.RUnlock()
	slices.SortFunc(out, func(a, b RewriteRecord) int {
		return strings.Compare(string(a.Type), string(b.Type))
	})
	return out
}
