// Package ledger tracks the current and previous successfully loaded module
// versions, each backed by its own private working copy of the artifact, so a
// failed load or a guest crash always has a rollback target.
package ledger

import (
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// Record identifies one successfully loaded artifact version.
type Record struct {
	// WorkPath is the private working copy that was actually loaded. It must
	// stay on disk until the record is discarded.
	WorkPath string
	// SourceMod is the source artifact's modification time observed at load.
	SourceMod time.Time
	// Version is the context version this record was committed as.
	Version uint32
}

// Ledger retains at most two records: current and previous. Committing a new
// record demotes the prior current and discards anything older.
type Ledger struct {
	cur  *Record
	prev *Record
}

// Commit installs r as the current record, demotes the prior current to
// previous and removes the working copy of the record that falls off.
func (l *Ledger) Commit(r Record) {
	if l.prev != nil {
		removeCopy(l.prev.WorkPath)
	}
	l.prev = l.cur
	l.cur = &r
}

// Current returns the current record.
func (l *Ledger) Current() (Record, bool) {
	if l.cur == nil {
		return Record{}, false
	}

	return *l.cur, true
}

// Previous returns the previous record.
func (l *Ledger) Previous() (Record, bool) {
	if l.prev == nil {
		return Record{}, false
	}

	return *l.prev, true
}

// RollbackTarget returns the record a rollback should load: the previous
// version when one is retained.
func (l *Ledger) RollbackTarget() (Record, bool) {
	return l.Previous()
}

// RevertToPrevious discards the current record, removes its working copy and
// promotes the previous record to current. Used when the current artifact
// itself can no longer be loaded.
func (l *Ledger) RevertToPrevious() (Record, bool) {
	if l.prev == nil {
		return Record{}, false
	}
	if l.cur != nil {
		removeCopy(l.cur.WorkPath)
	}
	l.cur = l.prev
	l.prev = nil

	return *l.cur, true
}

// Cleanup removes every retained working copy and empties the ledger.
func (l *Ledger) Cleanup() {
	if l.cur != nil {
		removeCopy(l.cur.WorkPath)
		l.cur = nil
	}
	if l.prev != nil {
		removeCopy(l.prev.WorkPath)
		l.prev = nil
	}
}

func removeCopy(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("failed to remove working copy")
	}
}
