package registry

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Interval is the update cadence of an entry: a day count, or Never.
type Interval int

const (
	Never   Interval = 9999
	Weekly  Interval = 7
	Monthly Interval = 30
)

// Valid reports whether i is one of Never, Weekly or Monthly.
func (i Interval) Valid() bool {
	return i == Never || i == Weekly || i == Monthly
}

// Duration is the time that must elapse after a backup before the entry is
// due again. Never has no duration.
func (i Interval) Duration() time.Duration {
	if i == Never {
		return 0
	}
	return time.Duration(i) * 24 * time.Hour
}

func (i Interval) String() string {
	switch i {
	case Never:
		return "never"
	case Weekly:
		return "weekly"
	case Monthly:
		return "monthly"
	}
	return strconv.Itoa(int(i))
}

// ParseInterval accepts the cadence names or their day counts.
func ParseInterval(s string) (Interval, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "never", "9999":
		return Never, nil
	case "weekly", "week", "7":
		return Weekly, nil
	case "monthly", "month", "30":
		return Monthly, nil
	}
	return 0, fmt.Errorf("unknown interval %q (want never, weekly or monthly)", s)
}

// Entry is one tracked backup definition.
type Entry struct {
	Title      string    `json:"title"`
	Input      string    `json:"input"`
	Output     string    `json:"output"`
	LastBackup time.Time `json:"lastBackup"`
	NextUpdate Interval  `json:"nextUpdate"`
	// Hash is the content fingerprint of Input at the last successful
	// backup; it doubles as the entry's identity.
	Hash string `json:"hash"`
}

// Due reports whether the cadence of e has elapsed at now.
func (e Entry) Due(now time.Time) bool {
	if e.NextUpdate == Never || !e.NextUpdate.Valid() {
		return false
	}
	return !now.Before(e.LastBackup.Add(e.NextUpdate.Duration()))
}

// Registry is the ordered collection of entries persisted by a Store.
type Registry struct {
	Backups []Entry `json:"backups"`
}

// Len returns the number of entries.
func (r Registry) Len() int { return len(r.Backups) }

// Index returns the position of the entry with the given hash, or -1.
func (r Registry) Index(hash string) int {
	return slices.IndexFunc(r.Backups, func(e Entry) bool { return e.Hash == hash })
}

// Find returns the entry with the given hash.
func (r Registry) Find(hash string) (Entry, bool) {
	if i := r.Index(hash); i >= 0 {
		return r.Backups[i], true
	}
	return Entry{}, false
}

// Append adds e at the end, keeping insertion order.
func (r *Registry) Append(e Entry) {
	r.Backups = append(r.Backups, e)
}

// Remove deletes the entry with the given hash and reports whether one existed.
func (r *Registry) Remove(hash string) bool {
	i := r.Index(hash)
	if i < 0 {
		return false
	}
	r.Backups = slices.Delete(r.Backups, i, i+1)
	return true
}

// Due returns the entries whose cadence has elapsed at now, in registry order.
func (r Registry) Due(now time.Time) []Entry {
	var due []Entry
	for _, e := range r.Backups {
		if e.Due(now) {
			due = append(due, e)
		}
	}
	return due
}
