package operations

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/juju/errors"

	"github.com/kebairia/repliktor/internal/archive"
	"github.com/kebairia/repliktor/internal/metrics"
	"github.com/kebairia/repliktor/internal/registry"
)

// errEntryGone aborts a store update whose target entry was deleted while
// the archive work was running.
var errEntryGone = stderrors.New("entry no longer in registry")

// IncrementResult describes one Increment call.
type IncrementResult struct {
	// PreviousHash is the identity the call was made with; Hash is the
	// identity after it, which differs only when new content was backed up.
	PreviousHash string
	Hash         string
	Changed      bool
	NotFound     bool
	LastBackup   time.Time
	Summary      archive.Summary
}

// Add validates a new entry, runs its first full backup from input to
// output, and appends it with the fingerprint of input as its identity.
// Nothing is written to the registry unless every step succeeds.
func (om *OperationManager) Add(
	ctx context.Context,
	title, input, output string,
	interval registry.Interval,
) (string, error) {
	if err := validate(title, input, output, interval); err != nil {
		return "", err
	}

	hash, err := om.archiver.Fingerprint(ctx, input)
	if err != nil {
		return "", err
	}
	if _, ok := om.store.Load().Find(hash); ok {
		return "", errors.AlreadyExistsf("backup with fingerprint %s", hash)
	}

	om.log.Info("backup started", "title", title, "input", input, "output", output)
	summary, err := om.archiver.CompressFiles(ctx, input, output)
	if err != nil {
		om.log.Error("backup failed", "title", title, "input", input, "error", err.Error())
		return "", err
	}

	entry := registry.Entry{
		Title:      title,
		Input:      input,
		Output:     output,
		LastBackup: om.now(),
		NextUpdate: interval,
		Hash:       hash,
	}
	var size int
	err = om.store.Update(func(reg *registry.Registry) error {
		if reg.Index(hash) >= 0 {
			return errors.AlreadyExistsf("backup with fingerprint %s", hash)
		}
		reg.Append(entry)
		size = reg.Len()
		return nil
	})
	if err != nil {
		return "", err
	}
	om.metrics.SetEntries(size)

	om.log.Info("entry added",
		"title", title,
		"hash", hash,
		"interval", interval.String(),
		"duration", summary.Duration.String(),
	)
	om.notify("added " + hash)
	return hash, nil
}

// Increment brings the backup of one entry up to date. The entry is looked
// up by e.Hash; e.Input, e.Output and e.LastBackup fall back to the stored
// record when empty.
//
// An unknown hash is a no-op reported through NotFound. When the fresh
// fingerprint of the input equals the stored hash nothing is compressed and
// only lastBackup is refreshed. Otherwise the files modified since
// lastBackup are compressed and, on success, hash and lastBackup are
// updated. An archive failure leaves the entry untouched.
func (om *OperationManager) Increment(ctx context.Context, e registry.Entry) (IncrementResult, error) {
	start := om.clock.Now()
	res := IncrementResult{PreviousHash: e.Hash, Hash: e.Hash}

	stored, ok := om.store.Load().Find(e.Hash)
	if !ok {
		om.log.Info("increment skipped, entry not found", "hash", e.Hash)
		om.metrics.IncrementDone(metrics.ResultNotFound, 0)
		res.NotFound = true
		return res, nil
	}
	input, output, since := e.Input, e.Output, e.LastBackup
	if input == "" {
		input = stored.Input
	}
	if output == "" {
		output = stored.Output
	}
	if since.IsZero() {
		since = stored.LastBackup
	}

	fresh, err := om.archiver.Fingerprint(ctx, input)
	if err != nil {
		om.failed(stored, start, err)
		return res, err
	}

	if fresh != stored.Hash {
		om.log.Info("increment started",
			"title", stored.Title,
			"hash", stored.Hash,
			"input", input,
			"since", since.Format(time.RFC3339),
		)
		res.Summary, err = om.archiver.CompressFiles(ctx, input, output, archive.Since(since))
		if err != nil {
			om.failed(stored, start, err)
			return res, err
		}
		res.Changed = true
	}

	now := om.now()
	err = om.store.Update(func(reg *registry.Registry) error {
		i := reg.Index(e.Hash)
		if i < 0 {
			return errEntryGone
		}
		if fresh != e.Hash && reg.Index(fresh) >= 0 {
			return errors.AlreadyExistsf("backup with fingerprint %s", fresh)
		}
		entry := &reg.Backups[i]
		entry.Hash = fresh
		if now.After(entry.LastBackup) {
			entry.LastBackup = now
		}
		res.LastBackup = entry.LastBackup
		return nil
	})
	switch {
	case stderrors.Is(err, errEntryGone):
		om.log.Info("increment discarded, entry deleted meanwhile", "hash", e.Hash)
		om.metrics.IncrementDone(metrics.ResultNotFound, om.clock.Now().Sub(start))
		res.NotFound = true
		res.Changed = false
		return res, nil
	case err != nil:
		om.failed(stored, start, err)
		return res, err
	}
	res.Hash = fresh

	result := metrics.ResultUnchanged
	if res.Changed {
		result = metrics.ResultChanged
	}
	om.metrics.IncrementDone(result, om.clock.Now().Sub(start))
	om.log.Info("increment completed",
		"title", stored.Title,
		"hash", res.Hash,
		"previous", res.PreviousHash,
		"changed", res.Changed,
		"duration", om.clock.Now().Sub(start).String(),
	)
	if res.Changed {
		om.notify("updated " + res.PreviousHash + " -> " + res.Hash)
	} else {
		om.notify("refreshed " + res.Hash)
	}
	return res, nil
}

func (om *OperationManager) failed(e registry.Entry, start time.Time, err error) {
	om.metrics.IncrementDone(metrics.ResultFailed, om.clock.Now().Sub(start))
	om.log.Error("increment failed",
		"title", e.Title,
		"hash", e.Hash,
		"error", err.Error(),
	)
}
