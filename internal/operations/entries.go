package operations

import (
	"context"
	stderrors "errors"

	"github.com/kebairia/repliktor/internal/registry"
)

// errNoChange aborts an update that would save an identical registry.
var errNoChange = stderrors.New("registry unchanged")

// Delete removes the entry with the given hash. An unknown hash is a no-op.
func (om *OperationManager) Delete(_ context.Context, hash string) error {
	var size int
	err := om.store.Update(func(reg *registry.Registry) error {
		if !reg.Remove(hash) {
			return errNoChange
		}
		size = reg.Len()
		return nil
	})
	if stderrors.Is(err, errNoChange) {
		om.log.Info("delete skipped, entry not found", "hash", hash)
		return nil
	}
	if err != nil {
		return err
	}
	om.metrics.SetEntries(size)
	om.log.Info("entry deleted", "hash", hash)
	om.notify("deleted " + hash)
	return nil
}

// Table returns the whole registry in insertion order.
func (om *OperationManager) Table(_ context.Context) registry.Registry {
	return om.store.Load()
}

// BackupsToUpdate returns the entries whose cadence has elapsed. Entries set
// to Never are never returned.
func (om *OperationManager) BackupsToUpdate(_ context.Context) registry.Registry {
	return registry.Registry{Backups: om.store.Load().Due(om.clock.Now())}
}
