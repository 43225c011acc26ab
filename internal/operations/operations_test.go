package operations

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"go.uber.org/zap/zaptest"

	"github.com/kebairia/repliktor/internal/archive"
	"github.com/kebairia/repliktor/internal/events"
	"github.com/kebairia/repliktor/internal/logger"
	"github.com/kebairia/repliktor/internal/registry"
)

// fakeArchiver returns fingerprints from a map and records compress calls.
type fakeArchiver struct {
	mu           sync.Mutex
	fingerprints map[string]string
	fpErr        error
	compressErr  error
	compressions []compressCall
}

type compressCall struct {
	input, output string
	incremental   bool
}

func newFakeArchiver() *fakeArchiver {
	return &fakeArchiver{fingerprints: map[string]string{}}
}

func (f *fakeArchiver) setFingerprint(path, hash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fingerprints[path] = hash
}

func (f *fakeArchiver) Fingerprint(_ context.Context, path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fpErr != nil {
		return "", f.fpErr
	}
	h, ok := f.fingerprints[path]
	if !ok {
		return "", fmt.Errorf("%w: fingerprint %s: no such directory", archive.ErrArchive, path)
	}
	return h, nil
}

func (f *fakeArchiver) CompressFiles(
	_ context.Context,
	input, output string,
	opts ...archive.CompressOption,
) (archive.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compressions = append(f.compressions, compressCall{input: input, output: output, incremental: len(opts) > 0})
	if f.compressErr != nil {
		return archive.Summary{}, f.compressErr
	}
	return archive.Summary{Job: "Backup", Files: 1, Processed: 1}, nil
}

func (f *fakeArchiver) calls() []compressCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]compressCall(nil), f.compressions...)
}

type notes struct {
	mu   sync.Mutex
	msgs []string
}

func (n *notes) Publish(channel string, msg events.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, channel+" "+msg.Message)
}

type fixture struct {
	om    *OperationManager
	store *registry.Store
	arch  *fakeArchiver
	clock *testclock.Clock
	notes *notes
}

var epoch = time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.FromZap(zaptest.NewLogger(t))
	store := registry.NewStore(
		filepath.Join(t.TempDir(), "backup_entries.json"),
		registry.WithLockName("repliktor-test-operations"),
		registry.WithLogger(log),
	)
	f := &fixture{
		store: store,
		arch:  newFakeArchiver(),
		clock: testclock.NewClock(epoch),
		notes: &notes{},
	}
	f.om = NewOperationManager(store, f.arch,
		WithClock(f.clock),
		WithLogger(log),
		WithNotifier(f.notes),
	)
	return f
}

func (f *fixture) fileBytes(t *testing.T) []byte {
	t.Helper()
	data, err := os.ReadFile(f.store.Path())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestAdd_Scenario(t *testing.T) {
	f := newFixture(t)
	f.arch.setFingerprint("/home/u/pics", "00000000000000f1")

	hash, err := f.om.Add(context.Background(), "Photos", "/home/u/pics", "/mnt/backup", registry.Weekly)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if hash != "00000000000000f1" {
		t.Errorf("hash = %q", hash)
	}

	table := f.om.Table(context.Background())
	if table.Len() != 1 {
		t.Fatalf("table has %d entries, want 1", table.Len())
	}
	e := table.Backups[0]
	if e.Title != "Photos" || e.Input != "/home/u/pics" || e.Output != "/mnt/backup" || e.NextUpdate != registry.Weekly {
		t.Errorf("entry = %+v", e)
	}
	if !e.LastBackup.Equal(epoch) {
		t.Errorf("lastBackup = %s, want %s", e.LastBackup, epoch)
	}
	if calls := f.arch.calls(); len(calls) != 1 || calls[0].incremental {
		t.Errorf("compress calls = %+v, want one full backup", calls)
	}
	if len(f.notes.msgs) != 1 || f.notes.msgs[0] != events.RegistryChanged+" added "+hash {
		t.Errorf("notifications = %v", f.notes.msgs)
	}
}

func TestAdd_ValidationLeavesRegistryUntouched(t *testing.T) {
	f := newFixture(t)
	f.arch.setFingerprint("/in", "0000000000000001")
	if _, err := f.om.Add(context.Background(), "seed", "/in", "/out", registry.Monthly); err != nil {
		t.Fatal(err)
	}
	before := f.fileBytes(t)

	for _, tc := range []struct {
		name                 string
		title, input, output string
		interval             registry.Interval
	}{
		{"empty title", "", "/a", "/b", registry.Weekly},
		{"blank title", "   ", "/a", "/b", registry.Weekly},
		{"empty input", "t", "", "/b", registry.Weekly},
		{"empty output", "t", "/a", "", registry.Weekly},
		{"bad interval", "t", "/a", "/b", registry.Interval(3)},
		{"zero interval", "t", "/a", "/b", registry.Interval(0)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.om.Add(context.Background(), tc.title, tc.input, tc.output, tc.interval)
			if !IsValidation(err) {
				t.Fatalf("error = %v, want validation error", err)
			}
			if after := f.fileBytes(t); !bytes.Equal(before, after) {
				t.Error("registry file changed")
			}
		})
	}
	if got := len(f.arch.calls()); got != 1 {
		t.Errorf("archiver called %d times, want only the seed backup", got)
	}
}

func TestAdd_ArchiveFailureLeavesRegistryUntouched(t *testing.T) {
	f := newFixture(t)
	f.arch.setFingerprint("/in", "0000000000000001")
	f.arch.compressErr = fmt.Errorf("%w: disk full", archive.ErrArchive)

	_, err := f.om.Add(context.Background(), "t", "/in", "/out", registry.Weekly)
	if !errors.Is(err, archive.ErrArchive) {
		t.Fatalf("error = %v, want ErrArchive", err)
	}
	if f.om.Table(context.Background()).Len() != 0 {
		t.Error("failed add left an entry behind")
	}
}

func TestAdd_DuplicateFingerprint(t *testing.T) {
	f := newFixture(t)
	f.arch.setFingerprint("/in", "0000000000000001")
	ctx := context.Background()
	if _, err := f.om.Add(ctx, "one", "/in", "/out", registry.Weekly); err != nil {
		t.Fatal(err)
	}
	_, err := f.om.Add(ctx, "two", "/in", "/elsewhere", registry.Weekly)
	if !IsValidation(err) {
		t.Fatalf("error = %v, want already exists", err)
	}
	if f.om.Table(ctx).Len() != 1 {
		t.Error("duplicate entry added")
	}
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.arch.setFingerprint("/a", "000000000000000a")
	f.arch.setFingerprint("/b", "000000000000000b")
	if _, err := f.om.Add(ctx, "a", "/a", "/out", registry.Weekly); err != nil {
		t.Fatal(err)
	}
	if _, err := f.om.Add(ctx, "b", "/b", "/out", registry.Weekly); err != nil {
		t.Fatal(err)
	}

	if err := f.om.Delete(ctx, "000000000000000a"); err != nil {
		t.Fatal(err)
	}
	table := f.om.Table(ctx)
	if table.Len() != 1 || table.Backups[0].Title != "b" {
		t.Fatalf("after delete: %+v", table.Backups)
	}

	before := f.fileBytes(t)
	if err := f.om.Delete(ctx, "ffffffffffffffff"); err != nil {
		t.Fatalf("delete of unknown hash: %v", err)
	}
	if err := f.om.Delete(ctx, "000000000000000a"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if after := f.fileBytes(t); !bytes.Equal(before, after) {
		t.Error("no-op delete changed the registry file")
	}
}

func addEntry(t *testing.T, f *fixture, input, hash string, interval registry.Interval) registry.Entry {
	t.Helper()
	f.arch.setFingerprint(input, hash)
	if _, err := f.om.Add(context.Background(), "entry "+input, input, "/out", interval); err != nil {
		t.Fatal(err)
	}
	e, ok := f.om.Table(context.Background()).Find(hash)
	if !ok {
		t.Fatalf("entry %s not stored", hash)
	}
	return e
}

func TestIncrement_UnchangedSkipsCompression(t *testing.T) {
	f := newFixture(t)
	e := addEntry(t, f, "/pics", "00000000000000aa", registry.Weekly)
	f.clock.Advance(8 * 24 * time.Hour)

	res, err := f.om.Increment(context.Background(), e)
	if err != nil {
		t.Fatal(err)
	}
	if res.Changed || res.Hash != e.Hash {
		t.Errorf("result = %+v", res)
	}
	if got := len(f.arch.calls()); got != 1 {
		t.Errorf("compress called %d times, want only the initial backup", got)
	}
	stored, _ := f.om.Table(context.Background()).Find(e.Hash)
	if stored.Hash != e.Hash {
		t.Errorf("hash changed to %s", stored.Hash)
	}
	if !stored.LastBackup.Equal(epoch.Add(8 * 24 * time.Hour)) {
		t.Errorf("lastBackup = %s, want refreshed", stored.LastBackup)
	}
}

func TestIncrement_ChangedUpdatesHashAndTime(t *testing.T) {
	f := newFixture(t)
	e := addEntry(t, f, "/pics", "00000000000000aa", registry.Weekly)
	f.clock.Advance(8 * 24 * time.Hour)
	f.arch.setFingerprint("/pics", "00000000000000bb")

	res, err := f.om.Increment(context.Background(), e)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Changed || res.Hash != "00000000000000bb" || res.PreviousHash != e.Hash {
		t.Errorf("result = %+v", res)
	}
	calls := f.arch.calls()
	if len(calls) != 2 || !calls[1].incremental || calls[1].input != "/pics" || calls[1].output != "/out" {
		t.Errorf("compress calls = %+v", calls)
	}

	table := f.om.Table(context.Background())
	if _, ok := table.Find(e.Hash); ok {
		t.Error("old hash still present")
	}
	stored, ok := table.Find("00000000000000bb")
	if !ok {
		t.Fatal("new hash not stored")
	}
	if want := epoch.Add(8 * 24 * time.Hour); !stored.LastBackup.Equal(want) {
		t.Errorf("lastBackup = %s, want %s", stored.LastBackup, want)
	}
}

func TestIncrement_FailureLeavesEntryUntouched(t *testing.T) {
	f := newFixture(t)
	e := addEntry(t, f, "/pics", "00000000000000aa", registry.Weekly)
	before := f.fileBytes(t)
	f.clock.Advance(8 * 24 * time.Hour)
	f.arch.setFingerprint("/pics", "00000000000000bb")
	f.arch.compressErr = fmt.Errorf("%w: permission denied", archive.ErrArchive)

	_, err := f.om.Increment(context.Background(), e)
	if !errors.Is(err, archive.ErrArchive) {
		t.Fatalf("error = %v, want ErrArchive", err)
	}
	if after := f.fileBytes(t); !bytes.Equal(before, after) {
		t.Error("failed increment changed the registry file")
	}

	// Still due, so the next attempt retries it.
	due := f.om.BackupsToUpdate(context.Background())
	if due.Len() != 1 || due.Backups[0].Hash != e.Hash {
		t.Errorf("due = %+v", due.Backups)
	}
}

func TestIncrement_UnknownHashIsNoop(t *testing.T) {
	f := newFixture(t)
	addEntry(t, f, "/pics", "00000000000000aa", registry.Weekly)
	before := f.fileBytes(t)

	res, err := f.om.Increment(context.Background(), registry.Entry{Hash: "nope", Input: "/pics"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.NotFound {
		t.Errorf("result = %+v, want NotFound", res)
	}
	if after := f.fileBytes(t); !bytes.Equal(before, after) {
		t.Error("registry changed")
	}
}

func TestIncrement_LastBackupNeverMovesBackwards(t *testing.T) {
	f := newFixture(t)
	e := addEntry(t, f, "/pics", "00000000000000aa", registry.Weekly)

	// A clock stepped back must not rewind lastBackup.
	f.clock.Advance(-time.Hour)
	if _, err := f.om.Increment(context.Background(), e); err != nil {
		t.Fatal(err)
	}
	stored, _ := f.om.Table(context.Background()).Find(e.Hash)
	if !stored.LastBackup.Equal(epoch) {
		t.Errorf("lastBackup = %s, want %s", stored.LastBackup, epoch)
	}
}

func TestBackupsToUpdate(t *testing.T) {
	f := newFixture(t)
	addEntry(t, f, "/weekly", "0000000000000007", registry.Weekly)
	addEntry(t, f, "/monthly", "0000000000000030", registry.Monthly)
	addEntry(t, f, "/never", "0000000000009999", registry.Never)
	ctx := context.Background()

	if due := f.om.BackupsToUpdate(ctx); due.Len() != 0 {
		t.Fatalf("fresh entries due: %+v", due.Backups)
	}

	f.clock.Advance(7 * 24 * time.Hour)
	due := f.om.BackupsToUpdate(ctx)
	if due.Len() != 1 || due.Backups[0].Hash != "0000000000000007" {
		t.Fatalf("after a week: %+v", due.Backups)
	}

	f.clock.Advance(100 * 365 * 24 * time.Hour)
	for _, e := range f.om.BackupsToUpdate(ctx).Backups {
		if e.NextUpdate == registry.Never {
			t.Fatal("never entry reported due")
		}
	}
	if got := f.om.BackupsToUpdate(ctx).Len(); got != 2 {
		t.Errorf("due after a century = %d, want 2", got)
	}
}

func TestIncrement_FingerprintFailureLeavesEntryUntouched(t *testing.T) {
	f := newFixture(t)
	e := addEntry(t, f, "/pics", "00000000000000aa", registry.Weekly)
	before := f.fileBytes(t)
	f.clock.Advance(8 * 24 * time.Hour)
	f.arch.mu.Lock()
	f.arch.fpErr = fmt.Errorf("%w: fingerprint /pics: permission denied", archive.ErrArchive)
	f.arch.mu.Unlock()

	_, err := f.om.Increment(context.Background(), e)
	if !errors.Is(err, archive.ErrArchive) {
		t.Fatalf("error = %v, want ErrArchive", err)
	}
	if after := f.fileBytes(t); !bytes.Equal(before, after) {
		t.Error("failed fingerprint changed the registry file")
	}
	if got := len(f.arch.calls()); got != 1 {
		t.Errorf("compress called %d times, want only the initial backup", got)
	}
	due := f.om.BackupsToUpdate(context.Background())
	if due.Len() != 1 || due.Backups[0].Hash != e.Hash {
		t.Errorf("due = %+v", due.Backups)
	}
}

func TestIncrement_CancelledJobReportsContextError(t *testing.T) {
	f := newFixture(t)
	input := filepath.Join(t.TempDir(), "pics")
	if err := os.MkdirAll(input, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(input, "a.jpg"), []byte("first"), 0o644); err != nil {
		t.Fatal(err)
	}
	engine := archive.NewZstd(archive.WithWorkers(1))
	om := NewOperationManager(f.store, engine, WithClock(f.clock))

	ctx := context.Background()
	hash, err := om.Add(ctx, "pics", input, t.TempDir(), registry.Weekly)
	if err != nil {
		t.Fatal(err)
	}
	before := f.fileBytes(t)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = om.Increment(cancelled, registry.Entry{Hash: hash})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled in chain", err)
	}
	if !errors.Is(err, archive.ErrArchive) {
		t.Errorf("error = %v, want ErrArchive", err)
	}
	if after := f.fileBytes(t); !bytes.Equal(before, after) {
		t.Error("cancelled increment changed the registry file")
	}
}
