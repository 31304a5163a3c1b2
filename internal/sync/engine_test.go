package sync

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coralsync/coralsync/internal/event"
	"github.com/coralsync/coralsync/internal/provider"
	"github.com/coralsync/coralsync/internal/provider/localfs"
	"github.com/coralsync/coralsync/internal/storage"
)

const testOwner = "owner-1"

// countingProvider tallies uploads so tests can assert how many
// operations a run actually performed.
type countingProvider struct {
	provider.Provider
	uploads *atomic.Int64
}

func (c *countingProvider) UploadFile(ctx context.Context, path string, r io.Reader, opts *provider.UploadOptions) error {
	c.uploads.Add(1)
	return c.Provider.UploadFile(ctx, path, r, opts)
}

// lockedProvider rejects uploads to one exact path.
type lockedProvider struct {
	provider.Provider
	locked string
}

func (l *lockedProvider) UploadFile(ctx context.Context, path string, r io.Reader, opts *provider.UploadOptions) error {
	if path == l.locked {
		io.Copy(io.Discard, r)
		return provider.Errorf(provider.ErrKindInvalidOperation, "destination path is locked: %s", path)
	}
	return l.Provider.UploadFile(ctx, path, r, opts)
}

// slowProvider delays uploads so cancellation and conflict checks land
// mid-run.
type slowProvider struct {
	provider.Provider
	delay time.Duration
}

func (s *slowProvider) UploadFile(ctx context.Context, path string, r io.Reader, opts *provider.UploadOptions) error {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.Provider.UploadFile(ctx, path, r, opts)
}

// authFailProvider refuses to authenticate.
type authFailProvider struct {
	provider.Provider
}

func (a *authFailProvider) Authenticate(ctx context.Context, creds provider.Credentials, cfg provider.Config) error {
	return provider.NewError(provider.ErrKindAuth, "simulated credential rejection", nil)
}

type testEnv struct {
	store   *storage.MemoryStore
	engine  *Engine
	bus     *event.Bus
	uploads atomic.Int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{store: storage.NewMemoryStore()}

	reg := provider.NewRegistry(nil)
	wrap := func(w func(provider.Provider) provider.Provider) provider.Constructor {
		return func(cfg provider.Config, logger *zap.Logger) (provider.Provider, error) {
			p, err := localfs.New(cfg, logger)
			if err != nil {
				return nil, err
			}
			return w(p), nil
		}
	}
	reg.Register(localfs.TypeTag, localfs.New)
	reg.Register("counting", wrap(func(p provider.Provider) provider.Provider {
		return &countingProvider{Provider: p, uploads: &env.uploads}
	}))
	reg.Register("locked", wrap(func(p provider.Provider) provider.Provider {
		return &lockedProvider{Provider: p, locked: "/locked.txt"}
	}))
	reg.Register("slow", wrap(func(p provider.Provider) provider.Provider {
		return &slowProvider{Provider: p, delay: 150 * time.Millisecond}
	}))
	reg.Register("authfail", wrap(func(p provider.Provider) provider.Provider {
		return &authFailProvider{p}
	}))

	env.bus = event.NewBus(nil)
	t.Cleanup(env.bus.Close)

	env.engine = NewEngine(env.store, reg, env.bus, Config{}, nil)
	t.Cleanup(env.engine.Wait)
	return env
}

func (env *testEnv) addConnection(t *testing.T, backendType string) (string, string) {
	t.Helper()
	root := t.TempDir()
	conn := &storage.Connection{
		ID:      uuid.NewString(),
		OwnerID: testOwner,
		Type:    backendType,
		Alias:   backendType,
		Credentials: provider.Credentials{
			Kind:     provider.AuthBasic,
			Endpoint: root,
			Username: "u",
			Password: "p",
		},
		Config: provider.Config{Endpoint: root},
		Status: storage.ConnStatusConnected,
	}
	if err := env.store.CreateConnection(context.Background(), conn); err != nil {
		t.Fatalf("CreateConnection(%s) error = %v", backendType, err)
	}
	return conn.ID, root
}

func (env *testEnv) createJob(t *testing.T, srcConn, dstConn, mode string, mutate func(*storage.SyncJob)) *storage.SyncJob {
	t.Helper()
	job := &storage.SyncJob{
		OwnerID:      testOwner,
		SourceConnID: srcConn,
		DestConnID:   dstConn,
		SourcePath:   "/",
		DestPath:     "/",
		Mode:         mode,
	}
	if mutate != nil {
		mutate(job)
	}
	if err := env.engine.Create(context.Background(), job); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return job
}

// runAndWait starts the job and blocks until the run records an
// outcome.
func (env *testEnv) runAndWait(t *testing.T, jobID string) *storage.SyncJob {
	t.Helper()
	if err := env.engine.Start(context.Background(), jobID, testOwner); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return env.waitOutcome(t, jobID)
}

func (env *testEnv) waitOutcome(t *testing.T, jobID string) *storage.SyncJob {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if !env.engine.isActive(jobID) {
			job, err := env.store.GetSyncJob(context.Background(), jobID, testOwner)
			if err != nil {
				t.Fatalf("GetSyncJob() error = %v", err)
			}
			if job.LastOutcome != "" {
				return job
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("run never recorded an outcome")
	return nil
}

func writeFile(t *testing.T, root, rel, content string, mod time.Time) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", full, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", full, err)
	}
	if !mod.IsZero() {
		if err := os.Chtimes(full, mod, mod); err != nil {
			t.Fatalf("chtimes %s: %v", full, err)
		}
	}
}

func TestOneWaySyncUploadsOnlyChangedFiles(t *testing.T) {
	env := newTestEnv(t)
	srcConn, srcRoot := env.addConnection(t, localfs.TypeTag)
	dstConn, dstRoot := env.addConnection(t, "counting")

	t1 := time.Now().Add(-2 * time.Hour)
	t2 := time.Now().Add(-1 * time.Hour)
	writeFile(t, srcRoot, "a.txt", "new content", t2)
	writeFile(t, dstRoot, "a.txt", "old content", t1)
	writeFile(t, dstRoot, "b.txt", "destination only", t1)

	job := env.createJob(t, srcConn, dstConn, storage.ModeOneWay, nil)
	final := env.runAndWait(t, job.ID)

	if final.LastOutcome != storage.OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", final.LastOutcome)
	}
	if got := env.uploads.Load(); got != 1 {
		t.Errorf("uploads = %d, want exactly 1", got)
	}
	if data, _ := os.ReadFile(filepath.Join(dstRoot, "a.txt")); string(data) != "new content" {
		t.Errorf("a.txt = %q, want updated content", data)
	}
	if data, _ := os.ReadFile(filepath.Join(dstRoot, "b.txt")); string(data) != "destination only" {
		t.Errorf("b.txt was touched by a one-way run: %q", data)
	}
	if final.LastRunAt == nil {
		t.Error("LastRunAt not recorded")
	}
}

func TestOneWaySyncIdempotent(t *testing.T) {
	env := newTestEnv(t)
	srcConn, srcRoot := env.addConnection(t, localfs.TypeTag)
	dstConn, _ := env.addConnection(t, "counting")

	mod := time.Now().Add(-time.Hour)
	writeFile(t, srcRoot, "a.txt", "alpha", mod)
	writeFile(t, srcRoot, "docs/b.txt", "beta", mod)

	job := env.createJob(t, srcConn, dstConn, storage.ModeOneWay, func(j *storage.SyncJob) {
		j.Options.PreserveTimestamps = true
	})

	first := env.runAndWait(t, job.ID)
	if first.LastOutcome != storage.OutcomeSuccess {
		t.Fatalf("first run outcome = %s, want success", first.LastOutcome)
	}
	afterFirst := env.uploads.Load()
	if afterFirst != 2 {
		t.Fatalf("first run uploads = %d, want 2", afterFirst)
	}

	second := env.runAndWait(t, job.ID)
	if second.LastOutcome != storage.OutcomeSuccess {
		t.Fatalf("second run outcome = %s, want success", second.LastOutcome)
	}
	if got := env.uploads.Load(); got != afterFirst {
		t.Errorf("second run performed %d uploads, want 0", got-afterFirst)
	}
}

func TestMirrorSyncConverges(t *testing.T) {
	env := newTestEnv(t)
	srcConn, srcRoot := env.addConnection(t, localfs.TypeTag)
	dstConn, dstRoot := env.addConnection(t, localfs.TypeTag)

	mod := time.Now().Add(-time.Hour)
	writeFile(t, srcRoot, "a.txt", "alpha", mod)
	writeFile(t, dstRoot, "a.txt", "alpha", mod)
	writeFile(t, dstRoot, "c.txt", "orphan", mod)

	job := env.createJob(t, srcConn, dstConn, storage.ModeMirror, nil)
	final := env.runAndWait(t, job.ID)

	if final.LastOutcome != storage.OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", final.LastOutcome)
	}
	if _, err := os.Stat(filepath.Join(dstRoot, "c.txt")); !os.IsNotExist(err) {
		t.Error("orphan c.txt survived a mirror run")
	}

	srcInfo, err := os.Stat(filepath.Join(srcRoot, "a.txt"))
	if err != nil {
		t.Fatalf("stat source a.txt: %v", err)
	}
	dstInfo, err := os.Stat(filepath.Join(dstRoot, "a.txt"))
	if err != nil {
		t.Fatalf("mirror destination missing a.txt: %v", err)
	}
	if srcInfo.Size() != dstInfo.Size() {
		t.Errorf("sizes diverge after mirror: %d vs %d", srcInfo.Size(), dstInfo.Size())
	}
}

func TestTwoWaySyncPropagatesBothDirections(t *testing.T) {
	env := newTestEnv(t)
	srcConn, srcRoot := env.addConnection(t, localfs.TypeTag)
	dstConn, dstRoot := env.addConnection(t, localfs.TypeTag)

	mod := time.Now().Add(-time.Hour)
	writeFile(t, srcRoot, "here.txt", "from source", mod)
	writeFile(t, dstRoot, "there.txt", "from destination", mod)

	job := env.createJob(t, srcConn, dstConn, storage.ModeTwoWay, nil)
	final := env.runAndWait(t, job.ID)

	if final.LastOutcome != storage.OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", final.LastOutcome)
	}
	if _, err := os.Stat(filepath.Join(dstRoot, "here.txt")); err != nil {
		t.Errorf("here.txt not propagated to destination: %v", err)
	}
	if _, err := os.Stat(filepath.Join(srcRoot, "there.txt")); err != nil {
		t.Errorf("there.txt not propagated to source: %v", err)
	}
}

func TestSkipPolicyNeverAbortsRun(t *testing.T) {
	env := newTestEnv(t)
	srcConn, srcRoot := env.addConnection(t, localfs.TypeTag)
	dstConn, dstRoot := env.addConnection(t, "locked")

	mod := time.Now().Add(-time.Hour)
	writeFile(t, srcRoot, "a.txt", "alpha", mod)
	writeFile(t, srcRoot, "locked.txt", "rejected", mod)
	writeFile(t, srcRoot, "z.txt", "zeta", mod)

	job := env.createJob(t, srcConn, dstConn, storage.ModeOneWay, func(j *storage.SyncJob) {
		j.ConflictPolicy = storage.ConflictSkip
	})
	final := env.runAndWait(t, job.ID)

	if final.LastOutcome != storage.OutcomePartial {
		t.Fatalf("outcome = %s, want partial", final.LastOutcome)
	}
	// z.txt sorts after the failing entry, so its presence proves the
	// run continued past the failure.
	if _, err := os.Stat(filepath.Join(dstRoot, "z.txt")); err != nil {
		t.Errorf("operation after the failure did not run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dstRoot, "a.txt")); err != nil {
		t.Errorf("a.txt missing: %v", err)
	}
}

func TestRenamePolicyRetriesWithSuffixedName(t *testing.T) {
	env := newTestEnv(t)
	srcConn, srcRoot := env.addConnection(t, localfs.TypeTag)
	dstConn, dstRoot := env.addConnection(t, "locked")

	mod := time.Now().Add(-time.Hour)
	writeFile(t, srcRoot, "locked.txt", "rerouted", mod)

	job := env.createJob(t, srcConn, dstConn, storage.ModeOneWay, func(j *storage.SyncJob) {
		j.ConflictPolicy = storage.ConflictRename
	})
	final := env.runAndWait(t, job.ID)

	if final.LastOutcome != storage.OutcomeSuccess {
		t.Fatalf("outcome = %s, want success after rename retry", final.LastOutcome)
	}
	data, err := os.ReadFile(filepath.Join(dstRoot, "locked.conflict.txt"))
	if err != nil {
		t.Fatalf("renamed file missing: %v", err)
	}
	if string(data) != "rerouted" {
		t.Errorf("renamed file content = %q, want %q", data, "rerouted")
	}
}

func TestConcurrentStartConflicts(t *testing.T) {
	env := newTestEnv(t)
	srcConn, srcRoot := env.addConnection(t, localfs.TypeTag)
	dstConn, _ := env.addConnection(t, "slow")

	writeFile(t, srcRoot, "a.txt", "data", time.Time{})

	job := env.createJob(t, srcConn, dstConn, storage.ModeOneWay, nil)
	if err := env.engine.Start(context.Background(), job.ID, testOwner); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := env.engine.Start(context.Background(), job.ID, testOwner); !errors.Is(err, ErrJobActive) {
		t.Errorf("second Start() error = %v, want ErrJobActive", err)
	}
	env.waitOutcome(t, job.ID)
}

func TestStopCancelsRun(t *testing.T) {
	env := newTestEnv(t)
	srcConn, srcRoot := env.addConnection(t, localfs.TypeTag)
	dstConn, _ := env.addConnection(t, "slow")

	for i := 0; i < 5; i++ {
		writeFile(t, srcRoot, string(rune('a'+i))+".txt", "data", time.Time{})
	}

	job := env.createJob(t, srcConn, dstConn, storage.ModeOneWay, nil)
	events := make(chan string, 16)
	env.bus.Subscribe(func(ev event.Event) {
		if ev.JobID == job.ID {
			events <- ev.Type
		}
	})

	if err := env.engine.Start(context.Background(), job.ID, testOwner); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := env.engine.Stop(job.ID, testOwner); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	final := env.waitOutcome(t, job.ID)
	if final.LastOutcome != storage.OutcomeCancelled {
		t.Errorf("outcome = %s, want cancelled", final.LastOutcome)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case typ := <-events:
			if typ == event.TypeCompleted {
				t.Fatal("cancelled run published a completed event")
			}
			if typ == event.TypeCancelled {
				return
			}
		case <-deadline:
			t.Fatal("cancelled run published no cancelled event")
		}
	}
}

func TestStopRejectsForeignOwner(t *testing.T) {
	env := newTestEnv(t)
	srcConn, srcRoot := env.addConnection(t, localfs.TypeTag)
	dstConn, _ := env.addConnection(t, "slow")

	for i := 0; i < 3; i++ {
		writeFile(t, srcRoot, string(rune('a'+i))+".txt", "data", time.Time{})
	}

	job := env.createJob(t, srcConn, dstConn, storage.ModeOneWay, nil)
	if err := env.engine.Start(context.Background(), job.ID, testOwner); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := env.engine.Stop(job.ID, "other-owner"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Stop() with foreign owner error = %v, want ErrNotRunning", err)
	}

	final := env.waitOutcome(t, job.ID)
	if final.LastOutcome != storage.OutcomeSuccess {
		t.Errorf("outcome = %s, want success after rejected stop", final.LastOutcome)
	}
}

func TestAuthFailureFailsRun(t *testing.T) {
	env := newTestEnv(t)
	srcConn, srcRoot := env.addConnection(t, localfs.TypeTag)
	dstConn, _ := env.addConnection(t, "authfail")

	writeFile(t, srcRoot, "a.txt", "data", time.Time{})

	job := env.createJob(t, srcConn, dstConn, storage.ModeOneWay, nil)
	final := env.runAndWait(t, job.ID)

	if final.LastOutcome != storage.OutcomeFailed {
		t.Errorf("outcome = %s, want failed", final.LastOutcome)
	}
}

func TestMaxDepthLimitsTree(t *testing.T) {
	env := newTestEnv(t)
	srcConn, srcRoot := env.addConnection(t, localfs.TypeTag)
	dstConn, dstRoot := env.addConnection(t, localfs.TypeTag)

	mod := time.Now().Add(-time.Hour)
	writeFile(t, srcRoot, "top.txt", "shallow", mod)
	writeFile(t, srcRoot, "deep/nested/far.txt", "deep", mod)

	job := env.createJob(t, srcConn, dstConn, storage.ModeOneWay, func(j *storage.SyncJob) {
		j.Options.MaxDepth = 1
	})
	final := env.runAndWait(t, job.ID)

	if final.LastOutcome != storage.OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", final.LastOutcome)
	}
	if _, err := os.Stat(filepath.Join(dstRoot, "top.txt")); err != nil {
		t.Errorf("top.txt missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dstRoot, "deep")); !os.IsNotExist(err) {
		t.Error("depth-limited run descended into deep/")
	}
}

func TestDeleteRejectedWhileRunning(t *testing.T) {
	env := newTestEnv(t)
	srcConn, srcRoot := env.addConnection(t, localfs.TypeTag)
	dstConn, _ := env.addConnection(t, "slow")

	writeFile(t, srcRoot, "a.txt", "data", time.Time{})

	job := env.createJob(t, srcConn, dstConn, storage.ModeOneWay, nil)
	if err := env.engine.Start(context.Background(), job.ID, testOwner); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := env.engine.Delete(context.Background(), job.ID, testOwner); !errors.Is(err, ErrJobActive) {
		t.Errorf("Delete() while running error = %v, want ErrJobActive", err)
	}
	env.waitOutcome(t, job.ID)
}
