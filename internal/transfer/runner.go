package transfer

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/coralsync/coralsync/internal/event"
	"github.com/coralsync/coralsync/internal/provider"
	"github.com/coralsync/coralsync/internal/storage"
)

// ConnectProvider instantiates and authenticates a provider from a
// persisted connection. Shared with the sync engine.
func ConnectProvider(ctx context.Context, registry *provider.Registry, conn *storage.Connection) (provider.Provider, error) {
	p, err := registry.Create(conn.Type, conn.Config)
	if err != nil {
		return nil, err
	}
	if err := p.Authenticate(ctx, conn.Credentials, conn.Config); err != nil {
		return nil, err
	}
	return p, nil
}

// CopyFile streams one file from src to dst through the relay,
// counting bytes into counter as they pass. No on-disk staging.
func CopyFile(ctx context.Context, src, dst provider.Provider, srcFile provider.FileInfo, destPath string, opts *provider.UploadOptions, counter *atomic.Int64) error {
	r, err := src.DownloadFile(ctx, srcFile.Path)
	if err != nil {
		return fmt.Errorf("download %s: %w", srcFile.Path, err)
	}
	defer r.Close()

	cr := &countingReader{r: r, n: counter}
	if err := dst.UploadFile(ctx, destPath, cr, opts); err != nil {
		return fmt.Errorf("upload %s: %w", destPath, err)
	}
	return nil
}

// countingReader counts bytes flowing through the relay pipe.
type countingReader struct {
	r io.Reader
	n *atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.n != nil {
		c.n.Add(int64(n))
	}
	return n, err
}

// pauseRequested is the internal condition distinguishing a paused run
// from a cancelled or failed one.
type pauseRequested struct{}

func (pauseRequested) Error() string { return "pause requested" }

// run drives one execution from running to a final (or paused) status.
func (e *Engine) run(ctx context.Context, exec *execution) {
	job := exec.job
	log := e.logger.With(zap.String("job_id", job.ID))
	bg := context.Background()

	fail := func(err error) {
		now := time.Now()
		job.Status = storage.StatusFailed
		job.ErrorMessage = err.Error()
		job.CompletedAt = &now
		e.persist(bg, exec)
		e.publish(event.TypeFailed, job.OwnerID, job.ID, err.Error())
		log.Error("transfer failed", zap.Error(err))
	}

	srcConn, err := e.store.GetConnection(ctx, job.SourceConnID, job.OwnerID)
	if err != nil {
		fail(fmt.Errorf("load source connection: %w", err))
		return
	}
	dstConn, err := e.store.GetConnection(ctx, job.DestConnID, job.OwnerID)
	if err != nil {
		fail(fmt.Errorf("load destination connection: %w", err))
		return
	}

	src, err := ConnectProvider(ctx, e.registry, srcConn)
	if err != nil {
		fail(fmt.Errorf("source provider: %w", err))
		return
	}
	defer src.Disconnect()

	dst, err := ConnectProvider(ctx, e.registry, dstConn)
	if err != nil {
		fail(fmt.Errorf("destination provider: %w", err))
		return
	}
	defer dst.Disconnect()

	matcher, err := provider.CompileFilter(job.Filter)
	if err != nil {
		fail(fmt.Errorf("compile filter: %w", err))
		return
	}

	entries, err := walkSource(ctx, src, job.SourcePath, matcher)
	if err != nil {
		fail(fmt.Errorf("list source: %w", err))
		return
	}

	// Persist totals before any data moves.
	var filesTotal, bytesTotal int64
	for _, fi := range entries {
		if !fi.IsDir {
			filesTotal++
			bytesTotal += fi.Size
		}
	}
	exec.filesTotal.Store(filesTotal)
	exec.bytesTotal.Store(bytesTotal)

	now := time.Now()
	job.Status = storage.StatusRunning
	job.FilesTotal = filesTotal
	job.BytesTotal = bytesTotal
	job.StartedAt = &now
	job.ErrorMessage = ""
	if err := e.persist(bg, exec); err != nil {
		fail(fmt.Errorf("persist totals: %w", err))
		return
	}
	e.publish(event.TypeStarted, job.OwnerID, job.ID, exec.snapshot(storage.StatusRunning))

	log.Info("transfer started",
		zap.Int64("files_total", filesTotal),
		zap.Int64("bytes_total", bytesTotal))

	err = e.copyAll(ctx, exec, src, dst, entries, log)

	completedAt := time.Now()
	job.CompletedAt = &completedAt
	switch {
	case err == nil:
		job.Status = storage.StatusCompleted
		e.persist(bg, exec)
		e.publish(event.TypeCompleted, job.OwnerID, job.ID, exec.snapshot(storage.StatusCompleted))
		log.Info("transfer completed",
			zap.Int64("files_completed", exec.filesCompleted.Load()),
			zap.Int64("files_failed", exec.filesFailed.Load()))
	case isPause(err):
		job.Status = storage.StatusPaused
		job.CompletedAt = nil
		e.persist(bg, exec)
		e.publish(event.TypeProgressed, job.OwnerID, job.ID, exec.snapshot(storage.StatusPaused))
		log.Info("transfer paused")
	case ctx.Err() != nil || exec.signal.Load() == ctlCancel:
		job.Status = storage.StatusCancelled
		e.persist(bg, exec)
		e.publish(event.TypeCancelled, job.OwnerID, job.ID, exec.snapshot(storage.StatusCancelled))
		log.Info("transfer cancelled")
	default:
		fail(err)
	}
}

func isPause(err error) bool {
	_, ok := err.(pauseRequested)
	return ok
}

// copyAll walks the collected entries depth-first, creating
// directories and relaying files. Per-file failures are counted and
// the loop continues; authentication failures abort the run.
func (e *Engine) copyAll(ctx context.Context, exec *execution, src, dst provider.Provider, entries []provider.FileInfo, log *zap.Logger) error {
	job := exec.job
	lastPersist := time.Now()
	sinceProgress := 0

	for _, fi := range entries {
		switch exec.signal.Load() {
		case ctlPause:
			return pauseRequested{}
		case ctlCancel:
			return ctx.Err()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		destPath := mapDestPath(job.SourcePath, job.DestPath, fi.Path)

		if fi.IsDir {
			if err := dst.CreateFolder(ctx, destPath); err != nil && !provider.IsKind(err, provider.ErrKindAlreadyExists) {
				if provider.IsAuthFailure(err) {
					return fmt.Errorf("create folder %s: %w", destPath, err)
				}
				log.Warn("create folder failed", zap.String("path", destPath), zap.Error(err))
			}
			continue
		}

		opts := &provider.UploadOptions{
			Size:      fi.Size,
			Overwrite: job.Options.Overwrite,
		}
		if job.Options.PreserveTimestamps {
			opts.ModTime = fi.ModTime
		}

		err := CopyFile(ctx, src, dst, fi, destPath, opts, &exec.bytesTransferred)
		if err == nil && job.Options.VerifyIntegrity {
			err = verifyUpload(ctx, dst, fi, destPath)
		}

		switch {
		case err == nil:
			exec.filesCompleted.Add(1)
		case provider.IsAuthFailure(err):
			return err
		case provider.IsKind(err, provider.ErrKindAlreadyExists) && !job.Options.Overwrite:
			// A prior run already landed this file.
			exec.filesCompleted.Add(1)
			log.Debug("destination file already present", zap.String("path", destPath))
		default:
			exec.filesFailed.Add(1)
			job.ErrorMessage = err.Error()
			log.Warn("file transfer failed", zap.String("path", fi.Path), zap.Error(err))
		}

		sinceProgress++
		if sinceProgress >= e.cfg.ProgressFiles || time.Since(lastPersist) >= e.cfg.ProgressEvery {
			e.persist(context.Background(), exec)
			e.publish(event.TypeProgressed, job.OwnerID, job.ID, exec.snapshot(storage.StatusRunning))
			sinceProgress = 0
			lastPersist = time.Now()
		}
	}
	return nil
}

// verifyUpload compares the destination's reported size and checksum
// against the source file after a relay.
func verifyUpload(ctx context.Context, dst provider.Provider, srcFile provider.FileInfo, destPath string) error {
	info, err := dst.GetFileInfo(ctx, destPath)
	if err != nil {
		return fmt.Errorf("verify %s: %w", destPath, err)
	}
	if info.Size != srcFile.Size {
		return provider.Errorf(provider.ErrKindIntegrity,
			"size mismatch for %s: uploaded %d, source %d", destPath, info.Size, srcFile.Size)
	}
	if srcFile.Checksum != "" && info.Checksum != "" && info.Checksum != srcFile.Checksum {
		return provider.Errorf(provider.ErrKindIntegrity,
			"checksum mismatch for %s", destPath)
	}
	return nil
}

// walkSource lists the source tree depth-first. Directories appear
// before their children so destination folders exist ahead of the
// files they contain.
func walkSource(ctx context.Context, src provider.Provider, root string, matcher *provider.Matcher) ([]provider.FileInfo, error) {
	var out []provider.FileInfo
	var walk func(dir string) error
	walk = func(dir string) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entries, err := src.ListFiles(ctx, dir, nil)
		if err != nil {
			return err
		}
		for _, fi := range entries {
			if !matcher.Match(fi) {
				continue
			}
			out = append(out, fi)
			if fi.IsDir {
				if err := walk(fi.Path); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return out, nil
}

// mapDestPath rebases a source file path under the destination root.
func mapDestPath(srcRoot, dstRoot, filePath string) string {
	rel := provider.RelPath(srcRoot, filePath)
	return provider.JoinPath(dstRoot, rel)
}

// persist writes the execution's live counters into the job record.
func (e *Engine) persist(ctx context.Context, exec *execution) error {
	job := exec.job
	job.FilesTotal = exec.filesTotal.Load()
	job.FilesCompleted = exec.filesCompleted.Load()
	job.FilesFailed = exec.filesFailed.Load()
	job.BytesTotal = exec.bytesTotal.Load()
	job.BytesTransferred = exec.bytesTransferred.Load()

	snap := exec.snapshot(job.Status)
	job.SpeedBps = snap.SpeedBps
	job.ETASeconds = snap.ETASeconds

	if err := e.store.UpdateTransferJob(ctx, job); err != nil {
		e.logger.Error("failed to persist job progress",
			zap.String("job_id", job.ID),
			zap.Error(err))
		return err
	}
	return nil
}
