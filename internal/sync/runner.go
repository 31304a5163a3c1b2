package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coralsync/coralsync/internal/event"
	"github.com/coralsync/coralsync/internal/provider"
	"github.com/coralsync/coralsync/internal/storage"
	"github.com/coralsync/coralsync/internal/transfer"
)

// runResult accumulates the outcome of one reconciliation pass.
type runResult struct {
	planned   int
	succeeded int
	failed    int
	lastErr   error
}

func (r *runResult) outcome(ctx context.Context) string {
	switch {
	case ctx.Err() != nil:
		return storage.OutcomeCancelled
	case r.failed == 0:
		return storage.OutcomeSuccess
	case r.succeeded > 0 || r.failed < r.planned:
		return storage.OutcomePartial
	default:
		return storage.OutcomeFailed
	}
}

// run executes one reconciliation pass and records the outcome.
func (e *Engine) run(ctx context.Context, job *storage.SyncJob) {
	log := e.logger.With(zap.String("job_id", job.ID), zap.String("mode", job.Mode))
	started := time.Now()
	e.publish(event.TypeStarted, job.OwnerID, job.ID)

	res, err := e.reconcile(ctx, job, log)

	outcome := res.outcome(ctx)
	if err != nil {
		outcome = storage.OutcomeFailed
		if ctx.Err() != nil {
			outcome = storage.OutcomeCancelled
		}
		log.Error("sync run aborted", zap.Error(err))
	}

	e.finish(job, started, outcome, log)

	switch outcome {
	case storage.OutcomeFailed:
		e.publish(event.TypeFailed, job.OwnerID, job.ID)
	case storage.OutcomeCancelled:
		e.publish(event.TypeCancelled, job.OwnerID, job.ID)
	default:
		e.publish(event.TypeCompleted, job.OwnerID, job.ID)
	}
	log.Info("sync run finished",
		zap.String("outcome", outcome),
		zap.Int("planned", res.planned),
		zap.Int("succeeded", res.succeeded),
		zap.Int("failed", res.failed),
		zap.Duration("elapsed", time.Since(started)))
}

// finish records run history and the next trigger time on the job row.
// The stored row is re-read so a concurrent definition update between
// trigger and completion is not clobbered.
func (e *Engine) finish(job *storage.SyncJob, started time.Time, outcome string, log *zap.Logger) {
	bg := context.Background()
	current, err := e.store.GetSyncJob(bg, job.ID, job.OwnerID)
	if err != nil {
		log.Warn("record run outcome failed", zap.Error(err))
		return
	}
	current.LastRunAt = &started
	current.LastOutcome = outcome
	if current.Enabled && current.Schedule != "" {
		if next, nerr := NextRun(current.Schedule, time.Now()); nerr == nil {
			current.NextRunAt = &next
		}
	}
	if err := e.store.UpdateSyncJob(bg, current); err != nil {
		log.Warn("record run outcome failed", zap.Error(err))
	}
}

// reconcile lists both trees, computes the plan, and applies it
// sequentially. A non-nil error means the run aborted before or during
// the plan; per-operation failures are tallied in the result instead.
func (e *Engine) reconcile(ctx context.Context, job *storage.SyncJob, log *zap.Logger) (runResult, error) {
	var res runResult

	srcConn, err := e.store.GetConnection(ctx, job.SourceConnID, job.OwnerID)
	if err != nil {
		return res, fmt.Errorf("load source connection: %w", err)
	}
	dstConn, err := e.store.GetConnection(ctx, job.DestConnID, job.OwnerID)
	if err != nil {
		return res, fmt.Errorf("load destination connection: %w", err)
	}

	src, err := transfer.ConnectProvider(ctx, e.registry, srcConn)
	if err != nil {
		return res, fmt.Errorf("source provider: %w", err)
	}
	defer src.Disconnect()

	dst, err := transfer.ConnectProvider(ctx, e.registry, dstConn)
	if err != nil {
		return res, fmt.Errorf("destination provider: %w", err)
	}
	defer dst.Disconnect()

	matcher, err := provider.CompileFilter(job.Filter)
	if err != nil {
		return res, fmt.Errorf("compile filter: %w", err)
	}

	srcTree, err := collectTree(ctx, src, job.SourcePath, matcher, job.Options.MaxDepth)
	if err != nil {
		return res, fmt.Errorf("list source: %w", err)
	}
	dstTree, err := collectTree(ctx, dst, job.DestPath, matcher, job.Options.MaxDepth)
	if err != nil {
		return res, fmt.Errorf("list destination: %w", err)
	}

	ops := Plan(job.Mode, srcTree, dstTree, job.Options)
	res.planned = len(ops)
	log.Info("reconciliation planned",
		zap.Int("source_files", len(srcTree)),
		zap.Int("destination_files", len(dstTree)),
		zap.Int("operations", len(ops)))

	for _, op := range ops {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := e.apply(ctx, job, src, dst, op); err != nil {
			if provider.IsAuthFailure(err) {
				return res, err
			}
			res.failed++
			res.lastErr = err
			log.Warn("operation failed",
				zap.String("op", string(op.Kind)),
				zap.String("path", op.RelPath),
				zap.Error(err))
			continue
		}
		res.succeeded++
	}
	return res, nil
}

// apply executes one operation through the shared relay primitives.
// The conflict policy decides what a failed upload or download does:
// skip and overwrite both move on, rename retries once against a
// suffixed destination name.
func (e *Engine) apply(ctx context.Context, job *storage.SyncJob, src, dst provider.Provider, op Operation) error {
	switch op.Kind {
	case OpUpload:
		destPath := provider.JoinPath(job.DestPath, op.RelPath)
		return e.copy(ctx, job, src, dst, op.File, destPath)
	case OpDownload:
		destPath := provider.JoinPath(job.SourcePath, op.RelPath)
		return e.copy(ctx, job, dst, src, op.File, destPath)
	case OpDelete:
		return dst.DeleteFile(ctx, op.File.Path)
	default:
		return fmt.Errorf("unknown operation kind: %s", op.Kind)
	}
}

func (e *Engine) copy(ctx context.Context, job *storage.SyncJob, from, to provider.Provider, file provider.FileInfo, destPath string) error {
	if dir := parentOf(destPath); dir != "/" {
		if err := to.CreateFolder(ctx, dir); err != nil && !provider.IsKind(err, provider.ErrKindAlreadyExists) {
			if provider.IsAuthFailure(err) {
				return err
			}
			e.logger.Debug("create folder failed", zap.String("path", dir), zap.Error(err))
		}
	}

	opts := &provider.UploadOptions{Size: file.Size, Overwrite: true}
	if job.Options.PreserveTimestamps {
		opts.ModTime = file.ModTime
	}

	err := transfer.CopyFile(ctx, from, to, file, destPath, opts, nil)
	if err == nil {
		return nil
	}
	if job.ConflictPolicy == storage.ConflictRename && !provider.IsAuthFailure(err) {
		renamed := conflictName(destPath)
		if rerr := transfer.CopyFile(ctx, from, to, file, renamed, opts, nil); rerr == nil {
			e.logger.Info("conflict resolved by rename",
				zap.String("path", destPath),
				zap.String("renamed", renamed))
			return nil
		}
	}
	return err
}

// collectTree flattens one side into rel-path keyed file entries.
// maxDepth 0 means unlimited; depth 1 is the tree root's immediate
// children.
func collectTree(ctx context.Context, p provider.Provider, root string, matcher *provider.Matcher, maxDepth int) (Tree, error) {
	tree := make(Tree)
	var walk func(dir string, depth int) error
	walk = func(dir string, depth int) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entries, err := p.ListFiles(ctx, dir, nil)
		if err != nil {
			return err
		}
		for _, fi := range entries {
			if !matcher.Match(fi) {
				continue
			}
			if fi.IsDir {
				if maxDepth > 0 && depth >= maxDepth {
					continue
				}
				if err := walk(fi.Path, depth+1); err != nil {
					return err
				}
				continue
			}
			tree[provider.RelPath(root, fi.Path)] = fi
		}
		return nil
	}
	if err := walk(root, 1); err != nil {
		return nil, err
	}
	return tree, nil
}

func parentOf(p string) string {
	idx := strings.LastIndex(p, "/")
	if idx <= 0 {
		return "/"
	}
	return p[:idx]
}
