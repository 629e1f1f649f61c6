package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/onnwee/lessonsync/internal/cache"
	"github.com/onnwee/lessonsync/internal/logger"
	"github.com/onnwee/lessonsync/internal/metrics"
	"github.com/onnwee/lessonsync/internal/notify"
	"github.com/onnwee/lessonsync/internal/tracing"
)

// RunOptions parameterize one RunSync call.
type RunOptions struct {
	Kind    RunKind
	Trigger Trigger
	// Budget limits the bytes transferred. Nil means unlimited.
	Budget Budget
}

// runState accumulates the counters of one run.
type runState struct {
	rec       RunRecord
	succeeded int
	changeErr error
}

// RunSync performs one reconciliation pass: uploads first, then the change
// feed, then downloads. Every item is handled independently; a failure only
// affects that item. The returned record is also appended to the history.
func (q *Queue) RunSync(ctx context.Context, remote Remote, opts RunOptions) RunRecord {
	if opts.Kind == "" {
		opts.Kind = RunIncremental
	}
	if opts.Trigger == "" {
		opts.Trigger = TriggerManual
	}
	budget := opts.Budget
	if budget == nil {
		budget = Unlimited
	}

	st := &runState{rec: RunRecord{
		ID:        uuid.NewString(),
		StartedAt: q.now(),
		Kind:      opts.Kind,
		Trigger:   opts.Trigger,
	}}
	ctx, span := tracing.StartSpan(ctx, "syncqueue.RunSync")
	defer span.End()
	span.SetAttributes(
		attribute.String("sync.run_id", st.rec.ID),
		attribute.String("sync.kind", string(opts.Kind)),
		attribute.String("sync.trigger", string(opts.Trigger)),
	)
	ctx = logger.WithRunID(ctx, st.rec.ID)
	log := q.log.With("run_id", st.rec.ID, "trigger", opts.Trigger)
	start := time.Now()

	for _, it := range q.drainOrder(LaneUpload) {
		if ctx.Err() != nil {
			break
		}
		if !budget.Take(it.SizeBytes) {
			st.rec.Deferred++
			continue
		}
		q.upload(ctx, remote, it, st)
	}

	var batch []Change
	since := q.Watermark()
	if opts.Kind == RunFull {
		since = 0
	}
	if ctx.Err() == nil {
		changes, err := q.changesSince(ctx, remote, since)
		if err != nil {
			st.changeErr = err
			log.Warn("change feed failed", "since", since, "error", err)
		} else {
			batch = changes
			q.mergeChanges(ctx, changes, st)
		}
	}

	for _, it := range q.drainOrder(LaneDownload) {
		if ctx.Err() != nil {
			break
		}
		if !budget.Take(it.SizeBytes) {
			st.rec.Deferred++
			continue
		}
		q.download(ctx, remote, it, st)
	}

	if st.changeErr == nil && len(batch) > 0 {
		q.advanceWatermark(ctx, batch)
	}

	rec := st.finish(ctx.Err())
	rec.Watermark = q.Watermark()
	rec.Duration = time.Since(start)
	if err := q.AppendRun(context.WithoutCancel(ctx), rec); err != nil {
		log.Error("record run failed", "error", err)
	}

	metrics.SyncRunsTotal.WithLabelValues(string(rec.Outcome)).Inc()
	metrics.SyncRunDuration.WithLabelValues(string(rec.Outcome)).Observe(rec.Duration.Seconds())
	span.SetAttributes(
		attribute.String("sync.outcome", string(rec.Outcome)),
		attribute.Int("sync.items", rec.ItemsProcessed),
		attribute.Int64("sync.bytes", rec.BytesTransferred),
	)
	if rec.Outcome == OutcomeError {
		span.SetStatus(codes.Error, rec.Error)
	}
	log.Info("sync run finished",
		"outcome", rec.Outcome,
		"uploaded", rec.Uploaded,
		"downloaded", rec.Downloaded,
		"conflicts", rec.Conflicts,
		"failed", rec.Failed,
		"deferred", rec.Deferred,
		"bytes", rec.BytesTransferred,
		"duration_ms", rec.Duration.Milliseconds(),
	)
	q.announce(ctx, rec)
	return rec
}

func (st *runState) finish(ctxErr error) RunRecord {
	rec := st.rec
	rec.ItemsProcessed = rec.Uploaded + rec.Downloaded + rec.Conflicts + rec.Failed
	var errs []error
	if st.changeErr != nil {
		errs = append(errs, st.changeErr)
	}
	if ctxErr != nil {
		errs = append(errs, fmt.Errorf("run interrupted: %w", ctxErr))
	}
	if rec.Failed > 0 {
		errs = append(errs, fmt.Errorf("%d items failed", rec.Failed))
	}
	if err := errors.Join(errs...); err != nil {
		rec.Error = err.Error()
	}
	switch {
	case len(errs) == 0:
		rec.Outcome = OutcomeSuccess
	case st.succeeded+rec.Conflicts == 0:
		rec.Outcome = OutcomeError
	default:
		rec.Outcome = OutcomePartial
	}
	return rec
}

func (q *Queue) announce(ctx context.Context, rec RunRecord) {
	switch rec.Outcome {
	case OutcomeSuccess:
		if rec.ItemsProcessed > 0 {
			notify.Emit(ctx, q.sink, notify.LevelInfo, notifySource, fmt.Sprintf("Sync completed: %d items updated", rec.ItemsProcessed))
		}
	case OutcomePartial:
		notify.Emit(ctx, q.sink, notify.LevelWarning, notifySource, fmt.Sprintf("Sync partly completed: %d items could not be synced", rec.Failed))
	case OutcomeError:
		notify.Emit(ctx, q.sink, notify.LevelError, notifySource, "Sync failed, will try again later")
	}
	if rec.Conflicts > 0 {
		notify.Emit(ctx, q.sink, notify.LevelWarning, notifySource, fmt.Sprintf("%d items changed on another device and need your attention", rec.Conflicts))
	}
}

// drainOrder snapshots a lane: highest priority first, oldest change first.
func (q *Queue) drainOrder(lane Lane) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Item
	for _, it := range q.items {
		if it.Lane == lane {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ra, rb := a.Priority.Rank(), b.Priority.Rank(); ra != rb {
			return ra > rb
		}
		if !a.LastModifiedAt.Equal(b.LastModifiedAt) {
			return a.LastModifiedAt.Before(b.LastModifiedAt)
		}
		return a.ID < b.ID
	})
	return out
}

func (q *Queue) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, q.cfg.RemoteTimeout)
}

func (q *Queue) upload(ctx context.Context, remote Remote, it Item, st *runState) {
	payload, _, err := q.local.Payload(ctx, it.ID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		q.fail(ctx, it, fmt.Errorf("read local copy: %w", err), st, "upload", true)
		return
	}

	callCtx, cancel := q.callContext(ctx)
	res, err := remote.Write(callCtx, it.ID, payload, it.LocalVersion)
	cancel()
	if err != nil {
		q.fail(ctx, it, &TransportError{Op: "write", ID: it.ID, Err: err}, st, "upload", permanent(err))
		return
	}

	if res.Conflict && res.RemoteVersion == 0 {
		q.fail(ctx, it, &TransportError{Op: "write", ID: it.ID, Err: errors.New("conflict reported without a remote version")}, st, "upload", false)
		return
	}

	pctx := context.WithoutCancel(ctx)
	q.mu.Lock()
	cur, ok := q.items[it.ID]
	if !ok {
		q.mu.Unlock()
		return
	}
	if res.Conflict {
		if cur.rev == it.rev {
			cur.markConflict(res.RemoteVersion)
			st.rec.Conflicts++
			metrics.SyncItemsProcessed.WithLabelValues("upload", "conflict").Inc()
		} else {
			cur.RemoteVersion = max(cur.RemoteVersion, res.RemoteVersion)
		}
		err = q.persistItemLocked(pctx, cur)
		q.mu.Unlock()
		if err != nil {
			q.log.Warn("persist conflict failed", "id", it.ID, "error", err)
		}
		return
	}

	q.known[it.ID] = res.Version
	perr := q.persistVersionLocked(pctx, it.ID)
	synced := cur.rev == it.rev
	if synced {
		delete(q.items, it.ID)
		perr = errors.Join(perr, q.deleteItemLocked(pctx, it.ID))
	} else {
		// A newer local change arrived mid-upload: base it on what we just wrote.
		cur.LocalVersion = res.Version + 1
		cur.BaseVersion = res.Version
		perr = errors.Join(perr, q.persistItemLocked(pctx, cur))
	}
	q.mu.Unlock()
	if perr != nil {
		q.log.Warn("persist upload result failed", "id", it.ID, "error", perr)
	}

	st.rec.Uploaded++
	st.rec.BytesTransferred += int64(len(payload))
	st.succeeded++
	metrics.SyncItemsProcessed.WithLabelValues("upload", "ok").Inc()
	metrics.SyncBytesTransferred.WithLabelValues("upload").Add(float64(len(payload)))
	if synced {
		if err := q.local.MarkSynced(pctx, it.ID, uint64(res.Version)); err != nil && !errors.Is(err, cache.ErrNotFound) {
			q.log.Warn("mark cache entry synced failed", "id", it.ID, "error", err)
		}
	}
}

// fail records a failed attempt on it. Items reaching MaxRetries move to the
// error lane, as do terminal failures: local cache errors and permanent
// remote rejections, which a retry in the next run cannot fix. A newer local change that replaced it is left alone.
func (q *Queue) fail(ctx context.Context, it Item, cause error, st *runState, direction string, terminal bool) {
	st.rec.Failed++
	metrics.SyncItemsProcessed.WithLabelValues(direction, "error").Inc()

	q.mu.Lock()
	defer q.mu.Unlock()
	cur, ok := q.items[it.ID]
	if !ok || cur.rev != it.rev {
		return
	}
	cur.RetryCount++
	cur.ErrorMessage = cause.Error()
	if terminal || cur.RetryCount >= q.cfg.MaxRetries {
		cur.Origin = cur.Lane
		cur.Lane = LaneError
		q.log.Warn("item moved to error lane", "id", cur.ID, "retry_count", cur.RetryCount, "error", cause)
		notify.Emit(ctx, q.sink, notify.LevelError, notifySource, fmt.Sprintf("Could not sync %q after %d attempts", cur.ID, cur.RetryCount))
	} else {
		q.log.Info("item attempt failed", "id", cur.ID, "retry_count", cur.RetryCount, "error", cause)
	}
	q.rev++
	cur.rev = q.rev
	if err := q.persistItemLocked(context.WithoutCancel(ctx), cur); err != nil {
		q.log.Warn("persist failed item", "id", cur.ID, "error", err)
	}
}

func (q *Queue) changesSince(ctx context.Context, remote Remote, since Watermark) ([]Change, error) {
	callCtx, cancel := q.callContext(ctx)
	defer cancel()
	changes, err := remote.ChangesSince(callCtx, since)
	if err != nil {
		return nil, &TransportError{Op: "changes", Err: err}
	}
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].Seq < changes[j].Seq })
	return changes, nil
}

// mergeChanges files each unseen remote change: into the download lane, or
// into conflict when a local change for the same id is pending.
func (q *Queue) mergeChanges(ctx context.Context, changes []Change, st *runState) {
	ctx = context.WithoutCancel(ctx)
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for _, ch := range changes {
		if ch.ID == "" || ch.Version <= q.known[ch.ID] {
			continue
		}
		cur, ok := q.items[ch.ID]
		switch {
		case !ok:
			cur = &Item{
				ID:             ch.ID,
				Kind:           ch.Kind,
				SizeBytes:      ch.SizeBytes,
				LastModifiedAt: now,
				Lane:           LaneDownload,
				Origin:         LaneDownload,
				Priority:       cache.PriorityMedium,
				LocalVersion:   q.known[ch.ID],
				BaseVersion:    q.known[ch.ID],
				CreatedAt:      now,
			}
			q.items[ch.ID] = cur
		case cur.Lane == LaneUpload || (cur.Lane == LaneError && cur.Origin == LaneUpload):
			// Both sides moved past the version the local change was based on.
			cur.Lane = LaneConflict
			st.rec.Conflicts++
			metrics.SyncItemsProcessed.WithLabelValues("download", "conflict").Inc()
			q.log.Info("remote change collides with local change", "id", ch.ID, "base_version", cur.BaseVersion, "local_version", cur.LocalVersion, "remote_version", ch.Version)
		case cur.Lane == LaneDownload:
			cur.SizeBytes = ch.SizeBytes
			if ch.Kind != "" {
				cur.Kind = ch.Kind
			}
		}
		if cur.Lane == LaneConflict {
			cur.markConflict(ch.Version)
			cur.Deleted = ch.Deleted
		} else {
			cur.RemoteVersion = max(cur.RemoteVersion, ch.Version)
		}
		if cur.Lane == LaneDownload || cur.Origin == LaneDownload {
			cur.ChangeSeq = ch.Seq
			cur.Deleted = ch.Deleted
		}
		q.rev++
		cur.rev = q.rev
		if err := q.persistItemLocked(ctx, cur); err != nil {
			q.log.Warn("persist remote change failed", "id", ch.ID, "error", err)
		}
	}
}

func (q *Queue) download(ctx context.Context, remote Remote, it Item, st *runState) {
	var (
		payload []byte
		version = it.RemoteVersion
	)
	if it.Deleted {
		if err := q.local.Evict(ctx, it.ID); err != nil {
			q.fail(ctx, it, fmt.Errorf("remove local copy: %w", err), st, "download", ctx.Err() == nil)
			return
		}
	} else {
		callCtx, cancel := q.callContext(ctx)
		p, v, err := remote.Read(callCtx, it.ID)
		cancel()
		if err != nil {
			q.fail(ctx, it, &TransportError{Op: "read", ID: it.ID, Err: err}, st, "download", permanent(err))
			return
		}
		payload, version = p, max(v, it.RemoteVersion)

		q.mu.Lock()
		cur, ok := q.items[it.ID]
		stale := !ok || cur.rev != it.rev
		q.mu.Unlock()
		if stale {
			// A local change took the id over; the upload path reconciles it.
			return
		}
		if err := q.local.ApplyRemote(ctx, it.ID, it.Kind, payload, uint64(version)); err != nil {
			q.fail(ctx, it, fmt.Errorf("apply to cache: %w", err), st, "download", ctx.Err() == nil)
			return
		}
	}

	pctx := context.WithoutCancel(ctx)
	q.mu.Lock()
	if cur, ok := q.items[it.ID]; ok && cur.rev == it.rev {
		delete(q.items, it.ID)
		if err := q.deleteItemLocked(pctx, it.ID); err != nil {
			q.log.Warn("delete downloaded item failed", "id", it.ID, "error", err)
		}
	}
	if version > q.known[it.ID] {
		q.known[it.ID] = version
		if err := q.persistVersionLocked(pctx, it.ID); err != nil {
			q.log.Warn("persist version failed", "id", it.ID, "error", err)
		}
	}
	q.mu.Unlock()

	st.rec.Downloaded++
	st.rec.BytesTransferred += int64(len(payload))
	st.succeeded++
	metrics.SyncItemsProcessed.WithLabelValues("download", "ok").Inc()
	metrics.SyncBytesTransferred.WithLabelValues("download").Add(float64(len(payload)))
}

// advanceWatermark moves the watermark to the highest sequence of batch that
// has no unprocessed change at or before it. It never moves backwards.
func (q *Queue) advanceWatermark(ctx context.Context, batch []Change) {
	q.mu.Lock()
	defer q.mu.Unlock()
	next := batch[len(batch)-1].Seq
	for _, it := range q.items {
		if it.ChangeSeq == 0 || (it.Lane != LaneDownload && !(it.Lane == LaneError && it.Origin == LaneDownload)) {
			continue
		}
		if it.ChangeSeq-1 < next {
			next = it.ChangeSeq - 1
		}
	}
	if next <= q.watermark {
		return
	}
	q.watermark = next
	if err := q.persistWatermarkLocked(context.WithoutCancel(ctx)); err != nil {
		q.log.Warn("persist watermark failed", "error", err)
	}
}
