package jobs

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"feelinglocal-core/internal/domain/entity"
	"feelinglocal-core/internal/usecase/chunker"
)

// Progress checkpoints of a job.
const (
	progressValidated = 5
	progressPlanned   = 10
	progressChunks    = 20 // first chunk starts here
	progressChunksEnd = 90
	progressFinalize  = 95
	progressDone      = 100
)

var errLostClaim = entity.NewError(entity.KindInternal, "jobs.process", "claim lost to another worker", nil)

func (q *Queue) process(ctx context.Context, kind entity.JobKind, id string) {
	job, err := q.store.Get(ctx, id)
	if err != nil {
		zap.S().Warnw("job record unavailable", "job_id", id, "error", err)
		if entity.KindOf(err) == entity.KindNotFound {
			q.ack(kind, id)
		}
		return
	}
	if job.Status.Terminal() {
		q.ack(kind, id)
		return
	}
	ok, err := q.store.Claim(ctx, id, q.owner, q.cfg.ClaimTTL)
	if err != nil || !ok {
		// Left in processing: the holder settles it, or the sweep once the claim lapses.
		zap.S().Debugw("job claimed elsewhere", "job_id", id, "error", err)
		return
	}
	defer q.release(id)
	settled := true
	defer func() {
		if settled {
			q.ack(kind, id)
		}
	}()

	q.active.Add(1)
	defer q.active.Add(-1)

	if q.cancelRequested(ctx, id) {
		q.finish(ctx, job, nil, entity.NewError(entity.KindCanceled, "jobs.process", "canceled before start", nil))
		return
	}

	now := q.now().UTC()
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.Status = entity.JobActive
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.cfg.MaxAttempts
	}

	for {
		job.Attempts++
		q.advance(ctx, job, progressValidated, "validate")

		result, err := q.execute(ctx, job)
		if err == nil {
			q.finish(ctx, job, result, nil)
			return
		}

		switch {
		case errors.Is(err, errLostClaim):
			zap.S().Warnw("job abandoned", "job_id", id)
			return
		case ctx.Err() != nil:
			q.requeue(job)
			settled = false
			return
		}

		e := entity.AsError(err)
		if e.Kind == entity.KindCanceled || e.Kind == entity.KindValidation || job.Attempts >= job.MaxAttempts {
			q.finish(ctx, job, nil, e)
			return
		}

		wait := q.backoff(job.Attempts)
		zap.S().Warnw("job attempt failed, retrying from checkpoint",
			"job_id", id,
			"attempt", job.Attempts,
			"max_attempts", job.MaxAttempts,
			"wait", wait,
			"error", err,
		)
		job.Stage = "retry"
		q.save(ctx, job)
		if !sleep(ctx, wait) {
			q.requeue(job)
			settled = false
			return
		}
	}
}

func (q *Queue) backoff(attempt int) time.Duration {
	d := q.cfg.RetryBase << (attempt - 1)
	if q.cfg.RetryMax > 0 && (d > q.cfg.RetryMax || d <= 0) {
		d = q.cfg.RetryMax
	}
	return d
}

// unit is one planned piece of work, uniform across job kinds.
type unit struct {
	index int
	text  string
	items []string
}

func (q *Queue) plan(job *entity.Job) (int, func(from int) []unit, error) {
	switch job.Kind {
	case entity.JobSingleText:
		p, err := chunker.PlanText(job.Payload.Text, q.cfg.ChunkRunes)
		if err != nil {
			return 0, nil, err
		}
		return p.Len(), func(from int) []unit {
			var out []unit
			for i, c := range p.From(from) {
				out = append(out, unit{index: i, text: c.Text})
			}
			return out
		}, nil
	default:
		p, err := chunker.PlanBatch(job.Payload.Items, q.cfg.Budget)
		if err != nil {
			return 0, nil, err
		}
		return p.Len(), func(from int) []unit {
			var out []unit
			for i, g := range p.From(from) {
				out = append(out, unit{index: i, items: g.Items})
			}
			return out
		}, nil
	}
}

// execute runs the remaining chunks of job, saving a checkpoint after each.
func (q *Queue) execute(ctx context.Context, job *entity.Job) (*entity.JobResult, error) {
	total, from, err := q.plan(job)
	if err != nil {
		return nil, err
	}
	q.advance(ctx, job, progressPlanned, "plan")

	cp := job.Checkpoint
	if cp == nil {
		cp = &entity.JobCheckpoint{}
		job.Checkpoint = cp
	}

	for _, u := range from(cp.NextChunk) {
		if q.cancelRequested(ctx, job.ID) {
			return nil, entity.NewError(entity.KindCanceled, "jobs.process", "canceled by user", nil)
		}
		if ok, err := q.store.Claim(ctx, job.ID, q.owner, q.cfg.ClaimTTL); err == nil && !ok {
			return nil, errLostClaim
		}

		req := entity.ChunkRequest{
			UserTier:        job.UserTier,
			Text:            u.text,
			Items:           u.items,
			Params:          job.Payload.Params,
			PreferredEngine: job.Payload.PreferredEngine,
			AllowPremium:    job.Payload.AllowPremium,
			Degrade:         true,
		}
		var res *entity.ChunkResult
		if job.Kind == entity.JobSingleText {
			res, err = q.tr.TranslateChunk(ctx, req)
		} else {
			res, err = q.tr.TranslateItems(ctx, req)
		}

		switch {
		case err == nil:
		case entity.IsDegraded(err):
			res = q.placeholder(u)
			cp.Degraded++
			zap.S().Warnw("chunk degraded", "job_id", job.ID, "chunk", u.index, "error", err)
		default:
			return nil, err
		}

		if job.Kind == entity.JobSingleText {
			cp.Outputs = append(cp.Outputs, res.Text)
		} else {
			if len(res.Items) != len(u.items) {
				return nil, entity.NewError(entity.KindBackend, "jobs.process", "engine returned a different item count", nil)
			}
			cp.Outputs = append(cp.Outputs, res.Items...)
		}
		if res.Engine != "" && !slices.Contains(cp.Engines, res.Engine) {
			cp.Engines = append(cp.Engines, res.Engine)
		}
		cp.NextChunk = u.index + 1

		pct := progressChunks + (progressChunksEnd-progressChunks)*cp.NextChunk/total
		q.advance(ctx, job, pct, "translate")
	}

	q.advance(ctx, job, progressFinalize, "finalize")
	result := &entity.JobResult{
		Metadata: entity.JobMetadata{
			ChunkCount:     total,
			DegradedChunks: cp.Degraded,
			Engines:        append([]string{}, cp.Engines...),
			Attempts:       job.Attempts,
		},
	}
	if job.Kind == entity.JobSingleText {
		result.Text = chunker.Join(cp.Outputs)
		result.Metadata.InputChars = utf8.RuneCountInString(job.Payload.Text)
		result.Metadata.OutputChars = utf8.RuneCountInString(result.Text)
	} else {
		result.Items = append([]string{}, cp.Outputs...)
		result.Metadata.InputChars = runes(job.Payload.Items)
		result.Metadata.OutputChars = runes(result.Items)
	}
	if job.StartedAt != nil {
		result.Metadata.DurationMsec = q.now().Sub(*job.StartedAt).Milliseconds()
	}
	return result, nil
}

func (q *Queue) placeholder(u unit) *entity.ChunkResult {
	if u.items == nil {
		return &entity.ChunkResult{Text: q.cfg.Placeholder, Degraded: true}
	}
	items := make([]string, len(u.items))
	for i := range items {
		items[i] = q.cfg.Placeholder
	}
	return &entity.ChunkResult{Items: items, Degraded: true}
}

func runes(items []string) int {
	return utf8.RuneCountInString(strings.Join(items, ""))
}

// advance moves progress forward only, then persists and publishes the job.
func (q *Queue) advance(ctx context.Context, job *entity.Job, pct int, stage string) {
	if pct < job.Progress {
		pct = job.Progress
	}
	job.Progress = pct
	job.Stage = stage
	q.save(ctx, job)
	q.publish(ctx, job)
}

// finish writes the terminal record exactly once.
func (q *Queue) finish(ctx context.Context, job *entity.Job, result *entity.JobResult, failure *entity.Error) {
	ctx = context.WithoutCancel(ctx)
	now := q.now().UTC()
	job.FinishedAt = &now
	job.Checkpoint = nil
	if failure != nil {
		job.Status = entity.JobFailed
		job.Stage = "failed"
		job.Error = failure
	} else {
		job.Status = entity.JobCompleted
		job.Stage = "completed"
		job.Progress = progressDone
		job.Result = result
	}
	q.save(ctx, job)
	q.publish(ctx, job)

	var d time.Duration
	if job.StartedAt != nil {
		d = now.Sub(*job.StartedAt)
	}
	q.metrics.JobFinished(job.Kind, job.Status, d)
	if failure != nil {
		zap.S().Warnw("job failed", "job_id", job.ID, "kind", job.Kind, "attempts", job.Attempts, "error", failure)
		return
	}
	zap.S().Infow("job completed",
		"job_id", job.ID,
		"kind", job.Kind,
		"chunks", result.Metadata.ChunkCount,
		"degraded", result.Metadata.DegradedChunks,
		"duration", d,
	)
}

// requeue hands an interrupted job back to the pending list, keeping its
// checkpoint. The claim goes first so the next worker can take it at once.
func (q *Queue) requeue(job *entity.Job) {
	ctx := context.Background()
	job.Status = entity.JobQueued
	job.Stage = "requeued"
	q.save(ctx, job)
	q.release(job.ID)
	if err := q.store.Requeue(ctx, job.Kind, job.ID); err != nil {
		zap.S().Errorw("job requeue failed", "job_id", job.ID, "error", err)
		return
	}
	zap.S().Infow("job requeued", "job_id", job.ID, "next_chunk", nextChunk(job))
}

func nextChunk(job *entity.Job) int {
	if job.Checkpoint == nil {
		return 0
	}
	return job.Checkpoint.NextChunk
}

func (q *Queue) save(ctx context.Context, job *entity.Job) {
	job.UpdatedAt = q.now().UTC()
	if err := q.store.Save(ctx, job); err != nil {
		zap.S().Warnw("job save failed", "job_id", job.ID, "error", err)
	}
}

func (q *Queue) publish(ctx context.Context, job *entity.Job) {
	ev := entity.ProgressEvent{
		JobID:    job.ID,
		Kind:     job.Kind,
		Status:   job.Status,
		Progress: job.Progress,
		Stage:    job.Stage,
		At:       q.now().UTC(),
	}
	if err := q.pub.Publish(ctx, ev); err != nil {
		zap.S().Warnw("progress publish failed", "job_id", job.ID, "error", err)
	}
}

func (q *Queue) cancelRequested(ctx context.Context, id string) bool {
	ok, err := q.store.CancelRequested(ctx, id)
	if err != nil {
		zap.S().Warnw("cancel flag check failed", "job_id", id, "error", err)
	}
	return ok
}

func (q *Queue) ack(kind entity.JobKind, id string) {
	if err := q.store.Ack(context.Background(), kind, id); err != nil {
		zap.S().Warnw("job ack failed", "job_id", id, "error", err)
	}
}

func (q *Queue) release(id string) {
	if err := q.store.Release(context.Background(), id, q.owner); err != nil {
		zap.S().Warnw("claim release failed", "job_id", id, "error", err)
	}
}
