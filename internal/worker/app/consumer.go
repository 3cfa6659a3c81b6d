package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"clipflow_worker/internal/worker/domain"
	"clipflow_worker/internal/worker/repository"
	"clipflow_worker/pkg/config"
	"clipflow_worker/pkg/database"
	errprocess "clipflow_worker/pkg/err"
	"clipflow_worker/pkg/logger"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// Acker is the subset of amqp.Delivery the consumer needs, mockable in tests.
type Acker interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// Consumer pulls job payloads off the queue and drives each one through
// fetch -> pipeline -> store -> persist. All collaborators are injected.
type Consumer struct {
	rabbit   database.RabbitRepo
	jobs     repository.JobRepo
	lease    repository.LeaseRepo
	storage  StorageGateway
	pipeline MediaPipeline
	events   repository.EventPublisher

	cfg        config.JobConfig
	queueName  string
	consumerID string
	tempRoot   string

	// schedule defers the retry republish; swapped out in tests
	schedule func(d time.Duration, f func())
	// persistDelay spaces bounded persistence retries
	persistDelay time.Duration
}

// NewConsumer build a Consumer. Zero config fields fall back to safe
// defaults (one slot, three attempts, 10 minute budget).
func NewConsumer(
	rabbit database.RabbitRepo,
	jobs repository.JobRepo,
	lease repository.LeaseRepo,
	storage StorageGateway,
	pipeline MediaPipeline,
	events repository.EventPublisher,
	queueName string,
	cfg config.JobConfig,
) *Consumer {
	if cfg.Slots <= 0 {
		cfg.Slots = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 2 * time.Minute
	}
	if cfg.PersistRetries <= 0 {
		cfg.PersistRetries = 3
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = time.Minute
	}
	if cfg.HeartbeatPeriod <= 0 {
		cfg.HeartbeatPeriod = cfg.LeaseTTL / 3
	}
	if cfg.RecoverySweep <= 0 {
		cfg.RecoverySweep = time.Minute
	}

	return &Consumer{
		rabbit:       rabbit,
		jobs:         jobs,
		lease:        lease,
		storage:      storage,
		pipeline:     pipeline,
		events:       events,
		cfg:          cfg,
		queueName:    queueName,
		consumerID:   "clipflow-" + uuid.NewString(),
		tempRoot:     os.TempDir(),
		schedule:     func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		persistDelay: 500 * time.Millisecond,
	}
}

// StartConsumer declare the queue and drain deliveries across the configured
// slots until ctx is cancelled. Each slot processes one job end-to-end at a
// time, so at most cfg.Slots pipelines run concurrently.
func (c *Consumer) StartConsumer(ctx context.Context) error {
	ch := c.rabbit.GetRabbit()

	if _, err := ch.QueueDeclare(
		c.queueName,
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,
	); err != nil {
		return errprocess.Set(fmt.Sprintf("queue[%s] declare failed: %v", c.queueName, err))
	}

	// prefetch bounds the deliveries held unacked across slots
	if err := ch.Qos(c.cfg.Slots, 0, false); err != nil {
		return errprocess.Set(fmt.Sprintf("queue[%s] qos failed: %v", c.queueName, err))
	}

	msgs, err := ch.Consume(
		c.queueName,
		c.consumerID,
		false, // manual ack; an unacked delivery is our lease
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return errprocess.Set(fmt.Sprintf("queue[%s] consume failed: %v", c.queueName, err))
	}

	go c.recoveryLoop(ctx)

	c.drain(ctx, msgs)
	return nil
}

// recoveryLoop periodically re-enqueues retryable failed jobs whose delayed
// republish was lost to a process restart. A live retry timer fires within
// BackoffCap of the failure, so anything failed longer ago than that with
// attempts remaining has no timer left.
func (c *Consumer) recoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RecoverySweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepLostRetries(ctx)
		}
	}
}

func (c *Consumer) sweepLostRetries(ctx context.Context) {
	cutoff := time.Now().Add(-(c.cfg.BackoffCap + c.cfg.RecoverySweep))
	stale, err := c.jobs.FindRetryableFailed(ctx, c.cfg.MaxAttempts, cutoff)
	if err != nil {
		logger.Log.Errorf("retry sweep query failed", err)
		return
	}
	for _, job := range stale {
		logger.Log.Warn("re-enqueueing job with lost retry timer",
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempt),
		)
		c.requeue(domain.QueuePayload{
			JobID:     job.ID,
			VideoID:   job.VideoID,
			SourceURL: job.SourceURL,
			Options:   job.Options,
		}, job.Attempt)
	}
}

// drain run cfg.Slots worker loops over one shared delivery channel and
// block until every slot returned. Cancelling ctx stops new dequeues; a job
// already in flight finishes on its own budget.
func (c *Consumer) drain(ctx context.Context, msgs <-chan amqp.Delivery) {
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Slots; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			c.runSlot(ctx, slot, msgs)
		}(i)
	}
	wg.Wait()
}

func (c *Consumer) runSlot(ctx context.Context, slot int, msgs <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			logger.Log.Info("slot shutting down", zap.Int("slot", slot))
			return
		case d, ok := <-msgs:
			if !ok {
				logger.Log.Warn("delivery channel closed", zap.Int("slot", slot))
				return
			}

			var payload domain.QueuePayload
			if err := json.Unmarshal(d.Body, &payload); err != nil {
				logger.Log.Errorf("malformed queue payload, dropping", err, zap.Int("slot", slot))
				if err := d.Nack(false, false); err != nil {
					logger.Log.Errorf("nack failed", err)
				}
				continue
			}

			c.processJob(slot, payload, &d)
		}
	}
}

// processJob drive one delivery through the full contract. The delivery is
// acked only after the terminal status is persisted; on unclassified
// failures it is nacked back so the broker redelivers it.
func (c *Consumer) processJob(slot int, p domain.QueuePayload, d Acker) {
	// in-flight work is detached from the consume context so shutdown grace
	// applies; the job budget below is the only deadline
	ctx := context.Background()

	acquired, err := c.lease.Acquire(ctx, p.JobID, c.consumerID, c.cfg.LeaseTTL)
	if err != nil {
		logger.Log.Errorf("lease acquire failed", err, zap.String("job_id", p.JobID))
		c.nack(d)
		return
	}
	if !acquired {
		// another consumer still holds the claim; its own unacked delivery
		// covers recovery, so this duplicate can go
		logger.Log.Warn("duplicate delivery while claim held", zap.String("job_id", p.JobID))
		c.ack(d)
		return
	}
	defer func() {
		if err := c.lease.Release(ctx, p.JobID); err != nil {
			logger.Log.Errorf("lease release failed", err, zap.String("job_id", p.JobID))
		}
	}()

	stopHeartbeat := c.startHeartbeat(ctx, p.JobID)
	defer stopHeartbeat()

	attempt, err := c.jobs.MarkProcessing(ctx, p.JobID, c.cfg.MaxAttempts)
	if errors.Is(err, repository.ErrNotClaimable) {
		// record terminal or gone: the database is authoritative. A row
		// stranded at processing by a crash claims as a fresh attempt, so
		// only done and exhausted jobs land here.
		logger.Log.Warn("job not claimable, dropping delivery", zap.String("job_id", p.JobID))
		c.ack(d)
		return
	}
	if err != nil {
		logger.Log.Errorf("mark processing failed", err, zap.String("job_id", p.JobID))
		c.nack(d)
		return
	}

	logger.Log.Info("processing job",
		zap.Int("slot", slot),
		zap.String("job_id", p.JobID),
		zap.String("video_id", p.VideoID),
		zap.Int("attempt", attempt),
	)
	c.setProgress(ctx, p.JobID, domain.ProgressStarted)

	jobCtx, cancel := context.WithTimeout(ctx, c.cfg.JobTimeout)
	defer cancel()

	out := c.runJob(jobCtx, p)

	if out.persistFailed {
		// outputs already uploaded could not be recorded; leave the entry
		// for redelivery rather than losing them
		c.nack(d)
		return
	}

	cause := out.fatal
	if jobCtx.Err() == context.DeadlineExceeded {
		cause = &domain.TimeoutError{Budget: c.cfg.JobTimeout}
	}
	if cause != nil {
		c.finishFailed(ctx, p, attempt, d, cause, out.failureMessages())
		return
	}

	retryable := firstRetryableFailure(out.failures)
	switch {
	case len(out.failures) == 0:
		c.finishDone(ctx, p, attempt, d, out)
	case retryable != nil:
		// at least one option failed on infrastructure; completed outputs
		// stay recorded and the whole job retries
		c.finishFailed(ctx, p, attempt, d, retryable, out.failureMessages())
	case len(out.uploaded) > 0 && c.cfg.AcceptPartial:
		c.finishDone(ctx, p, attempt, d, out)
	default:
		c.finishFailed(ctx, p, attempt, d, semanticFailure(out), out.failureMessages())
	}
}

// jobOutcome collects what one attempt produced.
type jobOutcome struct {
	uploaded      map[string]string
	failures      map[string]error
	fatal         error
	persistFailed bool
}

func (o *jobOutcome) failureMessages() map[string]string {
	if len(o.failures) == 0 {
		return nil
	}
	msgs := make(map[string]string, len(o.failures))
	for id, err := range o.failures {
		msgs[id] = err.Error()
	}
	return msgs
}

// runJob fetch the source, run the pipeline, and upload + record each
// successful option incrementally so a crash later keeps completed work.
func (c *Consumer) runJob(ctx context.Context, p domain.QueuePayload) jobOutcome {
	out := jobOutcome{
		uploaded: make(map[string]string),
		failures: make(map[string]error),
	}

	workDir, err := os.MkdirTemp(c.tempRoot, "clipflow_"+p.JobID+"_")
	if err != nil {
		out.fatal = &domain.PipelineCrashError{Err: err}
		return out
	}
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			logger.Log.Errorf("temp dir cleanup failed", err, zap.String("dir", workDir))
		}
	}()

	inputPath := filepath.Join(workDir, "input.mp4")
	if err := c.storage.Fetch(ctx, p.SourceURL, inputPath); err != nil {
		out.fatal = err
		return out
	}
	c.setProgress(ctx, p.JobID, domain.ProgressDownloaded)

	results := c.pipeline.Process(ctx, inputPath, workDir, p.Options)
	c.setProgress(ctx, p.JobID, domain.ProgressProcessed)

	for _, res := range results {
		if res.Err != nil {
			out.failures[res.OptionID] = res.Err
			continue
		}

		destKey := fmt.Sprintf("processed/%s/%s/%s.mp4", p.VideoID, p.JobID, res.OptionID)
		url, err := c.storage.Store(ctx, res.OutputPath, destKey)
		if err != nil {
			out.failures[res.OptionID] = err
			continue
		}

		if err := c.persist(ctx, func() error {
			return c.jobs.AppendOutput(ctx, p.JobID, res.OptionID, url)
		}); err != nil {
			logger.Log.Errorf("append output failed", err, zap.String("job_id", p.JobID), zap.String("option", res.OptionID))
			out.persistFailed = true
			return out
		}
		out.uploaded[res.OptionID] = url
	}
	c.setProgress(ctx, p.JobID, domain.ProgressUploaded)

	return out
}

func (c *Consumer) finishDone(ctx context.Context, p domain.QueuePayload, attempt int, d Acker, out jobOutcome) {
	if err := c.persist(ctx, func() error {
		return c.jobs.Finish(ctx, p.JobID, attempt, domain.JobDone, "", out.failureMessages())
	}); err != nil {
		logger.Log.Errorf("finish persist failed", err, zap.String("job_id", p.JobID))
		c.nack(d)
		return
	}

	c.publishEvent(ctx, domain.JobEvent{
		JobID:        p.JobID,
		VideoID:      p.VideoID,
		Status:       domain.JobDone,
		Attempt:      attempt,
		Outputs:      out.uploaded,
		OptionErrors: out.failureMessages(),
		At:           time.Now().UTC(),
	})
	c.setProgress(ctx, p.JobID, domain.ProgressFinished)
	c.ack(d)

	logger.Log.Info("job done",
		zap.String("job_id", p.JobID),
		zap.Int("attempt", attempt),
		zap.Int("outputs", len(out.uploaded)),
		zap.Int("option_failures", len(out.failures)),
	)
}

func (c *Consumer) finishFailed(ctx context.Context, p domain.QueuePayload, attempt int, d Acker, cause error, optionErrs map[string]string) {
	if err := c.persist(ctx, func() error {
		return c.jobs.Finish(ctx, p.JobID, attempt, domain.JobFailed, cause.Error(), optionErrs)
	}); err != nil {
		logger.Log.Errorf("finish persist failed", err, zap.String("job_id", p.JobID))
		c.nack(d)
		return
	}

	c.publishEvent(ctx, domain.JobEvent{
		JobID:        p.JobID,
		VideoID:      p.VideoID,
		Status:       domain.JobFailed,
		Attempt:      attempt,
		Error:        cause.Error(),
		OptionErrors: optionErrs,
		At:           time.Now().UTC(),
	})

	if domain.Retryable(cause) && attempt < c.cfg.MaxAttempts {
		delay := domain.RetryDelay(attempt, c.cfg.BackoffBase, c.cfg.BackoffCap)
		logger.Log.Warn("job failed, scheduling retry",
			zap.String("job_id", p.JobID),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(cause),
		)
		c.schedule(delay, func() { c.requeue(p, attempt) })
	} else {
		logger.Log.Error("job failed permanently",
			zap.String("job_id", p.JobID),
			zap.Int("attempt", attempt),
			zap.Error(cause),
		)
	}

	// the retry travels through a fresh queue entry; this delivery is spent
	c.ack(d)
}

// requeue flip the record back to queued and publish a fresh queue entry.
func (c *Consumer) requeue(p domain.QueuePayload, attempt int) {
	ctx := context.Background()

	if err := c.jobs.Requeue(ctx, p.JobID, attempt); err != nil {
		if errors.Is(err, repository.ErrNotClaimable) {
			// another requeue path won the race; its entry carries the retry
			return
		}
		// leave the row failed; the recovery sweep picks it up next round
		logger.Log.Errorf("requeue status update failed", err, zap.String("job_id", p.JobID))
		return
	}

	body, err := json.Marshal(p)
	if err != nil {
		logger.Log.Errorf("requeue payload marshal failed", err, zap.String("job_id", p.JobID))
		return
	}
	if err := c.rabbit.Publish("", c.queueName, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}); err != nil {
		logger.Log.Errorf("requeue publish failed", err, zap.String("job_id", p.JobID))
		return
	}
	logger.Log.Info("job requeued", zap.String("job_id", p.JobID), zap.Int("attempt", attempt))
}

// persist run a database write with bounded retries before giving up.
func (c *Consumer) persist(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < c.cfg.PersistRetries; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < c.cfg.PersistRetries-1 {
			time.Sleep(c.persistDelay)
		}
	}
	return &domain.PersistenceError{Err: err}
}

// startHeartbeat renew the processing claim until the returned stop func runs.
func (c *Consumer) startHeartbeat(ctx context.Context, jobID string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.cfg.HeartbeatPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := c.lease.Renew(ctx, jobID, c.cfg.LeaseTTL); err != nil {
					logger.Log.Errorf("lease heartbeat failed", err, zap.String("job_id", jobID))
				}
			}
		}
	}()

	return func() {
		close(stop)
		<-done
	}
}

func (c *Consumer) publishEvent(ctx context.Context, event domain.JobEvent) {
	if c.events == nil {
		return
	}
	if err := c.events.PublishJobEvent(ctx, event); err != nil {
		// events are best-effort; the job record already holds the truth
		logger.Log.Errorf("job event publish failed", err, zap.String("job_id", event.JobID))
	}
}

func (c *Consumer) setProgress(ctx context.Context, jobID string, pct int) {
	if err := c.lease.SetProgress(ctx, jobID, pct); err != nil {
		logger.Log.Errorf("progress update failed", err, zap.String("job_id", jobID))
	}
}

func (c *Consumer) ack(d Acker) {
	if err := d.Ack(false); err != nil {
		logger.Log.Errorf("ack failed", err)
	}
}

func (c *Consumer) nack(d Acker) {
	if err := d.Nack(false, true); err != nil {
		logger.Log.Errorf("nack failed", err)
	}
}

// firstRetryableFailure return one retryable option failure, if any, in a
// stable order so retries report consistently.
func firstRetryableFailure(failures map[string]error) error {
	var pick error
	var pickID string
	for id, err := range failures {
		if !domain.Retryable(err) {
			continue
		}
		if pick == nil || id < pickID {
			pick, pickID = err, id
		}
	}
	return pick
}

// semanticFailure collapse the remaining invalid-option failures into one
// job-level error. Reached either when nothing succeeded or when partial
// results are produced but not accepted.
func semanticFailure(out jobOutcome) error {
	ids := make([]string, 0, len(out.failures))
	for id := range out.failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, out.failures[id].Error())
	}
	joined := strings.Join(parts, "; ")

	if len(out.uploaded) > 0 {
		return fmt.Errorf("%d of %d options failed and partial results are not accepted: %s",
			len(out.failures), len(out.failures)+len(out.uploaded), joined)
	}
	return fmt.Errorf("no option succeeded: %s", joined)
}
