package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"grokchat/internal/util"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// SweepJob asks a worker to remove every object under Namespace. It is
// enqueued when the inline file cleanup of a project deletion fails.
type SweepJob struct {
	ID           string    `json:"id"`
	Namespace    string    `json:"namespace"`
	IdentityID   string    `json:"identityId,omitempty"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// SweepQueue is a Redis streams consumer-group queue of SweepJobs with a
// per-job status hash.
type SweepQueue struct {
	client       *redis.Client
	stream       string
	group        string
	consumerBase string
	jobTTL       time.Duration
	maxRetries   int
	block        time.Duration
	claimIdle    time.Duration
	retryDelay   time.Duration
	maxLen       int64
	readCount    int64
	once         sync.Once
}

type Config struct {
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
	ReadCount  int64
}

func NewSweepQueue(client *redis.Client, cfg Config) (*SweepQueue, error) {
	if client == nil {
		return nil, errors.New("redis client required")
	}
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	q := &SweepQueue{
		client:       client,
		stream:       stream,
		group:        orDefault(strings.TrimSpace(cfg.Group), "sweepers"),
		consumerBase: orDefault(strings.TrimSpace(cfg.Consumer), util.NewID("sweeper")),
		jobTTL:       durationOr(cfg.JobTTL, 24*time.Hour),
		maxRetries:   cfg.MaxRetries,
		block:        durationOr(cfg.Block, 5*time.Second),
		claimIdle:    durationOr(cfg.ClaimIdle, 30*time.Second),
		retryDelay:   durationOr(cfg.RetryDelay, 2*time.Second),
		maxLen:       cfg.MaxLen,
		readCount:    cfg.ReadCount,
	}
	if q.maxRetries <= 0 {
		q.maxRetries = 5
	}
	if q.maxLen <= 0 {
		q.maxLen = 10000
	}
	if q.readCount <= 0 {
		q.readCount = 10
	}
	return q, nil
}

// Enqueue records a queued job and appends it to the stream.
func (q *SweepQueue) Enqueue(ctx context.Context, namespace, identityID string) (SweepJob, error) {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" || namespace == "/" {
		return SweepJob{}, errors.New("namespace required")
	}
	now := time.Now().UTC()
	job := SweepJob{
		ID:         util.NewID("sweep"),
		Namespace:  namespace,
		IdentityID: identityID,
		Status:     StatusQueued,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return SweepJob{}, err
	}
	if err := q.client.XAdd(ctx, q.addArgs(job.ID, job.Namespace)).Err(); err != nil {
		return SweepJob{}, err
	}
	return job, nil
}

func (q *SweepQueue) GetJob(ctx context.Context, jobID string) (SweepJob, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return SweepJob{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return SweepJob{}, false, err
	}
	if len(data) == 0 {
		return SweepJob{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// Start launches concurrency consumers that run until ctx is done.
func (q *SweepQueue) Start(ctx context.Context, concurrency int, handler func(context.Context, SweepJob) error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		go q.consumeLoop(ctx, fmt.Sprintf("%s-%d", q.consumerBase, i), handler)
	}
}

func (q *SweepQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			util.LoggerFromContext(ctx).Warn("sweep queue group create failed", "stream", q.stream, "err", err)
		}
	})
}

func (q *SweepQueue) consumeLoop(ctx context.Context, consumer string, handler func(context.Context, SweepJob) error) {
	for ctx.Err() == nil {
		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handleMessage(ctx, msg, handler)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, msg, handler)
			}
		}
	}
}

func (q *SweepQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.readCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

func (q *SweepQueue) handleMessage(ctx context.Context, msg redis.XMessage, handler func(context.Context, SweepJob) error) {
	jobID, _ := msg.Values["job_id"].(string)
	namespace, _ := msg.Values["namespace"].(string)
	if jobID == "" || namespace == "" {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.update(ctx, jobID, func(job *SweepJob) {
		job.Namespace = namespace
		job.Attempts++
		job.Status = StatusProcessing
	})
	if err != nil {
		q.ackAndDel(ctx, msg.ID)
		return
	}
	handlerErr := handler(ctx, job)
	switch {
	case handlerErr == nil:
		_, _ = q.update(ctx, jobID, func(job *SweepJob) {
			job.Status = StatusDone
			job.ErrorMessage = ""
		})
		q.ackAndDel(ctx, msg.ID)
		return
	case job.Attempts >= q.maxRetries:
		_, _ = q.update(ctx, jobID, func(job *SweepJob) {
			job.Status = StatusFailed
			job.ErrorMessage = handlerErr.Error()
		})
		q.ackAndDel(ctx, msg.ID)
		return
	}
	_, _ = q.update(ctx, jobID, func(job *SweepJob) {
		job.Status = StatusQueued
		job.ErrorMessage = handlerErr.Error()
	})
	select {
	case <-ctx.Done():
		return
	case <-time.After(q.retryDelay):
	}
	_ = q.requeueAndAck(ctx, msg.ID, jobID, namespace)
}

func (q *SweepQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

// requeueAndAck appends a fresh copy and acknowledges the original atomically,
// so a failure leaves the original pending for XAUTOCLAIM.
func (q *SweepQueue) requeueAndAck(ctx context.Context, msgID, jobID, namespace string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, q.addArgs(jobID, namespace))
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *SweepQueue) addArgs(jobID, namespace string) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":    jobID,
			"namespace": namespace,
		},
	}
}

func (q *SweepQueue) update(ctx context.Context, jobID string, mutate func(*SweepJob)) (SweepJob, error) {
	job, found, err := q.GetJob(ctx, jobID)
	if err != nil {
		return SweepJob{}, err
	}
	if !found {
		job = SweepJob{ID: jobID}
	}
	mutate(&job)
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return SweepJob{}, err
	}
	return job, nil
}

func (q *SweepQueue) writeStatus(ctx context.Context, job SweepJob) error {
	key := q.jobKey(job.ID)
	payload := map[string]any{
		"namespace":  job.Namespace,
		"identityId": job.IdentityID,
		"status":     job.Status,
		"error":      job.ErrorMessage,
		"attempts":   strconv.Itoa(job.Attempts),
		"createdAt":  job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt":  job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *SweepQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func decodeJob(jobID string, data map[string]string) SweepJob {
	job := SweepJob{
		ID:           jobID,
		Namespace:    data["namespace"],
		IdentityID:   data["identityId"],
		Status:       data["status"],
		ErrorMessage: data["error"],
	}
	if n, err := strconv.Atoi(data["attempts"]); err == nil {
		job.Attempts = n
	}
	if t, err := time.Parse(time.RFC3339Nano, data["createdAt"]); err == nil {
		job.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["updatedAt"]); err == nil {
		job.UpdatedAt = t
	}
	return job
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func durationOr(v, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return v
}
