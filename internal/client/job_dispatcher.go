package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Job is one unit of deferred work published to the job queue.
type Job struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload"`
	RunAt   time.Time      `json:"run_at,omitempty"`
}

// JobDispatcher publishes jobs to NATS JetStream on jobs.crm.<name>.
// Workflow executions and retried steps go through here so that the
// HTTP request that triggered them returns immediately.
type JobDispatcher struct {
	nats *NATSClient
	log  zerolog.Logger
}

// NewJobDispatcher creates a dispatcher backed by the given NATS client.
func NewJobDispatcher(nats *NATSClient, log zerolog.Logger) *JobDispatcher {
	return &JobDispatcher{nats: nats, log: log}
}

// Dispatch publishes a job for immediate pickup.
func (d *JobDispatcher) Dispatch(ctx context.Context, name string, payload map[string]any) error {
	return d.publish(ctx, &Job{Name: name, Payload: payload})
}

// DispatchAfter publishes a job after the given delay. The delay runs in a
// goroutine on this instance; a crash before the timer fires loses the job,
// which is acceptable for step retries since the sweep re-detects stuck
// executions.
func (d *JobDispatcher) DispatchAfter(_ context.Context, name string, payload map[string]any, delay time.Duration) {
	job := &Job{Name: name, Payload: payload, RunAt: time.Now().Add(delay)}
	time.AfterFunc(delay, func() {
		if err := d.publish(context.Background(), job); err != nil {
			d.log.Error().Err(err).Str("job", name).Msg("jobs: delayed dispatch failed")
		}
	})
}

func (d *JobDispatcher) publish(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("jobs.crm.%s", job.Name)
	if err := d.nats.Publish(ctx, subject, data); err != nil {
		return err
	}
	d.log.Debug().Str("subject", subject).Msg("jobs: dispatched")
	return nil
}
