// Package jobs moves FLUSH_BUFFER and GENERATE_RESPONSE work between
// the director, the workers and a queue backend.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agora/internal/domain"
)

var ErrClosed = errors.New("job queue closed")

// Queue is the job transport. Next blocks until a job of kind is leased
// to the caller or ctx ends. Fail with retry=false is terminal.
type Queue interface {
	Enqueue(ctx context.Context, job domain.Job) (bool, error)
	Next(ctx context.Context, kind domain.JobKind) (domain.Job, error)
	Complete(ctx context.Context, job domain.Job) error
	Fail(ctx context.Context, job domain.Job, cause error, retry bool) error
	CancelGroup(ctx context.Context, groupID string) (int, error)
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

func FlushKey(groupID, token string) string {
	return "flush:" + groupID + ":" + token
}

func GenerateKey(flushID, agentID string) string {
	return "gen:" + flushID + ":" + agentID
}

func NewFlushJob(groupID string, token string, now time.Time) domain.Job {
	payload, _ := json.Marshal(domain.FlushRequest{Token: token})
	return domain.Job{
		ID:             uuid.NewString(),
		Kind:           domain.JobFlushBuffer,
		GroupID:        groupID,
		Payload:        payload,
		IdempotencyKey: FlushKey(groupID, token),
		Status:         domain.JobStatusPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
	}
}

func NewGenerateJob(groupID string, agentID string, req domain.GenerateRequest, now time.Time) (domain.Job, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return domain.Job{}, fmt.Errorf("encode generate request: %w", err)
	}
	return domain.Job{
		ID:             uuid.NewString(),
		Kind:           domain.JobGenerateResponse,
		GroupID:        groupID,
		AgentID:        agentID,
		Payload:        payload,
		IdempotencyKey: GenerateKey(req.FlushID, agentID),
		Status:         domain.JobStatusPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
	}, nil
}

func DecodeFlush(job domain.Job) (domain.FlushRequest, error) {
	var req domain.FlushRequest
	if len(job.Payload) == 0 {
		return req, nil
	}
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return req, Permanent(fmt.Errorf("decode flush payload: %w", err))
	}
	return req, nil
}

func DecodeGenerate(job domain.Job) (domain.GenerateRequest, error) {
	var req domain.GenerateRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return req, Permanent(fmt.Errorf("decode generate payload: %w", err))
	}
	return req, nil
}
