package kafka

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"agora/internal/domain"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("kafka: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("kafka: CBOR decoder initialization failed: " + err.Error())
	}
}

// envelope is the record value. Timestamps travel as unix millis so the
// encoding stays deterministic.
type envelope struct {
	ID             string `cbor:"1,keyasint"`
	Kind           string `cbor:"2,keyasint"`
	GroupID        string `cbor:"3,keyasint"`
	AgentID        string `cbor:"4,keyasint,omitempty"`
	Payload        []byte `cbor:"5,keyasint,omitempty"`
	IdempotencyKey string `cbor:"6,keyasint"`
	Attempts       int    `cbor:"7,keyasint,omitempty"`
	NextAttemptAt  int64  `cbor:"8,keyasint"`
	LastError      string `cbor:"9,keyasint,omitempty"`
	CreatedAt      int64  `cbor:"10,keyasint"`
}

func encodeJob(job domain.Job) ([]byte, error) {
	data, err := encMode.Marshal(envelope{
		ID:             job.ID,
		Kind:           string(job.Kind),
		GroupID:        job.GroupID,
		AgentID:        job.AgentID,
		Payload:        job.Payload,
		IdempotencyKey: job.IdempotencyKey,
		Attempts:       job.Attempts,
		NextAttemptAt:  job.NextAttemptAt.UnixMilli(),
		LastError:      job.LastError,
		CreatedAt:      job.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	return data, nil
}

func decodeJob(data []byte) (domain.Job, error) {
	var env envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return domain.Job{}, fmt.Errorf("decode job: %w", err)
	}
	return domain.Job{
		ID:             env.ID,
		Kind:           domain.JobKind(env.Kind),
		GroupID:        env.GroupID,
		AgentID:        env.AgentID,
		Payload:        env.Payload,
		IdempotencyKey: env.IdempotencyKey,
		Status:         domain.JobStatusPending,
		Attempts:       env.Attempts,
		NextAttemptAt:  time.UnixMilli(env.NextAttemptAt).UTC(),
		LastError:      env.LastError,
		CreatedAt:      time.UnixMilli(env.CreatedAt).UTC(),
	}, nil
}
