package internal

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// JobStore persists JobState/TokenEnvelope pairs to the `jobs`/`job_tokens`
// tables (the `jobs/{id}/state` and `jobs/{id}/token` logical keys of
// spec.md §6), grounded on the teacher's `persister` (pgx-backed
// Persist/Persisted/Delete) adapted to a two-table, two-statement write.
type JobStore struct {
	db *pgxpool.Pool
}

func NewJobStore(db *pgxpool.Pool) *JobStore {
	return &JobStore{db: db}
}

// Save writes state then token sequentially in one batch, per the §9
// design-note resolution: state-then-token ordering, with "missing token ⇒
// no active stream" as the reconciliation rule a reader applies on
// recovery if the process dies between the two statements.
func (s *JobStore) Save(ctx context.Context, state JobState, token TokenEnvelope) error {
	stateBytes, err := sonic.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling job state: %w", err)
	}
	tokenBytes, err := sonic.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshaling job token: %w", err)
	}

	batch := &pgx.Batch{}
	batch.Queue(
		`INSERT INTO jobs (job_id, state, version, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (job_id) DO UPDATE SET state = $2, version = $3, updated_at = now()
		 WHERE jobs.version < $3`,
		state.JobID, stateBytes, state.Version,
	)
	batch.Queue(
		`INSERT INTO job_tokens (job_id, token, expires_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (job_id) DO UPDATE SET token = $2, expires_at = $3`,
		token.JobID, tokenBytes, token.ExpiresAt,
	)

	br := s.db.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return Wrap(KindStorageUnavailable, err)
		}
	}
	return nil
}

// Load reconstructs state and token for jobId. A missing token row with a
// present state row reconciles to "no active stream" rather than an error,
// per spec.md §9.
func (s *JobStore) Load(ctx context.Context, jobID string) (JobState, TokenEnvelope, error) {
	var stateBytes []byte
	if err := s.db.QueryRow(ctx, `SELECT state FROM jobs WHERE job_id = $1`, jobID).Scan(&stateBytes); err != nil {
		return JobState{}, TokenEnvelope{}, NewError(KindNotFound, "job not found")
	}
	var state JobState
	if err := sonic.Unmarshal(stateBytes, &state); err != nil {
		return JobState{}, TokenEnvelope{}, Wrap(KindStorageUnavailable, err)
	}

	var tokenBytes []byte
	if err := s.db.QueryRow(ctx, `SELECT token FROM job_tokens WHERE job_id = $1`, jobID).Scan(&tokenBytes); err != nil {
		// Missing token row: state survives, but no active stream can be
		// authenticated until a fresh launch or refresh repopulates it.
		return state, TokenEnvelope{}, nil
	}
	var token TokenEnvelope
	if err := sonic.Unmarshal(tokenBytes, &token); err != nil {
		return state, TokenEnvelope{}, Wrap(KindStorageUnavailable, err)
	}
	return state, token, nil
}

// Delete removes both the state and token rows (token cascades via FK).
func (s *JobStore) Delete(ctx context.Context, jobID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM jobs WHERE job_id = $1`, jobID); err != nil {
		return Wrap(KindStorageUnavailable, err)
	}
	return nil
}
