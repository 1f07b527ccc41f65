package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kirillkom/doc-intake/internal/core/domain"
)

type BatchRepository struct {
	db *sql.DB
}

func NewBatchRepository(db *sql.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

func (r *BatchRepository) CreateBatch(ctx context.Context, batch *domain.Batch) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO batches (id, tenant_id, source_type, origin, file_key, total, processed, failed, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
`,
		batch.ID, batch.TenantID, string(batch.SourceType), string(batch.Origin), batch.FileKey,
		batch.Counters.Total, batch.Counters.Processed, batch.Counters.Failed, batch.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

func (r *BatchRepository) GetBatch(ctx context.Context, id string) (*domain.Batch, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, tenant_id, source_type, origin, file_key, total, processed, failed, created_at
FROM batches
WHERE id = $1
`, id)

	var (
		b              domain.Batch
		source, origin string
	)
	err := row.Scan(&b.ID, &b.TenantID, &source, &origin, &b.FileKey,
		&b.Counters.Total, &b.Counters.Processed, &b.Counters.Failed, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get batch", fmt.Errorf("batch %s", id))
		}
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	b.SourceType = domain.SourceType(source)
	b.Origin = domain.BatchOrigin(origin)
	return &b, nil
}

// IncrementCounters is a single relative UPDATE so concurrent completions
// never overwrite each other.
func (r *BatchRepository) IncrementCounters(ctx context.Context, batchID string, delta domain.BatchCounters) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE batches
SET total = total + $2, processed = processed + $3, failed = failed + $4
WHERE id = $1
`, batchID, delta.Total, delta.Processed, delta.Failed)
	if err != nil {
		return fmt.Errorf("increment batch counters: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("increment batch counters rows affected: %w", err)
	}
	if rows == 0 {
		return domain.WrapError(domain.ErrNotFound, "increment counters", fmt.Errorf("batch %s", batchID))
	}
	return nil
}
