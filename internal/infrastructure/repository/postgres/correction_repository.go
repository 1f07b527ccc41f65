package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/kirillkom/doc-intake/internal/core/domain"
)

type CorrectionRepository struct {
	db *sql.DB
}

func NewCorrectionRepository(db *sql.DB) *CorrectionRepository {
	return &CorrectionRepository{db: db}
}

func (r *CorrectionRepository) Append(ctx context.Context, rec domain.CorrectionRecord) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO corrections (id, tenant_id, batch_id, item_index, original_doc_type, corrected_doc_type, confidence, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`,
		rec.ID, rec.TenantID, rec.BatchID, rec.ItemIndex,
		string(rec.OriginalDocType), string(rec.CorrectedDocType), rec.ConfidenceAtCorrect, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert correction: %w", err)
	}
	return nil
}

// Stats aggregates at read time; concurrent appends may or may not be counted.
func (r *CorrectionRepository) Stats(ctx context.Context, tenantID string) (domain.CorrectionStats, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT original_doc_type, corrected_doc_type, COUNT(*)
FROM corrections
WHERE tenant_id = $1 AND original_doc_type <> corrected_doc_type
GROUP BY original_doc_type, corrected_doc_type
`, tenantID)
	if err != nil {
		return domain.CorrectionStats{}, fmt.Errorf("query correction stats: %w", err)
	}
	defer rows.Close()

	stats := domain.NewCorrectionStats()
	for rows.Next() {
		var (
			original, corrected string
			n                   int
		)
		if err := rows.Scan(&original, &corrected, &n); err != nil {
			return domain.CorrectionStats{}, fmt.Errorf("scan correction stats: %w", err)
		}
		stats.Away[domain.DocType(original)] += n
		stats.Into[domain.DocType(corrected)] += n
	}
	if err := rows.Err(); err != nil {
		return domain.CorrectionStats{}, fmt.Errorf("iterate correction stats: %w", err)
	}
	return stats, nil
}
