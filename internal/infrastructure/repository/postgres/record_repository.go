package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kirillkom/doc-intake/internal/core/domain"
)

// RecordRepository stores promoted domain records. Uniqueness of
// (tenant_id, kind, natural_key) is enforced by the table, so concurrent
// promotions of the same document create exactly one row.
type RecordRepository struct {
	db *sql.DB
}

func NewRecordRepository(db *sql.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

func (r *RecordRepository) CreateIfAbsent(ctx context.Context, rec *domain.DomainRecord) (string, bool, error) {
	doc, err := json.Marshal(rec.Document)
	if err != nil {
		return "", false, fmt.Errorf("marshal record document: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("begin promotion tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var id string
	err = tx.QueryRowContext(ctx, `
INSERT INTO domain_records (id, tenant_id, kind, natural_key, source_item_id, currency, amount, record_date, document, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
ON CONFLICT (tenant_id, kind, natural_key) DO NOTHING
RETURNING id
`,
		rec.ID, rec.TenantID, string(rec.Kind), rec.NaturalKey, rec.SourceItemID, rec.Currency,
		rec.Amount, recordDate(rec.Date), doc, rec.CreatedAt,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		err = tx.QueryRowContext(ctx, `
SELECT id FROM domain_records WHERE tenant_id = $1 AND kind = $2 AND natural_key = $3
`, rec.TenantID, string(rec.Kind), rec.NaturalKey).Scan(&id)
		if err != nil {
			return "", false, fmt.Errorf("load existing record: %w", err)
		}
		return id, false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("insert record: %w", err)
	}

	for _, line := range rec.Lines {
		_, err := tx.ExecContext(ctx, `
INSERT INTO domain_record_lines (record_id, position, description, sku, quantity, unit_price, amount, tax_rate)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
`, id, line.Position, line.Description, line.SKU, line.Quantity, line.UnitPrice, line.Amount, line.TaxRate)
		if err != nil {
			return "", false, fmt.Errorf("insert record line %d: %w", line.Position, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("commit promotion: %w", err)
	}
	return id, true, nil
}

// FindByNaturalKey loads the record header; lines stay in the document
// payload.
func (r *RecordRepository) FindByNaturalKey(ctx context.Context, tenantID string, kind domain.RecordKind, naturalKey string) (*domain.DomainRecord, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, tenant_id, kind, natural_key, source_item_id, currency, amount, record_date, document, created_at
FROM domain_records
WHERE tenant_id = $1 AND kind = $2 AND natural_key = $3
`, tenantID, string(kind), naturalKey)

	var (
		rec     domain.DomainRecord
		kindRaw string
		amount  decimal.NullDecimal
		date    sql.NullTime
		doc     []byte
	)
	err := row.Scan(&rec.ID, &rec.TenantID, &kindRaw, &rec.NaturalKey, &rec.SourceItemID, &rec.Currency,
		&amount, &date, &doc, &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "find record", fmt.Errorf("%s %q", kind, naturalKey))
		}
		return nil, fmt.Errorf("scan record: %w", err)
	}
	if err := json.Unmarshal(doc, &rec.Document); err != nil {
		return nil, fmt.Errorf("unmarshal record document: %w", err)
	}
	rec.Kind = domain.RecordKind(kindRaw)
	rec.Amount = amount
	if date.Valid {
		rec.Date = domain.NewDate(date.Time)
	}
	return &rec, nil
}

func recordDate(d *domain.Date) any {
	if d == nil {
		return nil
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}
