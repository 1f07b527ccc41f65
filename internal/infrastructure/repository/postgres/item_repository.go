package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/doc-intake/internal/core/domain"
)

// ItemRepository stores each item as a JSONB payload next to the columns
// used for guards and queries. Status and version columns are authoritative.
type ItemRepository struct {
	db *sql.DB
}

func NewItemRepository(db *sql.DB) *ItemRepository {
	return &ItemRepository{db: db}
}

const itemColumns = `id, status, version, payload`

// AppendItems raises the batch total first so the row lock on the batch
// serializes concurrent appends; the returned total fixes the index range.
func (r *ItemRepository) AppendItems(ctx context.Context, batchID string, items []*domain.Item) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append items tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var total int
	err = tx.QueryRowContext(ctx, `
UPDATE batches SET total = total + $2 WHERE id = $1
RETURNING total
`, batchID, len(items)).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WrapError(domain.ErrNotFound, "append items", fmt.Errorf("batch %s", batchID))
	}
	if err != nil {
		return fmt.Errorf("reserve item indexes: %w", err)
	}

	base := total - len(items)
	for i, item := range items {
		item.Index = base + i
		if _, err := insertItem(ctx, tx, item, false); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append items: %w", err)
	}
	return nil
}

func (r *ItemRepository) CreateItems(ctx context.Context, batchID string, items []*domain.Item) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin create items tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	inserted := 0
	for _, item := range items {
		n, err := insertItem(ctx, tx, item, true)
		if err != nil {
			return 0, err
		}
		inserted += n
	}
	if inserted > 0 {
		result, err := tx.ExecContext(ctx, `UPDATE batches SET total = total + $2 WHERE id = $1`, batchID, inserted)
		if err != nil {
			return 0, fmt.Errorf("count created items: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("count created items rows affected: %w", err)
		}
		if rows == 0 {
			return 0, domain.WrapError(domain.ErrNotFound, "create items", fmt.Errorf("batch %s", batchID))
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit create items: %w", err)
	}
	return inserted, nil
}

func insertItem(ctx context.Context, tx *sql.Tx, item *domain.Item, ignoreExisting bool) (int, error) {
	payload, err := json.Marshal(item)
	if err != nil {
		return 0, fmt.Errorf("marshal item %s: %w", item.ID, err)
	}
	query := `
INSERT INTO items (
	id, batch_id, tenant_id, idx, row_no, status, doc_type, confidence, canonical_key, domain_record_id, version, payload, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
`
	if ignoreExisting {
		query += "ON CONFLICT (id) DO NOTHING\n"
	}
	result, err := tx.ExecContext(ctx, query,
		item.ID, item.BatchID, item.TenantID, item.Index, item.Row, string(item.Status), string(item.DocType),
		item.Confidence, item.CanonicalKey, item.DomainRecordID, item.Version, payload, item.CreatedAt, item.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("insert item %s: %w", item.ID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("insert item rows affected: %w", err)
	}
	return int(n), nil
}

func (r *ItemRepository) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrNotFound, "get item", fmt.Errorf("item %s", id))
		}
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

func (r *ItemRepository) ListItems(ctx context.Context, batchID string) ([]*domain.Item, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT `+itemColumns+`
FROM items
WHERE batch_id = $1
ORDER BY idx, row_no
`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return collectItems(rows)
}

// UpdateItem is a compare-and-set on (status, version).
func (r *ItemRepository) UpdateItem(ctx context.Context, item *domain.Item, expected domain.ItemStatus) error {
	next := *item
	next.Version = item.Version + 1
	payload, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("marshal item %s: %w", item.ID, err)
	}

	result, err := r.db.ExecContext(ctx, `
UPDATE items
SET status = $4, doc_type = $5, confidence = $6, canonical_key = $7, domain_record_id = $8,
	version = version + 1, payload = $9, updated_at = $10
WHERE id = $1 AND status = $2 AND version = $3
`,
		item.ID, string(expected), item.Version,
		string(item.Status), string(item.DocType), item.Confidence, item.CanonicalKey, item.DomainRecordID,
		payload, item.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update item rows affected: %w", err)
	}
	if rows == 0 {
		return r.missOrConflict(ctx, item.ID, expected, item.Version)
	}
	item.Version = next.Version
	return nil
}

func (r *ItemRepository) missOrConflict(ctx context.Context, id string, expected domain.ItemStatus, version int) error {
	var (
		status     string
		curVersion int
	)
	err := r.db.QueryRowContext(ctx, `SELECT status, version FROM items WHERE id = $1`, id).Scan(&status, &curVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.WrapError(domain.ErrNotFound, "update item", fmt.Errorf("item %s", id))
	}
	if err != nil {
		return fmt.Errorf("update item lookup: %w", err)
	}
	return domain.WrapError(domain.ErrConflict, "update item",
		fmt.Errorf("item %s is %s@%d, expected %s@%d", id, status, curVersion, expected, version))
}

func (r *ItemRepository) ListStale(ctx context.Context, updatedBefore time.Time, limit int) ([]*domain.Item, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+itemColumns+`
FROM items
WHERE status NOT IN ('promoted', 'failed')
	AND NOT (status = 'ready' AND canonical_key <> '')
	AND updated_at < $1
ORDER BY updated_at
LIMIT $2
`, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale items: %w", err)
	}
	return collectItems(rows)
}

func collectItems(rows *sql.Rows) ([]*domain.Item, error) {
	defer rows.Close()
	out := make([]*domain.Item, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return out, nil
}

func scanItem(row rowScanner) (*domain.Item, error) {
	var (
		id, status string
		version    int
		payload    []byte
	)
	if err := row.Scan(&id, &status, &version, &payload); err != nil {
		return nil, err
	}
	var item domain.Item
	if err := json.Unmarshal(payload, &item); err != nil {
		return nil, fmt.Errorf("unmarshal item %s: %w", id, err)
	}
	item.ID = id
	item.Status = domain.ItemStatus(status)
	item.Version = version
	return &item, nil
}
