package datastore

import (
	"context"
	"fmt"

	"pkt.systems/middlewared/internal/filter"
)

const (
	// JobHistoryTable keeps the last finished jobs.
	JobHistoryTable = "core.job_history"
	// AuditTable receives one row per audited call.
	AuditTable = "audit"

	// DefaultJobHistoryLimit bounds JobHistoryTable.
	DefaultJobHistoryLimit = 1000
	// DefaultAuditLimit bounds AuditTable.
	DefaultAuditLimit = 10000
)

// BoundedTable appends rows to a table and prunes the oldest ids beyond
// Limit.
type BoundedTable struct {
	Store *Store
	Table string
	Limit int
}

// JobHistory returns the bounded job history table.
func (s *Store) JobHistory(limit int) *BoundedTable {
	if limit <= 0 {
		limit = DefaultJobHistoryLimit
	}
	return &BoundedTable{Store: s, Table: JobHistoryTable, Limit: limit}
}

// Audit returns the bounded audit table.
func (s *Store) Audit(limit int) *BoundedTable {
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	return &BoundedTable{Store: s, Table: AuditTable, Limit: limit}
}

// Append stores row with a fresh id and prunes the table.
func (b *BoundedTable) Append(ctx context.Context, row filter.Row) error {
	return b.Store.Transaction(ctx, func(tx Querier) error {
		doc := cloneRow(row)
		delete(doc, "id")
		if _, err := tx.Insert(ctx, b.Table, doc); err != nil {
			return err
		}
		q := tx.(*querier)
		_, err := q.conn.ExecContext(ctx, `DELETE FROM documents WHERE tbl = ? AND id NOT IN (SELECT id FROM documents WHERE tbl = ? ORDER BY id DESC LIMIT ?)`, b.Table, b.Table, b.Limit)
		if err != nil {
			return fmt.Errorf("datastore: prune %s: %w", b.Table, err)
		}
		return nil
	})
}

// AppendJobHistory records a finished job row; the row's job id is kept
// under job_id since the table assigns its own ids.
func (b *BoundedTable) AppendJobHistory(ctx context.Context, row filter.Row) error {
	doc := cloneRow(row)
	if id, ok := doc["id"]; ok {
		doc["job_id"] = id
	}
	return b.Append(ctx, doc)
}
