package catalogue

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	"github.com/sehha/claimsbridge/internal/envelope"
)

// AppendTransaction writes one audit row. Rows are append-only; callers never
// update an existing row.
func (s *Store) AppendTransaction(ctx context.Context, rec *TransactionRecord) error {
	if rec.TxnID == "" {
		rec.TxnID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO nphies_transactions
			(txn_id, claim_id, stage, attempt, status, error_code, upstream_txn_id,
			 request_hash, http_status, duration_ms, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), $8, NULLIF($9, 0), $10, $11, NOW())`,
		rec.TxnID, rec.ClaimID, rec.Stage, rec.Attempt, string(rec.Status), rec.ErrorCode,
		rec.UpstreamTxnID, rec.RequestHash, rec.HTTPStatus, rec.DurationMs, rec.CorrelationID)
	if err != nil {
		return storeErr(err, "TXLOG_APPEND")
	}
	return nil
}

// ListTransactions returns all audit rows for a claim ordered by creation,
// oldest first, so stage projections read in attempt order.
func (s *Store) ListTransactions(ctx context.Context, claimID string) ([]TransactionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT txn_id, claim_id, stage, attempt, status,
		       COALESCE(error_code, ''), COALESCE(upstream_txn_id, ''),
		       request_hash, COALESCE(http_status, 0), duration_ms, correlation_id, created_at
		FROM nphies_transactions
		WHERE claim_id = $1
		ORDER BY created_at ASC`,
		claimID)
	if err != nil {
		return nil, storeErr(err, "TXLOG_QUERY")
	}
	defer rows.Close()

	var out []TransactionRecord
	for rows.Next() {
		var rec TransactionRecord
		var status string
		if err := rows.Scan(&rec.TxnID, &rec.ClaimID, &rec.Stage, &rec.Attempt, &status,
			&rec.ErrorCode, &rec.UpstreamTxnID, &rec.RequestHash, &rec.HTTPStatus,
			&rec.DurationMs, &rec.CorrelationID, &rec.CreatedAt); err != nil {
			return nil, envelope.Wrap(err, envelope.KindDataCorrupt, "TXLOG_CORRUPT", "malformed transaction row")
		}
		rec.Status = TxnStatus(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "TXLOG_QUERY")
	}
	return out, nil
}

// FindUpstreamTxn returns the recorded upstream transaction ID for an
// idempotency key's request hash, if any attempt already reached NPHIES.
func (s *Store) FindUpstreamTxn(ctx context.Context, claimID, requestHash string) (string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT upstream_txn_id
		FROM nphies_transactions
		WHERE claim_id = $1 AND request_hash = $2 AND upstream_txn_id IS NOT NULL
		ORDER BY created_at DESC
		LIMIT 1`,
		claimID, requestHash)

	var id string
	err := row.Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", storeErr(err, "TXLOG_QUERY")
	}
	return id, nil
}
