package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/openassets/solvency-backend/internal/indexer"
)

// IndexerRepository backs both halves of the indexer: the ingestion cursor
// plus the durable event queue the reconciler drains.
type IndexerRepository struct {
	pool *pgxpool.Pool
}

func NewIndexerRepository(pool *pgxpool.Pool) *IndexerRepository {
	return &IndexerRepository{pool: pool}
}

func (r *IndexerRepository) GetIngestionCursor(ctx context.Context, key string) (uint64, bool, error) {
	var block int64
	err := r.pool.QueryRow(ctx, `SELECT last_block FROM ingestion_cursors WHERE key = $1`, key).Scan(&block)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return uint64(block), true, nil
}

func (r *IndexerRepository) SetIngestionCursor(ctx context.Context, key string, blockNumber uint64) error {
	q := `
INSERT INTO ingestion_cursors (key, last_block, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (key) DO UPDATE SET last_block = EXCLUDED.last_block, updated_at = NOW()
`
	_, err := r.pool.Exec(ctx, q, key, int64(blockNumber))
	return err
}

// InsertChainEvent is a no-op on duplicate (tx_hash, log_index): a restarted
// ingestion pass over an already-scanned range inserts nothing.
func (r *IndexerRepository) InsertChainEvent(ctx context.Context, ev indexer.IngestedEvent) error {
	q := `
INSERT INTO chain_events (contract_address, event_kind, position_id, tx_hash, log_index, block_number, raw_data, processed)
VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, FALSE)
ON CONFLICT (tx_hash, log_index) DO NOTHING
`
	_, err := r.pool.Exec(ctx, q,
		strings.ToLower(ev.ContractAddr),
		ev.Kind.String(),
		int64(ev.PositionID),
		strings.ToLower(ev.TXHash),
		int64(ev.LogIndex),
		int64(ev.BlockNumber),
		[]byte(ev.RawData),
	)
	return err
}

func (r *IndexerRepository) ListUnprocessed(ctx context.Context, limit int32) ([]indexer.ChainEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `
SELECT id, event_kind, tx_hash, log_index, block_number, position_id, raw_data::text
FROM chain_events
WHERE processed = FALSE
ORDER BY block_number, log_index
LIMIT $1
`
	rows, err := r.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]indexer.ChainEvent, 0)
	for rows.Next() {
		var ev indexer.ChainEvent
		var kind, rawText string
		var logIndex, blockNumber, positionID int64
		if err := rows.Scan(&ev.ID, &kind, &ev.TXHash, &logIndex, &blockNumber, &positionID, &rawText); err != nil {
			return nil, err
		}
		ev.Kind = indexer.KindFromName(kind)
		ev.LogIndex = uint64(logIndex)
		ev.BlockNumber = uint64(blockNumber)
		ev.PositionID = uint64(positionID)
		ev.RawData = []byte(rawText)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *IndexerRepository) MarkProcessed(ctx context.Context, eventID int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE chain_events SET processed = TRUE, processed_at = NOW() WHERE id = $1`, eventID)
	return err
}
