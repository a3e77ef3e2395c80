package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kjannette/trahn-gateway/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS trade_archive (
	id          TEXT PRIMARY KEY,
	direction   TEXT NOT NULL,
	input_mint  TEXT NOT NULL,
	output_mint TEXT NOT NULL,
	amount      TEXT NOT NULL,
	wallet      TEXT NOT NULL,
	status      TEXT NOT NULL,
	bundle_id   TEXT NOT NULL DEFAULT '',
	error       TEXT NOT NULL DEFAULT '',
	steps       JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trade_archive_updated_at_idx ON trade_archive (updated_at DESC);
`

const tradeColumns = `id, direction, input_mint, output_mint, amount, wallet,
	status, bundle_id, error, steps, created_at, updated_at`

// TradeArchive keeps finished trades in Postgres. It is write-behind only;
// live trade lookups never read from it.
type TradeArchive struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

func NewTradeArchive(pool *pgxpool.Pool, log *zap.Logger) *TradeArchive {
	if log == nil {
		log = zap.NewNop()
	}
	return &TradeArchive{pool: pool, log: log.With(zap.String("component", "archive"))}
}

func (a *TradeArchive) EnsureSchema(ctx context.Context) error {
	if _, err := a.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create trade_archive: %w", err)
	}
	return nil
}

// Upsert writes t, replacing any earlier row for the same trade.
func (a *TradeArchive) Upsert(ctx context.Context, t models.Trade) error {
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	_, err = a.pool.Exec(ctx,
		`INSERT INTO trade_archive (`+tradeColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   bundle_id = EXCLUDED.bundle_id,
		   error = EXCLUDED.error,
		   steps = EXCLUDED.steps,
		   updated_at = EXCLUDED.updated_at`,
		t.ID, string(t.Direction), t.InputMint, t.OutputMint, t.Amount, t.Wallet,
		string(t.Status), t.BundleID, t.Error, steps, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert trade %s: %w", t.ID, err)
	}
	return nil
}

// Save is Upsert shaped as a trade handler; failures are logged.
func (a *TradeArchive) Save(ctx context.Context, t models.Trade) {
	if err := a.Upsert(ctx, t); err != nil {
		a.log.Warn("archive trade", zap.String("trade_id", t.ID), zap.Error(err))
	}
}

// History returns the most recently updated archived trades.
func (a *TradeArchive) History(ctx context.Context, limit int) ([]models.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trade_archive ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectTrades(rows)
}

// Get returns one archived trade, or nil when it is not there.
func (a *TradeArchive) Get(ctx context.Context, id string) (*models.Trade, error) {
	rows, err := a.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trade_archive WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	trades, err := collectTrades(rows)
	if err != nil || len(trades) == 0 {
		return nil, err
	}
	return &trades[0], nil
}

// Ping reports whether the pool can reach the database.
func (a *TradeArchive) Ping(ctx context.Context) error {
	return a.pool.Ping(ctx)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanTrade(row scannable) (*models.Trade, error) {
	var (
		t         models.Trade
		direction string
		status    string
		steps     []byte
	)
	err := row.Scan(&t.ID, &direction, &t.InputMint, &t.OutputMint, &t.Amount, &t.Wallet,
		&status, &t.BundleID, &t.Error, &steps, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Direction = models.Direction(direction)
	t.Status = models.TradeStatus(status)
	if err := json.Unmarshal(steps, &t.Steps); err != nil {
		return nil, fmt.Errorf("decode steps for %s: %w", t.ID, err)
	}
	return &t, nil
}

type rowsIter interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func collectTrades(rows rowsIter) ([]models.Trade, error) {
	var out []models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}
