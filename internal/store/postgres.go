package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/internal/health"
	"crossarb/pkg/types"
)

// Schema is the Postgres DDL for all repositories. Applied by Migrate;
// idempotent via IF NOT EXISTS.
const Schema = `
CREATE TABLE IF NOT EXISTS orders (
	order_id    TEXT PRIMARY KEY,
	venue       TEXT NOT NULL,
	contract_id TEXT NOT NULL,
	pair_id     TEXT NOT NULL,
	side        TEXT NOT NULL,
	price       NUMERIC NOT NULL,
	size        BIGINT NOT NULL,
	status      TEXT NOT NULL,
	fill_price  NUMERIC,
	fill_size   BIGINT,
	is_paper    BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_orders_pair ON orders (pair_id);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders (status);

CREATE TABLE IF NOT EXISTS positions (
	id                 TEXT PRIMARY KEY,
	pair_id            TEXT NOT NULL,
	primary_order_id   TEXT,
	secondary_order_id TEXT,
	exit_order_ids     JSONB,
	sides              JSONB NOT NULL,
	entry_prices       JSONB NOT NULL,
	sizes              JSONB NOT NULL,
	expected_edge      NUMERIC NOT NULL,
	status             TEXT NOT NULL,
	is_paper           BOOLEAN NOT NULL DEFAULT FALSE,
	correlation_id     TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_positions_status ON positions (status);

CREATE TABLE IF NOT EXISTS pairs (
	id              TEXT PRIMARY KEY,
	contract_ids    JSONB NOT NULL,
	primary_leg     TEXT NOT NULL,
	resolution_date TIMESTAMPTZ,
	description     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS health_log (
	id          BIGSERIAL PRIMARY KEY,
	venue       TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT '',
	at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_health_log_at ON health_log (at DESC);
`

// NewPostgres opens a connection pool and returns sqlx-backed repositories.
func NewPostgres(cfg config.DatabaseConfig) (*Repositories, *sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &Repositories{
		Orders:    &pgOrders{db: db},
		Positions: &pgPositions{db: db},
		Pairs:     &pgPairs{db: db},
		Health:    &pgHealth{db: db},
	}, db, nil
}

// Migrate applies the schema.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

type pgOrders struct {
	db *sqlx.DB
}

func (r *pgOrders) Create(ctx context.Context, order *types.PersistedOrder) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO orders (order_id, venue, contract_id, pair_id, side, price,
			size, status, fill_price, fill_size, is_paper, created_at, updated_at)
		VALUES (:order_id, :venue, :contract_id, :pair_id, :side, :price,
			:size, :status, :fill_price, :fill_size, :is_paper, now(), now())`,
		order)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", order.OrderID, err)
	}
	return nil
}

func (r *pgOrders) FindByID(ctx context.Context, orderID string) (*types.PersistedOrder, error) {
	var order types.PersistedOrder
	err := r.db.GetContext(ctx, &order,
		`SELECT * FROM orders WHERE order_id = $1`, orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find order %s: %w", orderID, err)
	}
	return &order, nil
}

func (r *pgOrders) FindByPairID(ctx context.Context, pairID string) ([]types.PersistedOrder, error) {
	var orders []types.PersistedOrder
	err := r.db.SelectContext(ctx, &orders,
		`SELECT * FROM orders WHERE pair_id = $1 ORDER BY created_at`, pairID)
	if err != nil {
		return nil, fmt.Errorf("find orders for pair %s: %w", pairID, err)
	}
	return orders, nil
}

func (r *pgOrders) FindPending(ctx context.Context) ([]types.PersistedOrder, error) {
	var orders []types.PersistedOrder
	err := r.db.SelectContext(ctx, &orders,
		`SELECT * FROM orders WHERE status IN ($1, $2) ORDER BY created_at`,
		types.OrderStatusPending, types.OrderStatusPartial)
	if err != nil {
		return nil, fmt.Errorf("find pending orders: %w", err)
	}
	return orders, nil
}

func (r *pgOrders) UpdateStatus(ctx context.Context, orderID string, status types.PersistedOrderStatus, fillPrice *decimal.Decimal, fillSize *int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $2,
			fill_price = COALESCE($3, fill_price),
			fill_size = COALESCE($4, fill_size),
			updated_at = now()
		WHERE order_id = $1`,
		orderID, status, fillPrice, fillSize)
	if err != nil {
		return fmt.Errorf("update order %s: %w", orderID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// positionRow maps positions to their table shape; the per-venue maps travel
// as JSONB.
type positionRow struct {
	ID               string          `db:"id"`
	PairID           string          `db:"pair_id"`
	PrimaryOrderID   *string         `db:"primary_order_id"`
	SecondaryOrderID *string         `db:"secondary_order_id"`
	ExitOrderIDs     []byte          `db:"exit_order_ids"`
	Sides            []byte          `db:"sides"`
	EntryPrices      []byte          `db:"entry_prices"`
	Sizes            []byte          `db:"sizes"`
	ExpectedEdge     decimal.Decimal `db:"expected_edge"`
	Status           string          `db:"status"`
	IsPaper          bool            `db:"is_paper"`
	CorrelationID    string          `db:"correlation_id"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

func toPositionRow(pos *types.Position) (*positionRow, error) {
	row := &positionRow{
		ID:               pos.ID,
		PairID:           pos.PairID,
		PrimaryOrderID:   pos.PrimaryOrderID,
		SecondaryOrderID: pos.SecondaryOrderID,
		ExpectedEdge:     pos.ExpectedEdge,
		Status:           string(pos.Status),
		IsPaper:          pos.IsPaper,
		CorrelationID:    pos.CorrelationID,
		CreatedAt:        pos.CreatedAt,
		UpdatedAt:        pos.UpdatedAt,
	}

	var err error
	if row.ExitOrderIDs, err = json.Marshal(pos.ExitOrderIDs); err != nil {
		return nil, fmt.Errorf("marshal exit order ids: %w", err)
	}
	if row.Sides, err = json.Marshal(pos.Sides); err != nil {
		return nil, fmt.Errorf("marshal sides: %w", err)
	}
	if row.EntryPrices, err = json.Marshal(pos.EntryPrices); err != nil {
		return nil, fmt.Errorf("marshal entry prices: %w", err)
	}
	if row.Sizes, err = json.Marshal(pos.Sizes); err != nil {
		return nil, fmt.Errorf("marshal sizes: %w", err)
	}
	return row, nil
}

func (row *positionRow) toPosition() (*types.Position, error) {
	pos := &types.Position{
		ID:               row.ID,
		PairID:           row.PairID,
		PrimaryOrderID:   row.PrimaryOrderID,
		SecondaryOrderID: row.SecondaryOrderID,
		ExpectedEdge:     row.ExpectedEdge,
		Status:           types.PositionStatus(row.Status),
		IsPaper:          row.IsPaper,
		CorrelationID:    row.CorrelationID,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}

	if len(row.ExitOrderIDs) > 0 {
		if err := json.Unmarshal(row.ExitOrderIDs, &pos.ExitOrderIDs); err != nil {
			return nil, fmt.Errorf("unmarshal exit order ids: %w", err)
		}
	}
	if err := json.Unmarshal(row.Sides, &pos.Sides); err != nil {
		return nil, fmt.Errorf("unmarshal sides: %w", err)
	}
	if err := json.Unmarshal(row.EntryPrices, &pos.EntryPrices); err != nil {
		return nil, fmt.Errorf("unmarshal entry prices: %w", err)
	}
	if err := json.Unmarshal(row.Sizes, &pos.Sizes); err != nil {
		return nil, fmt.Errorf("unmarshal sizes: %w", err)
	}
	return pos, nil
}

type pgPositions struct {
	db *sqlx.DB
}

func (r *pgPositions) Create(ctx context.Context, pos *types.Position) error {
	row, err := toPositionRow(pos)
	if err != nil {
		return err
	}
	_, err = r.db.NamedExecContext(ctx, `
		INSERT INTO positions (id, pair_id, primary_order_id, secondary_order_id,
			exit_order_ids, sides, entry_prices, sizes, expected_edge, status,
			is_paper, correlation_id, created_at, updated_at)
		VALUES (:id, :pair_id, :primary_order_id, :secondary_order_id,
			:exit_order_ids, :sides, :entry_prices, :sizes, :expected_edge, :status,
			:is_paper, :correlation_id, now(), now())`,
		row)
	if err != nil {
		return fmt.Errorf("insert position %s: %w", pos.ID, err)
	}
	return nil
}

func (r *pgPositions) FindByID(ctx context.Context, id string) (*types.Position, error) {
	var row positionRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM positions WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find position %s: %w", id, err)
	}
	return row.toPosition()
}

func (r *pgPositions) FindByIDWithPair(ctx context.Context, id string) (*types.PositionWithPair, error) {
	pos, err := r.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	pair, err := (&pgPairs{db: r.db}).FindByID(ctx, pos.PairID)
	if err != nil {
		return nil, err
	}
	return &types.PositionWithPair{Position: *pos, Pair: *pair}, nil
}

func (r *pgPositions) findRows(ctx context.Context, query string, args ...any) ([]types.Position, error) {
	var rows []positionRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select positions: %w", err)
	}

	out := make([]types.Position, 0, len(rows))
	for i := range rows {
		pos, err := rows[i].toPosition()
		if err != nil {
			return nil, err
		}
		out = append(out, *pos)
	}
	return out, nil
}

func (r *pgPositions) FindByStatus(ctx context.Context, statuses ...types.PositionStatus) ([]types.Position, error) {
	query, args, err := sqlx.In(
		`SELECT * FROM positions WHERE status IN (?) ORDER BY created_at`, statuses)
	if err != nil {
		return nil, fmt.Errorf("build status query: %w", err)
	}
	return r.findRows(ctx, r.db.Rebind(query), args...)
}

func (r *pgPositions) FindByStatusWithPair(ctx context.Context, statuses ...types.PositionStatus) ([]types.PositionWithPair, error) {
	positions, err := r.FindByStatus(ctx, statuses...)
	if err != nil {
		return nil, err
	}

	pairs := &pgPairs{db: r.db}
	out := make([]types.PositionWithPair, 0, len(positions))
	for _, pos := range positions {
		pair, err := pairs.FindByID(ctx, pos.PairID)
		if err != nil {
			return nil, err
		}
		out = append(out, types.PositionWithPair{Position: pos, Pair: *pair})
	}
	return out, nil
}

func (r *pgPositions) FindActive(ctx context.Context) ([]types.Position, error) {
	return r.FindByStatus(ctx,
		types.PositionOpen, types.PositionSingleLegExposed,
		types.PositionExitPartial, types.PositionReconRequired)
}

func (r *pgPositions) Update(ctx context.Context, pos *types.Position) error {
	row, err := toPositionRow(pos)
	if err != nil {
		return err
	}
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE positions
		SET primary_order_id = :primary_order_id,
			secondary_order_id = :secondary_order_id,
			exit_order_ids = :exit_order_ids,
			sides = :sides,
			entry_prices = :entry_prices,
			sizes = :sizes,
			expected_edge = :expected_edge,
			status = :status,
			updated_at = now()
		WHERE id = :id`,
		row)
	if err != nil {
		return fmt.Errorf("update position %s: %w", pos.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *pgPositions) UpdateStatus(ctx context.Context, id string, status types.PositionStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE positions SET status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("update position %s status: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Pairs
// ————————————————————————————————————————————————————————————————————————

type pairRow struct {
	ID             string     `db:"id"`
	ContractIDs    []byte     `db:"contract_ids"`
	PrimaryLeg     string     `db:"primary_leg"`
	ResolutionDate *time.Time `db:"resolution_date"`
	Description    string     `db:"description"`
}

type pgPairs struct {
	db *sqlx.DB
}

func (r *pgPairs) Create(ctx context.Context, pair *types.Pair) error {
	contracts, err := json.Marshal(pair.ContractIDs)
	if err != nil {
		return fmt.Errorf("marshal contract ids: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO pairs (id, contract_ids, primary_leg, resolution_date, description)
		VALUES ($1, $2, $3, $4, $5)`,
		pair.ID, contracts, pair.PrimaryLeg, pair.ResolutionDate, pair.Description)
	if err != nil {
		return fmt.Errorf("insert pair %s: %w", pair.ID, err)
	}
	return nil
}

func (r *pgPairs) FindByID(ctx context.Context, id string) (*types.Pair, error) {
	var row pairRow
	err := r.db.GetContext(ctx, &row, `SELECT * FROM pairs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find pair %s: %w", id, err)
	}
	return row.toPair()
}

func (row *pairRow) toPair() (*types.Pair, error) {
	pair := &types.Pair{
		ID:             row.ID,
		PrimaryLeg:     types.Venue(row.PrimaryLeg),
		ResolutionDate: row.ResolutionDate,
		Description:    row.Description,
	}
	if err := json.Unmarshal(row.ContractIDs, &pair.ContractIDs); err != nil {
		return nil, fmt.Errorf("unmarshal contract ids: %w", err)
	}
	return pair, nil
}

func (r *pgPairs) List(ctx context.Context) ([]types.Pair, error) {
	var rows []pairRow
	if err := r.db.SelectContext(ctx, &rows, `SELECT * FROM pairs ORDER BY id`); err != nil {
		return nil, fmt.Errorf("list pairs: %w", err)
	}

	out := make([]types.Pair, 0, len(rows))
	for i := range rows {
		pair, err := rows[i].toPair()
		if err != nil {
			return nil, err
		}
		out = append(out, *pair)
	}
	return out, nil
}

// ————————————————————————————————————————————————————————————————————————
// Health log
// ————————————————————————————————————————————————————————————————————————

type pgHealth struct {
	db *sqlx.DB
}

func (r *pgHealth) RecordHealthTransition(ctx context.Context, rec health.Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO health_log (venue, from_status, to_status, reason, at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.Venue, rec.From, rec.To, rec.Reason, rec.At)
	if err != nil {
		return fmt.Errorf("insert health transition: %w", err)
	}
	return nil
}

func (r *pgHealth) RecentTransitions(ctx context.Context, limit int) ([]health.Record, error) {
	var recs []health.Record
	err := r.db.SelectContext(ctx, &recs, `
		SELECT venue, from_status, to_status, reason, at
		FROM health_log ORDER BY at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list health transitions: %w", err)
	}
	return recs, nil
}
