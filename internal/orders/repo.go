package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ghya66/tg-dgn-bot/internal/amount"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the repo needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repo mirrors orders into Postgres and keeps the anomaly queue. Redis stays
// authoritative for status; the mirror is history and reporting.
type Repo struct{ DB DB }

func (r *Repo) OrderCreated(ctx context.Context, o Order) error { return r.SaveOrder(ctx, o) }

func (r *Repo) OrderTransitioned(ctx context.Context, o Order, _ Status) error {
	return r.SaveOrder(ctx, o)
}

// SaveOrder upserts o. An older snapshot never overwrites a newer one.
func (r *Repo) SaveOrder(ctx context.Context, o Order) error {
	meta, err := json.Marshal(o.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = r.DB.Exec(ctx, `
		INSERT INTO orders(order_id, user_id, order_type, base_micro, unique_suffix, total_micro,
		                   status, tx_hash, metadata, created_at, updated_at, expires_at, paid_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9,$10,$11,$12,$13)
		ON CONFLICT (order_id) DO UPDATE
		   SET status = EXCLUDED.status,
		       tx_hash = COALESCE(EXCLUDED.tx_hash, orders.tx_hash),
		       updated_at = EXCLUDED.updated_at,
		       paid_at = COALESCE(EXCLUDED.paid_at, orders.paid_at)
		 WHERE orders.updated_at <= EXCLUDED.updated_at`,
		o.ID, o.UserID, o.Type, int64(o.BaseMicro), o.Suffix, int64(o.TotalMicro),
		string(o.Status), o.TxHash, meta, o.CreatedAt, o.UpdatedAt, o.ExpiresAt, o.PaidAt,
	)
	if err != nil {
		return fmt.Errorf("mirror order %s: %w", o.ID, err)
	}
	return nil
}

func (r *Repo) GetOrder(ctx context.Context, id string) (Order, error) {
	var (
		o      Order
		status string
		tx     *string
		meta   []byte
		base   int64
		total  int64
	)
	err := r.DB.QueryRow(ctx, `
		SELECT order_id, user_id, order_type, base_micro, unique_suffix, total_micro,
		       status, tx_hash, metadata, created_at, updated_at, expires_at, paid_at
		  FROM orders WHERE order_id=$1`, id).
		Scan(&o.ID, &o.UserID, &o.Type, &base, &o.Suffix, &total,
			&status, &tx, &meta, &o.CreatedAt, &o.UpdatedAt, &o.ExpiresAt, &o.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("load order %s: %w", id, err)
	}
	o.BaseMicro, o.TotalMicro, o.Status = amount.Micro(base), amount.Micro(total), Status(status)
	if tx != nil {
		o.TxHash = *tx
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &o.Metadata); err != nil {
			return Order{}, fmt.Errorf("decode metadata of %s: %w", id, err)
		}
	}
	return o, nil
}

func (r *Repo) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := r.DB.Query(ctx, `SELECT status, COUNT(*) FROM orders GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[Status]int{}
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[Status(s)] = n
	}
	return out, rows.Err()
}

// RecordAnomaly queues a for manual review. The same (kind, order, tx) is
// recorded once no matter how often the callback is replayed.
func (r *Repo) RecordAnomaly(ctx context.Context, a Anomaly) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO reconciliation_anomalies(kind, order_id, amount_micro, tx_hash,
		                                     from_status, to_status, current_status, detail, observed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (kind, order_id, tx_hash) DO NOTHING`,
		string(a.Kind), a.OrderID, int64(a.AmountMicro), a.TxHash,
		string(a.FromStatus), string(a.ToStatus), string(a.CurrentStatus), a.Detail, a.ObservedAt,
	)
	if err != nil {
		return fmt.Errorf("record anomaly %s for %s: %w", a.Kind, a.OrderID, err)
	}
	return nil
}

// OpenAnomalies lists unresolved anomalies, newest first.
func (r *Repo) OpenAnomalies(ctx context.Context, limit int) ([]Anomaly, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT kind, order_id, amount_micro, tx_hash, from_status, to_status, current_status, detail, observed_at
		  FROM reconciliation_anomalies
		 WHERE resolved_at IS NULL
		 ORDER BY observed_at DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Anomaly
	for rows.Next() {
		var (
			a                   Anomaly
			kind, from, to, cur string
			micro               int64
		)
		if err := rows.Scan(&kind, &a.OrderID, &micro, &a.TxHash, &from, &to, &cur, &a.Detail, &a.ObservedAt); err != nil {
			return nil, err
		}
		a.Kind, a.AmountMicro = AnomalyKind(kind), amount.Micro(micro)
		a.FromStatus, a.ToStatus, a.CurrentStatus = Status(from), Status(to), Status(cur)
		out = append(out, a)
	}
	return out, rows.Err()
}
