package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gocomet/poolride/internal/domain/membership"
	"github.com/gocomet/poolride/internal/domain/payment"
	"github.com/gocomet/poolride/internal/store"
)

// HoldRepository is a PostgreSQL implementation of store.HoldRepository.
type HoldRepository struct {
	q Querier
}

const holdColumns = `id, ride_id, rider_id, gateway_id, client_secret, currency, base_fare_cents,
	max_tip_cents, initial_tip_cents, tip_cents, authorized_cents, captured_cents, status,
	created_at, updated_at, version`

// Create persists a new hold.
func (r *HoldRepository) Create(ctx context.Context, h *payment.Hold) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO payment_holds (`+holdColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1)`,
		h.ID,
		h.RideID,
		h.RiderID,
		h.GatewayID,
		h.ClientSecret,
		h.Currency,
		h.BaseFareCents,
		h.MaxTipCents,
		h.InitialTipCents,
		h.TipCents,
		h.AuthorizedCents,
		h.CapturedCents,
		h.Status,
		h.CreatedAt,
		h.UpdatedAt,
	)
	if err != nil {
		return mapError(err)
	}
	h.Version = 1
	return nil
}

// Get retrieves a hold by ID.
func (r *HoldRepository) Get(ctx context.Context, id string) (*payment.Hold, error) {
	h, err := scanHold(r.q.QueryRowContext(ctx, `SELECT `+holdColumns+` FROM payment_holds WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapError(err)
	}
	return h, nil
}

// Update writes the mutable columns if the version still matches.
func (r *HoldRepository) Update(ctx context.Context, h *payment.Hold) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE payment_holds
		SET gateway_id = $1,
			client_secret = $2,
			tip_cents = $3,
			captured_cents = $4,
			status = $5,
			updated_at = $6,
			version = version + 1
		WHERE id = $7 AND version = $8`,
		h.GatewayID,
		h.ClientSecret,
		h.TipCents,
		h.CapturedCents,
		h.Status,
		h.UpdatedAt,
		h.ID,
		h.Version,
	)
	if err != nil {
		return mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		if _, err := r.Get(ctx, h.ID); err != nil {
			return err
		}
		return store.ErrConflict
	}
	h.Version++
	return nil
}

// ListByRide returns every hold of a ride, oldest first.
func (r *HoldRepository) ListByRide(ctx context.Context, rideID string) ([]*payment.Hold, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT `+holdColumns+` FROM payment_holds WHERE ride_id = $1 ORDER BY created_at`, rideID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var holds []*payment.Hold
	for rows.Next() {
		h, err := scanHold(rows)
		if err != nil {
			return nil, err
		}
		holds = append(holds, h)
	}
	return holds, rows.Err()
}

func scanHold(s scanner) (*payment.Hold, error) {
	var h payment.Hold
	err := s.Scan(
		&h.ID,
		&h.RideID,
		&h.RiderID,
		&h.GatewayID,
		&h.ClientSecret,
		&h.Currency,
		&h.BaseFareCents,
		&h.MaxTipCents,
		&h.InitialTipCents,
		&h.TipCents,
		&h.AuthorizedCents,
		&h.CapturedCents,
		&h.Status,
		&h.CreatedAt,
		&h.UpdatedAt,
		&h.Version,
	)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// MemberRepository is a PostgreSQL implementation of store.MemberRepository.
type MemberRepository struct {
	q Querier
}

// Get retrieves the membership of a user.
func (r *MemberRepository) Get(ctx context.Context, userID string) (*membership.Member, error) {
	var (
		m         membership.Member
		expiresAt sql.NullTime
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT user_id, plan, status, expires_at, institution_verified, gender, home_city, updated_at
		FROM memberships WHERE user_id = $1`, userID,
	).Scan(&m.UserID, &m.Plan, &m.Status, &expiresAt, &m.InstitutionVerified, &m.Gender, &m.HomeCity, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapError(err)
	}
	if expiresAt.Valid {
		m.ExpiresAt = expiresAt.Time
	}
	return &m, nil
}

// Put upserts a membership.
func (r *MemberRepository) Put(ctx context.Context, m *membership.Member) error {
	var expiresAt sql.NullTime
	if !m.ExpiresAt.IsZero() {
		expiresAt = sql.NullTime{Time: m.ExpiresAt, Valid: true}
	}
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO memberships (user_id, plan, status, expires_at, institution_verified, gender, home_city, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) DO UPDATE SET
			plan = EXCLUDED.plan,
			status = EXCLUDED.status,
			expires_at = EXCLUDED.expires_at,
			institution_verified = EXCLUDED.institution_verified,
			gender = EXCLUDED.gender,
			home_city = EXCLUDED.home_city,
			updated_at = EXCLUDED.updated_at`,
		m.UserID, m.Plan, m.Status, expiresAt, m.InstitutionVerified, m.Gender, m.HomeCity, m.UpdatedAt,
	)
	return mapError(err)
}

// LedgerRepository is a PostgreSQL implementation of store.LedgerRepository.
type LedgerRepository struct {
	q Querier
}

// Record inserts e, keeping any earlier entry with the same (ride_id, kind).
func (r *LedgerRepository) Record(ctx context.Context, e payment.LedgerEntry) (bool, error) {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return false, fmt.Errorf("encode ledger detail: %w", err)
	}
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO ledger_entries (ride_id, kind, amount_cents, surcharge_cents, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (ride_id, kind) DO NOTHING`,
		e.RideID, e.Kind, e.AmountCents, e.SurchargeCents, detail, e.RecordedAt,
	)
	if err != nil {
		return false, mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// List returns the entries of a ride in recording order.
func (r *LedgerRepository) List(ctx context.Context, rideID string) ([]payment.LedgerEntry, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT ride_id, kind, amount_cents, surcharge_cents, detail, recorded_at
		FROM ledger_entries WHERE ride_id = $1 ORDER BY recorded_at`, rideID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var entries []payment.LedgerEntry
	for rows.Next() {
		var (
			e      payment.LedgerEntry
			detail []byte
		)
		if err := rows.Scan(&e.RideID, &e.Kind, &e.AmountCents, &e.SurchargeCents, &detail, &e.RecordedAt); err != nil {
			return nil, err
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode ledger detail: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
