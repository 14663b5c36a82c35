package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gocomet/poolride/internal/domain/ride"
	"github.com/gocomet/poolride/internal/store"
	"github.com/lib/pq"
)

// RideRepository is a PostgreSQL implementation of store.RideRepository.
type RideRepository struct {
	q Querier
}

const rideColumns = `id, rider_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, home_city,
	duration_minutes, plan, membership_status, status, pool_type, group_id, max_riders,
	current_rider_count, fare, charged_amount_cents, surcharge_cents, pickup_inside,
	dropoff_inside, client_total_cents, charge_mismatch, payment_status, pickup_code,
	dropoff_code, gender, institution_verified, driver_id, rating, created_at, updated_at, version`

// Create persists a new ride.
func (r *RideRepository) Create(ctx context.Context, rd *ride.Ride) error {
	fare, err := json.Marshal(rd.Fare)
	if err != nil {
		return fmt.Errorf("encode fare: %w", err)
	}

	query := `INSERT INTO rides (` + rideColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
			$17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30, $31, 1)`

	_, err = r.q.ExecContext(ctx, query,
		rd.ID,
		rd.RiderID,
		rd.Pickup.Lat,
		rd.Pickup.Lng,
		rd.Dropoff.Lat,
		rd.Dropoff.Lng,
		rd.HomeCity,
		rd.DurationMinutes,
		rd.Plan,
		rd.MembershipStatus,
		rd.Status,
		rd.PoolType,
		rd.GroupID,
		rd.MaxRiders,
		rd.CurrentRiderCount,
		fare,
		rd.ChargedAmountCents,
		rd.SurchargeCents,
		rd.PickupInside,
		rd.DropoffInside,
		rd.ClientTotalCents,
		rd.ChargeMismatch,
		rd.PaymentStatus,
		rd.PickupCode,
		rd.DropoffCode,
		rd.Gender,
		rd.InstitutionVerified,
		rd.DriverID,
		rd.Rating,
		rd.CreatedAt,
		rd.UpdatedAt,
	)
	if err != nil {
		return mapError(err)
	}
	rd.Version = 1
	return nil
}

// Get retrieves a ride by ID.
func (r *RideRepository) Get(ctx context.Context, id string) (*ride.Ride, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id)
	rd, err := scanRide(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, mapError(err)
	}
	return rd, nil
}

// Update writes every mutable column if the version still matches.
func (r *RideRepository) Update(ctx context.Context, rd *ride.Ride) error {
	fare, err := json.Marshal(rd.Fare)
	if err != nil {
		return fmt.Errorf("encode fare: %w", err)
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE rides
		SET status = $1,
			group_id = $2,
			max_riders = $3,
			current_rider_count = $4,
			fare = $5,
			charged_amount_cents = $6,
			surcharge_cents = $7,
			charge_mismatch = $8,
			payment_status = $9,
			pickup_code = $10,
			dropoff_code = $11,
			driver_id = $12,
			rating = $13,
			updated_at = $14,
			version = version + 1
		WHERE id = $15 AND version = $16`,
		rd.Status,
		rd.GroupID,
		rd.MaxRiders,
		rd.CurrentRiderCount,
		fare,
		rd.ChargedAmountCents,
		rd.SurchargeCents,
		rd.ChargeMismatch,
		rd.PaymentStatus,
		rd.PickupCode,
		rd.DropoffCode,
		rd.DriverID,
		rd.Rating,
		rd.UpdatedAt,
		rd.ID,
		rd.Version,
	)
	if err != nil {
		return mapError(err)
	}
	if err := r.checkAffected(ctx, res, rd.ID); err != nil {
		return err
	}
	rd.Version++
	return nil
}

func (r *RideRepository) checkAffected(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := r.q.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM rides WHERE id = $1)`, id).Scan(&exists); err != nil {
		return mapError(err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrConflict
}

// Find returns rides matching q, most recent first.
func (r *RideRepository) Find(ctx context.Context, q store.RideQuery) ([]*ride.Ride, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if q.Plan != "" {
		add("plan = $%d", q.Plan)
	}
	if q.GroupID != "" {
		add("group_id = $%d", q.GroupID)
	}
	if !q.CreatedAfter.IsZero() {
		add("created_at > $%d", q.CreatedAfter)
	}
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, s := range q.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", pq.Array(statuses))
	}

	query := `SELECT ` + rideColumns + ` FROM rides`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var rides []*ride.Ride
	for rows.Next() {
		rd, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		rides = append(rides, rd)
	}
	return rides, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (*ride.Ride, error) {
	var (
		rd   ride.Ride
		fare []byte
	)
	err := s.Scan(
		&rd.ID,
		&rd.RiderID,
		&rd.Pickup.Lat,
		&rd.Pickup.Lng,
		&rd.Dropoff.Lat,
		&rd.Dropoff.Lng,
		&rd.HomeCity,
		&rd.DurationMinutes,
		&rd.Plan,
		&rd.MembershipStatus,
		&rd.Status,
		&rd.PoolType,
		&rd.GroupID,
		&rd.MaxRiders,
		&rd.CurrentRiderCount,
		&fare,
		&rd.ChargedAmountCents,
		&rd.SurchargeCents,
		&rd.PickupInside,
		&rd.DropoffInside,
		&rd.ClientTotalCents,
		&rd.ChargeMismatch,
		&rd.PaymentStatus,
		&rd.PickupCode,
		&rd.DropoffCode,
		&rd.Gender,
		&rd.InstitutionVerified,
		&rd.DriverID,
		&rd.Rating,
		&rd.CreatedAt,
		&rd.UpdatedAt,
		&rd.Version,
	)
	if err != nil {
		return nil, err
	}
	if len(fare) > 0 {
		if err := json.Unmarshal(fare, &rd.Fare); err != nil {
			return nil, fmt.Errorf("decode fare for ride %s: %w", rd.ID, err)
		}
	}
	return &rd, nil
}
