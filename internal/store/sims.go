package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"fleetcore/internal/apperr"
	"fleetcore/internal/models"
)

const simColumns = `id, tenant_id, iccid, msisdn, carrier, status, plan, created_at, updated_at`

// CreateSim inserts a SIM row.
func (s *Store) CreateSim(ctx context.Context, sim models.Sim) (models.Sim, error) {
	if sim.Status == "" {
		sim.Status = models.SimInventory
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO sims (tenant_id, iccid, msisdn, carrier, status, plan)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+simColumns,
		sim.TenantID, sim.ICCID, sim.MSISDN, sim.Carrier, string(sim.Status), sim.Plan)
	created, err := scanSim(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return models.Sim{}, apperr.Conflict("", "a SIM with ICCID %s already exists", sim.ICCID)
		}
		return models.Sim{}, err
	}
	return created, nil
}

// GetSim loads a SIM scoped to tenantID. An empty tenantID disables scoping
// (job handlers run outside a request's tenant).
func (s *Store) GetSim(ctx context.Context, tenantID string, id int64) (models.Sim, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+simColumns+` FROM sims WHERE id = $1 AND ($2 = '' OR tenant_id = $2)
	`, id, tenantID)
	sim, err := scanSim(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Sim{}, apperr.NotFound("SIM %d not found", id)
	}
	return sim, err
}

// ApplySimStatus sets the SIM status when the current status is in allowedFrom and
// backfills status_after on the event linked to jobID, in one transaction.
func (s *Store) ApplySimStatus(ctx context.Context, simID int64, jobID string, allowedFrom []models.SimStatus, to models.SimStatus) (models.Sim, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Sim{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	from := make([]string, 0, len(allowedFrom))
	for _, st := range allowedFrom {
		from = append(from, string(st))
	}

	row := tx.QueryRow(ctx, `
		UPDATE sims SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
		RETURNING `+simColumns, simID, string(to), from)
	sim, err := scanSim(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var current string
		if err := tx.QueryRow(ctx, `SELECT status FROM sims WHERE id = $1`, simID).Scan(&current); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return models.Sim{}, apperr.NotFound("SIM %d not found", simID)
			}
			return models.Sim{}, fmt.Errorf("load sim status: %w", err)
		}
		return models.Sim{}, apperr.Conflict(apperr.ReasonInvalidTransition,
			"SIM %d is %s, expected one of %v", simID, current, allowedFrom)
	}
	if err != nil {
		return models.Sim{}, err
	}

	if _, err := tx.Exec(ctx, `UPDATE sim_events SET status_after = $2 WHERE job_id = $1`, jobID, string(to)); err != nil {
		return models.Sim{}, fmt.Errorf("backfill sim event: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Sim{}, fmt.Errorf("commit: %w", err)
	}
	return sim, nil
}

// TerminateSim soft-deletes a SIM and records the terminate event.
func (s *Store) TerminateSim(ctx context.Context, tenantID string, id int64, actor string) (models.Sim, models.SimEvent, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Sim{}, models.SimEvent{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var before string
	err = tx.QueryRow(ctx, `
		SELECT status FROM sims WHERE id = $1 AND ($2 = '' OR tenant_id = $2) FOR UPDATE
	`, id, tenantID).Scan(&before)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Sim{}, models.SimEvent{}, apperr.NotFound("SIM %d not found", id)
	}
	if err != nil {
		return models.Sim{}, models.SimEvent{}, fmt.Errorf("lock sim: %w", err)
	}
	if before == string(models.SimTerminated) {
		return models.Sim{}, models.SimEvent{}, apperr.Conflict(apperr.ReasonInvalidTransition, "SIM %d is already terminated", id)
	}

	sim, err := scanSim(tx.QueryRow(ctx, `
		UPDATE sims SET status = $2, updated_at = NOW() WHERE id = $1 RETURNING `+simColumns,
		id, string(models.SimTerminated)))
	if err != nil {
		return models.Sim{}, models.SimEvent{}, err
	}

	ev := models.SimEvent{
		SimID:        id,
		EventType:    "terminate",
		StatusBefore: models.SimStatus(before),
		InitiatedBy:  actor,
	}
	after := models.SimTerminated
	ev.StatusAfter = &after
	if err := tx.QueryRow(ctx, `
		INSERT INTO sim_events (sim_id, event_type, status_before, status_after, initiated_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, id, ev.EventType, before, string(after), actor).Scan(&ev.ID, &ev.CreatedAt); err != nil {
		return models.Sim{}, models.SimEvent{}, fmt.Errorf("insert sim event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Sim{}, models.SimEvent{}, fmt.Errorf("commit: %w", err)
	}
	return sim, ev, nil
}

// InsertSimEvent appends an audit event.
func (s *Store) InsertSimEvent(ctx context.Context, ev models.SimEvent) (models.SimEvent, error) {
	var metaJSON []byte
	if ev.Meta != nil {
		b, err := json.Marshal(ev.Meta)
		if err != nil {
			return models.SimEvent{}, fmt.Errorf("marshal meta: %w", err)
		}
		metaJSON = b
	}
	var after *string
	if ev.StatusAfter != nil {
		v := string(*ev.StatusAfter)
		after = &v
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sim_events (sim_id, event_type, status_before, status_after, initiated_by, job_id, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, ev.SimID, ev.EventType, string(ev.StatusBefore), after, ev.InitiatedBy, ev.JobID, metaJSON).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return models.SimEvent{}, fmt.Errorf("insert sim event: %w", err)
	}
	return ev, nil
}

// LinkSimEventJob records the job created for an event.
func (s *Store) LinkSimEventJob(ctx context.Context, eventID int64, jobID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sim_events SET job_id = $2 WHERE id = $1`, eventID, jobID)
	if err != nil {
		return fmt.Errorf("link sim event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("SIM event %d not found", eventID)
	}
	return nil
}

// DeleteSimEvent removes an event whose request was rejected before a job existed.
func (s *Store) DeleteSimEvent(ctx context.Context, eventID int64) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM sim_events WHERE id = $1 AND job_id IS NULL`, eventID); err != nil {
		return fmt.Errorf("delete sim event: %w", err)
	}
	return nil
}

// ListSimEvents returns a SIM's events in creation order.
func (s *Store) ListSimEvents(ctx context.Context, simID int64) ([]models.SimEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, sim_id, event_type, status_before, status_after, initiated_by, job_id, meta, created_at
		FROM sim_events WHERE sim_id = $1 ORDER BY id
	`, simID)
	if err != nil {
		return nil, fmt.Errorf("list sim events: %w", err)
	}
	defer rows.Close()

	out := make([]models.SimEvent, 0)
	for rows.Next() {
		var (
			ev                   models.SimEvent
			before               string
			after, jobID, initBy pgtype.Text
			metaJSON             []byte
		)
		if err := rows.Scan(&ev.ID, &ev.SimID, &ev.EventType, &before, &after, &initBy, &jobID, &metaJSON, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sim event: %w", err)
		}
		ev.StatusBefore = models.SimStatus(before)
		if after.Valid {
			st := models.SimStatus(after.String)
			ev.StatusAfter = &st
		}
		ev.InitiatedBy = initBy.String
		ev.JobID = textPtr(jobID)
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &ev.Meta); err != nil {
				return nil, fmt.Errorf("unmarshal meta: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanSim(row pgx.Row) (models.Sim, error) {
	var (
		sim          models.Sim
		status       string
		msisdn, plan pgtype.Text
		created, upd time.Time
	)
	if err := row.Scan(&sim.ID, &sim.TenantID, &sim.ICCID, &msisdn, &sim.Carrier, &status, &plan, &created, &upd); err != nil {
		return models.Sim{}, err
	}
	sim.Status = models.SimStatus(status)
	sim.MSISDN = textPtr(msisdn)
	sim.Plan = textPtr(plan)
	sim.CreatedAt, sim.UpdatedAt = created, upd
	return sim, nil
}
