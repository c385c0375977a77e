package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"fleetcore/internal/apperr"
	"fleetcore/internal/models"
)

// InsertPayload persists an integration payload. A nil Body is stored as SQL NULL.
func (s *Store) InsertPayload(ctx context.Context, p models.IntegrationPayload) error {
	headersJSON, err := json.Marshal(p.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}
	var bodyJSON []byte
	if p.Body != nil {
		if bodyJSON, err = json.Marshal(p.Body); err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO integration_payloads (payload_id, source, direction, headers, body, raw_body, processed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, p.PayloadID, p.Source, p.Direction, headersJSON, bodyJSON, p.RawBody, p.Processed, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert payload: %w", err)
	}
	return nil
}

// GetPayload loads an integration payload by payload id.
func (s *Store) GetPayload(ctx context.Context, payloadID string) (models.IntegrationPayload, error) {
	var (
		p                     models.IntegrationPayload
		headersJSON, bodyJSON []byte
		raw                   pgtype.Text
	)
	err := s.pool.QueryRow(ctx, `
		SELECT payload_id, source, direction, headers, body, raw_body, processed, created_at
		FROM integration_payloads WHERE payload_id = $1
	`, payloadID).Scan(&p.PayloadID, &p.Source, &p.Direction, &headersJSON, &bodyJSON, &raw, &p.Processed, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.IntegrationPayload{}, apperr.NotFound("payload %s not found", payloadID)
	}
	if err != nil {
		return models.IntegrationPayload{}, fmt.Errorf("scan payload: %w", err)
	}
	if len(headersJSON) > 0 {
		if err := json.Unmarshal(headersJSON, &p.Headers); err != nil {
			return models.IntegrationPayload{}, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	if len(bodyJSON) > 0 {
		dec := json.NewDecoder(bytes.NewReader(bodyJSON))
		dec.UseNumber()
		if err := dec.Decode(&p.Body); err != nil {
			return models.IntegrationPayload{}, fmt.Errorf("unmarshal body: %w", err)
		}
	}
	p.RawBody = textPtr(raw)
	return p, nil
}

// MarkPayloadProcessed flips the processed flag.
func (s *Store) MarkPayloadProcessed(ctx context.Context, payloadID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE integration_payloads SET processed = TRUE WHERE payload_id = $1`, payloadID)
	if err != nil {
		return fmt.Errorf("mark payload processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("payload %s not found", payloadID)
	}
	return nil
}
