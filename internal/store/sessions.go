package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aak1247/sessiontap/internal/ingest"
	"github.com/aak1247/sessiontap/internal/model"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const insertChunk = 200

// BatchRows is one accepted session payload split into table rows.
type BatchRows struct {
	Batch  model.SessionBatch
	Events []model.SessionEvent
	Errors []model.SessionError
}

// BatchFromMessage converts a queue message into rows. Geo fields are left
// empty; the consumer fills them in.
func BatchFromMessage(msg ingest.Message) (BatchRows, error) {
	if msg.Type != ingest.MessageTypeSession {
		return BatchRows{}, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	id, err := uuid.Parse(msg.ID)
	if err != nil {
		return BatchRows{}, fmt.Errorf("batch id: %w", err)
	}
	var p ingest.SessionPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return BatchRows{}, fmt.Errorf("decode payload: %w", err)
	}
	apiKey := strings.TrimSpace(msg.APIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(p.APIKey)
	}
	if apiKey == "" {
		return BatchRows{}, errors.New("api key required")
	}

	received := msg.Received.UTC()
	var sdk datatypes.JSON
	if len(p.SDK) > 0 {
		b, _ := json.Marshal(p.SDK)
		sdk = datatypes.JSON(b)
	}

	out := BatchRows{
		Batch: model.SessionBatch{
			ID:               id,
			APIKey:           apiKey,
			Received:         received,
			SessionID:        p.SessionID,
			UserIDHash:       p.UserIDHash,
			AppVersion:       p.AppVersion,
			SessionStartMS:   p.SessionStartTime,
			Latitude:         p.Latitude,
			Longitude:        p.Longitude,
			LocationAccuracy: p.LocationAccuracy,
			EventCount:       len(p.Events),
			ErrorCount:       len(p.Errors),
			SDK:              sdk,
		},
	}
	if msg.Meta != nil {
		out.Batch.ClientIP = msg.Meta.ClientIP
		out.Batch.UserAgent = msg.Meta.UserAgent
	}

	for _, ev := range p.Events {
		params := ev.Parameters
		if params == nil {
			params = map[string]string{}
		}
		b, _ := json.Marshal(params)
		out.Events = append(out.Events, model.SessionEvent{
			BatchID:    id,
			APIKey:     apiKey,
			Received:   received,
			SessionID:  p.SessionID,
			UserIDHash: p.UserIDHash,
			Name:       ev.Name,
			Parameters: datatypes.JSON(b),
			TimeOffset: ev.TimeOffset,
			Duration:   ev.Duration,
			ClientID:   ev.ID,
		})
	}
	for _, e := range p.Errors {
		out.Errors = append(out.Errors, model.SessionError{
			BatchID:     id,
			APIKey:      apiKey,
			Received:    received,
			SessionID:   p.SessionID,
			Name:        e.Name,
			Description: e.Description,
			LineNumber:  e.LineNumber,
			Timestamp:   e.Timestamp,
			ClientID:    e.ID,
		})
	}
	return out, nil
}

// InsertBatches writes batches with their events and errors in one
// transaction. Batches whose id is already stored are skipped entirely, so
// redelivered queue messages do not duplicate rows.
func InsertBatches(ctx context.Context, db *gorm.DB, batches []BatchRows) error {
	if db == nil {
		return gorm.ErrInvalidDB
	}
	if len(batches) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, 0, len(batches))
	for _, b := range batches {
		ids = append(ids, b.Batch.ID)
	}

	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []uuid.UUID
		if err := tx.Model(&model.SessionBatch{}).Where("id IN ?", ids).Pluck("id", &existing).Error; err != nil {
			return err
		}
		seen := make(map[uuid.UUID]struct{}, len(existing))
		for _, id := range existing {
			seen[id] = struct{}{}
		}

		var (
			rows   []model.SessionBatch
			events []model.SessionEvent
			errs   []model.SessionError
		)
		for _, b := range batches {
			if _, dup := seen[b.Batch.ID]; dup {
				continue
			}
			seen[b.Batch.ID] = struct{}{}
			rows = append(rows, b.Batch)
			events = append(events, b.Events...)
			errs = append(errs, b.Errors...)
		}
		if len(rows) == 0 {
			return nil
		}

		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&rows, insertChunk).Error; err != nil {
			return err
		}
		if len(events) > 0 {
			if err := tx.CreateInBatches(&events, insertChunk).Error; err != nil {
				return err
			}
		}
		if len(errs) > 0 {
			if err := tx.CreateInBatches(&errs, insertChunk).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func RecentBatches(ctx context.Context, db *gorm.DB, apiKey string, limit int) ([]model.SessionBatch, error) {
	if db == nil {
		return nil, gorm.ErrInvalidDB
	}
	var rows []model.SessionBatch
	err := db.WithContext(ctx).
		Where("api_key = ?", apiKey).
		Order("received DESC").
		Limit(normalizeLimit(limit)).
		Find(&rows).Error
	return rows, err
}

// RecentEvents lists the newest events for apiKey, optionally filtered by name.
func RecentEvents(ctx context.Context, db *gorm.DB, apiKey, name string, limit int) ([]model.SessionEvent, error) {
	if db == nil {
		return nil, gorm.ErrInvalidDB
	}
	q := db.WithContext(ctx).Where("api_key = ?", apiKey)
	if name = strings.TrimSpace(name); name != "" {
		q = q.Where("name = ?", name)
	}
	var rows []model.SessionEvent
	err := q.Order("received DESC").Order("id DESC").Limit(normalizeLimit(limit)).Find(&rows).Error
	return rows, err
}

func RecentErrors(ctx context.Context, db *gorm.DB, apiKey string, limit int) ([]model.SessionError, error) {
	if db == nil {
		return nil, gorm.ErrInvalidDB
	}
	var rows []model.SessionError
	err := db.WithContext(ctx).
		Where("api_key = ?", apiKey).
		Order("received DESC").Order("id DESC").
		Limit(normalizeLimit(limit)).
		Find(&rows).Error
	return rows, err
}

// SessionTimeline returns every stored event of one session in the order the
// agent recorded them.
func SessionTimeline(ctx context.Context, db *gorm.DB, apiKey, sessionID string) ([]model.SessionEvent, error) {
	if db == nil {
		return nil, gorm.ErrInvalidDB
	}
	var rows []model.SessionEvent
	err := db.WithContext(ctx).
		Where("api_key = ? AND session_id = ?", apiKey, sessionID).
		Order("time_offset ASC").Order("client_id ASC").
		Find(&rows).Error
	return rows, err
}
