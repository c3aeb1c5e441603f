package store

import (
	"context"

	"github.com/yanun0323/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tradecore/internal/codec"
	"tradecore/internal/schema"
)

// eventModel is one row of the append-only events table.
type eventModel struct {
	ID          int64  `gorm:"column:id;primaryKey;autoIncrement"`
	SessionID   string `gorm:"column:session_id;size:64;uniqueIndex:idx_session_event,priority:1"`
	EventID     uint64 `gorm:"column:event_id;uniqueIndex:idx_session_event,priority:2"`
	Type        string `gorm:"column:type;size:32;index"`
	Symbol      string `gorm:"column:symbol;size:32;index"`
	Timestamp   int64  `gorm:"column:ts"`
	CausationID uint64 `gorm:"column:causation_id"`
	Payload     string `gorm:"column:payload;type:text"`
}

func (eventModel) TableName() string { return "events" }

// Store persists published events per session.
type Store struct {
	db *gorm.DB
}

// New migrates the events table on db.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("store: nil db")
	}
	if err := db.AutoMigrate(&eventModel{}); err != nil {
		return nil, errors.Wrap(err, "migrate events")
	}
	return &Store{db: db}, nil
}

// Append inserts events for a session. Re-appending an event id is a no-op,
// so retried batches never duplicate rows.
func (s *Store) Append(ctx context.Context, session string, events ...schema.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]eventModel, 0, len(events))
	for _, e := range events {
		payload, err := codec.EncodeEvent(e)
		if err != nil {
			return errors.Wrapf(err, "encode event %d", e.ID)
		}
		rows = append(rows, eventModel{
			SessionID:   session,
			EventID:     e.ID,
			Type:        e.Type.String(),
			Symbol:      e.Symbol,
			Timestamp:   e.Timestamp,
			CausationID: e.CausationID,
			Payload:     string(payload),
		})
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(&rows).Error
	if err != nil {
		return errors.Wrapf(err, "append %d events", len(rows))
	}
	return nil
}

// Load returns a session's events in id order.
func (s *Store) Load(ctx context.Context, session string) ([]schema.Event, error) {
	var rows []eventModel
	err := s.db.WithContext(ctx).
		Where("session_id = ?", session).
		Order("event_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrapf(err, "load session %s", session)
	}
	out := make([]schema.Event, 0, len(rows))
	for _, r := range rows {
		e, err := codec.DecodeEvent([]byte(r.Payload))
		if err != nil {
			return nil, errors.Wrapf(err, "decode event %d", r.EventID)
		}
		out = append(out, e)
	}
	return out, nil
}

// Count returns how many events a session holds, optionally of one type.
func (s *Store) Count(ctx context.Context, session string, t schema.EventType) (int64, error) {
	q := s.db.WithContext(ctx).Model(&eventModel{}).Where("session_id = ?", session)
	if t != schema.EventUnknown {
		q = q.Where("type = ?", t.String())
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, errors.Wrapf(err, "count session %s", session)
	}
	return n, nil
}

// Sessions lists the recorded session ids.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	var out []string
	err := s.db.WithContext(ctx).
		Model(&eventModel{}).
		Distinct("session_id").
		Order("session_id ASC").
		Pluck("session_id", &out).Error
	if err != nil {
		return nil, errors.Wrap(err, "list sessions")
	}
	return out, nil
}
