package offline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"matchchat/internal/domain"

	"gorm.io/gorm"
)

type queueRecord struct {
	ClientID      string     `gorm:"primaryKey;size:64"`
	SenderID      string     `gorm:"size:64;not null"`
	ReceiverID    string     `gorm:"size:64;not null"`
	Content       string     `gorm:"type:text;not null"`
	CreatedAt     time.Time  `gorm:"index"`
	State         string     `gorm:"size:16;index;not null"`
	AttemptCount  int        `gorm:"not null;default:0"`
	LastAttemptAt *time.Time `gorm:"column:last_attempt_at"`
	LastError     string     `gorm:"type:text"`
}

func (queueRecord) TableName() string {
	return "offline_queue"
}

func (r queueRecord) toItem() Item {
	return Item{
		ClientID:      r.ClientID,
		SenderID:      r.SenderID,
		ReceiverID:    r.ReceiverID,
		Content:       r.Content,
		CreatedAt:     r.CreatedAt,
		State:         State(r.State),
		AttemptCount:  r.AttemptCount,
		LastAttemptAt: r.LastAttemptAt,
		LastError:     r.LastError,
	}
}

// SQLiteStore keeps the queue in a local database file so queued messages
// survive restarts.
type SQLiteStore struct {
	db *gorm.DB
}

func NewSQLiteStore(db *gorm.DB) (*SQLiteStore, error) {
	if err := db.AutoMigrate(&queueRecord{}); err != nil {
		return nil, fmt.Errorf("migrate offline queue: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Put(ctx context.Context, item Item) error {
	rec := queueRecord{
		ClientID:      item.ClientID,
		SenderID:      item.SenderID,
		ReceiverID:    item.ReceiverID,
		Content:       item.Content,
		CreatedAt:     item.CreatedAt,
		State:         string(item.State),
		AttemptCount:  item.AttemptCount,
		LastAttemptAt: item.LastAttemptAt,
		LastError:     item.LastError,
	}
	return s.db.WithContext(ctx).Save(&rec).Error
}

func (s *SQLiteStore) Get(ctx context.Context, clientID string) (Item, error) {
	var rec queueRecord
	if err := s.db.WithContext(ctx).First(&rec, "client_id = ?", clientID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Item{}, domain.ErrNotFound
		}
		return Item{}, err
	}
	return rec.toItem(), nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Item, error) {
	var recs []queueRecord
	if err := s.db.WithContext(ctx).Order("created_at ASC, client_id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	items := make([]Item, len(recs))
	for i := range recs {
		items[i] = recs[i].toItem()
	}
	return items, nil
}

func (s *SQLiteStore) Claim(ctx context.Context, limit int, at time.Time) ([]Item, error) {
	var claimed []Item
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var recs []queueRecord
		if err := tx.Where("state = ?", string(StatePending)).
			Order("created_at ASC, client_id ASC").
			Limit(limit).
			Find(&recs).Error; err != nil {
			return err
		}

		for _, rec := range recs {
			res := tx.Model(&queueRecord{}).
				Where("client_id = ? AND state = ?", rec.ClientID, string(StatePending)).
				Updates(map[string]interface{}{
					"state":           string(StateInFlight),
					"attempt_count":   gorm.Expr("attempt_count + 1"),
					"last_attempt_at": at,
				})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				continue
			}
			rec.State = string(StateInFlight)
			rec.AttemptCount++
			attemptAt := at
			rec.LastAttemptAt = &attemptAt
			claimed = append(claimed, rec.toItem())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *SQLiteStore) Transition(ctx context.Context, clientID string, from, to State, lastErr string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&queueRecord{}).
		Where("client_id = ? AND state = ?", clientID, string(from)).
		Updates(map[string]interface{}{"state": string(to), "last_error": lastErr})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	if _, err := s.Get(ctx, clientID); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, clientID string) error {
	return s.db.WithContext(ctx).Delete(&queueRecord{}, "client_id = ?", clientID).Error
}

func (s *SQLiteStore) DeleteIn(ctx context.Context, clientID string, states ...State) (bool, error) {
	values := make([]string, len(states))
	for i, st := range states {
		values[i] = string(st)
	}
	res := s.db.WithContext(ctx).
		Where("client_id = ? AND state IN ?", clientID, values).
		Delete(&queueRecord{})
	return res.RowsAffected == 1, res.Error
}
