package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"matchchat/internal/domain"

	"gorm.io/gorm"
)

var unreadStatuses = []string{string(domain.StatusSent), string(domain.StatusDelivered)}

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, domain.ErrStoreUnavailable, err)
}

// Create inserts msg unless (senderId, clientId) already exists, in which case
// the stored copy is returned with created=false.
func (r *MessageRepository) Create(ctx context.Context, msg *domain.Message) (*domain.Message, bool, error) {
	if existing, err := r.FindByClientID(ctx, msg.SenderID, msg.ClientID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, false, err
	}

	rec := recordFromDomain(msg)
	rec.ID = 0
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		// lost a race against another writer with the same key
		if existing, findErr := r.FindByClientID(ctx, msg.SenderID, msg.ClientID); findErr == nil {
			return existing, false, nil
		}
		return nil, false, storeErr("create message", err)
	}

	stored := rec.toDomain()
	return &stored, true, nil
}

func (r *MessageRepository) FindByClientID(ctx context.Context, senderID, clientID string) (*domain.Message, error) {
	var rec MessageRecord
	err := r.db.WithContext(ctx).
		Where("sender_id = ? AND client_id = ?", senderID, clientID).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, storeErr("find message by client id", err)
	}
	msg := rec.toDomain()
	return &msg, nil
}

func (r *MessageRepository) FindByID(ctx context.Context, id int64) (*domain.Message, error) {
	var rec MessageRecord
	if err := r.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, storeErr("find message", err)
	}
	msg := rec.toDomain()
	return &msg, nil
}

// MarkDelivered moves a SENT message to DELIVERED. changed is false when the
// message was already past SENT.
func (r *MessageRepository) MarkDelivered(ctx context.Context, senderID, clientID string, at time.Time) (*domain.Message, bool, error) {
	res := r.db.WithContext(ctx).Model(&MessageRecord{}).
		Where("sender_id = ? AND client_id = ? AND status = ?", senderID, clientID, string(domain.StatusSent)).
		Updates(map[string]interface{}{
			"status":       string(domain.StatusDelivered),
			"delivered_at": at,
		})
	if res.Error != nil {
		return nil, false, storeErr("mark delivered", res.Error)
	}

	msg, err := r.FindByClientID(ctx, senderID, clientID)
	if err != nil {
		return nil, false, err
	}
	return msg, res.RowsAffected == 1, nil
}

// MarkRead marks unread messages from senderID to readerID as READ. With ids
// empty every unread message of the pair qualifies. It returns the messages
// that actually changed.
func (r *MessageRepository) MarkRead(ctx context.Context, readerID, senderID string, ids []int64, at time.Time) ([]domain.Message, error) {
	var changed []domain.Message
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&MessageRecord{}).
			Where("receiver_id = ? AND sender_id = ? AND status IN ? AND deleted_at IS NULL", readerID, senderID, unreadStatuses)
		if len(ids) > 0 {
			q = q.Where("id IN ?", ids)
		}

		var recs []MessageRecord
		if err := q.Order("id ASC").Find(&recs).Error; err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}

		matched := make([]int64, 0, len(recs))
		for _, rec := range recs {
			matched = append(matched, rec.ID)
		}
		if err := tx.Model(&MessageRecord{}).Where("id IN ?", matched).Updates(map[string]interface{}{
			"status":  string(domain.StatusRead),
			"read_at": at,
		}).Error; err != nil {
			return err
		}

		for _, rec := range recs {
			rec.Status = string(domain.StatusRead)
			readAt := at
			rec.ReadAt = &readAt
			changed = append(changed, rec.toDomain())
		}
		return nil
	})
	if err != nil {
		return nil, storeErr("mark read", err)
	}
	return changed, nil
}

func (r *MessageRepository) UpdateContent(ctx context.Context, id int64, content string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&MessageRecord{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Updates(map[string]interface{}{"content": content, "edited_at": at})
	if res.Error != nil {
		return storeErr("edit message", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *MessageRepository) SoftDelete(ctx context.Context, id int64, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&MessageRecord{}).
		Where("id = ? AND deleted_at IS NULL", id).
		Updates(map[string]interface{}{"content": domain.DeletedPlaceholder, "deleted_at": at})
	if res.Error != nil {
		return storeErr("delete message", res.Error)
	}
	if res.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListConversation fetches newest first and returns the page in ascending order.
func (r *MessageRepository) ListConversation(ctx context.Context, conversationID string, offset, limit int) ([]domain.Message, error) {
	var recs []MessageRecord
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id DESC").
		Offset(offset).
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, storeErr("list messages", err)
	}

	msgs := make([]domain.Message, len(recs))
	for i := range recs {
		msgs[len(recs)-1-i] = recs[i].toDomain()
	}
	return msgs, nil
}
