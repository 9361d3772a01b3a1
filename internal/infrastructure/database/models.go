package database

import (
	"time"

	"matchchat/internal/domain"
)

// MessageRecord is the durable row. (sender_id, client_id) is unique so a
// retried send can never produce a second row.
type MessageRecord struct {
	ID             int64      `gorm:"primaryKey;autoIncrement"`
	SenderID       string     `gorm:"size:64;not null;uniqueIndex:ux_sender_client,priority:1;index:idx_unread,priority:2"`
	ClientID       string     `gorm:"size:64;not null;uniqueIndex:ux_sender_client,priority:2"`
	ReceiverID     string     `gorm:"size:64;not null;index:idx_unread,priority:1"`
	ConversationID string     `gorm:"size:160;not null;index"`
	Content        string     `gorm:"type:text;not null"`
	Status         string     `gorm:"size:16;not null;index:idx_unread,priority:3"`
	CreatedAt      time.Time  `gorm:"not null"`
	DeliveredAt    *time.Time
	ReadAt         *time.Time
	DeletedAt      *time.Time
	EditedAt       *time.Time
}

func (MessageRecord) TableName() string {
	return "messages"
}

func (r *MessageRecord) toDomain() domain.Message {
	return domain.Message{
		ID:             r.ID,
		ClientID:       r.ClientID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		ReceiverID:     r.ReceiverID,
		Content:        r.Content,
		Status:         domain.MessageStatus(r.Status),
		CreatedAt:      r.CreatedAt,
		DeliveredAt:    r.DeliveredAt,
		ReadAt:         r.ReadAt,
		DeletedAt:      r.DeletedAt,
		EditedAt:       r.EditedAt,
	}
}

func recordFromDomain(m *domain.Message) *MessageRecord {
	return &MessageRecord{
		ID:             m.ID,
		ClientID:       m.ClientID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		Status:         string(m.Status),
		CreatedAt:      m.CreatedAt,
		DeliveredAt:    m.DeliveredAt,
		ReadAt:         m.ReadAt,
		DeletedAt:      m.DeletedAt,
		EditedAt:       m.EditedAt,
	}
}
