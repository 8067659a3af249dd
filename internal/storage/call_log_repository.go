package storage

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"im-realtime/internal/models"
)

// CallLogRepository 定义了通话记录的数据操作接口。
type CallLogRepository interface {
	SaveCallLog(ctx context.Context, entry *models.CallLog) error
	GetByCallID(ctx context.Context, callID string) (*models.CallLog, error)
	// List returns the most recent calls first. An empty conversationID
	// lists every conversation.
	List(ctx context.Context, conversationID string, limit int) ([]*models.CallLog, error)
}

// gormCallLogRepository 使用 GORM 实现 CallLogRepository。
type gormCallLogRepository struct {
	db *gorm.DB
}

// NewGormCallLogRepository 创建一个新的基于 GORM 的 CallLogRepository。
func NewGormCallLogRepository(db *gorm.DB) CallLogRepository {
	return &gormCallLogRepository{db: db}
}

// SaveCallLog 保存通话记录。同一 call id 再次保存时覆盖结束信息。
func (r *gormCallLogRepository) SaveCallLog(ctx context.Context, entry *models.CallLog) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "call_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"reason", "answered_at", "ended_at", "duration_ms", "updated_at"}),
	}).Create(entry).Error
}

// GetByCallID 通过 call id 检索通话记录。
func (r *gormCallLogRepository) GetByCallID(ctx context.Context, callID string) (*models.CallLog, error) {
	var entry models.CallLog
	err := r.db.WithContext(ctx).Where("call_id = ?", callID).First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *gormCallLogRepository) List(ctx context.Context, conversationID string, limit int) ([]*models.CallLog, error) {
	var entries []*models.CallLog
	query := r.db.WithContext(ctx).Order("started_at DESC")
	if conversationID != "" {
		query = query.Where("conversation_id = ?", conversationID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
