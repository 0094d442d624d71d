package actionstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Row in the action_times table.
type ActionTime struct {
	Kind       string `gorm:"primaryKey"`
	ItemID     string `gorm:"primaryKey"`
	ActionedMs int64  `gorm:"not null;index"`
}

// ActionStore backed by a SQL database (sqlite or postgres) via gorm.
type GormActionStore struct {
	DB *gorm.DB
}

var _ ActionStore = (*GormActionStore)(nil)

func NewGormActionStore(db *gorm.DB) (*GormActionStore, error) {
	if err := db.AutoMigrate(&ActionTime{}); err != nil {
		return nil, fmt.Errorf("migrating action_times: %w", err)
	}
	return &GormActionStore{DB: db}, nil
}

func (s *GormActionStore) Record(ctx context.Context, kind ActionKind, itemID string, actionedAt time.Time) error {
	if err := kind.Validate(); err != nil {
		return err
	}
	row := ActionTime{
		Kind:       string(kind),
		ItemID:     itemID,
		ActionedMs: toMillis(actionedAt),
	}
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}, {Name: "item_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"actioned_ms"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("recording %s time: %w", kind, err)
	}
	return nil
}

func (s *GormActionStore) Clear(ctx context.Context, kind ActionKind, itemID string) error {
	err := s.DB.WithContext(ctx).Where("kind = ? AND item_id = ?", string(kind), itemID).Delete(&ActionTime{}).Error
	if err != nil {
		return fmt.Errorf("clearing %s time: %w", kind, err)
	}
	return nil
}

func (s *GormActionStore) Get(ctx context.Context, kind ActionKind, itemID string) (time.Time, bool, error) {
	var rows []ActionTime
	err := s.DB.WithContext(ctx).Where("kind = ? AND item_id = ?", string(kind), itemID).Limit(1).Find(&rows).Error
	if err != nil {
		return time.Time{}, false, fmt.Errorf("reading %s time: %w", kind, err)
	}
	if len(rows) == 0 {
		return time.Time{}, false, nil
	}
	return fromMillis(rows[0].ActionedMs), true, nil
}

func (s *GormActionStore) EvictOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res := s.DB.WithContext(ctx).Where("actioned_ms < ?", toMillis(cutoff)).Delete(&ActionTime{})
	if res.Error != nil {
		return 0, fmt.Errorf("evicting action times: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}
