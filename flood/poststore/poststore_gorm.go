package poststore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Row in the tracked_posts table. The author index is derived from the same table (distinct author_id), so it can't drift from the per-author rows.
type TrackedPost struct {
	AuthorID  string `gorm:"primaryKey;index:idx_tracked_posts_author_created,priority:1"`
	ItemID    string `gorm:"primaryKey"`
	CreatedMs int64  `gorm:"not null;index:idx_tracked_posts_author_created,priority:2"`
}

// PostStore backed by a SQL database (sqlite or postgres) via gorm.
type GormPostStore struct {
	DB     *gorm.DB
	Logger *slog.Logger
}

var _ PostStore = (*GormPostStore)(nil)

// Migrates the schema and returns a store. The database handle is shared, not owned.
func NewGormPostStore(db *gorm.DB) (*GormPostStore, error) {
	if err := db.AutoMigrate(&TrackedPost{}); err != nil {
		return nil, fmt.Errorf("migrating tracked_posts: %w", err)
	}
	return &GormPostStore{
		DB:     db,
		Logger: slog.Default(),
	}, nil
}

func (s *GormPostStore) Track(ctx context.Context, authorID, itemID string, createdAt time.Time) error {
	row := TrackedPost{
		AuthorID:  authorID,
		ItemID:    itemID,
		CreatedMs: toMillis(createdAt),
	}
	res := s.DB.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return fmt.Errorf("tracking item: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		s.Logger.Warn("item already tracked for author, keeping first creation time", "author", authorID, "item", itemID, "ignored", createdAt)
	}
	return nil
}

func (s *GormPostStore) Untrack(ctx context.Context, authorID, itemID string) error {
	err := s.DB.WithContext(ctx).Where("author_id = ? AND item_id = ?", authorID, itemID).Delete(&TrackedPost{}).Error
	if err != nil {
		return fmt.Errorf("untracking item: %w", err)
	}
	return nil
}

func (s *GormPostStore) ItemsByAuthor(ctx context.Context, authorID string) (map[string]time.Time, error) {
	var rows []TrackedPost
	if err := s.DB.WithContext(ctx).Where("author_id = ?", authorID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("reading tracked items: %w", err)
	}
	out := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		out[r.ItemID] = fromMillis(r.CreatedMs)
	}
	return out, nil
}

func (s *GormPostStore) EvictOlderThan(ctx context.Context, authorID string, cutoff time.Time) (int, error) {
	res := s.DB.WithContext(ctx).Where("author_id = ? AND created_ms < ?", authorID, toMillis(cutoff)).Delete(&TrackedPost{})
	if res.Error != nil {
		return 0, fmt.Errorf("evicting items: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *GormPostStore) ListTrackedAuthors(ctx context.Context) ([]string, error) {
	out := []string{}
	if err := s.DB.WithContext(ctx).Model(&TrackedPost{}).Distinct().Pluck("author_id", &out).Error; err != nil {
		return nil, fmt.Errorf("listing tracked authors: %w", err)
	}
	return out, nil
}
