package platform

import (
	"context"
	"errors"
	"time"
)

const (
	// removal category for items deleted by their author
	RemovalCategoryDeleted = "deleted"
	// removal category for items held by the platform's automated filter
	RemovalCategoryAutomodFiltered = "automod_filtered"
)

var ErrItemNotFound = errors.New("item not found")

// Snapshot of a content item, as returned by the hosting platform.
type Item struct {
	ID       string    `json:"id"`
	AuthorID string    `json:"authorId"`
	Title    string    `json:"title,omitempty"`
	URL      string    `json:"url,omitempty"`
	Created  time.Time `json:"createdAt"`
	// empty when the item is up
	RemovalCategory string `json:"removalCategory,omitempty"`
	// account name which actioned the removal, if known
	RemovedBy string `json:"removedBy,omitempty"`
	Removed   bool   `json:"isRemoved,omitempty"`
	Spam      bool   `json:"isSpam,omitempty"`
	Deleted   bool   `json:"isDeleted,omitempty"`
}

// True if the item carries any removal marker at all: a removal category, or any of the removed, spam or deleted flags.
func (i *Item) HasRemovalMarker() bool {
	return i.RemovalCategory != "" || i.Removed || i.Spam || i.Deleted
}

// True for items removed by moderation (or a filter), but not deleted by the author.
func (i *Item) IsRemovedNotDeleted() bool {
	if i.IsDeletedByAuthor() {
		return false
	}
	return i.Removed || i.Spam || i.RemovalCategory != ""
}

func (i *Item) IsDeletedByAuthor() bool {
	return i.Deleted || i.RemovalCategory == RemovalCategoryDeleted
}

// Author group membership oracle. Each call is an independent lookup.
type Membership interface {
	IsModerator(ctx context.Context, authorID string) (bool, error)
	IsContributor(ctx context.Context, authorID string) (bool, error)
}

type ItemFetcher interface {
	GetItemByID(ctx context.Context, itemID string) (*Item, error)
}

// Identity of the account this service acts as. Used to recognize removals done by this service itself.
type Identity interface {
	ServiceAccountName(ctx context.Context) (string, error)
}

type FlairOptions struct {
	Text       string `json:"text,omitempty" yaml:"text"`
	CSSClass   string `json:"cssClass,omitempty" yaml:"cssClass"`
	TemplateID string `json:"flairTemplateId,omitempty" yaml:"templateId"`
}

// Moderation side-effects applied when an item is removed for exceeding quota.
type Moderator interface {
	RemoveItem(ctx context.Context, itemID string) error
	AddRemovalNote(ctx context.Context, itemID, reasonID, note string) error
	// posts a reply on the item; sticky and distinguished as a moderator
	ReplyToItem(ctx context.Context, itemID, body string) error
	SetItemFlair(ctx context.Context, itemID string, flair FlairOptions) error
	LockItem(ctx context.Context, itemID string) error
}

// Everything the enforcement handlers need from the hosting platform.
type Platform interface {
	Membership
	ItemFetcher
	Identity
	Moderator
}
