package platform

import (
	"context"
	"fmt"
	"sync"
)

// A fake hosting platform, for use in tests
type MockPlatform struct {
	mu           *sync.RWMutex
	Items        map[string]Item
	Moderators   map[string]bool
	Contributors map[string]bool
	AccountName  string

	// errors returned by lookups, keyed by author or item ID
	MembershipErrors map[string]error
	FetchErrors      map[string]error

	// recorded side-effects, in call order
	Actions []MockAction
}

type MockAction struct {
	Kind   string
	ItemID string
	Value  string
}

var _ Platform = (*MockPlatform)(nil)

func NewMockPlatform() MockPlatform {
	return MockPlatform{
		mu:               &sync.RWMutex{},
		Items:            make(map[string]Item),
		Moderators:       make(map[string]bool),
		Contributors:     make(map[string]bool),
		AccountName:      "floodgate-bot",
		MembershipErrors: make(map[string]error),
		FetchErrors:      make(map[string]error),
	}
}

func (p *MockPlatform) Insert(item Item) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Items[item.ID] = item
}

func (p *MockPlatform) IsModerator(ctx context.Context, authorID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.MembershipErrors[authorID]; err != nil {
		return false, err
	}
	return p.Moderators[authorID], nil
}

func (p *MockPlatform) IsContributor(ctx context.Context, authorID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.MembershipErrors[authorID]; err != nil {
		return false, err
	}
	return p.Contributors[authorID], nil
}

func (p *MockPlatform) GetItemByID(ctx context.Context, itemID string) (*Item, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.FetchErrors[itemID]; err != nil {
		return nil, err
	}
	item, ok := p.Items[itemID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	return &item, nil
}

func (p *MockPlatform) ServiceAccountName(ctx context.Context) (string, error) {
	return p.AccountName, nil
}

func (p *MockPlatform) record(kind, itemID, val string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Actions = append(p.Actions, MockAction{Kind: kind, ItemID: itemID, Value: val})
}

func (p *MockPlatform) RemoveItem(ctx context.Context, itemID string) error {
	p.record("remove", itemID, "")
	p.mu.Lock()
	defer p.mu.Unlock()
	if item, ok := p.Items[itemID]; ok {
		item.Removed = true
		item.RemovalCategory = "moderator"
		item.RemovedBy = p.AccountName
		p.Items[itemID] = item
	}
	return nil
}

func (p *MockPlatform) AddRemovalNote(ctx context.Context, itemID, reasonID, note string) error {
	p.record("note", itemID, reasonID)
	return nil
}

func (p *MockPlatform) ReplyToItem(ctx context.Context, itemID, body string) error {
	p.record("reply", itemID, body)
	return nil
}

func (p *MockPlatform) SetItemFlair(ctx context.Context, itemID string, flair FlairOptions) error {
	p.record("flair", itemID, flair.Text)
	return nil
}

func (p *MockPlatform) LockItem(ctx context.Context, itemID string) error {
	p.record("lock", itemID, "")
	return nil
}

// Returns the recorded side-effects of the given kind.
func (p *MockPlatform) ActionsOfKind(kind string) []MockAction {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []MockAction
	for _, a := range p.Actions {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}
