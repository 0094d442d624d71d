package handlers

import (
	"context"
	"time"
)

type ReportItem struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	URL       string    `json:"url,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Included  bool      `json:"included"`
	Reason    string    `json:"reason,omitempty"`
	// human readable form of Reason
	ReasonLabel string `json:"reasonLabel,omitempty"`
}

// Moderator-facing summary of an author's tracked items and quota state.
type QuotaReport struct {
	AuthorID         string       `json:"authorId"`
	Ignored          bool         `json:"ignored"`
	QuotaAmount      int          `json:"quotaAmount"`
	QuotaPeriodHours float64      `json:"quotaPeriodHours"`
	IncludedCount    int          `json:"includedCount"`
	ExceedsQuota     bool         `json:"exceedsQuota"`
	NextOpportunity  time.Time    `json:"nextOpportunity"`
	Items            []ReportItem `json:"items"`
}

// Builds a quota report for the author. Unlike enforcement, items are classified even for ignored authors.
func (h *Handlers) QuotaReport(ctx context.Context, authorID string) (*QuotaReport, error) {
	cfg, err := h.Settings.Load(ctx)
	if err != nil {
		return nil, err
	}
	ev := h.Engine.NewEvaluator(*cfg, authorID, nil)

	ignored, err := ev.IsIgnoredUser(ctx)
	if err != nil {
		return nil, err
	}
	included, err := ev.IncludedItems(ctx)
	if err != nil {
		return nil, err
	}
	exceeds, err := ev.ExceedsQuota(ctx)
	if err != nil {
		return nil, err
	}
	next, err := ev.NextPostOpportunity(ctx)
	if err != nil {
		return nil, err
	}

	report := QuotaReport{
		AuthorID:         authorID,
		Ignored:          ignored,
		QuotaAmount:      cfg.QuotaAmount,
		QuotaPeriodHours: cfg.QuotaPeriodHours,
		IncludedCount:    len(included),
		ExceedsQuota:     exceeds,
		NextOpportunity:  next,
		Items:            []ReportItem{},
	}
	for _, c := range ev.ClassifiedItems() {
		ri := ReportItem{
			ID:        c.Item.ID,
			Title:     c.Item.Title,
			URL:       c.Item.URL,
			CreatedAt: c.Item.Created,
			Included:  c.Result.Included,
		}
		if !c.Result.Included {
			ri.Reason = string(c.Result.Reason)
			ri.ReasonLabel = c.Result.Reason.Label()
		}
		report.Items = append(report.Items, ri)
	}
	return &report, nil
}
