package models

import "time"

// ProfileStatus is the lifecycle state of a subscription profile.
type ProfileStatus string

const (
	ProfileActive ProfileStatus = "active"
	ProfilePaused ProfileStatus = "paused"
	ProfileClosed ProfileStatus = "closed"
)

// SubscriptionProfile groups a virtual card under a named monthly budget.
// A profile references its linked card by id only; the card's lifecycle is
// owned by the card state machine apart from the pause/resume coupling.
type SubscriptionProfile struct {
	ID                 string        `json:"id"`
	UserID             string        `json:"user_id"`
	Nickname           string        `json:"nickname"`
	LinkedCardID       string        `json:"linked_card_id,omitempty"`
	MonthlyLimitCents  int64         `json:"monthly_limit_cents"`
	CurrentPeriodSpent int64         `json:"current_period_spent"`
	Status             ProfileStatus `json:"status"`

	// Optional comma-separated merchant category codes, e.g. "5815,5816".
	// Empty means any merchant is allowed.
	AllowedMCCs string `json:"allowed_mccs,omitempty"`
	Notes       string `json:"notes,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubscriptionSummary aggregates a user's active profiles
type SubscriptionSummary struct {
	TotalActive         int   `json:"total_active"`
	TotalMonthlyLimit   int64 `json:"total_monthly_limit"`
	TotalSpentThisMonth int64 `json:"total_spent_this_month"`
	TotalRemaining      int64 `json:"total_remaining"`
}
