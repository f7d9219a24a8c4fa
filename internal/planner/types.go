package planner

import (
	"context"
	"time"
)

// Plan is one user's execution plan for a reporting period. The scheduler
// treats it as an opaque payload; only the notifier renders it.
type Plan struct {
	UserID      string    `json:"user_id"`
	UserName    string    `json:"user_name,omitempty"`
	TeamID      string    `json:"team_id"`
	Tickets     []Ticket  `json:"tickets"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Ticket is a single tracker item assigned to a user.
type Ticket struct {
	Key      string `json:"key"`
	Title    string `json:"title"`
	Status   string `json:"status"`
	Priority string `json:"priority,omitempty"`
}

// Summary aggregates a team's plans.
type Summary struct {
	TeamID       string         `json:"team_id"`
	TotalTickets int            `json:"total_tickets"`
	PerUser      map[string]int `json:"per_user"`
	GeneratedAt  time.Time      `json:"generated_at"`
}

// Generator produces plans from the ticket tracker. Implementations are
// remote, potentially slow and potentially failing; callers bound them with
// a context deadline.
type Generator interface {
	GenerateIndividualPlans(ctx context.Context, teamID string) ([]Plan, error)
	GenerateTeamSummary(ctx context.Context, teamID string) (*Summary, error)
}
