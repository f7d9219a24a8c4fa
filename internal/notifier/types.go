package notifier

import (
	"context"

	"planbot/internal/planner"
)

// Sender delivers plan and summary messages. Connect/Disconnect scope the
// messaging-platform connection around a send phase; implementations must
// tolerate Disconnect without a prior successful Connect.
type Sender interface {
	Connect(ctx context.Context) error
	Disconnect() error
	SendPlanMessage(ctx context.Context, p planner.Plan) (string, error)
	SendSummaryMessage(ctx context.Context, s planner.Summary) (string, error)
}
