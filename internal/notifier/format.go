package notifier

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"planbot/internal/planner"
)

// FormatPlan renders a user's plan as a Telegram HTML message.
func FormatPlan(p planner.Plan) string {
	var b strings.Builder
	name := p.UserName
	if name == "" {
		name = p.UserID
	}
	fmt.Fprintf(&b, "<b>Execution plan for %s</b>\n", html.EscapeString(name))
	if len(p.Tickets) == 0 {
		b.WriteString("No open tickets.")
		return b.String()
	}
	for _, t := range p.Tickets {
		fmt.Fprintf(&b, "• <code>%s</code> %s", html.EscapeString(t.Key), html.EscapeString(t.Title))
		if t.Priority != "" {
			fmt.Fprintf(&b, " <i>(%s)</i>", html.EscapeString(t.Priority))
		}
		b.WriteString("\n")
	}
	b.WriteString("\nReply to confirm.")
	return b.String()
}

// FormatSummary renders the team summary message.
func FormatSummary(s planner.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Team %s</b>: %d open tickets\n", html.EscapeString(s.TeamID), s.TotalTickets)

	users := make([]string, 0, len(s.PerUser))
	for u := range s.PerUser {
		users = append(users, u)
	}
	sort.Strings(users)
	for _, u := range users {
		fmt.Fprintf(&b, "• %s: %d\n", html.EscapeString(u), s.PerUser[u])
	}
	return b.String()
}
