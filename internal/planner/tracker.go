package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"planbot/pkg/logx"
)

// TrackerConfig configures the ticket-tracker client.
type TrackerConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration // 0 means default (15s)
}

// TrackerClient implements Generator against the ticket tracker's HTTP API.
type TrackerClient struct {
	cfg  TrackerConfig
	log  logx.Logger
	http *http.Client
}

func NewTrackerClient(cfg TrackerConfig, log logx.Logger) (*TrackerClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("tracker base url is empty")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("tracker base url: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &TrackerClient{
		cfg:  cfg,
		log:  log,
		http: &http.Client{Timeout: timeout},
	}, nil
}

type trackerTicket struct {
	Key          string `json:"key"`
	Title        string `json:"title"`
	Status       string `json:"status"`
	Priority     string `json:"priority"`
	Assignee     string `json:"assignee"`
	AssigneeName string `json:"assignee_name"`
}

func (c *TrackerClient) GenerateIndividualPlans(ctx context.Context, teamID string) ([]Plan, error) {
	tickets, err := c.openTickets(ctx, teamID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	byUser := map[string]*Plan{}
	for _, t := range tickets {
		if t.Assignee == "" {
			continue
		}
		p, ok := byUser[t.Assignee]
		if !ok {
			p = &Plan{UserID: t.Assignee, UserName: t.AssigneeName, TeamID: teamID, GeneratedAt: now}
			byUser[t.Assignee] = p
		}
		p.Tickets = append(p.Tickets, Ticket{Key: t.Key, Title: t.Title, Status: t.Status, Priority: t.Priority})
	}

	plans := make([]Plan, 0, len(byUser))
	for _, p := range byUser {
		plans = append(plans, *p)
	}
	// Stable output order for deterministic message sequences.
	sort.Slice(plans, func(i, j int) bool { return plans[i].UserID < plans[j].UserID })
	return plans, nil
}

func (c *TrackerClient) GenerateTeamSummary(ctx context.Context, teamID string) (*Summary, error) {
	tickets, err := c.openTickets(ctx, teamID)
	if err != nil {
		return nil, err
	}
	sum := &Summary{TeamID: teamID, PerUser: map[string]int{}, GeneratedAt: time.Now()}
	for _, t := range tickets {
		sum.TotalTickets++
		if t.Assignee != "" {
			sum.PerUser[t.Assignee]++
		}
	}
	return sum, nil
}

func (c *TrackerClient) openTickets(ctx context.Context, teamID string) ([]trackerTicket, error) {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/api/teams/" + url.PathEscape(teamID) + "/tickets?status=open"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker returned %s", resp.Status)
	}
	var tickets []trackerTicket
	if err := json.NewDecoder(resp.Body).Decode(&tickets); err != nil {
		return nil, fmt.Errorf("tracker decode: %w", err)
	}
	c.log.Debug("tracker tickets fetched", logx.String("team", teamID), logx.Int("count", len(tickets)))
	return tickets, nil
}
