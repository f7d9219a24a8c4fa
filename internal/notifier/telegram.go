package notifier

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"planbot/internal/planner"
	"planbot/pkg/logx"
)

// TelegramConfig configures the Telegram sender.
type TelegramConfig struct {
	Token      string
	ChatIDs    []int64 // destination chats for plan/summary messages
	RatePerSec int     // outbound send rate (default 1)
	Timeout    time.Duration
}

// TelegramSender implements Sender over the Telegram Bot API.
//
// The bot client is created in Connect and released in Disconnect so the
// connection lifetime matches the orchestrator's send phase.
type TelegramSender struct {
	cfg TelegramConfig
	log logx.Logger

	mu      sync.Mutex
	bot     *tele.Bot
	limiter *rate.Limiter
}

func NewTelegramSender(cfg TelegramConfig, log logx.Logger) (*TelegramSender, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if len(cfg.ChatIDs) == 0 {
		return nil, errors.New("telegram chat ids are empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	return &TelegramSender{
		cfg:     cfg,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
	}, nil
}

func (s *TelegramSender) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bot != nil {
		return nil
	}
	timeout := s.cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// NewBot verifies the token against the API (getMe), so Connect fails
	// fast on bad credentials.
	b, err := tele.NewBot(tele.Settings{
		Token:  s.cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return fmt.Errorf("telegram connect: %w", err)
	}
	s.bot = b
	s.log.Debug("telegram connected")
	return nil
}

func (s *TelegramSender) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bot == nil {
		return nil
	}
	s.bot = nil
	s.log.Debug("telegram disconnected")
	return nil
}

func (s *TelegramSender) SendPlanMessage(ctx context.Context, p planner.Plan) (string, error) {
	return s.broadcast(ctx, FormatPlan(p))
}

func (s *TelegramSender) SendSummaryMessage(ctx context.Context, sum planner.Summary) (string, error) {
	return s.broadcast(ctx, FormatSummary(sum))
}

// broadcast sends text to every configured chat and returns the id of the
// last delivered message ("chatID/messageID").
func (s *TelegramSender) broadcast(ctx context.Context, text string) (string, error) {
	s.mu.Lock()
	bot := s.bot
	s.mu.Unlock()
	if bot == nil {
		return "", errors.New("telegram sender not connected")
	}

	var lastID string
	for _, chatID := range s.cfg.ChatIDs {
		if err := s.limiter.Wait(ctx); err != nil {
			return lastID, err
		}
		m, err := bot.Send(tele.ChatID(chatID), text, tele.ModeHTML)
		if err != nil {
			return lastID, fmt.Errorf("telegram send to %d: %w", chatID, err)
		}
		lastID = strconv.FormatInt(chatID, 10) + "/" + strconv.Itoa(m.ID)
	}
	return lastID, nil
}
