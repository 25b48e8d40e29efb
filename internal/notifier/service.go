package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"tickbot/internal/eventbus"
	"tickbot/internal/model"
	kit "tickbot/internal/transport"
	logx "tickbot/pkg/logx"

	"golang.org/x/time/rate"
)

var (
	ErrNotificationFailed = errors.New("notification failed")
	ErrDisabled           = errors.New("notifier disabled")
)

// Sender delivers one message to a target.
type Sender interface {
	Send(ctx context.Context, to model.Target, text string) error
}

const historyLimit = 100

// Service sends through the chat adapter.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	s := &Service{
		adapter: adapter,
		log:     log.With(logx.String("comp", "notifier")),
		bus:     bus,
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 5 * time.Second
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Send delivers text to the target. Every failure, including a disabled
// notifier, wraps ErrNotificationFailed.
func (s *Service) Send(ctx context.Context, to model.Target, text string) error {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	ad := s.adapter
	s.mu.Unlock()

	if !cfg.Enabled || ad == nil {
		return fmt.Errorf("%w: %w", ErrNotificationFailed, ErrDisabled)
	}
	if text == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	target := kit.ChatTarget{ChatID: to.ChatID, ThreadID: to.ThreadID}
	maxAttempts := 1 + cfg.RetryMax

	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		attempt++
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		_, err := ad.SendText(ctx, target, text, &kit.SendOptions{DisablePreview: true})
		if err == nil {
			s.record(to, text, nil)
			now := time.Now()
			s.bus.Publish(eventbus.Event{Type: EventSent, Time: now, Data: NotificationEvent{ChatID: to.ChatID, ThreadID: to.ThreadID, Attempts: attempt, At: now}})
			return nil
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		// A send that may have reached the chat is never repeated.
		if attempt >= maxAttempts || !errors.Is(err, kit.ErrNotSent) {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			lastErr = errors.Join(lastErr, ctx.Err())
			attempt = maxAttempts
		}
	}

	s.record(to, text, lastErr)
	now := time.Now()
	s.bus.Publish(eventbus.Event{Type: EventFailed, Time: now, Data: NotificationEvent{ChatID: to.ChatID, ThreadID: to.ThreadID, Attempts: attempt, At: now, Error: lastErr.Error()}})
	return fmt.Errorf("%w: chat %d: %w", ErrNotificationFailed, to.ChatID, lastErr)
}

// retryDelay grows exponentially from RetryBase with up to 20% jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase << uint(attempt-1)
	if d <= 0 || d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	if j := int64(d) / 5; j > 0 {
		d += time.Duration(rand.Int64N(j))
	}
	return d
}

func (s *Service) record(to model.Target, text string, err error) {
	item := HistoryItem{At: time.Now(), ChatID: to.ChatID, ThreadID: to.ThreadID, Text: text}
	if err != nil {
		item.Error = err.Error()
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.hmu.Unlock()
}

// History returns recent deliveries, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}
