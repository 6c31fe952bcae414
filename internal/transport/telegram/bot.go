// Package telegram is the delivery and command surface: compiled
// notifications go out through it, and tenants drive on-demand scans
// with bot commands.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	"coursewatch/internal/track"
	"coursewatch/pkg/logx"
)

type Config struct {
	Token       string
	PollTimeout time.Duration
	// RatePerSec caps outgoing sends across all tenants. Telegram
	// throttles bots around 30 msg/s; the default stays under that.
	RatePerSec   int
	AdminUserIDs []int64
}

// Scanner is the scan surface the bot commands need.
type Scanner interface {
	TriggerManualScan(ctx context.Context, tenantID, resourceID string) track.ScanResult
	RunCycle(ctx context.Context)
	LastScanTime() time.Time
}

type Bot struct {
	cfg      Config
	bot      *tele.Bot
	limiter  *rate.Limiter
	scanner  Scanner
	registry track.TenantRegistry
	log      logx.Logger

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

func New(cfg Config, scanner Scanner, registry track.TenantRegistry, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: cfg.PollTimeout},
	})
	if err != nil {
		return nil, err
	}
	return &Bot{
		cfg:      cfg,
		bot:      b,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		scanner:  scanner,
		registry: registry,
		log:      log.With(logx.String("comp", "telegram")),
	}, nil
}

func (b *Bot) Start(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.running {
		return nil
	}
	b.running = true
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.runCancel = cancel

	b.registerHandlers(rctx)

	b.runWG.Add(1)
	go func() {
		defer b.runWG.Done()
		go func() {
			<-rctx.Done()
			b.bot.Stop()
		}()
		b.log.Info("polling started")
		b.bot.Start()
	}()
	return nil
}

func (b *Bot) Stop(ctx context.Context) error {
	b.runMu.Lock()
	cancel := b.runCancel
	b.runCancel = nil
	wasRunning := b.running
	b.running = false
	b.runMu.Unlock()
	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		b.runWG.Wait()
		close(done)
	}()

	// Don't let a pending long-poll hold up shutdown.
	grace := time.NewTimer(2 * time.Second)
	defer grace.Stop()
	select {
	case <-done:
		b.log.Info("polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-grace.C:
		b.log.Warn("stop grace elapsed; continuing shutdown")
		return nil
	}
}

func (b *Bot) registerHandlers(ctx context.Context) {
	b.bot.Handle("/check", func(c tele.Context) error {
		tenantID := strconv.FormatInt(c.Chat().ID, 10)
		resourceID := ""
		if args := c.Args(); len(args) > 0 {
			resourceID = args[0]
		}
		// Scans hit the remote site; keep the poller loop free.
		go func() {
			sctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
			defer cancel()
			res := b.scanner.TriggerManualScan(sctx, tenantID, resourceID)
			b.reply(sctx, c.Chat().ID, res.Message)
		}()
		return c.Send("🔍 Checking for changes...")
	})

	b.bot.Handle("/status", func(c tele.Context) error {
		tenantID := strconv.FormatInt(c.Chat().ID, 10)
		return c.Send(b.statusText(ctx, tenantID), tele.ModeHTML)
	})

	b.bot.Handle("/resources", func(c tele.Context) error {
		tenantID := strconv.FormatInt(c.Chat().ID, 10)
		resources, err := b.registry.TrackedResources(ctx, tenantID)
		if err != nil || len(resources) == 0 {
			return c.Send("No tracked resources.")
		}
		var sb strings.Builder
		sb.WriteString("📚 <b>Tracked resources</b>\n")
		for i, r := range resources {
			fmt.Fprintf(&sb, "%d. <code>%s</code>\n", i+1, r)
		}
		return c.Send(sb.String(), tele.ModeHTML)
	})

	b.bot.Handle("/cycle", func(c tele.Context) error {
		if !b.isAdmin(c.Sender().ID) {
			return c.Send("Admins only.")
		}
		go func() {
			sctx, cancel := context.WithTimeout(ctx, 10*time.Minute)
			defer cancel()
			b.scanner.RunCycle(sctx)
			b.reply(sctx, c.Chat().ID, "Cycle finished.")
		}()
		return c.Send("▶️ Full cycle started.")
	})
}

func (b *Bot) statusText(ctx context.Context, tenantID string) string {
	var sb strings.Builder
	sb.WriteString("ℹ️ <b>Status</b>\n\n")

	if last := b.scanner.LastScanTime(); last.IsZero() {
		sb.WriteString("Last cycle: never\n")
	} else {
		fmt.Fprintf(&sb, "Last cycle: %s\n", last.Format("02.01.2006 15:04:05"))
	}

	t, ok, err := b.registry.Get(ctx, tenantID)
	switch {
	case err != nil:
		sb.WriteString("Account: lookup failed\n")
	case !ok || !t.HasCredentials():
		sb.WriteString("Account: not registered\n")
	default:
		fmt.Fprintf(&sb, "Account: <code>%s</code>\n", t.Username)
		fmt.Fprintf(&sb, "Tracked resources: %d\n", len(t.Resources))
		if !t.LastScan.IsZero() {
			fmt.Fprintf(&sb, "Last scan: %s\n", t.LastScan.Format("02.01.2006 15:04:05"))
		}
	}
	return sb.String()
}

func (b *Bot) isAdmin(userID int64) bool {
	for _, id := range b.cfg.AdminUserIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// reply is a rate-limited plain send used outside the handler return
// path.
func (b *Bot) reply(ctx context.Context, chatID int64, text string) {
	if text == "" {
		return
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return
	}
	if _, err := b.bot.Send(&tele.Chat{ID: chatID}, text, tele.ModeHTML); err != nil {
		b.log.Warn("reply failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}
