package bot

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"metal-sentinel/internal/alert"
	"metal-sentinel/internal/domain"

	tele "gopkg.in/telebot.v3"
)

// PriceReader exposes the fused price surface the commands need.
type PriceReader interface {
	LastFused(metal string) (domain.FusedPrice, bool)
	Summary() map[domain.MetalClass][]domain.FusedPrice
}

// LevelReader exposes the computed level sets.
type LevelReader interface {
	Levels(metal string) []domain.TechnicalLevel
	NearestLevels(metal string, price float64) (support, resistance *domain.TechnicalLevel)
}

// Controls are the pipeline switches driven by bot commands.
type Controls interface {
	Silence(ctx context.Context, d time.Duration)
	Unsilence(ctx context.Context)
	SetFilter(ctx context.Context, metals []string)
	Settings() alert.Settings
	SentThisHour() int
	QueueLen() int
}

// Notifier delivers pipeline messages to the configured chat. It satisfies
// the pipeline's Sender.
type Notifier struct {
	bot  *tele.Bot
	chat *tele.Chat
}

func (n *Notifier) Send(ctx context.Context, message string) error {
	if n.bot == nil || n.chat == nil {
		return fmt.Errorf("telegram notifier not configured")
	}
	_, err := n.bot.Send(n.chat, message)
	return err
}

// StartTelegramBot wires commands and starts long polling. Returns a Notifier
// for outbound alerts, or nil when TELEGRAM_BOT_TOKEN is unset.
func StartTelegramBot(prices PriceReader, levels LevelReader, controls Controls) *Notifier {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		log.Println("TELEGRAM_BOT_TOKEN not set, skipping Telegram bot startup")
		return nil
	}
	pref := tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}
	b, err := tele.NewBot(pref)
	if err != nil {
		log.Fatalf("failed to create Telegram bot: %v", err)
	}

	b.Handle("/ping", func(c tele.Context) error {
		return c.Send("pong")
	})

	b.Handle("/price", func(c tele.Context) error {
		args := c.Args()
		if len(args) == 0 {
			return c.Send(fmt.Sprintf("Usage: /price XAU\nSupported: %s", strings.Join(domain.SupportedMetals, ", ")))
		}
		metal := strings.ToUpper(args[0])
		if !domain.IsSupportedMetal(metal) {
			return c.Send(fmt.Sprintf("Unknown metal: %s\nSupported: %s", metal, strings.Join(domain.SupportedMetals, ", ")))
		}
		fused, ok := prices.LastFused(metal)
		if !ok {
			return c.Send(fmt.Sprintf("No price yet for %s", metal))
		}
		msg := fmt.Sprintf(
			"%s\nPrice: %s\nChange: %+.2f%%\nSource: %s (reliability %d)",
			domain.FormatMetal(metal), formatPrice(fused.Price),
			fused.ChangePercent, fused.Source, fused.Reliability,
		)
		return c.Send(msg)
	})

	b.Handle("/prices", func(c tele.Context) error {
		summary := prices.Summary()
		if len(summary) == 0 {
			return c.Send("No prices collected yet")
		}
		var sb strings.Builder
		for _, class := range []domain.MetalClass{domain.ClassPrecious, domain.ClassIndustrial, domain.ClassStrategic} {
			group := summary[class]
			if len(group) == 0 {
				continue
			}
			fmt.Fprintf(&sb, "%s\n", strings.ToUpper(string(class)))
			for _, f := range group {
				fmt.Fprintf(&sb, "  %s %s %+.2f%%\n", f.Metal, formatPrice(f.Price), f.ChangePercent)
			}
		}
		return c.Send(sb.String())
	})

	b.Handle("/levels", func(c tele.Context) error {
		args := c.Args()
		if len(args) == 0 {
			return c.Send("Usage: /levels XAU")
		}
		metal := strings.ToUpper(args[0])
		if !domain.IsSupportedMetal(metal) {
			return c.Send(fmt.Sprintf("Unknown metal: %s", metal))
		}
		set := levels.Levels(metal)
		if len(set) == 0 {
			return c.Send(fmt.Sprintf("No levels computed yet for %s", metal))
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s levels\n", domain.FormatMetal(metal))
		for _, l := range set {
			fmt.Fprintf(&sb, "%s %s = %s (strength %d)\n", string(l.Kind), l.Name, formatPrice(l.Value), l.Strength)
		}
		if fused, ok := prices.LastFused(metal); ok {
			sup, res := levels.NearestLevels(metal, fused.Price)
			if sup != nil {
				fmt.Fprintf(&sb, "Nearest support: %s\n", formatPrice(sup.Value))
			}
			if res != nil {
				fmt.Fprintf(&sb, "Nearest resistance: %s\n", formatPrice(res.Value))
			}
		}
		return c.Send(sb.String())
	})

	b.Handle("/silence", func(c tele.Context) error {
		hours := 1
		if args := c.Args(); len(args) > 0 {
			if n, err := strconv.Atoi(args[0]); err == nil && n > 0 {
				hours = n
			}
		}
		controls.Silence(context.Background(), time.Duration(hours)*time.Hour)
		return c.Send(fmt.Sprintf("Alerts silenced for %dh", hours))
	})

	b.Handle("/unsilence", func(c tele.Context) error {
		controls.Unsilence(context.Background())
		return c.Send("Alerts resumed")
	})

	b.Handle("/filter", func(c tele.Context) error {
		args := c.Args()
		if len(args) == 1 && strings.EqualFold(args[0], "off") {
			controls.SetFilter(context.Background(), nil)
			return c.Send("Filter cleared, all metals alert")
		}
		if len(args) == 0 {
			return c.Send("Usage: /filter XAU XAG or /filter off")
		}
		for _, a := range args {
			if !domain.IsSupportedMetal(strings.ToUpper(a)) {
				return c.Send(fmt.Sprintf("Unknown metal: %s", a))
			}
		}
		controls.SetFilter(context.Background(), args)
		return c.Send("Filter set: " + strings.ToUpper(strings.Join(args, ", ")))
	})

	b.Handle("/status", func(c tele.Context) error {
		s := controls.Settings()
		return c.Send(FormatStatus(s.Enabled, s.SilencedUntil, s.Filters, controls.SentThisHour(), controls.QueueLen(), time.Now()))
	})

	log.Println("Telegram bot started")
	go b.Start()

	return notifierFor(b)
}

// notifierFor resolves the outbound chat from TELEGRAM_CHAT_ID.
func notifierFor(b *tele.Bot) *Notifier {
	raw := os.Getenv("TELEGRAM_CHAT_ID")
	if raw == "" {
		log.Println("Warning: TELEGRAM_CHAT_ID not set, outbound alerts disabled")
		return nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("Warning: invalid TELEGRAM_CHAT_ID %q: %v", raw, err)
		return nil
	}
	return &Notifier{bot: b, chat: &tele.Chat{ID: id}}
}
