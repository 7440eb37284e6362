// Package bot routes incoming Telegram commands to the subscriber store and
// the dispatcher. Handlers are thin: all state lives behind the store, all
// delivery policy behind the dispatcher.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"qurandaily/internal/corpus"
	"qurandaily/internal/dispatch"
	"qurandaily/internal/storage"
	kit "qurandaily/internal/transport"
	logx "qurandaily/pkg/logx"
)

type Router struct {
	store storage.Store
	disp  *dispatch.Service
	out   kit.Adapter
	log   logx.Logger
}

func NewRouter(store storage.Store, disp *dispatch.Service, out kit.Adapter, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{store: store, disp: disp, out: out, log: log}
}

// MenuCommands lists the command menu entries for the transport adapter.
func MenuCommands() []kit.BotCommand {
	return []kit.BotCommand{
		{Command: "/start", Description: "Subscribe to daily verses"},
		{Command: "/stop", Description: "Unsubscribe from daily verses"},
		{Command: "/anotherone", Description: "Get the next verses now"},
		{Command: "/progress", Description: "Show your reading progress"},
		{Command: "/help", Description: "Show available commands"},
	}
}

// Run consumes updates until ctx is done.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			if up.Message == nil {
				continue
			}
			r.handle(ctx, up.Message)
		}
	}
}

func (r *Router) handle(ctx context.Context, m *kit.Message) {
	cmd := strings.ToLower(strings.TrimSpace(m.Text))
	if !strings.HasPrefix(cmd, "/") {
		return
	}
	// Strip bot-name suffix ("/start@MyBot") and arguments.
	if i := strings.IndexAny(cmd, " @"); i > 0 {
		cmd = cmd[:i]
	}

	var err error
	switch cmd {
	case "/start":
		err = r.handleStart(ctx, m)
	case "/stop":
		err = r.handleStop(ctx, m)
	case "/anotherone":
		err = r.handleAnotherOne(ctx, m)
	case "/progress":
		err = r.handleProgress(ctx, m)
	case "/help":
		err = r.reply(ctx, m, helpText)
	default:
		return
	}
	if err != nil {
		r.log.Warn("command failed", logx.String("cmd", cmd), logx.Int64("user_id", m.FromID), logx.Err(err))
	}
}

const helpText = "Commands:\n" +
	"/start - Subscribe to daily verses\n" +
	"/stop - Unsubscribe from daily verses\n" +
	"/anotherone - Get the next verses on demand\n" +
	"/progress - Show your reading progress\n" +
	"/help - Show this message"

func (r *Router) handleStart(ctx context.Context, m *kit.Message) error {
	sub, created, err := r.store.Register(ctx, m.FromID, m.ChatID)
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	r.log.Info("subscribed", logx.Int64("user_id", m.FromID), logx.Bool("new", created))

	if created {
		return r.reply(ctx, m,
			"🌙 Assalamu Alaikum! Welcome to the Daily Quran Bot.\n\n"+
				"You will receive verses from the Quran every day, starting from Surah Al-Fatihah (1:1).\n\n"+
				"Each verse includes:\n"+
				"• Transliteration\n"+
				"• English Translation\n"+
				"• Context and Understanding\n\n"+
				"Your journey through the Quran begins now!\n\n"+helpText)
	}

	pos := sub.Position
	if sub.Completed {
		return r.reply(ctx, m, "🌙 Welcome back! You have already completed the Quran. Use /start after a progress reset to begin again.")
	}
	name := ""
	if s, ok := corpus.Meta(pos.Surah); ok {
		name = s.Name
	}
	return r.reply(ctx, m, fmt.Sprintf(
		"🌙 Welcome back!\n\nYou have been resubscribed to daily verses.\nYour current progress: Surah %d:%d (%s)\n\nYou will receive your next verses at the usual time.",
		pos.Surah, pos.Ayah, name))
}

func (r *Router) handleStop(ctx context.Context, m *kit.Message) error {
	if err := r.store.Deactivate(ctx, m.FromID); err != nil {
		return fmt.Errorf("deactivate: %w", err)
	}
	r.log.Info("unsubscribed", logx.Int64("user_id", m.FromID))
	return r.reply(ctx, m,
		"You have been unsubscribed from daily verses.\n\n"+
			"Your progress has been saved. Use /start anytime to resume.")
}

func (r *Router) handleAnotherOne(ctx context.Context, m *kit.Message) error {
	err := r.disp.SendNext(ctx, m.FromID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, dispatch.ErrNotSubscribed):
		return r.reply(ctx, m, "You are not subscribed to daily verses.\n\nPlease use /start to subscribe first.")
	case errors.Is(err, dispatch.ErrQuotaExceeded):
		reset := r.disp.NextResetHint()
		return r.reply(ctx, m, fmt.Sprintf(
			"You have reached your daily limit of verse requests.\n\nYour limit will reset at %s.\n\nSee you tomorrow!",
			reset.Format("15:04 MST")))
	case errors.Is(err, dispatch.ErrAlreadyDone):
		return r.reply(ctx, m, "You have already completed the entire Quran. 🎉")
	default:
		_ = r.reply(ctx, m, "Sorry, there was an error sending your verses. Please try again later.")
		return err
	}
}

func (r *Router) handleProgress(ctx context.Context, m *kit.Message) error {
	sub, err := r.store.Get(ctx, m.FromID)
	if errors.Is(err, storage.ErrNotFound) {
		return r.reply(ctx, m, "You are not subscribed yet. Use /start to begin.")
	}
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}

	if sub.Completed {
		return r.reply(ctx, m, fmt.Sprintf("📖 You have completed the entire Quran: %d of %d verses. 🎉", corpus.Total(), corpus.Total()))
	}
	done := corpus.Completed(sub.Position)
	pct := float64(done) / float64(corpus.Total()) * 100
	name := ""
	if s, ok := corpus.Meta(sub.Position.Surah); ok {
		name = s.Name
	}
	return r.reply(ctx, m, fmt.Sprintf(
		"📖 Your next verse: Surah %d:%d (%s)\nProgress: %d of %d verses (%.1f%%)\nRequests left today: %d",
		sub.Position.Surah, sub.Position.Ayah, name, done, corpus.Total(), pct, r.disp.Remaining(sub)))
}

func (r *Router) reply(ctx context.Context, m *kit.Message, text string) error {
	_, err := r.out.SendText(ctx, kit.ChatTarget{ChatID: m.ChatID}, text, nil)
	return err
}
