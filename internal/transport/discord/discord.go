// Package discord connects the bot to Discord through a discordgo gateway
// session.
package discord

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"bnoobot/internal/transport"
	logx "bnoobot/pkg/logx"
)

// TextLimit is Discord's per-message character cap.
const TextLimit = 2000

type Config struct {
	Token string
}

// Adapter maps Discord channels onto transport.ChatTarget: ChatID is the
// channel snowflake, ThreadID is unused (threads are channels of their own).
type Adapter struct {
	log     logx.Logger
	session *discordgo.Session

	out     atomic.Value // chan<- transport.Update
	dropped atomic.Uint64

	mu      sync.Mutex
	running bool
	remove  func()
}

var _ transport.Adapter = (*Adapter)(nil)

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent
	if log.IsZero() {
		log = logx.Nop()
	}
	a := &Adapter{log: log, session: s}
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	return a, nil
}

func (a *Adapter) Name() string { return "discord" }

// Start opens the gateway connection; discordgo reconnects on its own after
// that. Incoming messages go to out and are dropped when out is full.
func (a *Adapter) Start(ctx context.Context, out chan<- transport.Update) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	a.out.Store(out)
	a.remove = a.session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		selfID := ""
		if s.State != nil && s.State.User != nil {
			selfID = s.State.User.ID
		}
		if up, ok := toUpdate(m, selfID); ok {
			a.forward(up)
		}
	})
	if err := a.session.Open(); err != nil {
		a.remove()
		a.remove = nil
		return err
	}
	a.running = true
	a.log.Info("gateway connected")
	return nil
}

func (a *Adapter) forward(up transport.Update) {
	out, _ := a.out.Load().(chan<- transport.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		if n := a.dropped.Add(1); n%50 == 1 {
			a.log.Warn("incoming updates dropped (channel full)", logx.Uint64("count", n))
		}
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return nil
	}
	a.running = false
	var nilOut chan<- transport.Update
	a.out.Store(nilOut)
	if a.remove != nil {
		a.remove()
		a.remove = nil
	}

	done := make(chan error, 1)
	go func() { done <- a.session.Close() }()
	select {
	case err := <-done:
		a.log.Info("gateway closed", logx.Uint64("dropped_updates", a.dropped.Load()))
		return err
	case <-ctx.Done():
		a.log.Warn("discord close timed out", logx.Err(ctx.Err()))
		return nil
	}
}

func (a *Adapter) SendText(ctx context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	if to.ChatID == 0 {
		return transport.MessageRef{}, errors.New("discord: empty channel id")
	}
	channelID := strconv.FormatInt(to.ChatID, 10)

	var first transport.MessageRef
	for i, chunk := range transport.SplitText(text, TextLimit) {
		if err := ctx.Err(); err != nil {
			return first, err
		}
		msg, err := a.session.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx))
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = transport.MessageRef{ChatID: to.ChatID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// toUpdate converts a gateway message. Messages from bots, including this
// one, are ignored, as are ids that are not numeric snowflakes.
func toUpdate(m *discordgo.MessageCreate, selfID string) (transport.Update, bool) {
	if m == nil || m.Message == nil || m.Author == nil {
		return transport.Update{}, false
	}
	if m.Author.Bot || (selfID != "" && m.Author.ID == selfID) {
		return transport.Update{}, false
	}
	chatID, err := strconv.ParseInt(m.ChannelID, 10, 64)
	if err != nil {
		return transport.Update{}, false
	}
	fromID, _ := strconv.ParseInt(m.Author.ID, 10, 64)
	return transport.Update{
		Kind: transport.UpdateMessage,
		Message: &transport.Message{
			ID:       m.ID,
			ChatID:   chatID,
			FromID:   fromID,
			FromName: m.Author.Username,
			Text:     m.Content,
			GuildID:  m.GuildID,
		},
	}, true
}
