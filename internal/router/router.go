// Package router turns chat messages into command calls.
//
// A message is a command when it starts with the configured prefix (or "/")
// followed by a registered name or alias. Commands run on a small worker pool
// with a per-command timeout; handler errors and panics become chat replies
// instead of taking the bot down.
package router

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	rtsup "bnoobot/internal/runtime/supervisor"
	"bnoobot/internal/transport"
	logx "bnoobot/pkg/logx"
)

// ErrUsage makes the router answer with the command's usage line.
var ErrUsage = errors.New("usage")

// Usagef wraps ErrUsage with a short reason.
func Usagef(format string, a ...any) error {
	return fmt.Errorf("%w: %s", ErrUsage, fmt.Sprintf(format, a...))
}

type Command struct {
	Name        string
	Aliases     []string
	Usage       string // arguments only, e.g. "<name> <delay_minutes> [description...]"
	Description string
	Timeout     time.Duration // overrides Config.Timeout when > 0
	Handle      HandlerFunc
}

type Request struct {
	Update  transport.Update
	Chat    transport.ChatTarget
	FromID  int64
	From    string
	Command string // canonical name
	Args    []string
	Raw     string // text after the command word, unparsed
	ReqID   string
	Prefix  string // display prefix

	Adapter transport.Adapter
	Logger  logx.Logger
}

// Reply sends text to the chat the command came from.
func (r *Request) Reply(ctx context.Context, text string) error {
	_, err := r.Adapter.SendText(ctx, r.Chat, text, &transport.SendOptions{DisablePreview: true})
	return err
}

type Config struct {
	Prefix    string        // default "!"
	Timeout   time.Duration // default per-command timeout
	Workers   int
	QueueSize int
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = "!"
	}
	cfg.Prefix = strings.TrimSpace(cfg.Prefix)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return cfg
}

type Router struct {
	log     logx.Logger
	adapter transport.Adapter

	mu    sync.RWMutex
	cfg   Config
	cmds  []Command          // registration order, help last
	index map[string]Command // name and aliases

	jobs chan func()
}

func New(cfg Config, adapter transport.Adapter, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = withDefaults(cfg)
	r := &Router{
		log:     log,
		adapter: adapter,
		cfg:     cfg,
		index:   map[string]Command{},
		jobs:    make(chan func(), cfg.QueueSize),
	}
	r.SetCommands(nil)
	return r
}

// Apply swaps prefix and timeout. Worker and queue sizes are fixed at New.
func (r *Router) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	r.mu.Lock()
	r.cfg.Prefix, r.cfg.Timeout = cfg.Prefix, cfg.Timeout
	r.mu.Unlock()
}

func (r *Router) Prefix() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Prefix
}

// SetCommands replaces the command table. A "help" command is always added;
// a later duplicate name or alias does not override an earlier one.
func (r *Router) SetCommands(cmds []Command) {
	all := append([]Command(nil), cmds...)
	all = append(all, Command{
		Name:        "help",
		Description: "List the available commands.",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, r.HelpText())
		},
	})

	index := map[string]Command{}
	kept := make([]Command, 0, len(all))
	for _, c := range all {
		c.Name = strings.ToLower(strings.TrimSpace(c.Name))
		if c.Name == "" || c.Handle == nil {
			continue
		}
		if _, dup := index[c.Name]; dup {
			r.log.Warn("duplicate command ignored", logx.String("cmd", c.Name))
			continue
		}
		index[c.Name] = c
		for _, a := range c.Aliases {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" {
				continue
			}
			if _, dup := index[a]; !dup {
				index[a] = c
			}
		}
		kept = append(kept, c)
	}

	r.mu.Lock()
	r.cmds, r.index = kept, index
	r.mu.Unlock()
}

// Commands returns the table in registration order.
func (r *Router) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Command(nil), r.cmds...)
}

// Lookup resolves a name or alias.
func (r *Router) Lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.index[strings.ToLower(name)]
	return c, ok
}

// Run consumes updates until ctx ends or updates is closed. Commands are
// executed by the worker pool; when the queue is full the user is told to
// retry.
func (r *Router) Run(ctx context.Context, updates <-chan transport.Update) error {
	r.mu.RLock()
	workers := r.cfg.Workers
	r.mu.RUnlock()

	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	sup.Go0("command.menu", r.publishMenu)
	r.log.Info("command dispatcher started", logx.Int("workers", workers), logx.Int("queue_cap", cap(r.jobs)))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.enqueue(ctx, up)
		}
	}
}

func (r *Router) enqueue(ctx context.Context, up transport.Update) {
	req, h, ok := r.prepare(up)
	if !ok {
		return
	}
	select {
	case r.jobs <- func() { _ = h(ctx, req) }:
	default:
		_ = req.Reply(ctx, "I'm busy right now, try again in a moment.")
	}
}

// Handle routes one update synchronously and reports whether it was a
// command (known or not).
func (r *Router) Handle(ctx context.Context, up transport.Update) bool {
	req, h, ok := r.prepare(up)
	if !ok {
		return false
	}
	_ = h(ctx, req)
	return true
}

// prepare parses up and returns the request and the fully wrapped handler.
func (r *Router) prepare(up transport.Update) (*Request, HandlerFunc, bool) {
	if up.Kind != transport.UpdateMessage || up.Message == nil {
		return nil, nil, false
	}
	msg := up.Message

	r.mu.RLock()
	cfg := r.cfg
	index := r.index
	r.mu.RUnlock()

	prefixes := []string{cfg.Prefix}
	if cfg.Prefix != "/" {
		prefixes = append(prefixes, "/")
	}
	word, args, rest, ok := splitCommand(msg.Text, prefixes)
	if !ok {
		return nil, nil, false
	}

	rid := uuid.NewString()[:8]
	req := &Request{
		Update:  up,
		Chat:    msg.Chat(),
		FromID:  msg.FromID,
		From:    msg.FromName,
		Command: word,
		Args:    args,
		Raw:     rest,
		ReqID:   rid,
		Prefix:  cfg.Prefix,
		Adapter: r.adapter,
		Logger: r.log.With(
			logx.String("rid", rid),
			logx.Int64("chat_id", msg.ChatID),
			logx.String("cmd", word),
		),
	}

	cmd, found := index[word]
	if !found {
		req.Logger.Warn("unknown command", logx.String("from", msg.FromName), logx.String("text", msg.Text))
		return req, func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, `What the heck do you mean by, "`+strings.TrimSpace(msg.Text)+`"?!`)
		}, true
	}
	req.Command = cmd.Name

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = cfg.Timeout
	}
	h := Chain(cmd.Handle,
		r.mwReplyError(cmd),
		Recover(),
		Audit(),
		Deadline(timeout),
	)
	return req, h, true
}

// mwReplyError tells the user what went wrong. It sits outside the panic
// recovery so recovered panics are reported too.
func (r *Router) mwReplyError(cmd Command) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			err := next(ctx, req)
			if err == nil {
				return nil
			}
			// The handler's ctx may have timed out; the reply gets its own.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if errors.Is(err, ErrUsage) {
				_ = req.Reply(rctx, "Usage: "+req.Prefix+usageLine(cmd))
			} else {
				_ = req.Reply(rctx, "An error occurred: "+err.Error())
			}
			return err
		}
	}
}

func usageLine(c Command) string {
	if c.Usage == "" {
		return c.Name
	}
	return c.Name + " " + c.Usage
}

// HelpText lists every command with its usage and description.
func (r *Router) HelpText() string {
	r.mu.RLock()
	cmds := append([]Command(nil), r.cmds...)
	prefix := r.cfg.Prefix
	r.mu.RUnlock()

	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, c := range cmds {
		fmt.Fprintf(&b, "%s%s", prefix, usageLine(c))
		if c.Description != "" {
			b.WriteString(" - " + c.Description)
		}
		if len(c.Aliases) > 0 {
			aliases := append([]string(nil), c.Aliases...)
			sort.Strings(aliases)
			b.WriteString(" (aliases: " + strings.Join(aliases, ", ") + ")")
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// publishMenu pushes the command list to adapters that show a menu.
func (r *Router) publishMenu(ctx context.Context) {
	ms, ok := r.adapter.(transport.MenuSetter)
	if !ok {
		return
	}
	menu := r.menu()
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := ms.SetCommands(cctx, menu); err != nil {
		r.log.Warn("command menu update failed", logx.Err(err))
		return
	}
	r.log.Debug("command menu updated", logx.Int("commands", len(menu)))
}

func (r *Router) menu() []transport.BotCommand {
	var out []transport.BotCommand
	for _, c := range r.Commands() {
		if !menuName(c.Name) {
			continue
		}
		desc := c.Description
		if desc == "" {
			desc = c.Name
		}
		out = append(out, transport.BotCommand{Command: c.Name, Description: desc})
	}
	return out
}

// menuName reports whether name fits Telegram's [a-z0-9_]{1,32} rule.
func menuName(name string) bool {
	if name == "" || len(name) > 32 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_') {
			return false
		}
	}
	return true
}
