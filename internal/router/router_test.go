package router

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"bnoobot/internal/transport"
	logx "bnoobot/pkg/logx"
)

type fakeAdapter struct {
	mu    sync.Mutex
	sent  []string
	menu  []transport.BotCommand
	sentC chan string
}

func newFakeAdapter() *fakeAdapter { return &fakeAdapter{sentC: make(chan string, 16)} }

func (f *fakeAdapter) Name() string                                                 { return "fake" }
func (f *fakeAdapter) Start(ctx context.Context, out chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(ctx context.Context) error                               { return nil }

func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, _ *transport.SendOptions) (transport.MessageRef, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	select {
	case f.sentC <- text:
	default:
	}
	return transport.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeAdapter) SetCommands(_ context.Context, cmds []transport.BotCommand) error {
	f.mu.Lock()
	f.menu = cmds
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func msg(text string) transport.Update {
	return transport.Update{Kind: transport.UpdateMessage, Message: &transport.Message{ChatID: 9, FromID: 1, FromName: "ana", Text: text}}
}

func TestTokenize(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want []string
	}{
		{in: `Raid 60 "Boss fight"`, want: []string{"Raid", "60", "Boss fight"}},
		{in: `'a b' c\ d`, want: []string{"a b", "c d"}},
		{in: `x "" y`, want: []string{"x", "", "y"}},
		{in: "  spaced \t out  ", want: []string{"spaced", "out"}},
		{in: "", want: nil},
	}
	for _, tt := range tests {
		if got := Tokenize(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Fatalf("Tokenize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	prefixes := []string{"!", "/"}
	tests := []struct {
		in       string
		word     string
		args     []string
		rest     string
		notACmd bool
	}{
		{in: `!schedule Raid 60 "Boss fight"`, word: "schedule", args: []string{"Raid", "60", "Boss fight"}, rest: `Raid 60 "Boss fight"`},
		{in: "/ping@bnoobot", word: "ping"},
		{in: "!PING", word: "ping"},
		{in: "hello there", notACmd: true},
		{in: "! ping", notACmd: true},
		{in: "!", notACmd: true},
	}
	for _, tt := range tests {
		word, args, rest, ok := splitCommand(tt.in, prefixes)
		if ok == tt.notACmd {
			t.Fatalf("splitCommand(%q) ok = %v", tt.in, ok)
		}
		if tt.notACmd {
			continue
		}
		if word != tt.word || !reflect.DeepEqual(args, tt.args) || rest != tt.rest {
			t.Fatalf("splitCommand(%q) = %q %q %q", tt.in, word, args, rest)
		}
	}
}

func newTestRouter(ad *fakeAdapter, cmds ...Command) *Router {
	r := New(Config{Prefix: "!", Timeout: time.Second}, ad, logx.Nop())
	r.SetCommands(cmds)
	return r
}

func TestHandleDispatchesByNameAndAlias(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	var got []string
	r := newTestRouter(ad, Command{
		Name:    "8ball",
		Aliases: []string{"eightball"},
		Handle: func(ctx context.Context, req *Request) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Error("handler ctx has no deadline")
			}
			got = append(got, req.Command+":"+strings.Join(req.Args, ","))
			return req.Reply(ctx, "ok")
		},
	})
	for _, text := range []string{"!8ball will it work", "/eightball yes?"} {
		if !r.Handle(context.Background(), msg(text)) {
			t.Fatalf("Handle(%q) = false", text)
		}
	}
	want := []string{"8ball:will,it,work", "8ball:yes?"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %q, want %q", got, want)
	}
	if r.Handle(context.Background(), msg("just chatting")) {
		t.Fatal("plain text treated as a command")
	}
}

func TestUnknownCommandReply(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	r := newTestRouter(ad)
	r.Handle(context.Background(), msg("!nope 1 2"))
	if got, want := ad.last(), `What the heck do you mean by, "!nope 1 2"?!`; got != want {
		t.Fatalf("reply = %q, want %q", got, want)
	}
}

func TestErrorsBecomeReplies(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	r := newTestRouter(ad,
		Command{Name: "usage", Usage: "<n>", Handle: func(context.Context, *Request) error { return Usagef("missing n") }},
		Command{Name: "fail", Handle: func(context.Context, *Request) error { return errors.New("disk on fire") }},
		Command{Name: "boom", Handle: func(context.Context, *Request) error { panic("kaboom") }},
	)
	tests := []struct {
		text string
		want string
	}{
		{text: "!usage", want: "Usage: !usage <n>"},
		{text: "!fail", want: "An error occurred: disk on fire"},
		{text: "!boom", want: "An error occurred: panic: kaboom"},
	}
	for _, tt := range tests {
		r.Handle(context.Background(), msg(tt.text))
		if got := ad.last(); got != tt.want {
			t.Fatalf("%s: reply = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestHelpListsCommands(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	r := newTestRouter(ad,
		Command{Name: "schedule", Usage: "<name> <delay_minutes>", Description: "Schedule an event.", Handle: func(context.Context, *Request) error { return nil }},
		Command{Name: "schedule", Description: "duplicate", Handle: func(context.Context, *Request) error { return nil }},
	)
	r.Handle(context.Background(), msg("!help"))
	help := ad.last()
	if !strings.Contains(help, "!schedule <name> <delay_minutes> - Schedule an event.") {
		t.Fatalf("help = %q", help)
	}
	if strings.Contains(help, "duplicate") {
		t.Fatal("duplicate command registered")
	}
	if n := len(r.Commands()); n != 2 {
		t.Fatalf("Commands = %d, want 2 (schedule, help)", n)
	}
}

func TestApplyChangesPrefix(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	called := 0
	r := newTestRouter(ad, Command{Name: "ping", Handle: func(context.Context, *Request) error { called++; return nil }})
	r.Apply(Config{Prefix: "?"})
	if r.Handle(context.Background(), msg("!ping")) {
		t.Fatal("old prefix still accepted")
	}
	r.Handle(context.Background(), msg("?ping"))
	r.Handle(context.Background(), msg("/ping"))
	if called != 2 {
		t.Fatalf("called = %d, want 2", called)
	}
}

func TestRunProcessesUpdatesAndPublishesMenu(t *testing.T) {
	t.Parallel()
	ad := newFakeAdapter()
	r := newTestRouter(ad,
		Command{Name: "ping", Description: "Pong.", Handle: func(ctx context.Context, req *Request) error { return req.Reply(ctx, "Pong!") }},
		Command{Name: "Bad-Name", Handle: func(context.Context, *Request) error { return nil }},
	)
	ctx, cancel := context.WithCancel(context.Background())
	updates := make(chan transport.Update, 1)
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx, updates) }()

	updates <- msg("!ping")
	select {
	case got := <-ad.sentC:
		if got != "Pong!" {
			t.Fatalf("reply = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reply")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	ad.mu.Lock()
	defer ad.mu.Unlock()
	var names []string
	for _, c := range ad.menu {
		names = append(names, c.Command)
	}
	if !reflect.DeepEqual(names, []string{"ping", "help"}) {
		t.Fatalf("menu = %v", names)
	}
}

func TestChainOrder(t *testing.T) {
	t.Parallel()
	var trail []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *Request) error {
				trail = append(trail, name)
				return next(ctx, req)
			}
		}
	}
	h := Chain(func(context.Context, *Request) error {
		trail = append(trail, "handler")
		return nil
	}, mark("outer"), mark("inner"))
	if err := h(context.Background(), &Request{Logger: logx.Nop()}); err != nil {
		t.Fatalf("h: %v", err)
	}
	if want := []string{"outer", "inner", "handler"}; !reflect.DeepEqual(trail, want) {
		t.Fatalf("trail = %v, want %v", trail, want)
	}
}

func TestRecoverAndDeadline(t *testing.T) {
	t.Parallel()
	req := &Request{Logger: logx.Nop()}
	err := Chain(func(context.Context, *Request) error { panic("boom") }, Recover())(context.Background(), req)
	if err == nil || !strings.Contains(err.Error(), "panic: boom") {
		t.Fatalf("err = %v", err)
	}

	err = Chain(func(ctx context.Context, _ *Request) error {
		<-ctx.Done()
		return ctx.Err()
	}, Deadline(10*time.Millisecond))(context.Background(), req)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
