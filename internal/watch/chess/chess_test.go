package chess

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"bnoobot/internal/tasks"
	"bnoobot/internal/transport"
	logx "bnoobot/pkg/logx"
)

type recorder struct {
	mu   sync.Mutex
	sent []transport.Notification
}

func (r *recorder) Notify(_ context.Context, n transport.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

const gamesJSON = `{"games":[
 {"url":"https://www.chess.com/game/daily/1","turn":"white","white":"https://api.chess.com/pub/player/BnoobMan","black":"https://api.chess.com/pub/player/other"},
 {"url":"https://www.chess.com/game/daily/2","turn":"white","white":"https://api.chess.com/pub/player/other","black":"https://api.chess.com/pub/player/bnoobman"},
 {"url":"https://www.chess.com/game/daily/3","turn":"black","white":"https://api.chess.com/pub/player/other","black":"https://api.chess.com/pub/player/bnoobman"}
]}`

func TestIsMyTurn(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		g    Game
		want bool
	}{
		{name: "white to move", g: Game{Turn: "white", White: "https://x/player/Me", Black: "https://x/player/you"}, want: true},
		{name: "black to move", g: Game{Turn: "black", White: "https://x/player/you", Black: "https://x/player/me/"}, want: true},
		{name: "opponent to move", g: Game{Turn: "white", White: "https://x/player/you", Black: "https://x/player/me"}},
		{name: "unknown turn", g: Game{Turn: "", White: "https://x/player/me"}},
	}
	for _, tt := range tests {
		if got := IsMyTurn(tt.g, "me"); got != tt.want {
			t.Fatalf("%s: IsMyTurn = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestCheckNotifiesOnlyMyTurns(t *testing.T) {
	t.Parallel()
	var gotPath, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotUA = r.URL.Path, r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(gamesJSON))
	}))
	defer srv.Close()

	rec := &recorder{}
	target := transport.ChatTarget{ChatID: 77}
	w, err := New(Config{Username: "BnoobMan", APIURL: srv.URL + "/", Channel: "discord", Target: target}, rec, srv.Client(), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if gotPath != "/player/bnoobman/games" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotUA == "" {
		t.Fatal("no user agent sent")
	}
	if len(rec.sent) != 2 {
		t.Fatalf("sent %d notifications, want 2: %+v", len(rec.sent), rec.sent)
	}
	for i, want := range []string{"daily/1", "daily/3"} {
		n := rec.sent[i]
		if !strings.HasPrefix(n.Text, "It's your turn in a game: ") || !strings.HasSuffix(n.Text, want) {
			t.Fatalf("sent[%d].Text = %q", i, n.Text)
		}
		if n.Channel != "discord" || n.Target != target {
			t.Fatalf("sent[%d] = %+v", i, n)
		}
	}
}

func TestCheckErrorsSendNothing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{name: "status", handler: func(w http.ResponseWriter, r *http.Request) { http.Error(w, "nope", http.StatusForbidden) }},
		{name: "json", handler: func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("{not json")) }},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(tt.handler)
		rec := &recorder{}
		w, err := New(Config{Username: "me", APIURL: srv.URL}, rec, srv.Client(), logx.Nop())
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if err := w.Check(context.Background()); err == nil {
			t.Fatalf("%s: Check succeeded", tt.name)
		}
		if len(rec.sent) != 0 {
			t.Fatalf("%s: sent %+v", tt.name, rec.sent)
		}
		srv.Close()
	}
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, &recorder{}, nil, logx.Nop()); err == nil {
		t.Fatal("empty username accepted")
	}
	w, err := New(Config{Username: "me"}, &recorder{}, nil, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if w.cfg.APIURL != DefaultAPIURL || w.cfg.Interval != DefaultInterval || w.cfg.Timeout != DefaultTimeout {
		t.Fatalf("cfg = %+v", w.cfg)
	}
}

func TestRegisterRunsThroughTasks(t *testing.T) {
	t.Parallel()
	hits := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- struct{}{}
		_, _ = w.Write([]byte(`{"games":[]}`))
	}))
	defer srv.Close()

	svc := tasks.New(tasks.Config{Enabled: true}, logx.Nop(), nil)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())

	w, err := New(Config{Username: "me", APIURL: srv.URL, Interval: "1h"}, &recorder{}, srv.Client(), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := w.Register(svc); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !svc.RunNow(TaskName) {
		t.Fatal("RunNow returned false")
	}
	select {
	case <-hits:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not poll")
	}
}
