package twitch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
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
	sent []string
}

func (r *recorder) Notify(_ context.Context, n transport.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n.Text)
	return nil
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

// fakeTwitch serves the token and streams endpoints. live holds the logins
// reported as live; revoke makes the next streams call answer 401.
type fakeTwitch struct {
	mu         sync.Mutex
	live       []string
	revoke     bool
	tokens     int
	lastLogins []string
	streamsErr int
}

func (f *fakeTwitch) setLive(logins ...string) {
	f.mu.Lock()
	f.live = logins
	f.mu.Unlock()
}

func (f *fakeTwitch) stats() (tokens int, logins []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens, f.lastLogins
}

func (f *fakeTwitch) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("token method = %s", r.Method)
		}
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != "client_credentials" || r.PostForm.Get("client_id") != "cid" || r.PostForm.Get("client_secret") != "secret" {
			http.Error(w, "bad client", http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.tokens++
		n := f.tokens
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"access_token": "tok" + string(rune('0'+n)), "expires_in": 3600})
	})
	mux.HandleFunc("/helix/streams", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.streamsErr != 0 {
			w.WriteHeader(f.streamsErr)
			return
		}
		if f.revoke || r.Header.Get("Client-Id") != "cid" || !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer tok") {
			f.revoke = false
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.lastLogins = r.URL.Query()["user_login"]
		var data []Stream
		for _, l := range f.live {
			data = append(data, Stream{UserLogin: l, UserName: l, Type: "live"})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
	})
	return mux
}

func newTestWatcher(t *testing.T, f *fakeTwitch, rec *recorder) *Watcher {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	w, err := New(Config{
		ClientID:     "cid",
		ClientSecret: "secret",
		Streamers:    []string{"Alice", " bob ", ""},
		AuthURL:      srv.URL + "/oauth2/token",
		APIURL:       srv.URL + "/helix/",
		Channel:      "discord",
		Target:       transport.ChatTarget{ChatID: 9},
	}, rec, srv.Client(), logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return w
}

func TestCheckAnnouncesWentLive(t *testing.T) {
	t.Parallel()
	f := &fakeTwitch{}
	rec := &recorder{}
	w := newTestWatcher(t, f, rec)
	ctx := context.Background()

	f.setLive("alice")
	if err := w.Check(ctx); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got, want := rec.texts(), []string{"Alice is now live on Twitch!"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("sent = %v, want %v", got, want)
	}
	if _, logins := f.stats(); !reflect.DeepEqual(logins, []string{"alice", "bob"}) {
		t.Fatalf("user_login = %v", logins)
	}

	// Still live: no repeat. Bob starts: one new message.
	f.setLive("alice", "bob")
	if err := w.Check(ctx); err != nil {
		t.Fatalf("Check: %v", err)
	}
	// Alice goes offline and comes back.
	f.setLive()
	if err := w.Check(ctx); err != nil {
		t.Fatalf("Check: %v", err)
	}
	f.setLive("alice")
	if err := w.Check(ctx); err != nil {
		t.Fatalf("Check: %v", err)
	}
	want := []string{"Alice is now live on Twitch!", "bob is now live on Twitch!", "Alice is now live on Twitch!"}
	if got := rec.texts(); !reflect.DeepEqual(got, want) {
		t.Fatalf("sent = %v, want %v", got, want)
	}
	if tokens, _ := f.stats(); tokens != 1 {
		t.Fatalf("token fetched %d times, want 1", tokens)
	}
}

func TestRevokedTokenIsReplaced(t *testing.T) {
	t.Parallel()
	f := &fakeTwitch{}
	rec := &recorder{}
	w := newTestWatcher(t, f, rec)

	if err := w.Check(context.Background()); err != nil {
		t.Fatalf("Check: %v", err)
	}
	f.mu.Lock()
	f.revoke = true
	f.live = []string{"bob"}
	f.mu.Unlock()
	if err := w.Check(context.Background()); err != nil {
		t.Fatalf("Check after revoke: %v", err)
	}
	if tokens, _ := f.stats(); tokens != 2 {
		t.Fatalf("tokens = %d, want 2", tokens)
	}
	if got := rec.texts(); len(got) != 1 || got[0] != "bob is now live on Twitch!" {
		t.Fatalf("sent = %v", got)
	}
}

func TestCheckErrorsSendNothing(t *testing.T) {
	t.Parallel()
	f := &fakeTwitch{streamsErr: http.StatusInternalServerError}
	rec := &recorder{}
	w := newTestWatcher(t, f, rec)
	f.setLive("alice")
	if err := w.Check(context.Background()); err == nil || !strings.Contains(err.Error(), "500") {
		t.Fatalf("err = %v, want status error", err)
	}
	if len(rec.texts()) != 0 {
		t.Fatalf("sent = %v", rec.texts())
	}

	bad, err := New(Config{ClientID: "nope", ClientSecret: "x", Streamers: []string{"alice"}, AuthURL: w.cfg.AuthURL, APIURL: w.cfg.APIURL}, rec, w.client, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := bad.Check(context.Background()); err == nil || !strings.Contains(err.Error(), "token") {
		t.Fatalf("err = %v, want token error", err)
	}
}

func TestNewValidatesAndDefaults(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	for name, cfg := range map[string]Config{
		"no client":    {Streamers: []string{"a"}},
		"no streamers": {ClientID: "c", ClientSecret: "s", Streamers: []string{" "}},
	} {
		if _, err := New(cfg, rec, nil, logx.Nop()); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
	w, err := New(Config{ClientID: "c", ClientSecret: "s", Streamers: []string{"a"}}, rec, nil, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if w.cfg.Interval != DefaultInterval || w.cfg.AuthURL != DefaultAuthURL || w.cfg.APIURL != DefaultAPIURL || w.cfg.Timeout != DefaultTimeout {
		t.Fatalf("defaults = %+v", w.cfg)
	}
}

func TestRegisterRunsOnTaskService(t *testing.T) {
	t.Parallel()
	f := &fakeTwitch{}
	f.setLive("bob")
	rec := &recorder{}
	w := newTestWatcher(t, f, rec)

	svc := tasks.New(tasks.Config{Enabled: true}, logx.Nop(), nil)
	svc.Start(context.Background())
	defer svc.Stop(context.Background())
	if err := w.Register(svc); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !svc.RunNow(TaskName) {
		t.Fatal("RunNow: task not found")
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(rec.texts()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := rec.texts(); len(got) != 1 || got[0] != "bob is now live on Twitch!" {
		t.Fatalf("sent = %v", got)
	}
}
