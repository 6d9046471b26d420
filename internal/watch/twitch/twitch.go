// Package twitch announces when followed streamers go live, using the Helix
// streams endpoint with an app access token (client credentials grant).
package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"bnoobot/internal/tasks"
	"bnoobot/internal/transport"
	logx "bnoobot/pkg/logx"
)

const (
	DefaultAuthURL  = "https://id.twitch.tv/oauth2/token"
	DefaultAPIURL   = "https://api.twitch.tv/helix"
	DefaultInterval = "15m"
	DefaultTimeout  = 15 * time.Second

	TaskName = "twitch.live"

	// Helix accepts at most this many user_login values per request.
	maxLogins = 100
	maxBody   = 4 << 20
)

var errUnauthorized = errors.New("twitch: unauthorized")

type Config struct {
	ClientID     string
	ClientSecret string
	Streamers    []string
	Interval     string // tasks.ParseSchedule syntax
	AuthURL      string
	APIURL       string
	Timeout      time.Duration
	Channel      string // notifier channel (adapter name)
	Target       transport.ChatTarget
}

type Notifier interface {
	Notify(ctx context.Context, n transport.Notification) error
}

// Stream is one entry of GET /streams. Only live streams are returned.
type Stream struct {
	UserLogin string `json:"user_login"`
	UserName  string `json:"user_name"`
	GameName  string `json:"game_name"`
	Title     string `json:"title"`
	Type      string `json:"type"`
}

type Watcher struct {
	cfg    Config
	client *http.Client
	notify Notifier
	log    logx.Logger
	now    func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
	live    map[string]bool // lowercased login -> live at last check
}

func New(cfg Config, notify Notifier, client *http.Client, log logx.Logger) (*Watcher, error) {
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	cfg.ClientSecret = strings.TrimSpace(cfg.ClientSecret)
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("twitch: client id and secret required")
	}
	var streamers []string
	for _, s := range cfg.Streamers {
		if s = strings.TrimSpace(s); s != "" {
			streamers = append(streamers, s)
		}
	}
	if len(streamers) == 0 {
		return nil, errors.New("twitch: at least one streamer required")
	}
	cfg.Streamers = streamers
	if notify == nil {
		return nil, errors.New("twitch: notifier required")
	}
	if strings.TrimSpace(cfg.AuthURL) == "" {
		cfg.AuthURL = DefaultAuthURL
	}
	if strings.TrimSpace(cfg.APIURL) == "" {
		cfg.APIURL = DefaultAPIURL
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if strings.TrimSpace(cfg.Interval) == "" {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{cfg: cfg, client: client, notify: notify, log: log, now: time.Now, live: map[string]bool{}}, nil
}

func (w *Watcher) Register(svc *tasks.Service) error {
	return svc.AddSchedule(TaskName, w.cfg.Interval, w.cfg.Timeout, w.Check)
}

// Check polls every configured streamer once. A streamer is announced when
// it is live now and was not live at the previous check.
func (w *Watcher) Check(ctx context.Context) error {
	streams, err := w.Live(ctx)
	if err != nil {
		return err
	}
	now := map[string]bool{}
	for _, st := range streams {
		now[strings.ToLower(st.UserLogin)] = true
	}

	w.mu.Lock()
	var started []string
	for _, s := range w.cfg.Streamers {
		key := strings.ToLower(s)
		if now[key] && !w.live[key] {
			started = append(started, s)
		}
	}
	w.live = now
	w.mu.Unlock()

	w.log.Debug("checked streamers", logx.Int("streamers", len(w.cfg.Streamers)), logx.Int("live", len(now)), logx.Int("started", len(started)))

	var errs []error
	for _, s := range started {
		err := w.notify.Notify(ctx, transport.Notification{
			Channel:  w.cfg.Channel,
			Priority: 5,
			Target:   w.cfg.Target,
			Text:     s + " is now live on Twitch!",
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", s, err))
		}
	}
	return errors.Join(errs...)
}

// Live returns the configured streamers that are live. An expired or revoked
// token is replaced once per call.
func (w *Watcher) Live(ctx context.Context) ([]Stream, error) {
	var out []Stream
	for start := 0; start < len(w.cfg.Streamers); start += maxLogins {
		end := min(start+maxLogins, len(w.cfg.Streamers))
		batch := w.cfg.Streamers[start:end]

		streams, err := w.fetchStreams(ctx, batch)
		if errors.Is(err, errUnauthorized) {
			w.dropToken()
			streams, err = w.fetchStreams(ctx, batch)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, streams...)
	}
	return out, nil
}

func (w *Watcher) fetchStreams(ctx context.Context, logins []string) ([]Stream, error) {
	token, err := w.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	for _, l := range logins {
		q.Add("user_login", strings.ToLower(l))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.cfg.APIURL+"/streams?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", w.cfg.ClientID)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("twitch: streams: %w", err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil, errUnauthorized
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil, fmt.Errorf("twitch: streams: status %s", resp.Status)
	}
	var body struct {
		Data []Stream `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&body); err != nil {
		return nil, fmt.Errorf("twitch: decode streams: %w", err)
	}
	return body.Data, nil
}

// accessToken returns the cached app token, fetching a new one when it is
// missing or within a minute of expiry.
func (w *Watcher) accessToken(ctx context.Context) (string, error) {
	w.mu.Lock()
	if w.token != "" && w.now().Before(w.expires.Add(-time.Minute)) {
		tok := w.token
		w.mu.Unlock()
		return tok, nil
	}
	w.mu.Unlock()

	form := url.Values{
		"client_id":     {w.cfg.ClientID},
		"client_secret": {w.cfg.ClientSecret},
		"grant_type":    {"client_credentials"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("twitch: token: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return "", fmt.Errorf("twitch: token: status %s", resp.Status)
	}
	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&body); err != nil {
		return "", fmt.Errorf("twitch: decode token: %w", err)
	}
	if body.AccessToken == "" {
		return "", errors.New("twitch: token: empty access_token")
	}

	w.mu.Lock()
	w.token = body.AccessToken
	w.expires = w.now().Add(time.Duration(body.ExpiresIn) * time.Second)
	w.mu.Unlock()
	w.log.Debug("app token refreshed", logx.Int64("expires_in", body.ExpiresIn))
	return body.AccessToken, nil
}

func (w *Watcher) dropToken() {
	w.mu.Lock()
	w.token = ""
	w.mu.Unlock()
}
