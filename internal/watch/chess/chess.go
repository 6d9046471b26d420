// Package chess polls the chess.com public API for daily games where it is
// the configured player's move and posts a reminder for each one.
package chess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"bnoobot/internal/tasks"
	"bnoobot/internal/transport"
	logx "bnoobot/pkg/logx"
)

const (
	DefaultAPIURL   = "https://api.chess.com/pub"
	DefaultInterval = "10m"
	DefaultTimeout  = 15 * time.Second

	// TaskName is the name the watcher registers under in the task service.
	TaskName = "chess.turns"

	maxBody = 4 << 20
)

type Config struct {
	Username string
	Interval string // tasks.ParseSchedule syntax
	APIURL   string
	Timeout  time.Duration
	Channel  string // notifier channel (adapter name)
	Target   transport.ChatTarget
}

// Notifier is the part of notifier.Service the watcher uses.
type Notifier interface {
	Notify(ctx context.Context, n transport.Notification) error
}

// Game is one entry of GET /player/{username}/games. White and Black are
// player profile URLs; Turn is "white" or "black".
type Game struct {
	URL   string `json:"url"`
	Turn  string `json:"turn"`
	White string `json:"white"`
	Black string `json:"black"`
}

type gamesResponse struct {
	Games []Game `json:"games"`
}

type Watcher struct {
	cfg    Config
	client *http.Client
	notify Notifier
	log    logx.Logger
}

// New returns a watcher. client may be nil.
func New(cfg Config, notify Notifier, client *http.Client, log logx.Logger) (*Watcher, error) {
	cfg.Username = strings.TrimSpace(cfg.Username)
	if cfg.Username == "" {
		return nil, errors.New("chess: username required")
	}
	if notify == nil {
		return nil, errors.New("chess: notifier required")
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
	return &Watcher{cfg: cfg, client: client, notify: notify, log: log}, nil
}

// Register adds the watcher to svc under TaskName, replacing any earlier
// registration.
func (w *Watcher) Register(svc *tasks.Service) error {
	return svc.AddSchedule(TaskName, w.cfg.Interval, w.cfg.Timeout, w.Check)
}

// Check runs one poll. Games where it is the player's move each produce one
// notification; repeats are absorbed by the notifier's dedup window.
func (w *Watcher) Check(ctx context.Context) error {
	games, err := w.Fetch(ctx)
	if err != nil {
		return err
	}
	w.log.Info("fetched games", logx.Int("count", len(games)))

	var errs []error
	for _, g := range games {
		if !IsMyTurn(g, w.cfg.Username) || g.URL == "" {
			continue
		}
		w.log.Info("posting turn reminder", logx.String("game", g.URL))
		err := w.notify.Notify(ctx, transport.Notification{
			Channel: w.cfg.Channel,
			Target:  w.cfg.Target,
			Text:    "It's your turn in a game: " + g.URL,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", g.URL, err))
		}
	}
	return errors.Join(errs...)
}

func (w *Watcher) Fetch(ctx context.Context) ([]Game, error) {
	u := fmt.Sprintf("%s/player/%s/games", w.cfg.APIURL, url.PathEscape(strings.ToLower(w.cfg.Username)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	// chess.com rejects requests without a user agent.
	req.Header.Set("User-Agent", "bnoobot")
	req.Header.Set("Accept", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chess: fetch games: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
		return nil, fmt.Errorf("chess: fetch games: status %s", resp.Status)
	}
	var body gamesResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&body); err != nil {
		return nil, fmt.Errorf("chess: decode games: %w", err)
	}
	return body.Games, nil
}

// IsMyTurn reports whether the side to move belongs to username. Player
// URLs end in the username; the comparison ignores case.
func IsMyTurn(g Game, username string) bool {
	me := strings.ToLower(strings.TrimSpace(username))
	if me == "" {
		return false
	}
	var side string
	switch strings.ToLower(g.Turn) {
	case "white":
		side = g.White
	case "black":
		side = g.Black
	default:
		return false
	}
	return playerName(side) == me
}

func playerName(profileURL string) string {
	s := strings.TrimRight(profileURL, "/")
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}
	return strings.ToLower(s)
}
