// Package commands is the bot's chat command set: event scheduling plus a
// few small conveniences (ping, hello, 8ball, poll).
package commands

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jedib0t/go-pretty/table"
	"golang.org/x/time/rate"

	"bnoobot/internal/events"
	"bnoobot/internal/router"
	"bnoobot/internal/transport"
	logx "bnoobot/pkg/logx"
)

// Scheduler is the part of events.Scheduler the commands use.
type Scheduler interface {
	Schedule(ctx context.Context, name string, target events.Target, delayMinutes int, opts ...events.Option) (*events.Event, error)
	List() []events.Info
	Remove(name string) bool
	Find(name string) (events.Info, bool)
}

type Deps struct {
	Events Scheduler
	// Limiter is shared by every event target so fired events respect the
	// platform's send rate. Optional.
	Limiter *rate.Limiter
	Log     logx.Logger
	// Now and Rand are for tests; nil means the real clock and a seeded source.
	Now  func() time.Time
	Rand *rand.Rand
}

type Set struct {
	d Deps

	rmu sync.Mutex
}

func New(d Deps) *Set {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Rand == nil {
		d.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Set{d: d}
}

// Commands returns the router table.
func (s *Set) Commands() []router.Command {
	return []router.Command{
		{
			Name:        "schedule",
			Usage:       "<name> <delay_minutes> [description...]",
			Description: "Schedule an event that is announced now and triggered after the delay.",
			Handle:      s.schedule,
		},
		{
			Name:        "list_events",
			Description: "List the events that have not fired yet.",
			Handle:      s.listEvents,
		},
		{
			Name:        "remove_event",
			Usage:       "<name>",
			Description: "Cancel the first pending event with this name.",
			Handle:      s.removeEvent,
		},
		{
			Name:        "find_event",
			Usage:       "<name>",
			Description: "Show the first pending event with this name.",
			Handle:      s.findEvent,
		},
		{
			Name:        "help_schedule",
			Description: "Common delays in minutes.",
			Handle:      s.helpSchedule,
		},
		{Name: "ping", Description: "Check that the bot is alive.", Handle: s.ping},
		{Name: "hello", Description: "Say hello.", Handle: s.hello},
		{
			Name:        "8ball",
			Aliases:     []string{"eightball"},
			Usage:       "<question>",
			Description: "Ask the magic 8-ball.",
			Handle:      s.eightBall,
		},
		{
			Name:        "poll",
			Usage:       "<question>",
			Description: "Start a thumbs up / thumbs down poll.",
			Handle:      s.poll,
		},
	}
}

const tooFarReply = "That delay is too far in the future."

func (s *Set) schedule(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 2 {
		return router.Usagef("name and delay required")
	}
	name := req.Args[0]
	delay, err := strconv.Atoi(req.Args[1])
	if errors.Is(err, strconv.ErrRange) {
		return req.Reply(ctx, tooFarReply)
	}
	if err != nil {
		return router.Usagef("delay_minutes must be a whole number")
	}
	var opts []events.Option
	if desc := strings.TrimSpace(strings.Join(req.Args[2:], " ")); desc != "" {
		opts = append(opts, events.WithDescription(desc))
	}
	if req.From != "" {
		opts = append(opts, events.WithAttendees(req.From))
	}

	target := transport.ChannelTarget{Adapter: req.Adapter, To: req.Chat, Limiter: s.d.Limiter}
	_, err = s.d.Events.Schedule(ctx, name, target, delay, opts...)
	switch {
	case errors.Is(err, events.ErrInvalidDelay):
		return req.Reply(ctx, "The delay can't be negative.")
	case errors.Is(err, events.ErrDelayTooLarge):
		return req.Reply(ctx, tooFarReply)
	case errors.Is(err, events.ErrTooManyPending):
		return req.Reply(ctx, "Too many events are scheduled already; remove one first.")
	case err != nil:
		return err
	}
	// The announcement is the confirmation; nothing else to send.
	req.Logger.Info("event scheduled by user", logx.String("from", req.From), logx.String("name", name), logx.Int("delay_minutes", delay))
	return nil
}

func (s *Set) listEvents(ctx context.Context, req *router.Request) error {
	list := s.d.Events.List()
	if len(list) == 0 {
		return req.Reply(ctx, "No events are currently scheduled.")
	}
	return req.Reply(ctx, codeBlock(req, renderEvents(list, s.d.Now())))
}

func (s *Set) removeEvent(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 1 {
		return router.Usagef("name required")
	}
	name := strings.Join(req.Args, " ")
	if s.d.Events.Remove(name) {
		return req.Reply(ctx, fmt.Sprintf("Event '%s' has been removed from the schedule.", name))
	}
	return req.Reply(ctx, fmt.Sprintf("Event '%s' not found.", name))
}

func (s *Set) findEvent(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 1 {
		return router.Usagef("name required")
	}
	name := strings.Join(req.Args, " ")
	info, ok := s.d.Events.Find(name)
	if !ok {
		return req.Reply(ctx, fmt.Sprintf("Event '%s' not found.", name))
	}
	return req.Reply(ctx, codeBlock(req, renderEvents([]events.Info{info}, s.d.Now())))
}

var conversions = [][2]string{
	{"One Hour", "60 Min"},
	{"Three Hours", "180 Min"},
	{"One Day", "1440 Min"},
	{"Two Days", "2880 Min"},
	{"Three Days", "4320 Min"},
	{"One Week", "10080 Min"},
}

func (s *Set) helpSchedule(ctx context.Context, req *router.Request) error {
	lines := make([]string, 0, len(conversions))
	for _, c := range conversions {
		lines = append(lines, c[0]+" is equal to: "+c[1])
	}
	return req.Reply(ctx, strings.Join(lines, "\n"))
}

func (s *Set) ping(ctx context.Context, req *router.Request) error {
	return req.Reply(ctx, "Pong!")
}

func (s *Set) hello(ctx context.Context, req *router.Request) error {
	who := req.From
	if who == "" {
		who = "stranger"
	}
	return req.Reply(ctx, fmt.Sprintf("Hello, %s.", who))
}

var eightBallAnswers = []string{
	"Yes, definitely.",
	"No, absolutely not.",
	"Maybe.",
	"Ask again later.",
	"It is certain.",
	"Very doubtful.",
}

func (s *Set) eightBall(ctx context.Context, req *router.Request) error {
	question := strings.TrimSpace(req.Raw)
	if question == "" {
		return router.Usagef("question required")
	}
	s.rmu.Lock()
	answer := eightBallAnswers[s.d.Rand.Intn(len(eightBallAnswers))]
	s.rmu.Unlock()
	return req.Reply(ctx, fmt.Sprintf("Question: %s\nAnswer: %s", question, answer))
}

// poll posts the question; members answer with 👍 or 👎 reactions.
func (s *Set) poll(ctx context.Context, req *router.Request) error {
	question := strings.TrimSpace(req.Raw)
	if question == "" {
		return router.Usagef("question required")
	}
	return req.Reply(ctx, "📊 Poll: "+question)
}

// renderEvents draws list as a text table. Remaining time is rounded to the
// second.
func renderEvents(list []events.Info, now time.Time) string {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"Name", "Trigger (UTC)", "Remaining", "Description", "Attendees"})
	rows := make([]table.Row, 0, len(list))
	for _, in := range list {
		rows = append(rows, table.Row{
			in.Name,
			in.TriggerTime.UTC().Format("2006-01-02 15:04:05"),
			in.Remaining(now).Round(time.Second).String(),
			in.Description,
			strings.Join(in.Attendees, ", "),
		})
	}
	tw.AppendRows(rows)
	return tw.Render()
}

// codeBlock keeps table columns aligned on platforms that render markdown.
func codeBlock(req *router.Request, s string) string {
	if req.Adapter != nil && req.Adapter.Name() == "discord" {
		return "```\n" + s + "\n```"
	}
	return s
}
