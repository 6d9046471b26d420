package transport

import "context"

type UpdateKind string

const (
	UpdateMessage UpdateKind = "message"
)

type Update struct {
	Kind    UpdateKind
	Message *Message
}

type Message struct {
	ID       string
	ChatID   int64
	ThreadID int // telegram forum topic thread id (0 if none)
	FromID   int64
	FromName string
	Text     string
	GuildID  string // discord guild ("" for DMs and telegram)
}

// Chat returns the target that replies to m should go to.
func (m *Message) Chat() ChatTarget {
	if m == nil {
		return ChatTarget{}
	}
	return ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

func (t ChatTarget) IsZero() bool { return t.ChatID == 0 }

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID string
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

type Notification struct {
	Channel  string // adapter name ("discord", "telegram")
	Priority int    // 0 low.. 10 high
	Target   ChatTarget
	Text     string
	Options  *SendOptions
}

// Adapter is a chat platform connection: it feeds incoming messages into out
// and delivers outgoing text.
type Adapter interface {
	Name() string
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
}

// BotCommand is one entry of a platform's command menu.
type BotCommand struct {
	Command     string
	Description string
}

// MenuSetter is implemented by adapters that can publish a command menu.
type MenuSetter interface {
	SetCommands(ctx context.Context, cmds []BotCommand) error
}
