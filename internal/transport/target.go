package transport

import (
	"context"

	"golang.org/x/time/rate"
)

// ChannelTarget sends to one chat through an Adapter. It satisfies the
// scheduler's Target interface.
type ChannelTarget struct {
	Adapter Adapter
	To      ChatTarget
	Options *SendOptions
	// Limiter, when set, is shared by all targets of one adapter so bursts of
	// fired events stay under the platform's rate limit.
	Limiter *rate.Limiter
}

func (t ChannelTarget) Send(ctx context.Context, text string) error {
	if t.Limiter != nil {
		if err := t.Limiter.Wait(ctx); err != nil {
			return err
		}
	}
	_, err := t.Adapter.SendText(ctx, t.To, text, t.Options)
	return err
}
