package middleware

import (
	"context"
	"time"

	"deepresearch/chatmodel"
)

// DefaultChatTimeout bounds a single LLM call when the Timeout middleware is
// constructed with a non-positive duration.
const DefaultChatTimeout = 120 * time.Second

type timeoutClient struct {
	next    chatmodel.Client
	timeout time.Duration
}

// Timeout returns a chatmodel.Client decorator that bounds every Chat call
// to d (DefaultChatTimeout when d <= 0). A caller-supplied deadline shorter
// than d still wins; context.WithTimeout never extends an existing deadline.
func Timeout(d time.Duration) func(chatmodel.Client) chatmodel.Client {
	if d <= 0 {
		d = DefaultChatTimeout
	}
	return func(next chatmodel.Client) chatmodel.Client {
		if next == nil {
			return nil
		}
		return &timeoutClient{next: next, timeout: d}
	}
}

func (c *timeoutClient) Chat(ctx context.Context, req chatmodel.ChatRequest) (chatmodel.ChatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.next.Chat(ctx, req)
}
