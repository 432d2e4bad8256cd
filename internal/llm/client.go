package llm

import "context"

// Client is the chat backend contract the rest of loom depends on.
//
// Stream delivers frames through onFrame in arrival order on the calling
// goroutine; returning an error from onFrame aborts the stream with that
// error. Both Complete and Stream honor ctx cancellation between network
// reads.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request, onFrame func(Frame) error) (*Response, error)
	Models(ctx context.Context) ([]string, error)
}
