// Package stream turns an incremental model response into a growing text
// buffer with progress callbacks. It owns the safety window for silent
// streams and, for the single-shot path, the one point per turn where the
// finished text is checked for a tool call.
package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"loom/internal/llm"
	"loom/internal/logging"
	"loom/internal/toolcall"
	"loom/internal/tools"
	"loom/pkg/types"
)

// ErrStreamTimeout reports a stream that went silent for longer than the
// safety window. Distinct from a clean done with empty content.
var ErrStreamTimeout = errors.New("stream produced no data within the safety window")

const defaultIdleTimeout = 30 * time.Second

// ProgressFunc receives the full accumulated content after every frame.
type ProgressFunc func(content string)

// Result is the outcome of one ingested stream.
type Result struct {
	// Content is the final text, including the formatted tool result block
	// when a tool ran.
	Content    string
	Model      string
	StopReason string
	// ToolUsed and ToolResult are set when the finished text requested a
	// tool and the executor ran it.
	ToolUsed   string
	ToolResult *types.ToolResult
}

// Options tunes an Ingestor.
type Options struct {
	// IdleTimeout is the safety window: if no frame arrives for this long
	// the stream is abandoned with ErrStreamTimeout. The window re-arms on
	// every frame.
	IdleTimeout time.Duration
}

// Ingestor drives one streaming completion at a time. It is stateless
// between calls and safe for concurrent use.
type Ingestor struct {
	client      llm.Client
	executor    tools.Executor
	idleTimeout time.Duration
	logger      logging.Logger
}

// NewIngestor builds an Ingestor. executor may be nil, in which case tool
// calls in the finished text are left untouched for the caller.
func NewIngestor(client llm.Client, executor tools.Executor, opts Options, logger logging.Logger) *Ingestor {
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleTimeout
	}
	return &Ingestor{
		client:      client,
		executor:    executor,
		idleTimeout: idle,
		logger:      logging.OrNop(logger),
	}
}

// Ingest runs the streaming request to completion, invoking onProgress after
// each frame with the full content so far. On the done frame the finished
// text is checked once for a tool call; if one is found and an executor is
// wired, the tool runs and its result block is appended to the content.
//
// Cancellation and timeouts return the partial content accumulated so far
// alongside the error so callers can persist what the user already saw.
func (i *Ingestor) Ingest(ctx context.Context, req llm.Request, onProgress ProgressFunc) (*Result, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan llm.Frame)
	errCh := make(chan error, 1)
	go func() {
		_, err := i.client.Stream(streamCtx, req, func(f llm.Frame) error {
			select {
			case frames <- f:
				return nil
			case <-streamCtx.Done():
				return streamCtx.Err()
			}
		})
		errCh <- err
	}()

	var (
		buf        strings.Builder
		result     Result
		doneFrame  bool
		frameCount int
	)
	idle := time.NewTimer(i.idleTimeout)
	defer idle.Stop()

	for !doneFrame {
		select {
		case f := <-frames:
			frameCount++
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(i.idleTimeout)

			if f.Content != "" {
				buf.WriteString(f.Content)
				if onProgress != nil {
					onProgress(buf.String())
				}
			}
			if f.Model != "" {
				result.Model = f.Model
			}
			if f.Done {
				result.StopReason = f.DoneReason
				doneFrame = true
			}

		case <-idle.C:
			cancel()
			<-errCh
			result.Content = buf.String()
			i.logger.Warn("stream silent for %s after %d frames, giving up", i.idleTimeout, frameCount)
			return &result, fmt.Errorf("%w (idle for %s)", ErrStreamTimeout, i.idleTimeout)

		case <-ctx.Done():
			cancel()
			<-errCh
			result.Content = buf.String()
			return &result, ctx.Err()

		case err := <-errCh:
			result.Content = buf.String()
			if err != nil {
				return &result, err
			}
			// Stream ended without a done frame; the client normally
			// synthesizes one, so treat this as done with what we have.
			doneFrame = true
			errCh = nil
		}
	}

	if errCh != nil {
		if err := <-errCh; err != nil {
			result.Content = buf.String()
			return &result, err
		}
	}

	result.Content = i.reconcileToolCall(ctx, buf.String(), onProgress, &result)
	return &result, nil
}

// reconcileToolCall is the single point per turn where the finished text is
// checked for a tool request. The tool-call block is stripped from the
// visible text and replaced with the formatted result.
func (i *Ingestor) reconcileToolCall(ctx context.Context, text string, onProgress ProgressFunc, result *Result) string {
	call, found := toolcall.Extract(text)
	if !found || i.executor == nil {
		return text
	}

	display := strings.TrimSpace(toolcall.Strip(text))
	i.logger.Info("finished stream requested tool %s", call.Name)

	res := i.executor.Execute(ctx, *call)
	result.ToolUsed = call.Name
	result.ToolResult = &res

	final := display + FormatObservation(call.Name, res.Observation())
	if onProgress != nil {
		onProgress(final)
	}
	return final
}

// FormatObservation renders a tool outcome as the block appended to agent
// messages.
func FormatObservation(toolName, observation string) string {
	return fmt.Sprintf("\n\n[tool: %s]\n%s", toolName, observation)
}
