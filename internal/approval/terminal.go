package approval

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"loom/internal/logging"
)

// Terminal prompts the operator on the tty. Useful when loom runs next to a
// human; servers use Broker or Auto instead.
type Terminal struct {
	timeout time.Duration
	in      io.Reader
	out     io.Writer
	logger  logging.Logger
}

var _ Approver = (*Terminal)(nil)

// NewTerminal builds a tty approver reading stdin.
func NewTerminal(timeout time.Duration, logger logging.Logger) *Terminal {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Terminal{timeout: timeout, in: os.Stdin, out: os.Stdout, logger: logging.OrNop(logger)}
}

func (t *Terminal) Request(ctx context.Context, req Request) (Decision, error) {
	yellow := color.New(color.FgYellow, color.Bold).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()

	fmt.Fprintf(t.out, "\n%s\n", yellow("Tool execution requires approval"))
	fmt.Fprintf(t.out, "  tool: %s\n", cyan(req.Tool))
	if len(req.Arguments) > 0 {
		args, _ := json.MarshalIndent(req.Arguments, "  ", "  ")
		fmt.Fprintf(t.out, "  arguments: %s\n", string(args))
	}
	if req.Preview != "" {
		fmt.Fprintf(t.out, "  %s\n", req.Preview)
	}
	fmt.Fprintf(t.out, "%s ", yellow("Allow? [y/N]"))

	answerChan := make(chan string, 1)
	errChan := make(chan error, 1)
	go func() {
		reader := bufio.NewReader(t.in)
		line, err := reader.ReadString('\n')
		if err != nil {
			errChan <- err
			return
		}
		answerChan <- strings.ToLower(strings.TrimSpace(line))
	}()

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case answer := <-answerChan:
		switch answer {
		case "y", "yes":
			return Decision{Approved: true, Reason: "approved at terminal"}, nil
		default:
			return Decision{Approved: false, Reason: "denied at terminal"}, nil
		}
	case err := <-errChan:
		return Decision{}, fmt.Errorf("read approval answer: %w", err)
	case <-timer.C:
		fmt.Fprintln(t.out)
		return Decision{}, ErrTimeout
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}
