// File: cmd/confirmer.go
package cmd

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/wayfindlabs/wayfind/internal/agent"
)

// consoleConfirmer resolves the two human-in-the-loop decision points over a
// terminal. In non-interactive mode every prompt is declined, which the
// control loop turns into the matching failure-class stop.
type consoleConfirmer struct {
	interactive bool
	in          *bufio.Reader
	out         io.Writer
}

func newConsoleConfirmer(interactive bool, in io.Reader, out io.Writer) *consoleConfirmer {
	return &consoleConfirmer{
		interactive: interactive,
		in:          bufio.NewReader(in),
		out:         out,
	}
}

var _ agent.Confirmer = (*consoleConfirmer)(nil)

func (c *consoleConfirmer) Interactive() bool { return c.interactive }

func (c *consoleConfirmer) ConfirmAction(action agent.Action, reason string) bool {
	if !c.interactive {
		return false
	}
	fmt.Fprintf(c.out, "\nThe next action was flagged for confirmation.\n")
	fmt.Fprintf(c.out, "  action:  %s\n", action.Type)
	if action.ElementID != nil {
		fmt.Fprintf(c.out, "  element: %d\n", *action.ElementID)
	}
	if action.Value != "" {
		fmt.Fprintf(c.out, "  value:   %s\n", action.Value)
	}
	fmt.Fprintf(c.out, "  reason:  %s\n", reason)
	return c.prompt("Proceed? [y/N]: ")
}

func (c *consoleConfirmer) ConfirmCompletion(q agent.CompletionQuery) bool {
	if !c.interactive {
		return false
	}
	fmt.Fprintf(c.out, "\nThe agent believes the goal may be complete.\n")
	fmt.Fprintf(c.out, "  goal:  %s\n", q.Goal)
	fmt.Fprintf(c.out, "  page:  %s (%s)\n", q.Title, q.URL)
	if len(q.Evidence) > 0 {
		fmt.Fprintf(c.out, "  signals: %s\n", strings.Join(q.Evidence, ", "))
	}
	return c.prompt("Is the goal done? [y/N]: ")
}

func (c *consoleConfirmer) prompt(question string) bool {
	fmt.Fprint(c.out, question)
	line, err := c.in.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}
