package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"goa.design/agentloop/runtime/agent/api"
	"goa.design/agentloop/runtime/agent/runtime"
)

const chatHelp = `Commands:
  /refresh <namespace>  rediscover the tools of a namespace before the next turn
  /history              print the conversation so far
  /status               print the orchestrator state
  /end                  end the session and print the transcript
  /help                 print this help
Anything else is sent to the agent. End of input leaves the session open.`

func newChatCmd(a *app) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a session from the terminal",
		Long: "Start or resume a session and submit each input line to it. With the inmem engine the session runs " +
			"in this process; with the temporal engine it runs on the orchestrator workers.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			w, err := wireRuntime(ctx, a.cfg, a.cfg.Engine == engineInmem)
			if err != nil {
				return err
			}
			defer w.Close()
			if sessionID == "" {
				sessionID = "chat-" + uuid.NewString()
			}
			if err := w.runtime.Start(ctx, sessionID); err != nil {
				return err
			}
			c := &chat{rt: w.runtime, id: sessionID, out: cmd.OutOrStdout()}
			return c.run(ctx, cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session to start or resume (default a new session)")
	return cmd
}

// chat is one interactive loop over a session.
type chat struct {
	rt  *runtime.Runtime
	id  string
	out io.Writer
}

func (c *chat) run(ctx context.Context, in io.Reader) error {
	c.printf("Session %s. Type /help for commands.\n", c.id)
	sc := bufio.NewScanner(in)
	for {
		c.printf("> ")
		if !sc.Scan() {
			break
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		done, err := c.handle(ctx, line)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}
	c.printf("\nSession %s is still open; resume it with --session %s\n", c.id, c.id)
	return nil
}

// handle processes one input line and reports whether the session ended.
func (c *chat) handle(ctx context.Context, line string) (bool, error) {
	if !strings.HasPrefix(line, "/") {
		reply, err := c.rt.Submit(ctx, c.id, line)
		if err != nil {
			return false, err
		}
		c.printReply(reply)
		return false, nil
	}
	command, arg, _ := strings.Cut(line, " ")
	switch command {
	case "/refresh":
		ns := strings.TrimSpace(arg)
		if ns == "" {
			c.printf("usage: /refresh <namespace>\n")
			return false, nil
		}
		if err := c.rt.SignalRefresh(ctx, c.id, ns); err != nil {
			return false, err
		}
		c.printf("Refresh of %s requested; it applies at the next turn.\n", ns)
	case "/history":
		msgs, err := c.rt.History(ctx, c.id)
		if err != nil {
			return false, err
		}
		for _, m := range msgs {
			c.printf("[%d] %s: %s\n", m.Turn, m.Role, m.Content)
		}
	case "/status":
		st, err := c.rt.Status(ctx, c.id)
		if err != nil {
			return false, err
		}
		c.printf("state=%s turn=%d queued=%d closing=%t\n", st.State, st.Turn, st.Queued, st.Closing)
	case "/end":
		t, err := c.rt.Close(ctx, c.id)
		if err != nil {
			return false, err
		}
		printTranscript(c.out, t)
		return true, nil
	case "/help":
		c.printf("%s\n", chatHelp)
	default:
		c.printf("unknown command %s, type /help\n", command)
	}
	return false, nil
}

func (c *chat) printReply(r *api.Reply) {
	c.printf("%s\n", r.Message)
	for _, te := range r.ToolErrors {
		c.printf("  (tool error %s: %s)\n", te.Code, te.Message)
	}
	if r.Error != nil {
		c.printf("  (turn %d ended with %s)\n", r.Turn, r.Error.Code)
	}
}

func (c *chat) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.out, format, args...)
}

func printTranscript(w io.Writer, t *api.Transcript) {
	_, _ = fmt.Fprintf(w, "Session %s ended after %d turns.\n", t.SessionID, t.Turns)
	if t.Text != "" {
		_, _ = fmt.Fprintf(w, "%s\n", t.Text)
	}
}
