package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
)

const defaultHistory = 10

// Console is the interactive command loop.
type Console struct {
	client *Client
	rl     *readline.Instance
	out    io.Writer
}

// NewConsole creates a console with a readline prompt and tab completion.
func NewConsole(client *Client) (*Console, error) {
	completer := readline.NewPrefixCompleter(
		readline.PcItem("status"),
		readline.PcItem("node"),
		readline.PcItem("start"),
		readline.PcItem("reset-target"),
		readline.PcItem("reset-node"),
		readline.PcItem("history"),
		readline.PcItem("help"),
		readline.PcItem("quit"),
	)
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "zll> ",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Console{client: client, rl: rl, out: rl.Stdout()}, nil
}

// Stdout returns a writer that coordinates with the prompt.
func (c *Console) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Run reads commands until quit, EOF or ctx is done.
func (c *Console) Run(ctx context.Context) {
	defer c.rl.Close()
	c.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			return
		}
		if !c.exec(ctx, line) {
			return
		}
	}
}

// exec runs one command line. It returns false on quit.
func (c *Console) exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var err error
	switch cmd {
	case "help", "?":
		c.printHelp()
	case "status", "s":
		err = c.cmdStatus(ctx)
	case "node", "n":
		err = c.cmdNode(ctx)
	case "start":
		err = c.cmdStart(ctx, false)
	case "reset-target":
		err = c.cmdStart(ctx, true)
	case "reset-node":
		err = c.client.ResetNode(ctx)
		if err == nil {
			fmt.Fprintln(c.out, "Node reset requested")
		}
	case "history", "h":
		err = c.cmdHistory(ctx, args)
	case "quit", "exit", "q":
		return false
	default:
		fmt.Fprintf(c.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}

	switch {
	case errors.Is(err, ErrBusy):
		fmt.Fprintln(c.out, "Busy: a touchlink session is already running")
	case err != nil:
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	return true
}

func (c *Console) printHelp() {
	fmt.Fprintln(c.out, `
ZLL bridge commands:
  status           - Touchlink state and current session
  node             - Local node network and NCP information
  start            - Start touchlink as initiator
  reset-target     - Touchlink and reset the chosen target to factory new
  reset-node       - Reset this bridge's node to factory new
  history [n]      - Show the last n touchlink records (default 10)
  quit             - Exit`)
}

func (c *Console) cmdStatus(ctx context.Context) error {
	st, err := c.client.Status(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "State:   %s\n", st.State)
	fmt.Fprintf(c.out, "IEEE:    %s\n", st.IEEE)
	fmt.Fprintf(c.out, "Channel: %d\n", st.Channel)
	if st.State != "idle" {
		fmt.Fprintf(c.out, "Session: scan channel %d, reset target %v, peer %016X\n",
			st.Session.ScanChannel, st.Session.ResetTarget, st.Session.Peer)
	}
	if st.Target != nil {
		fmt.Fprintf(c.out, "Target:  %016X (lqi %d)\n", st.Target.PeerAddr, st.Target.LinkQuality)
	}
	return nil
}

func (c *Console) cmdNode(ctx context.Context) error {
	info, err := c.client.Node(ctx)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(c.out, "%-16s %v\n", k+":", info[k])
	}
	return nil
}

func (c *Console) cmdStart(ctx context.Context, resetTarget bool) error {
	if err := c.client.Start(ctx, resetTarget); err != nil {
		return err
	}
	if resetTarget {
		fmt.Fprintln(c.out, "Touchlink started (target will be reset)")
	} else {
		fmt.Fprintln(c.out, "Touchlink started")
	}
	return nil
}

func (c *Console) cmdHistory(ctx context.Context, args []string) error {
	limit := defaultHistory
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("usage: history [n]")
		}
		limit = n
	}
	recs, err := c.client.History(ctx, limit)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		fmt.Fprintln(c.out, "No touchlink history")
		return nil
	}
	for _, r := range recs {
		fmt.Fprintf(c.out, "%s  %-14s", r.Time.Local().Format("2006-01-02 15:04:05"), r.Kind)
		if r.Peer != "" {
			fmt.Fprintf(c.out, " peer %s", r.Peer)
		}
		if r.Channel != 0 {
			fmt.Fprintf(c.out, " ch %d pan 0x%04X addr 0x%04X", r.Channel, r.PanID, r.ShortAddr)
		}
		if r.Detail != "" {
			fmt.Fprintf(c.out, " (%s)", r.Detail)
		}
		fmt.Fprintln(c.out)
	}
	return nil
}

// formatEvent renders a streamed event as one line.
func formatEvent(ev Event) string {
	return fmt.Sprintf("[%s] %s", ev.Type, strings.TrimSpace(string(ev.Data)))
}
