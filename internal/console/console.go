// Package console is the line-oriented operator interface. It reads commands
// from an io.Reader on its own goroutine and acts on the registry by index.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"bluez-go-home/internal/coordinator"
)

// commandTimeout bounds pair, trust, forget and adapter calls.
const commandTimeout = 60 * time.Second

const prompt = "> "

// Console runs operator commands against a coordinator.
type Console struct {
	coord  *coordinator.Coordinator
	in     io.Reader
	out    io.Writer
	logger *slog.Logger
}

// New creates a console reading commands from in and writing replies to out.
func New(coord *coordinator.Coordinator, in io.Reader, out io.Writer, logger *slog.Logger) *Console {
	return &Console{
		coord:  coord,
		in:     in,
		out:    out,
		logger: logger.With("component", "console"),
	}
}

// Run reads and executes commands until quit, end of input, or ctx is done.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errc <- scanner.Err()
	}()

	fmt.Fprint(c.out, prompt)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-errc:
					if err != nil {
						return fmt.Errorf("read console: %w", err)
					}
				default:
				}
				return nil
			}
			if c.Execute(ctx, line) {
				return nil
			}
			fmt.Fprint(c.out, prompt)
		}
	}
}

// Execute runs one command line. It reports true when the line asks to quit.
func (c *Console) Execute(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "q", "quit", "exit":
		return true
	case "h", "help", "?":
		c.help()
	case "l", "ls", "list":
		c.list()
	case "show":
		c.withIndex(args, c.show)
	case "pair":
		c.withIndex(args, func(i int) {
			c.call(ctx, "pair", func(ctx context.Context) error { return c.coord.PairDevice(ctx, i) })
		})
	case "trust":
		c.withIndex(args, func(i int) {
			c.call(ctx, "trust", func(ctx context.Context) error { return c.coord.TrustDevice(ctx, i) })
		})
	case "forget":
		c.withIndex(args, func(i int) {
			c.call(ctx, "forget", func(ctx context.Context) error { return c.coord.ForgetDevice(ctx, i) })
		})
	case "remove", "rm":
		c.withIndex(args, func(i int) {
			if c.coord.RemoveDevice(i) {
				fmt.Fprintf(c.out, "removed %d\n", i)
			} else {
				fmt.Fprintf(c.out, "no device at index %d\n", i)
			}
		})
	case "clear":
		if c.coord.ClearDevices() {
			fmt.Fprintln(c.out, "registry cleared")
		} else {
			fmt.Fprintln(c.out, "registry already empty")
		}
	case "scan":
		c.withSwitch(args, func(on bool) {
			c.call(ctx, "scan", func(ctx context.Context) error { return c.coord.SetDiscovery(ctx, on) })
		})
	case "power":
		c.withSwitch(args, func(on bool) {
			c.call(ctx, "power", func(ctx context.Context) error { return c.coord.SetPowered(ctx, on) })
		})
	case "actions":
		c.actions(args)
	default:
		fmt.Fprintf(c.out, "unknown command %q, try help\n", cmd)
	}
	return false
}

func (c *Console) help() {
	fmt.Fprint(c.out, `commands:
  list               list devices
  show N             print device N
  pair N             pair device N
  trust N            trust device N
  forget N           remove device N from the adapter and the registry
  remove N           drop device N from the registry only
  clear              empty the registry
  scan on|off        start or stop discovery
  power on|off       power the adapter
  actions [N]        last N journaled actions (default 10)
  quit               exit the console
`)
}

func (c *Console) list() {
	entries := c.coord.Snapshot()
	if len(entries) == 0 {
		fmt.Fprintln(c.out, "no devices")
		return
	}

	db := c.coord.DeviceDB()
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tADDRESS\tNAME\tRSSI\tPAIRED\tTRUSTED\tCONNECTED")
	for _, e := range entries {
		name := e.Alias
		if d, ok := c.coord.Registry().GetByPath(e.Path); ok {
			name = db.FriendlyName(d)
		}
		rssi := "-"
		if e.RSSI != nil {
			rssi = strconv.Itoa(int(*e.RSSI))
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Index, orDash(e.Address), orDash(name), rssi, yesNo(e.Paired), yesNo(e.Trusted), yesNo(e.Connected))
	}
	w.Flush()
}

func (c *Console) show(index int) {
	d, ok := c.coord.Registry().GetByIndex(index)
	if !ok {
		fmt.Fprintf(c.out, "no device at index %d\n", index)
		return
	}
	db := c.coord.DeviceDB()
	fmt.Fprint(c.out, d.String())
	fmt.Fprintf(c.out, "Friendly:  %s\n", db.FriendlyName(d))
	for _, u := range d.ServiceUUIDs {
		if name := db.ServiceName(u); name != u {
			fmt.Fprintf(c.out, "Service:   %s\n", name)
		}
	}
}

func (c *Console) actions(args []string) {
	limit := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			fmt.Fprintf(c.out, "invalid count %q\n", args[0])
			return
		}
		limit = n
	}
	recs, err := c.coord.Store().ListActions(limit)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tTRIGGER\tADDRESS\tRESULT")
	for _, r := range recs {
		result := "ok"
		if !r.OK {
			result = r.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.Time.Format(time.TimeOnly), r.Action, r.Trigger, orDash(r.Address), result)
	}
	w.Flush()
}

// call runs a daemon call with the command timeout and reports the outcome.
func (c *Console) call(ctx context.Context, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		c.logger.Debug("command failed", "cmd", name, "err", err)
		fmt.Fprintf(c.out, "%s failed: %v\n", name, err)
		return
	}
	fmt.Fprintf(c.out, "%s ok\n", name)
}

func (c *Console) withIndex(args []string, fn func(int)) {
	if len(args) != 1 {
		fmt.Fprintln(c.out, "usage: <command> N")
		return
	}
	i, err := strconv.Atoi(args[0])
	if err != nil || i < 0 {
		fmt.Fprintf(c.out, "invalid index %q\n", args[0])
		return
	}
	fn(i)
}

func (c *Console) withSwitch(args []string, fn func(bool)) {
	if len(args) == 1 {
		switch strings.ToLower(args[0]) {
		case "on":
			fn(true)
			return
		case "off":
			fn(false)
			return
		}
	}
	fmt.Fprintln(c.out, "usage: <command> on|off")
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
