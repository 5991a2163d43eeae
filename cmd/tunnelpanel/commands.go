package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/loykin/tunnelpanel/pkg/client"
)

// command runs the client-side subcommands against the daemon API.
type command struct {
	flags *GlobalFlags
	out   io.Writer
}

func (c command) client() (*client.Client, error) {
	u, err := apiURL(c.flags)
	if err != nil {
		return nil, err
	}
	return client.New(client.Config{BaseURL: u, Timeout: c.flags.APITimeout}), nil
}

func (c command) Start(ctx context.Context, name string) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	pid, err := cl.Start(ctx, name)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		printJSON(c.out, client.StartResponse{Success: true, PID: pid})
		return nil
	}
	_, _ = fmt.Fprintf(c.out, "tunnel started (pid %d)\n", pid)
	return nil
}

func (c command) Stop(ctx context.Context) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	if err := cl.Stop(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "tunnel stopped")
	return nil
}

func (c command) Restart(ctx context.Context, f RestartFlags) error {
	if f.MaxRetries < 0 || f.RetryDelay < 0 {
		return errors.New("--max-retries and --retry-delay must not be negative")
	}
	cl, err := c.client()
	if err != nil {
		return err
	}
	res, err := cl.Restart(ctx, client.RestartRequest{Name: f.Name, MaxRetries: f.MaxRetries, RetryDelay: f.RetryDelay})
	if err != nil {
		return err
	}
	if c.flags.JSON {
		printJSON(c.out, res)
		return nil
	}
	_, _ = fmt.Fprintf(c.out, "tunnel restarted (pid %d, attempt %d)\n", res.PID, res.Attempt)
	return nil
}

func (c command) Status(ctx context.Context) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	st, err := cl.Status(ctx)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		printJSON(c.out, st)
		return nil
	}
	switch {
	case st.Restarting:
		_, _ = fmt.Fprintln(c.out, "restarting")
	case st.Running:
		_, _ = fmt.Fprintf(c.out, "running (pid %d)\n", st.PID)
	default:
		_, _ = fmt.Fprintln(c.out, "stopped")
	}
	return nil
}

// errStreamDone ends a non-follow logs stream at the tunnel's exit.
var errStreamDone = errors.New("stream done")

func (c command) Logs(ctx context.Context, f LogsFlags) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	err = cl.Follow(ctx, func(e client.Event) error {
		if c.flags.JSON {
			printJSON(c.out, e)
		} else if e.Type == "exit" {
			code := -1
			if e.Code != nil {
				code = *e.Code
			}
			_, _ = fmt.Fprintf(c.out, "[exit] code=%d\n", code)
		} else {
			_, _ = fmt.Fprintf(c.out, "[%s] %s\n", e.Type, e.Message)
		}
		if e.Type == "exit" && !f.Follow {
			return errStreamDone
		}
		return nil
	})
	if errors.Is(err, errStreamDone) {
		return nil
	}
	return err
}

func (c command) ConfigShow(ctx context.Context) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	doc, err := cl.Config(ctx)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		printJSON(c.out, doc)
		return nil
	}
	if !doc.Exists {
		_, _ = fmt.Fprintf(c.out, "# %s does not exist\n", doc.Path)
		return nil
	}
	_, _ = fmt.Fprintf(c.out, "# %s\n%s", doc.Path, doc.Raw)
	return nil
}

func (c command) IngressList(ctx context.Context, probe bool) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	items, err := cl.Ingress(ctx, probe)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		printJSON(c.out, items)
		return nil
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "HOSTNAME\tSERVICE\tSTATUS\tLOCAL\tDNS")
	for _, it := range items {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", it.Hostname, it.Service, it.Status, dash(it.LocalStatus), dash(it.DNSStatus))
	}
	return tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func (c command) DNSRoute(ctx context.Context, hostname string, f RouteFlags) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	res, err := cl.RouteDNS(ctx, client.RouteRequest{TunnelID: f.TunnelID, Hostname: hostname, Overwrite: f.Overwrite})
	if err != nil {
		return err
	}
	if c.flags.JSON {
		printJSON(c.out, res)
	} else if res.Success {
		_, _ = fmt.Fprintln(c.out, res.Message)
	}
	if !res.Success {
		return fmt.Errorf("route %s: %s", hostname, res.Error)
	}
	return nil
}

func (c command) DNSCheck(ctx context.Context, hostname string) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	res, err := cl.CheckDNS(ctx, hostname)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		printJSON(c.out, res)
		return nil
	}
	if !res.Resolved {
		_, _ = fmt.Fprintf(c.out, "%s: not resolved (%s)\n", hostname, res.Error)
		return nil
	}
	_, _ = fmt.Fprintf(c.out, "%s: %v tunnel=%t\n", hostname, res.Addresses, res.IsTunnel)
	return nil
}

func (c command) PortCheck(ctx context.Context, portArg string, f PortFlags) error {
	port, err := strconv.Atoi(portArg)
	if err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %q", portArg)
	}
	cl, err := c.client()
	if err != nil {
		return err
	}
	if f.Listening {
		l, err := cl.Listening(ctx, port)
		if err != nil {
			return err
		}
		if c.flags.JSON {
			printJSON(c.out, l)
		} else if l.Listening {
			_, _ = fmt.Fprintf(c.out, "port %d: listening (%s, pid %d)\n", port, l.Process, l.PID)
		} else {
			_, _ = fmt.Fprintf(c.out, "port %d: not listening\n", port)
		}
		return nil
	}
	ok, err := cl.CheckPort(ctx, f.Host, port)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		printJSON(c.out, map[string]bool{"reachable": ok})
		return nil
	}
	_, _ = fmt.Fprintf(c.out, "%s:%d reachable=%t\n", f.Host, port, ok)
	return nil
}

func (c command) Tunnels(ctx context.Context) error {
	cl, err := c.client()
	if err != nil {
		return err
	}
	tunnels, err := cl.Tunnels(ctx)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		printJSON(c.out, tunnels)
		return nil
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tNAME\tCREATED\tCONNECTIONS")
	for _, t := range tunnels {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", t.ID, t.Name, t.CreatedAt.Format("2006-01-02"), len(t.Connections))
	}
	return tw.Flush()
}

func (c command) History(ctx context.Context, f HistoryFlags) error {
	if f.Limit <= 0 {
		return errors.New("--limit must be positive")
	}
	cl, err := c.client()
	if err != nil {
		return err
	}
	events, err := cl.History(ctx, f.Limit)
	if err != nil {
		return err
	}
	if c.flags.JSON {
		printJSON(c.out, events)
		return nil
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TIME\tEVENT\tNAME\tPID\tDETAIL")
	for _, e := range events {
		detail := e.Record.Error
		if detail == "" && e.Record.Attempt > 0 {
			detail = "attempt " + strconv.Itoa(e.Record.Attempt)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", e.OccurredAt.Local().Format("2006-01-02 15:04:05"), e.Type, e.Record.Name, e.Record.PID, dash(detail))
	}
	return tw.Flush()
}
