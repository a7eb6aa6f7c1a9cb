package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/daemon"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	timeoutFlag := flag.Duration("timeout", 40*time.Second, "request timeout")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fail(err)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeoutFlag)
	defer cancel()

	// Commands that do not need the control API.
	switch args[0] {
	case "sessions":
		cmdSessions(*jsonFlag)
		return
	case "health":
		cmdHealth(ctx, sessionName, *jsonFlag)
		return
	}

	cfg, err := config.LoadSession(session.SessionConfigPath(sessionName))
	if err != nil {
		fail(err)
	}
	c := api.NewClient(cfg.ControlAddr, nil)

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, sessionName, *jsonFlag)
	case "list":
		cmdList(ctx, c, *jsonFlag)
	case "open":
		need(args, 2, "open <conversation-id>")
		cmdOpen(ctx, c, args[1], *jsonFlag)
	case "close":
		check(c.Close(ctx))
	case "send":
		need(args, 3, "send <conversation-id> <text>")
		msg, err := c.Send(ctx, args[1], strings.Join(args[2:], " "))
		check(err)
		if *jsonFlag {
			outputJSON(msg)
			return
		}
		fmt.Printf("Queued %s (%s)\n", msg.ID, msg.Status)
	case "delete":
		need(args, 2, "delete <conversation-id>")
		check(c.Delete(ctx, args[1]))
		fmt.Println("Deleted.")
	case "summarize":
		need(args, 2, "summarize <conversation-id>")
		rec, err := c.Summarize(ctx, args[1])
		check(err)
		if *jsonFlag {
			outputJSON(rec)
			return
		}
		fmt.Printf("%s\n(%d messages)\n", rec.Text, rec.MessageCount)
	case "retry":
		need(args, 2, "retry <client-id>")
		check(c.Retry(ctx, args[1]))
		fmt.Println("Requeued.")
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                 Show daemon and connection status")
	fmt.Fprintln(os.Stderr, "  health                 Query the daemon health service")
	fmt.Fprintln(os.Stderr, "  sessions               List known sessions")
	fmt.Fprintln(os.Stderr, "  list                   List conversations, most recent first")
	fmt.Fprintln(os.Stderr, "  open <id>              Open a conversation and print its messages")
	fmt.Fprintln(os.Stderr, "  close                  Close the open conversation")
	fmt.Fprintln(os.Stderr, "  send <id> <text>       Send a text message")
	fmt.Fprintln(os.Stderr, "  delete <id>            Delete a conversation")
	fmt.Fprintln(os.Stderr, "  summarize <id>         Generate a summary")
	fmt.Fprintln(os.Stderr, "  retry <client-id>      Retry a failed send")
}

func cmdStatus(ctx context.Context, c *api.Client, sessionName string, jsonOut bool) {
	resp, err := c.Status(ctx)
	if err != nil {
		holder, held, perr := lock.Probe(session.Dir(sessionName))
		if perr == nil && !held {
			fail(fmt.Errorf("daemon for session %q is not running", sessionName))
		}
		if perr == nil {
			fail(fmt.Errorf("daemon pid %d holds session %q but the control API is unreachable: %w", holder.PID, sessionName, err))
		}
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Session:    %s\n", resp.Session)
	fmt.Printf("User:       %s\n", resp.UserID)
	fmt.Printf("Connection: %s", resp.Connection)
	if resp.ReconnectAttempts > 0 {
		fmt.Printf(" (attempt %d)", resp.ReconnectAttempts)
	}
	fmt.Println()
	fmt.Printf("Unread:     %d\n", resp.UnreadTotal)
	if resp.OpenConversation != "" {
		fmt.Printf("Open:       %s\n", resp.OpenConversation)
	}
	fmt.Printf("Uptime:     %dms\n", resp.UptimeMs)
}

func cmdList(ctx context.Context, c *api.Client, jsonOut bool) {
	list, err := c.Conversations(ctx)
	check(err)
	if jsonOut {
		outputJSON(list)
		return
	}
	if len(list) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, e := range list {
		unread := ""
		if e.UnreadCount > 0 {
			unread = fmt.Sprintf("(%d)", e.UnreadCount)
		}
		fmt.Printf("%-24s %-6s %s  %s\n", e.ID, unread, e.LastMessageAt.Local().Format("Jan 02 15:04"), e.LastMessage)
	}
}

func cmdOpen(ctx context.Context, c *api.Client, id string, jsonOut bool) {
	w, err := c.Open(ctx, id)
	check(err)
	if jsonOut {
		outputJSON(w)
		return
	}
	for _, m := range w.Messages {
		fmt.Printf("[%s] %s: %s (%s)\n", m.CreatedAt.Local().Format("15:04"), m.SenderID, m.Text, m.Status)
	}
	if w.Warning != "" {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w.Warning)
	}
}

func cmdSessions(jsonOut bool) {
	names, err := session.List()
	check(err)

	type row struct {
		Name          string `json:"name"`
		Path          string `json:"path"`
		DaemonRunning bool   `json:"daemonRunning"`
		PID           int    `json:"pid,omitempty"`
	}
	rows := make([]row, 0, len(names))
	for _, n := range names {
		holder, held, _ := lock.Probe(session.Dir(n))
		r := row{Name: n, Path: session.Dir(n), DaemonRunning: held}
		if held {
			r.PID = holder.PID
		}
		rows = append(rows, r)
	}
	if jsonOut {
		outputJSON(rows)
		return
	}
	if len(rows) == 0 {
		fmt.Println("No sessions found.")
		return
	}
	for _, r := range rows {
		running := "stopped"
		if r.DaemonRunning {
			running = fmt.Sprintf("running, pid %d", r.PID)
		}
		fmt.Printf("%-20s %s (%s)\n", r.Name, r.Path, running)
	}
}

func cmdHealth(ctx context.Context, sessionName string, jsonOut bool) {
	conn, err := grpc.NewClient(
		"unix://"+session.SocketPath(sessionName),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	check(err)
	defer func() { _ = conn.Close() }()

	client := healthpb.NewHealthClient(conn)
	out := map[string]string{}
	for _, svc := range []string{"", daemon.HealthService} {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		check(err)
		name := svc
		if name == "" {
			name = "daemon"
		}
		out[name] = resp.Status.String()
	}
	if jsonOut {
		outputJSON(out)
		return
	}
	fmt.Printf("Daemon:     %s\n", out["daemon"])
	fmt.Printf("Connection: %s\n", out[daemon.HealthService])
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: chatsyncctl %s\n", usage)
		os.Exit(1)
	}
}

func check(err error) {
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
