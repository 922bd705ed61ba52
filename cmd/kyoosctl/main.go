package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/siawfish/kyoos-sub001/internal/client"
	"github.com/siawfish/kyoos-sub001/internal/config"
	"github.com/siawfish/kyoos-sub001/internal/credential"
	"github.com/siawfish/kyoos-sub001/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	// Commands that do not need a running daemon.
	switch args[0] {
	case "use":
		need(args, 2, "use <session>")
		cmdUse(args[1])
		return
	case "login":
		cmdLogin(sessionName, args[1:])
		return
	case "logout":
		cmdLogout(sessionName)
		return
	case "start":
		cmdStart(sessionName)
		return
	}

	c, err := client.New(sessionName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach daemon for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	if args[0] == "events" {
		prefix := ""
		if len(args) > 1 {
			prefix = args[1]
		}
		cmdEvents(c, prefix, *jsonFlag)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "connect":
		cmdPost(ctx, c, "/connect", nil, *jsonFlag)
	case "disconnect":
		cmdPost(ctx, c, "/disconnect", nil, *jsonFlag)
	case "conversations":
		cmdConversations(ctx, c, *jsonFlag)
	case "messages":
		need(args, 2, "messages <conversation-id>")
		cmdMessages(ctx, c, args[1], *jsonFlag)
	case "send":
		need(args, 3, "send <conversation-id> <text>")
		body := map[string]any{"content": strings.Join(args[2:], " ")}
		cmdPost(ctx, c, "/conversations/"+url.PathEscape(args[1])+"/messages", body, *jsonFlag)
	case "join", "leave", "read":
		need(args, 2, args[0]+" <conversation-id>")
		cmdPost(ctx, c, "/conversations/"+url.PathEscape(args[1])+"/"+args[0], nil, *jsonFlag)
	case "retry":
		need(args, 2, "retry <message-id>")
		cmdPost(ctx, c, "/messages/"+url.PathEscape(args[1])+"/retry", nil, *jsonFlag)
	case "discard":
		need(args, 2, "discard <message-id>")
		do(ctx, c, http.MethodDelete, "/messages/"+url.PathEscape(args[1]), nil, *jsonFlag)
	case "edit":
		need(args, 3, "edit <message-id> <text>")
		body := map[string]any{"content": strings.Join(args[2:], " ")}
		do(ctx, c, http.MethodPatch, "/messages/"+url.PathEscape(args[1]), body, *jsonFlag)
	case "delete":
		need(args, 2, "delete <message-id>")
		cmdPost(ctx, c, "/messages/"+url.PathEscape(args[1])+"/delete", nil, *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: kyoosctl [--session <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  use <session>              Make a session the default")
	fmt.Fprintln(os.Stderr, "  start                      Start the daemon if it is not running")
	fmt.Fprintln(os.Stderr, "  login [token]              Store the bearer token (reads stdin when omitted)")
	fmt.Fprintln(os.Stderr, "  logout                     Remove the stored token")
	fmt.Fprintln(os.Stderr, "  status                     Show connection status")
	fmt.Fprintln(os.Stderr, "  connect | disconnect       Open or close the server connection")
	fmt.Fprintln(os.Stderr, "  conversations              List conversations")
	fmt.Fprintln(os.Stderr, "  messages <conv>            List messages of a conversation")
	fmt.Fprintln(os.Stderr, "  send <conv> <text>         Send a message")
	fmt.Fprintln(os.Stderr, "  join | leave <conv>        Open or close a conversation room")
	fmt.Fprintln(os.Stderr, "  read <conv>                Mark a conversation read")
	fmt.Fprintln(os.Stderr, "  retry | discard <msg>      Resend or drop a failed message")
	fmt.Fprintln(os.Stderr, "  edit <msg> <text>          Edit a sent message")
	fmt.Fprintln(os.Stderr, "  delete <msg>               Delete a sent message")
	fmt.Fprintln(os.Stderr, "  events [prefix]            Follow the event stream")
}

func need(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: kyoosctl %s\n", usage)
		os.Exit(1)
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

type statusView struct {
	Session     string    `json:"session"`
	State       string    `json:"state"`
	Since       time.Time `json:"since"`
	ConnID      string    `json:"connId,omitempty"`
	Retries     int       `json:"retries,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
	Rooms       []string  `json:"rooms"`
	PendingAcks int       `json:"pendingAcks"`
	UptimeMs    int64     `json:"uptimeMs"`
	Serving     bool      `json:"serving"`
}

func cmdStatus(ctx context.Context, c *client.Client, jsonOut bool) {
	var st statusView
	if err := c.Do(ctx, http.MethodGet, "/status", nil, &st); err != nil {
		fail(err)
	}
	serving, err := c.Serving(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: health check failed: %v\n", err)
	}
	st.Serving = serving
	if jsonOut {
		outputJSON(st)
		return
	}
	fmt.Printf("Session: %s\n", st.Session)
	fmt.Printf("State:   %s (since %s)\n", st.State, st.Since.Local().Format(time.Kitchen))
	if st.ConnID != "" {
		fmt.Printf("Conn:    %s\n", st.ConnID)
	}
	if st.LastError != "" {
		fmt.Printf("Error:   %s\n", st.LastError)
	}
	fmt.Printf("Rooms:   %s\n", strings.Join(st.Rooms, ", "))
	fmt.Printf("Pending: %d\n", st.PendingAcks)
	fmt.Printf("Uptime:  %dms\n", st.UptimeMs)
}

func cmdPost(ctx context.Context, c *client.Client, path string, body any, jsonOut bool) {
	do(ctx, c, http.MethodPost, path, body, jsonOut)
}

func do(ctx context.Context, c *client.Client, method, path string, body any, jsonOut bool) {
	var out json.RawMessage
	if err := c.Do(ctx, method, path, body, &out); err != nil {
		fail(err)
	}
	if len(out) == 0 {
		if !jsonOut {
			fmt.Println("OK")
		}
		return
	}
	if jsonOut {
		outputJSON(out)
		return
	}
	var m struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		State  string `json:"state"`
	}
	_ = json.Unmarshal(out, &m)
	switch {
	case m.ID != "":
		fmt.Printf("%s %s\n", m.ID, m.Status)
	case m.State != "":
		fmt.Printf("State: %s\n", m.State)
	default:
		fmt.Println("OK")
	}
}

type conversationView struct {
	ID                 string     `json:"id"`
	LastMessagePreview string     `json:"lastMessagePreview"`
	LastMessageAt      *time.Time `json:"lastMessageAt"`
	UnreadCount        int        `json:"unreadCount"`
	Joined             bool       `json:"joined"`
}

func cmdConversations(ctx context.Context, c *client.Client, jsonOut bool) {
	var resp struct {
		Conversations []conversationView `json:"conversations"`
		HasMore       bool               `json:"hasMore"`
	}
	if err := c.Do(ctx, http.MethodGet, "/conversations?limit=100", nil, &resp); err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	if len(resp.Conversations) == 0 {
		fmt.Println("No conversations.")
		return
	}
	for _, cv := range resp.Conversations {
		open := " "
		if cv.Joined {
			open = "*"
		}
		fmt.Printf("%s %-36s %3d  %s\n", open, cv.ID, cv.UnreadCount, cv.LastMessagePreview)
	}
}

type messageView struct {
	ID       string    `json:"id"`
	SenderID string    `json:"senderId"`
	Content  string    `json:"content"`
	SentAt   time.Time `json:"sentAt"`
	Status   string    `json:"status"`
}

func cmdMessages(ctx context.Context, c *client.Client, conversationID string, jsonOut bool) {
	var resp struct {
		Messages []messageView `json:"messages"`
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages?limit=50"
	if err := c.Do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		fail(err)
	}
	if jsonOut {
		outputJSON(resp)
		return
	}
	for _, m := range resp.Messages {
		fmt.Printf("[%s] %-12s %-9s %s\n", m.SentAt.Local().Format("15:04:05"), m.SenderID, m.Status, m.Content)
	}
}

func cmdEvents(c *client.Client, prefix string, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := c.Events(ctx, prefix, func(e client.Event) error {
		if jsonOut {
			outputJSON(e)
			return nil
		}
		fmt.Printf("%s %-24s %s\n", time.UnixMilli(e.OccurredAtUnixMs).Format("15:04:05.000"), e.Kind, e.Payload)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		fail(err)
	}
}

func credentialWriter(sessionName string) (credential.Writer, config.Settings, func() error) {
	s, err := config.LoadSettings(session.SettingsPath(sessionName), session.EnvPath(sessionName))
	if err != nil {
		fail(err)
	}
	store, closeFn, err := credential.Open(credential.Options{
		Backend:   s.Credential.Backend,
		File:      session.CredentialsPath(sessionName),
		EnvFile:   session.EnvPath(sessionName),
		RedisURL:  s.Credential.RedisURL,
		Namespace: sessionName,
	})
	if err != nil {
		fail(err)
	}
	w, ok := store.(credential.Writer)
	if !ok {
		fail(fmt.Errorf("credential backend %q is read-only; set %s instead", s.Credential.Backend, credential.EnvName(s.Credential.Key)))
	}
	return w, s, closeFn
}

func cmdLogin(sessionName string, args []string) {
	if err := session.EnsureDir(sessionName); err != nil {
		fail(err)
	}
	token := ""
	if len(args) > 0 {
		token = args[0]
	} else {
		fmt.Fprint(os.Stderr, "token: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fail(err)
		}
		token = strings.TrimSpace(line)
	}
	if token == "" {
		fail(errors.New("empty token"))
	}
	w, s, closeFn := credentialWriter(sessionName)
	defer func() { _ = closeFn() }()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.Set(ctx, s.Credential.Key, token); err != nil {
		fail(err)
	}
	fmt.Println("Token stored.")
}

func cmdLogout(sessionName string) {
	w, s, closeFn := credentialWriter(sessionName)
	defer func() { _ = closeFn() }()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.Delete(ctx, s.Credential.Key); err != nil {
		fail(err)
	}
	fmt.Println("Token removed.")
}

func cmdUse(name string) {
	if err := session.ValidateName(name); err != nil {
		fail(err)
	}
	if err := config.SetDefaultSession(session.ConfigPath(), name); err != nil {
		fail(err)
	}
	fmt.Printf("Default session is now %q.\n", name)
}

// cmdStart launches kyoosd in the background and waits for its API.
func cmdStart(sessionName string) {
	if probeDaemon(sessionName) {
		fmt.Println("Daemon already running.")
		return
	}
	if err := startDaemon(sessionName); err != nil {
		fail(fmt.Errorf("failed to start daemon: %w", err))
	}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if probeDaemon(sessionName) {
			fmt.Println("Daemon started.")
			return
		}
		time.Sleep(300 * time.Millisecond)
	}
	fail(errors.New("daemon did not become ready"))
}

// probeDaemon checks that the daemon answers on its control API, not just
// that the lock file exists.
func probeDaemon(sessionName string) bool {
	c, err := client.New(sessionName)
	if err != nil {
		return false
	}
	defer func() { _ = c.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.Do(ctx, http.MethodGet, "/status", nil, nil) == nil
}

func startDaemon(sessionName string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	kyoosd := filepath.Join(filepath.Dir(executable), "kyoosd")
	if _, err := os.Stat(kyoosd); err != nil {
		kyoosd = "kyoosd"
	}

	cmd := exec.Command(kyoosd, "--session", sessionName)
	// Inherit stderr so daemon startup errors are visible.
	cmd.Stderr = os.Stderr
	return cmd.Start()
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
