// ABOUTME: Admin CLI for loom-orchestrator task management
// ABOUTME: Uses the HTTP API with JWT authentication to drive conversations

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"

	"github.com/2389/loom/internal/auth"
)

const banner = `
 _                                     _           _
| | ___   ___  _ __ ___         __ _  __| |_ __ ___ (_)_ __
| |/ _ \ / _ \| '_ ' _ \ _____ / _' |/ _' | '_ ' _ \| | '_ \
| | (_) | (_) | | | | | |_____| (_| | (_| | | | | | | | | | |
|_|\___/ \___/|_| |_| |_|      \__,_|\__,_|_| |_| |_|_|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("LOOM_URL")
	if baseURL == "" {
		if host := os.Getenv("LOOM_HOST"); host != "" {
			baseURL = "http://" + host + ":8080"
		} else {
			baseURL = "http://localhost:8080"
		}
	}
	token := getToken()

	cmd := os.Args[1]
	args := os.Args[2:]

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd {
	case "status":
		err = cmdStatus(ctx, baseURL, token)
	case "create":
		err = cmdCreate(ctx, baseURL, token, args)
	case "send":
		err = cmdSend(ctx, baseURL, token, args)
	case "approve":
		err = cmdApprove(ctx, baseURL, token, args, true)
	case "deny":
		err = cmdApprove(ctx, baseURL, token, args, false)
	case "snapshot":
		err = cmdSnapshot(ctx, baseURL, token, args)
	case "tail":
		err = cmdTail(ctx, baseURL, token, args)
	case "end":
		err = cmdEnd(ctx, baseURL, token, args)
	case "token":
		err = cmdToken(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: loom-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                         Show orchestrator health")
	fmt.Println("  create <agent-id> [task-id]    Create a task conversation")
	fmt.Println("  send <task-id> <message>       Send a user message")
	fmt.Println("  approve <task-id> <approval>   Approve a pending tool call")
	fmt.Println("  deny <task-id> <approval>      Deny a pending tool call")
	fmt.Println("  snapshot <task-id>             Print the task snapshot")
	fmt.Println("  tail <task-id>                 Stream live output deltas")
	fmt.Println("  end <task-id>                  End a conversation")
	fmt.Println("  token create <subject>         Generate a JWT (needs LOOM_JWT_SECRET)")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  LOOM_HOST          Orchestrator hostname (derives http://host:8080)")
	fmt.Println("  LOOM_URL           Full base URL (overrides LOOM_HOST)")
	fmt.Println("  LOOM_TOKEN         JWT authentication token")
	fmt.Println("  LOOM_JWT_SECRET    Signing secret for token create")
	fmt.Println()
}

func getToken() string {
	if token := os.Getenv("LOOM_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	tokenPath := filepath.Join(configDir, "loom", "token")
	data, err := os.ReadFile(tokenPath)
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

func cmdStatus(ctx context.Context, baseURL, token string) error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()

	body, status, err := doRequest(ctx, http.MethodGet, baseURL+"/health", "", nil)
	if err != nil {
		yellow.Printf("  Orchestrator:  ")
		color.Red("UNREACHABLE (%v)\n", err)
		return nil
	}
	if status != http.StatusOK {
		yellow.Printf("  Orchestrator:  ")
		color.Red("unhealthy (status %d)\n", status)
		return nil
	}

	green.Printf("  Orchestrator:  ")
	fmt.Printf("connected to %s\n", baseURL)
	_ = body

	if token == "" {
		yellow.Printf("  Token:         ")
		fmt.Println("(none - set LOOM_TOKEN)")
	} else {
		green.Printf("  Token:         ")
		fmt.Println("present")
	}

	fmt.Println()
	return nil
}

func cmdCreate(ctx context.Context, baseURL, token string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: loom-admin create <agent-id> [task-id]")
	}

	payload := map[string]string{"agent_id": args[0]}
	if len(args) > 1 {
		payload["task_id"] = args[1]
	}

	body, status, err := doRequest(ctx, http.MethodPost, baseURL+"/v1/tasks", token, payload)
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return apiError(body, status)
	}

	var resp struct {
		TaskID  string `json:"task_id"`
		AgentID string `json:"agent_id"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	color.Green("Created task %s (agent %s)\n", resp.TaskID, resp.AgentID)
	return nil
}

func cmdSend(ctx context.Context, baseURL, token string, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: loom-admin send <task-id> <message>")
	}
	taskID := args[0]
	content := strings.Join(args[1:], " ")

	payload := map[string]any{
		"messages": []map[string]string{
			{"role": "user", "content": content},
		},
	}

	body, status, err := doRequest(ctx, http.MethodPost, baseURL+"/v1/tasks/"+url.PathEscape(taskID)+"/messages", token, payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apiError(body, status)
	}

	var resp struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	for _, m := range resp.Messages {
		if m.Role == "assistant" {
			fmt.Println(m.Content)
		}
	}
	return nil
}

func cmdApprove(ctx context.Context, baseURL, token string, args []string, approve bool) error {
	if len(args) < 2 {
		verb := "approve"
		if !approve {
			verb = "deny"
		}
		return fmt.Errorf("usage: loom-admin %s <task-id> <approval-id>", verb)
	}
	taskID, approvalID := args[0], args[1]

	payload := map[string]any{"approval_id": approvalID, "approve": approve}

	body, status, err := doRequest(ctx, http.MethodPost, baseURL+"/v1/tasks/"+url.PathEscape(taskID)+"/approvals", token, payload)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apiError(body, status)
	}

	var resp struct {
		Processed bool   `json:"processed"`
		Error     string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	if !resp.Processed {
		color.Yellow("Not processed: %s\n", resp.Error)
		return nil
	}
	if approve {
		color.Green("Approved %s\n", approvalID)
	} else {
		color.Green("Denied %s\n", approvalID)
	}
	return nil
}

func cmdSnapshot(ctx context.Context, baseURL, token string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: loom-admin snapshot <task-id>")
	}
	taskID := args[0]

	body, status, err := doRequest(ctx, http.MethodGet, baseURL+"/v1/tasks/"+url.PathEscape(taskID)+"/snapshot", token, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apiError(body, status)
	}

	var snap struct {
		TaskID         string `json:"task_id"`
		AgentID        string `json:"agent_id"`
		LastResponseID string `json:"last_response_id"`
		Initialized    bool   `json:"initialized"`
		Events         []struct {
			ID             string `json:"id"`
			Kind           string `json:"kind"`
			SequenceNumber int64  `json:"sequence_number"`
			Status         string `json:"status,omitempty"`
		} `json:"events"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &snap); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	cyan := color.New(color.FgCyan)
	cyan.Printf("Task %s", snap.TaskID)
	fmt.Printf(" (agent %s, initialized=%v)\n\n", snap.AgentID, snap.Initialized)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tKIND\tSTATUS\tID")
	for _, ev := range snap.Events {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", ev.SequenceNumber, ev.Kind, ev.Status, ev.ID)
	}
	w.Flush()

	if len(snap.Messages) > 0 {
		fmt.Println()
		for _, m := range snap.Messages {
			color.New(color.FgYellow).Printf("%s: ", m.Role)
			fmt.Println(m.Content)
		}
	}
	return nil
}

func cmdTail(ctx context.Context, baseURL, token string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: loom-admin tail <task-id>")
	}
	taskID := args[0]

	wsURL, err := liveURL(baseURL, taskID)
	if err != nil {
		return err
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", wsURL, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}()

	color.New(color.FgHiBlack).Printf("tailing %s (ctrl-c to stop)\n", taskID)

	for {
		var frame struct {
			Type    string          `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading stream: %w", err)
		}

		// Text deltas carry a "delta" field; print it inline.
		var delta struct {
			Delta string `json:"delta"`
		}
		if json.Unmarshal(frame.Payload, &delta) == nil && delta.Delta != "" {
			fmt.Print(delta.Delta)
			continue
		}
		color.New(color.FgHiBlack).Printf("[%s]\n", frame.Type)
	}
}

func cmdEnd(ctx context.Context, baseURL, token string, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: loom-admin end <task-id>")
	}
	taskID := args[0]

	body, status, err := doRequest(ctx, http.MethodPost, baseURL+"/v1/tasks/"+url.PathEscape(taskID)+"/end", token, nil)
	if err != nil {
		return err
	}
	if status != http.StatusNoContent {
		return apiError(body, status)
	}

	color.Green("Ended %s\n", taskID)
	return nil
}

func cmdToken(args []string) error {
	if len(args) < 2 || args[0] != "create" {
		return fmt.Errorf("usage: loom-admin token create <subject>")
	}
	subject := args[1]

	secret := os.Getenv("LOOM_JWT_SECRET")
	if secret == "" {
		return fmt.Errorf("LOOM_JWT_SECRET is not set")
	}

	verifier := auth.NewJWTVerifier([]byte(secret))
	token, err := verifier.Generate(subject, 30*24*time.Hour)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	fmt.Println(token)
	return nil
}

// liveURL converts the HTTP base URL into the websocket endpoint for a task.
func liveURL(baseURL, taskID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base URL: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/v1/tasks/" + url.PathEscape(taskID) + "/live"
	return u.String(), nil
}

func doRequest(ctx context.Context, method, requestURL, token string, payload any) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}

	return data, resp.StatusCode, nil
}

func apiError(body []byte, status int) error {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return fmt.Errorf("%s (status %d)", e.Error, status)
	}
	return fmt.Errorf("unexpected status %d", status)
}
