// ABOUTME: Operator CLI for meter-gateway agent and diagnostics management
// ABOUTME: Talks to the HTTP API with a JWT operator token

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

const banner = `
                _                           _           _
 _ __ ___   ___| |_ ___ _ __       __ _  __| |_ __ ___ (_)_ __
| '_ ' _ \ / _ \ __/ _ \ '__|____ / _' |/ _' | '_ ' _ \| | '_ \
| | | | | |  __/ ||  __/ | |_____| (_| | (_| | | | | | | | | | |
|_| |_| |_|\___|\__\___|_|        \__,_|\__,_|_| |_| |_|_|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("METER_GATEWAY_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	token := os.Getenv("METER_TOKEN")

	c := &client{baseURL: baseURL, token: token}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "agents":
		err = cmdAgents(c, args)
	case "diag":
		err = cmdDiag(c, args)
	case "session":
		err = cmdSession(c, args)
	case "sessions":
		err = cmdSessions(c)
	case "status":
		err = cmdStatus(c)
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
	fmt.Println("Usage: meter-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                     Show gateway health")
	fmt.Println("  agents                     List registered agents")
	fmt.Println("  agents create --name NAME  Register a new agent (prints its secret once)")
	fmt.Println("  agents rotate <id>         Rotate an agent's secret (prints the new one once)")
	fmt.Println("  diag <agent-id> [flags]    Run a diagnostic probe through an agent")
	fmt.Println("  session <id> [--wait]      Show a diagnostic session")
	fmt.Println("  sessions                   List recent diagnostic sessions")
	fmt.Println()
	yellow.Println("Diag flags:")
	fmt.Println("  --address HOST   Device address (required)")
	fmt.Println("  --port N         Device port (default 502)")
	fmt.Println("  --unit N         Unit id on the bus (default 1)")
	fmt.Println("  --register N     First holding register to read")
	fmt.Println("  --bit N          First discrete bit to read (instead of --register)")
	fmt.Println("  --count N        Number of registers/bits (default 1)")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  METER_GATEWAY_URL  Gateway base URL (default: http://localhost:8080)")
	fmt.Println("  METER_TOKEN        Operator JWT (mint with: meter-gateway token)")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  export METER_TOKEN=\"eyJhbG...\"")
	fmt.Println("  meter-admin agents create --name substation-7")
	fmt.Println("  meter-admin diag <agent-id> --address 10.0.0.5 --register 100 --count 4")
	fmt.Println("  meter-admin session <session-id> --wait")
	fmt.Println()
}

// client is a minimal authenticated HTTP API client.
type client struct {
	baseURL string
	token   string
}

// do performs a request and decodes the JSON response into out. Non-2xx
// responses become errors carrying the server's error message.
func (c *client) do(method, path string, body, out any) error {
	if c.token == "" {
		return fmt.Errorf("METER_TOKEN environment variable is required")
	}

	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error           string `json:"error"`
			RetryAfter      int    `json:"retry_after_seconds"`
			SessionID       string `json:"session_id"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			msg := apiErr.Error
			if apiErr.RetryAfter > 0 {
				msg = fmt.Sprintf("%s (retry in %ds)", msg, apiErr.RetryAfter)
			}
			if apiErr.SessionID != "" {
				msg = fmt.Sprintf("%s (session %s)", msg, apiErr.SessionID)
			}
			return fmt.Errorf("%s", msg)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

type agentInfo struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Active        bool    `json:"active"`
	Connected     bool    `json:"connected"`
	LastHeartbeat *string `json:"last_heartbeat"`
	LastAddr      string  `json:"last_addr"`
}

type secretInfo struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name"`
	Secret  string `json:"secret"`
}

type sessionInfo struct {
	SessionID     string   `json:"session_id"`
	AgentID       string   `json:"agent_id"`
	Address       string   `json:"address"`
	Port          int      `json:"port"`
	State         string   `json:"state"`
	Values        []uint16 `json:"values"`
	Error         *string  `json:"error"`
	ElapsedMs     *int64   `json:"elapsed_ms"`
	CreatedAt     string   `json:"created_at"`
}

func cmdAgents(c *client, args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "create":
			return cmdAgentsCreate(c, args[1:])
		case "rotate":
			return cmdAgentsRotate(c, args[1:])
		case "list":
			args = nil
		default:
			return fmt.Errorf("unknown agents subcommand: %s", args[0])
		}
	}

	var agents []agentInfo
	if err := c.do(http.MethodGet, "/api/agents", nil, &agents); err != nil {
		return err
	}

	if len(agents) == 0 {
		fmt.Println("no agents registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tID\tSTATUS\tLAST HEARTBEAT\tLAST ADDR")
	for _, a := range agents {
		status := "offline"
		if a.Connected {
			status = color.GreenString("online")
		} else if !a.Active {
			status = color.RedString("disabled")
		}
		heartbeat := "never"
		if a.LastHeartbeat != nil {
			heartbeat = *a.LastHeartbeat
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", a.Name, a.ID, status, heartbeat, a.LastAddr)
	}
	return w.Flush()
}

func cmdAgentsCreate(c *client, args []string) error {
	name := flagValue(args, "--name")
	if name == "" {
		return fmt.Errorf("--name is required")
	}

	var created secretInfo
	if err := c.do(http.MethodPost, "/api/agents", map[string]string{"name": name}, &created); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Printf("  ✓ Created agent %s\n\n", created.Name)
	fmt.Printf("  ID:     %s\n", created.AgentID)
	fmt.Printf("  Secret: %s\n\n", created.Secret)
	yellow.Println("  Store the secret now; it is not retrievable again.")
	return nil
}

func cmdAgentsRotate(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: meter-admin agents rotate <agent-id>")
	}
	id := args[0]

	var rotated secretInfo
	if err := c.do(http.MethodPost, "/api/agents/"+id+"/rotate", nil, &rotated); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Printf("  ✓ Rotated secret for %s\n\n", rotated.Name)
	fmt.Printf("  New secret: %s\n\n", rotated.Secret)
	yellow.Println("  The old secret keeps working during the grace window only.")
	return nil
}

func cmdDiag(c *client, args []string) error {
	if len(args) < 1 || strings.HasPrefix(args[0], "-") {
		return fmt.Errorf("usage: meter-admin diag <agent-id> --address HOST [flags]")
	}
	agentID := args[0]
	args = args[1:]

	address := flagValue(args, "--address")
	if address == "" {
		return fmt.Errorf("--address is required")
	}

	req := map[string]any{
		"agent_id": agentID,
		"address":  address,
		"port":     intFlag(args, "--port", 502),
		"unit_id":  intFlag(args, "--unit", 1),
		"count":    intFlag(args, "--count", 1),
	}
	registerSet := flagValue(args, "--register") != ""
	bitSet := flagValue(args, "--bit") != ""
	switch {
	case registerSet && bitSet:
		return fmt.Errorf("--register and --bit are mutually exclusive")
	case registerSet:
		req["start_register"] = intFlag(args, "--register", 0)
	case bitSet:
		req["start_bit"] = intFlag(args, "--bit", 0)
	default:
		return fmt.Errorf("one of --register or --bit is required")
	}

	var receipt struct {
		SessionID      string `json:"session_id"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := c.do(http.MethodPost, "/api/diagnostics", req, &receipt); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Dispatched session %s (timeout %ds)\n", receipt.SessionID, receipt.TimeoutSeconds)
	fmt.Printf("\n  Watch it with:\n    meter-admin session %s --wait\n", receipt.SessionID)
	return nil
}

func cmdSession(c *client, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: meter-admin session <session-id> [--wait]")
	}
	id := args[0]
	wait := hasFlag(args[1:], "--wait")

	for {
		var s sessionInfo
		if err := c.do(http.MethodGet, "/api/diagnostics/"+id, nil, &s); err != nil {
			return err
		}

		if !wait || isTerminal(s.State) {
			printSession(&s)
			return nil
		}
		time.Sleep(time.Second)
	}
}

func cmdSessions(c *client) error {
	var sessions []sessionInfo
	if err := c.do(http.MethodGet, "/api/diagnostics", nil, &sessions); err != nil {
		return err
	}

	if len(sessions) == 0 {
		fmt.Println("no sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tTARGET\tSTATE\tCREATED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s:%d\t%s\t%s\n", s.SessionID, s.Address, s.Port, colorState(s.State), s.CreatedAt)
	}
	return w.Flush()
}

func cmdStatus(c *client) error {
	// /healthz is unauthenticated, so bypass the token check
	resp, err := http.Get(c.baseURL + "/healthz")
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Status          string `json:"status"`
		ConnectedAgents int    `json:"connected_agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	color.Green("  ✓ Gateway %s", body.Status)
	fmt.Printf("  Connected agents: %d\n", body.ConnectedAgents)
	return nil
}

func printSession(s *sessionInfo) {
	fmt.Printf("  Session:  %s\n", s.SessionID)
	fmt.Printf("  Agent:    %s\n", s.AgentID)
	fmt.Printf("  Target:   %s:%d\n", s.Address, s.Port)
	fmt.Printf("  State:    %s\n", colorState(s.State))
	fmt.Printf("  Created:  %s\n", s.CreatedAt)
	if s.ElapsedMs != nil {
		fmt.Printf("  Elapsed:  %dms\n", *s.ElapsedMs)
	}
	if s.Error != nil {
		color.Red("  Error:    %s", *s.Error)
	}
	if len(s.Values) > 0 {
		fmt.Printf("  Values:   %v\n", s.Values)
	}
}

func isTerminal(state string) bool {
	return state == "completed" || state == "error" || state == "timeout"
}

func colorState(state string) string {
	switch state {
	case "completed":
		return color.GreenString(state)
	case "error", "timeout":
		return color.RedString(state)
	default:
		return color.YellowString(state)
	}
}

// flagValue returns the value following the given flag, or the --flag=value
// form, or "".
func flagValue(args []string, flag string) string {
	for i, arg := range args {
		if arg == flag && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, flag+"=") {
			return strings.TrimPrefix(arg, flag+"=")
		}
	}
	return ""
}

func intFlag(args []string, flag string, defaultVal int) int {
	raw := flagValue(args, flag)
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return defaultVal
	}
	return n
}

func hasFlag(args []string, flag string) bool {
	for _, arg := range args {
		if arg == flag {
			return true
		}
	}
	return false
}
