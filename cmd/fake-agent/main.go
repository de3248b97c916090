// ABOUTME: Minimal fake agent for E2E testing — authenticates, holds the SSE channel, answers probes with synthetic readings.
// ABOUTME: Usage: fake-agent -secret SECRET [-url http://localhost:8080] [-fail]
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"
)

type authResponse struct {
	Token           string `json:"token"`
	AgentID         string `json:"agent_id"`
	RotationAdvised bool   `json:"rotation_advised"`
}

type command struct {
	SessionID     string `json:"session_id"`
	Address       string `json:"address"`
	Port          int    `json:"port"`
	StartRegister *int   `json:"start_register"`
	StartBit      *int   `json:"start_bit"`
	Count         int    `json:"count"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "gateway base URL")
	secret := flag.String("secret", "", "agent shared secret")
	fail := flag.Bool("fail", false, "report every probe as failed")
	flag.Parse()

	if *secret == "" {
		log.Fatal("-secret is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, strings.TrimSuffix(*baseURL, "/"), *secret, *fail); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, baseURL, secret string, failProbes bool) error {
	token, agentID, err := authenticate(ctx, baseURL, secret)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "authenticated as %s\n", agentID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/agents/channel", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("opening channel: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("opening channel: status %d", resp.StatusCode)
	}

	var event string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			switch event {
			case "connected":
				log.Printf("channel open: %s", data)
			case "command":
				var cmd command
				if err := json.Unmarshal([]byte(data), &cmd); err != nil {
					log.Printf("bad command payload: %v", err)
					continue
				}
				go answer(ctx, baseURL, token, cmd, failProbes)
			case "heartbeat":
				// Keep-alives need no reply
			}
		}
	}
	return scanner.Err()
}

func authenticate(ctx context.Context, baseURL, secret string) (token, agentID string, err error) {
	body, _ := json.Marshal(map[string]string{"secret": secret})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/api/agents/auth", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("auth rejected: status %d", resp.StatusCode)
	}

	var auth authResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return "", "", err
	}
	if auth.RotationAdvised {
		log.Print("gateway advises secret rotation")
	}
	return auth.Token, auth.AgentID, nil
}

// answer simulates a device read and posts the result back.
func answer(ctx context.Context, baseURL, token string, cmd command, failProbes bool) {
	log.Printf("probe %s: %s:%d count=%d", cmd.SessionID, cmd.Address, cmd.Port, cmd.Count)

	start := time.Now()
	time.Sleep(time.Duration(100+rand.Intn(400)) * time.Millisecond)

	result := map[string]any{
		"success":    !failProbes,
		"elapsed_ms": time.Since(start).Milliseconds(),
	}
	if failProbes {
		result["error"] = "simulated device failure"
	} else {
		values := make([]uint16, cmd.Count)
		for i := range values {
			values[i] = uint16(rand.Intn(65536))
		}
		result["values"] = values
	}

	body, _ := json.Marshal(result)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		baseURL+"/api/diagnostics/"+cmd.SessionID+"/result", bytes.NewReader(body))
	if err != nil {
		log.Printf("building result request: %v", err)
		return
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("posting result: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Printf("result rejected: status %d", resp.StatusCode)
	}
}
