// Package main is a terminal chat client for the stream gateway. It drives
// the same client core the dashboard uses: credential provider, stream
// transport, run initiator, and conversation store.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stafflink-ai/employee-stream/internal/chat"
	"github.com/stafflink-ai/employee-stream/internal/model"
	"github.com/stafflink-ai/employee-stream/internal/session"
	"github.com/stafflink-ai/employee-stream/internal/stream"
	"github.com/stafflink-ai/employee-stream/pkg/logger"
)

func main() {
	var (
		baseURL    = flag.String("url", "http://localhost:8080", "gateway base URL")
		employeeID = flag.String("employee", "demo-employee", "employee conversation to join")
		tenantID   = flag.String("tenant", "demo-tenant", "tenant id for dev login")
		userID     = flag.String("user", "demo-user", "user id for dev login")
	)
	flag.Parse()

	log, err := logger.New("warn")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	provider := session.NewProvider(*baseURL+"/auth/refresh", nil, log)
	if err := devLogin(*baseURL, *tenantID, *userID, provider); err != nil {
		fmt.Fprintf(os.Stderr, "login failed: %v\n", err)
		os.Exit(1)
	}

	store := chat.NewStore()
	store.InitChat(*employeeID)

	var currentRun string
	tabID := uuid.New().String()

	callbacks := stream.Callbacks{
		OnConnected: func(sessionKey string) {
			fmt.Printf("[connected, session %s]\n", sessionKey)
		},
		OnDelta: func(runID, content string) {
			store.AppendToken(*employeeID, content)
			fmt.Print(content)
		},
		OnFinal: func(runID string, msg model.StreamMessage, usage *model.TokenUsage) {
			store.FinalizeMessage(*employeeID, msg, usage, runID)
			fmt.Println()
			if usage != nil {
				fmt.Printf("[done, %d tokens]\n", usage.OutputTokens)
			}
		},
		OnError: func(runID, errorText string) {
			store.SetError(*employeeID, runID, errorText)
			fmt.Printf("\n[error: %s]\n", errorText)
		},
		OnAborted: func(runID string) {
			store.AbortStreaming(*employeeID)
			fmt.Println("\n[aborted]")
		},
		OnDisconnected: func(err error) {
			fmt.Printf("[disconnected: %v]\n", err)
		},
	}

	transport := stream.NewTransport(*baseURL, *employeeID, tabID, provider, callbacks, nil, log)
	defer transport.Disconnect()
	transport.Connect(context.Background())

	initiator := stream.NewInitiator(*baseURL, provider, nil, log)

	fmt.Printf("chatting with %s (/abort, /clear, /quit)\n", *employeeID)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/clear":
			store.ClearChat(*employeeID)
			fmt.Println("[chat cleared]")
			continue
		case line == "/abort":
			if currentRun == "" {
				fmt.Println("[no run in flight]")
				continue
			}
			if err := initiator.AbortRun(context.Background(), *employeeID, currentRun); err != nil {
				fmt.Printf("[abort failed: %v]\n", err)
			}
			continue
		}

		store.AddUserMessage(*employeeID, line)
		handle, err := initiator.StartRun(context.Background(), *employeeID, line, false)
		if err != nil {
			fmt.Printf("[send failed: %v]\n", err)
			continue
		}
		currentRun = handle.RunID
		store.StartStreaming(*employeeID, handle.RunID)
	}
}

// devLogin obtains an initial session from the gateway's dev login endpoint
// and seeds the credential provider with it.
func devLogin(baseURL, tenantID, userID string, provider *session.Provider) error {
	body, err := json.Marshal(map[string]string{
		"tenant_id": tenantID,
		"user_id":   userID,
	})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(baseURL+"/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login returned status %d", resp.StatusCode)
	}

	var payload model.RefreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return err
	}
	if payload.Session.AccessToken == "" || payload.Session.RefreshToken == "" {
		return fmt.Errorf("login response missing session fields")
	}

	expiresAt := int64(0)
	if payload.Session.ExpiresAt != nil {
		expiresAt = *payload.Session.ExpiresAt
	}
	provider.SetSession(model.Session{
		AccessToken:  payload.Session.AccessToken,
		RefreshToken: payload.Session.RefreshToken,
		ExpiresAt:    expiresAt,
	})
	return nil
}
