package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"go-realtime/internal/client"
	"go-realtime/internal/config"
	"go-realtime/internal/models"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

func main() {
	cfg := config.LoadClient()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.SlogLevel(cfg.LogLevel)}))

	if cfg.Token == "" || cfg.UserID == "" || cfg.ChannelID == "" {
		fmt.Fprintln(os.Stderr, "CHAT_TOKEN, CHAT_USER_ID and CHAT_CHANNEL_ID are required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl := client.New(client.Options{
		URL:            cfg.URL,
		Token:          cfg.Token,
		UserID:         cfg.UserID,
		InitialDelay:   cfg.ReconnectDelay,
		MaxAttempts:    cfg.MaxAttempts,
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         logger,
		OnStateChange: func(s client.State) {
			logger.Debug("state", "phase", s.Phase, "attempt", s.AttemptCount)
		},
		OnAuthError: func(err *client.AuthError) {
			fmt.Fprintln(os.Stderr, "authentication failed:", err.Message)
			stop()
		},
		OnConnectionError: func(err error) {
			fmt.Fprintln(os.Stderr, "connection lost:", err)
		},
		OnReconnect: func() {
			fmt.Fprintln(os.Stderr, "reconnected")
		},
		OnEvent: printEvent,
	})
	if err := ctrl.Connect(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer ctrl.Close()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "" {
				continue
			}
			send := models.SendMessage{
				Content:   line,
				ChannelID: cfg.ChannelID,
				TempID:    uuid.NewString(),
			}
			reply, err := ctrl.SendEvent(ctx, models.ActionSendMessage, send)
			if err != nil {
				fmt.Fprintln(os.Stderr, "send failed:", err)
				continue
			}
			if !reply.Success {
				fmt.Fprintln(os.Stderr, "rejected:", reply.Error)
			}
		}
	}
}

func printEvent(eventType string, data json.RawMessage) {
	switch eventType {
	case models.EventMessageCreated:
		var ev models.MessageCreated
		if err := json.Unmarshal(data, &ev); err == nil && ev.Message != nil {
			name := ev.Message.UserID
			if ev.Message.Author != nil && ev.Message.Author.Name != "" {
				name = ev.Message.Author.Name
			}
			fmt.Printf("[%s] %s: %s\n", ev.Message.ChannelID, name, ev.Message.Content)
			return
		}
	case models.EventMessageDelivered:
		return
	}
	fmt.Printf("%s %s\n", eventType, string(data))
}
