package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/npezzotti/pilgrim-chat/internal/client"
)

func main() {
	var (
		serverURL string
		memberId  string
		password  string
		debugFile string
	)

	flag.StringVar(&serverURL, "server", "http://localhost:8000", "base url of the chat server")
	flag.StringVar(&memberId, "id", "", "4-digit member id")
	flag.StringVar(&password, "password", "", "member password (or PILGRIM_PASSWORD)")
	flag.StringVar(&debugFile, "debug", "", "write a debug log to this file")
	flag.Parse()

	if password == "" {
		password = os.Getenv("PILGRIM_PASSWORD")
	}
	if memberId == "" || password == "" {
		fmt.Fprintln(os.Stderr, "usage: chat -id MEMBER_ID [-password PASSWORD] [-server URL]")
		os.Exit(2)
	}

	logger, closeLog, err := newLogger(debugFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	if err := run(serverURL, memberId, password, logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger discards log output unless a debug file is given, since the
// terminal belongs to the UI.
func newLogger(path string) (*log.Logger, func(), error) {
	if path == "" {
		return log.New(io.Discard, "", 0), func() {}, nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}
	return log.New(f, "[pilgrim-chat] ", log.LstdFlags), func() { f.Close() }, nil
}

func run(serverURL, memberId, password string, logger *log.Logger) error {
	api, err := client.NewAPI(serverURL, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	self, err := api.Login(ctx, memberId, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}

	conn, err := api.DialRealtime(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	online, err := client.WatchOnline(ctx, conn, logger)
	if err != nil {
		return fmt.Errorf("watch online members: %w", err)
	}
	defer online.Close()

	p := tea.NewProgram(newModel(api, conn, online, self, logger), tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		return err
	}

	if m, ok := final.(model); ok && m.session != nil {
		if err := m.session.Close(); err != nil {
			logger.Println("close session:", err)
		}
	}

	logoutCtx, logoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer logoutCancel()
	if err := api.Logout(logoutCtx); err != nil {
		logger.Println("logout:", err)
	}

	return nil
}
