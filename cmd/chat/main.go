package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/whisper/livechat/internal/backend"
	"github.com/whisper/livechat/internal/chatview"
	"github.com/whisper/livechat/internal/config"
	"github.com/whisper/livechat/internal/metrics"
)

func main() {
	user := flag.String("user", "", "confirm this username on start")
	migrate := flag.Bool("migrate", false, "apply Postgres migrations before connecting")
	flag.Parse()

	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *migrate {
		cfg.AutoMigrate = true
	}

	// The terminal belongs to the UI; logs go to a file.
	if cfg.LogFile != "" {
		f, err := tea.LogToFile(cfg.LogFile, "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "open log file: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
	}

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.OpTimeout)
	b, err := backend.Open(ctx, cfg)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer b.Close()

	m := chatview.New(b.Store, b.Feed, chatview.Config{
		HistoryLimit:     cfg.HistoryLimit,
		TypingIndicator:  cfg.TypingIndicator,
		RefetchAfterSend: cfg.RefetchAfterSend,
		TypingDebounce:   cfg.TypingDebounce,
		OpTimeout:        cfg.OpTimeout,
	})

	ctx, cancel = context.WithTimeout(context.Background(), cfg.OpTimeout)
	err = m.Mount(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "subscribe: %v\n", err)
		os.Exit(1)
	}
	defer m.Unmount()

	if *user != "" && !m.ConfirmUsername(*user) {
		log.Printf("chat: ignoring -user %q", *user)
	}

	p := tea.NewProgram(m, tea.WithAltScreen())

	go func() {
		for msg := range m.Events() {
			p.Send(msg)
		}
	}()

	if _, err := p.Run(); err != nil {
		log.Printf("chat: %v", err)
		fmt.Fprintf(os.Stderr, "chat: %v\n", err)
	}
}
