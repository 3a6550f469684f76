package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jhd3197/CachiBot-sub003/internal/auth"
	"github.com/jhd3197/CachiBot-sub003/internal/config"
	"github.com/jhd3197/CachiBot-sub003/internal/connection"
	"github.com/jhd3197/CachiBot-sub003/internal/roomsync"
	"github.com/jhd3197/CachiBot-sub003/internal/stats"
	"github.com/jhd3197/CachiBot-sub003/internal/types"
)

var (
	serverURL string
	roomId    string
	email     string
	password  string
	debugAddr string
)

func registerMetrics(su *stats.StatsUpdater) {
	for _, name := range []string{
		stats.MetricReconnectAttempts,
		stats.MetricFramesDecoded,
		stats.MetricFramesDropped,
		stats.MetricEventsApplied,
		stats.MetricEventsIgnored,
		stats.MetricDuplicatesSuppressed,
		stats.MetricCommandsSent,
		stats.MetricCommandsDropped,
	} {
		su.RegisterMetric(name)
	}
}

func main() {
	flag.StringVar(&serverURL, "server", "http://localhost:8000", "base URL of the CachiBot backend")
	flag.StringVar(&roomId, "room", "", "room id to watch")
	flag.StringVar(&email, "email", "", "account email")
	flag.StringVar(&password, "password", "", "account password")
	flag.StringVar(&debugAddr, "debug-addr", "", "optional address for the /debug/vars endpoint")
	flag.Parse()

	logger := log.New(os.Stderr, "[roomwatch] ", log.LstdFlags)

	if roomId == "" {
		logger.Fatal("a room id is required")
	}

	cfg, err := config.NewConfig(serverURL)
	if err != nil {
		logger.Fatal("config:", err)
	}

	tokens := auth.NewTokenManager(cfg.ServerURL, nil, logger)
	if err := tokens.Login(email, password); err != nil {
		logger.Fatal("login:", err)
	}

	stopRefresh := tokens.ScheduleRefresh()
	defer stopRefresh()

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux, logger)
	registerMetrics(statsUpdater)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	if debugAddr != "" {
		go func() {
			if err := http.ListenAndServe(debugAddr, mux); err != nil {
				logger.Println("debug server:", err)
			}
		}()
	}

	store := roomsync.NewStore(logger, statsUpdater)
	store.SetDedupWindow(cfg.DedupWindow)
	conn := connection.NewConnection(cfg, tokens, logger, statsUpdater)

	// The store attaches first so the printer below reads reconciled
	// state.
	detach := store.Attach(conn)
	defer detach()

	unsubPrinter := conn.OnMessage(func(ev *connection.RoomEvent) {
		printEvent(store, ev)
	})
	defer unsubPrinter()

	conn.OnConnect(func() {
		logger.Printf("watching room %q", roomId)
	})
	conn.OnDisconnect(func(roomId string) {
		logger.Printf("connection to room %q lost", roomId)
	})

	if err := conn.Connect(roomId); err != nil {
		logger.Println("connect:", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	logger.Printf("received signal: %s", sig)

	conn.Disconnect()
	logger.Println("shutdown complete")
}

func printEvent(store *roomsync.Store, ev *connection.RoomEvent) {
	switch ev.Kind() {
	case connection.KindMessage, connection.KindMessageDelta, connection.KindMessageDone:
		msgs := store.Messages(ev.RoomId)
		if len(msgs) == 0 {
			return
		}
		last := msgs[len(msgs)-1]
		fmt.Printf("\r[%s] %s: %s", last.Timestamp.Format("15:04:05"), last.SenderId, last.Content)
		if ev.Kind() == connection.KindMessageDone {
			fmt.Println()
			for _, call := range last.ToolCalls {
				fmt.Printf("  tool %s: %s\n", call.Name, call.Result)
			}
		}
	case connection.KindBotStatus:
		if ev.BotStatus.Activity != types.BotIdle {
			fmt.Printf("\n%s is %s %s\n", ev.BotStatus.BotId, ev.BotStatus.Activity, ev.BotStatus.Detail)
		}
	case connection.KindTyping:
		tr := store.Transient(ev.RoomId)
		if len(tr.TypingUsers) > 0 {
			fmt.Printf("\n%d user(s) typing...\n", len(tr.TypingUsers))
		}
	}
}
