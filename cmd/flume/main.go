// Command flume is a terminal front end for the sync engine: it keeps a
// conversation connected, sends stdin lines as messages, and prints the
// reconciled timeline on demand.
package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/flumechat/flume/pkg/client"
)

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		serverURL   string
		token       string
		user        string
		configPath  string
		metricsAddr string
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:           "flume",
		Short:         "Flume - real-time chat sync client",
		Long:          "Flume keeps a chat conversation synchronized over a flaky connection:\nmessages queue while offline, reactions and receipts reconcile, and the\ntimeline stays ordered.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(serverURL, token, user, configPath, metricsAddr, verbose)
		},
	}

	cmd.Version = Version
	cmd.SetVersionTemplate("flume version {{.Version}}\n")

	cmd.Flags().StringVarP(&serverURL, "server", "s", "ws://localhost:8080/sync", "chat server websocket URL")
	cmd.Flags().StringVarP(&token, "token", "t", "", "session token")
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id to send as (required)")
	cmd.Flags().StringVarP(&configPath, "config", "c", "flume.toml", "config file path")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus /metrics on this address (internal only)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	cmd.MarkFlagRequired("user")

	return cmd
}

func runChat(serverURL, token, user, configPath, metricsAddr string, verbose bool) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Logger().Level(zerolog.InfoLevel)
	if verbose {
		logger = logger.Level(zerolog.DebugLevel)
	}

	cfg, err := client.LoadConfig(configPath)
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info().Str("addr", metricsAddr).Msg("metrics listening")
			if err := http.ListenAndServe(metricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server error")
			}
		}()
	}

	session, err := client.Dial(serverURL, token, user, cfg, logger, nil)
	if err != nil {
		// The connection keeps retrying; stay up and report transitions.
		logger.Warn().Err(err).Msg("not connected yet")
	}
	defer session.Close()

	go func() {
		for update := range session.StateChanges() {
			ev := logger.Info().Stringer("state", update.State)
			if update.Attempt > 0 {
				ev = ev.Int("attempt", update.Attempt)
			}
			if update.Err != nil {
				ev = ev.Err(update.Err)
			}
			ev.Msg("connection")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	fmt.Println("connected as", user, "- type a message, /help for commands")
	for {
		select {
		case <-sigCh:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(session, logger, line); quit {
				return nil
			}
		}
	}
}

func handleLine(session *client.Session, logger zerolog.Logger, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, "/") {
		session.NotifyTyping()
		corrID := session.SendMessage(line, "")
		logger.Debug().Str("correlation_id", corrID).Msg("message sent")
		return false
	}

	cmd, arg, _ := strings.Cut(line[1:], " ")
	switch cmd {
	case "quit", "q":
		return true
	case "list", "ls":
		printTimeline(session.Snapshot(), 0)
	case "typers":
		fmt.Println("typing:", strings.Join(session.ActiveTypers(), ", "))
	case "reply":
		parentID, content, ok := strings.Cut(arg, " ")
		if !ok {
			fmt.Println("usage: /reply <message-id> <text>")
			return false
		}
		session.SendMessage(content, parentID)
	case "react":
		messageID, symbol, ok := strings.Cut(arg, " ")
		if !ok {
			fmt.Println("usage: /react <message-id> <symbol>")
			return false
		}
		if err := session.ToggleReaction(messageID, symbol); err != nil {
			logger.Error().Err(err).Msg("reaction rejected")
		}
	case "read":
		if err := session.MarkRead(arg); err != nil {
			logger.Error().Err(err).Msg("mark read failed")
		}
	case "resend":
		if newCorr, err := session.Resend(arg); err != nil {
			logger.Error().Err(err).Msg("resend failed")
		} else {
			logger.Info().Str("correlation_id", newCorr).Msg("resent")
		}
	case "retry":
		if err := session.Retry(); err != nil {
			logger.Error().Err(err).Msg("retry failed")
		}
	case "help":
		fmt.Println("/list /typers /reply <id> <text> /react <id> <symbol> /read <id> /resend <corr-id> /retry /quit")
	default:
		fmt.Println("unknown command:", cmd)
	}
	return false
}

func printTimeline(messages []client.MessageSnapshot, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, m := range messages {
		id := m.ID
		if id == "" {
			id = m.CorrelationID
		}
		marker := ""
		if m.Unread {
			marker = " *"
		}
		fmt.Printf("%s[%s] %s: %s (%s)%s\n", indent, id, m.Sender, m.Content, m.Status, marker)
		for symbol, n := range m.Reactions {
			fmt.Printf("%s  %s x%d\n", indent, symbol, n)
		}
		printTimeline(m.Replies, depth+1)
	}
}
