package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nestmate/chatsync"
)

var (
	chatHistory     int
	chatMetricsAddr string
)

func init() {
	chatCmd.Flags().IntVarP(&chatHistory, "history", "n", 20, "Number of earlier messages to print on join")
	chatCmd.Flags().StringVar(&chatMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <conversation-id>",
	Short: "Follow a conversation live and send messages",
	Long: `Join a conversation over the realtime socket. Lines typed on stdin are sent
as messages. Commands:
  /read            mark the conversation as read
  /status <status> change the conversation status
  /quit            leave`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := newClient(true)
		if cfg.Auth.UserID == "" {
			logger.Warn().Msg("no user id configured; your own messages will not be recognised")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var metrics *chatsync.Metrics
		if chatMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			metrics = chatsync.NewMetrics(reg)
			srv := &http.Server{
				Addr:              chatMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error().Err(err).Msg("metrics server stopped")
				}
			}()
			defer srv.Close()
		}

		out := cmd.OutOrStdout()
		printer := &chatPrinter{out: out, me: chatsync.ID(cfg.Auth.UserID), history: chatHistory}

		openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		session, err := chatsync.Open(openCtx, client, chatsync.ID(args[0]), chatsync.SessionOptions{
			UserID: chatsync.ID(cfg.Auth.UserID),
			Notifier: chatsync.NotifierFunc(func(n chatsync.Notification) {
				fmt.Fprintf(os.Stderr, "[%s] %s\n", n.Level, n.Message)
			}),
			OnUnauthorized: func() {
				fmt.Fprintln(os.Stderr, "Session expired. Run 'chatsync login <email>' again.")
				stop()
			},
			OnChange: printer.render,
			Logger:   &logger,
			Metrics:  metrics,
		})
		cancel()
		if err != nil {
			return err
		}
		defer session.Close()

		if st := session.Snapshot(); st.Err != nil {
			return apiError("load conversation", st.Err)
		}

		readCtx, stopReading := context.WithCancel(ctx)
		defer stopReading()
		lines := make(chan string)
		go readLines(readCtx, cmd.InOrStdin(), lines)

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := handleChatLine(ctx, session, out, line); quit {
					return nil
				}
			}
		}
	},
}

// readLines feeds lines from r until r ends or ctx is done.
func readLines(ctx context.Context, r io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		select {
		case lines <- sc.Text():
		case <-ctx.Done():
			return
		}
	}
}

// handleChatLine runs one line of input and reports whether to leave.
func handleChatLine(ctx context.Context, session *chatsync.Session, out io.Writer, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if strings.HasPrefix(line, "/") {
		name, arg, _ := strings.Cut(line[1:], " ")
		switch name {
		case "quit", "exit":
			return true
		case "read":
			if err := session.MarkAsRead(ctx); err != nil {
				fmt.Fprintf(out, "! %v\n", apiError("mark read", err))
			}
		case "status":
			status := chatsync.Status(strings.TrimSpace(arg))
			if !status.Valid() {
				fmt.Fprintf(out, "! unknown status %q (valid: %s)\n", status, statusList())
				return false
			}
			// Failures are reported by the notifier.
			_ = session.UpdateStatus(ctx, status)
		default:
			fmt.Fprintf(out, "! unknown command /%s\n", name)
		}
		return false
	}

	session.StartTyping()
	res := session.SendMessage(ctx, line, nil)
	session.StopTyping()

	switch res.Error {
	case "":
	case chatsync.ErrorRateLimit:
		fmt.Fprintf(out, "! slow down: message limit reached (%d remaining)\n", res.RemainingAttempts)
	case chatsync.ErrorContentWarning:
		fmt.Fprintf(out, "! not sent: %s\n", describeViolations(res.Warning.Violations))
	case chatsync.ErrorContentViolation:
		fmt.Fprintf(out, "! rejected: %s\n", describeViolations(res.Violations))
	}
	return false
}

// chatPrinter writes each message once, as soon as it is confirmed, and
// announces typing changes.
type chatPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	me      chatsync.ID
	history int

	loaded  bool
	printed map[chatsync.ID]bool
	typing  bool
}

func (p *chatPrinter) render(st chatsync.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	conv := st.Conversation
	if conv == nil {
		return
	}
	if p.printed == nil {
		p.printed = make(map[chatsync.ID]bool)
	}

	msgs := conv.Messages
	if !p.loaded {
		p.loaded = true
		fmt.Fprintf(p.out, "== %s [%s] ==\n", conversationTitle(conv), conv.Status)
		if p.history >= 0 && len(msgs) > p.history {
			for _, m := range msgs[:len(msgs)-p.history] {
				p.printed[m.ID] = true
			}
		}
	}

	for _, m := range msgs {
		if m.Pending || p.printed[m.ID] {
			continue
		}
		p.printed[m.ID] = true
		fmt.Fprintln(p.out, formatMessage(m, p.me, conv.OtherParticipant))
	}

	typing := len(st.TypingUsers) > 0
	if typing && !p.typing {
		name := "someone"
		if other := conv.OtherParticipant; other != nil {
			name = other.DisplayName()
		}
		fmt.Fprintf(p.out, "... %s is typing\n", name)
	}
	p.typing = typing
}
