package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/tungmaiv/lumikb-client/internal/api"
	"github.com/tungmaiv/lumikb-client/internal/auth"
	"github.com/tungmaiv/lumikb-client/internal/config"
	"github.com/tungmaiv/lumikb-client/internal/domain/models"
	"github.com/tungmaiv/lumikb-client/internal/reconnect"
	"github.com/tungmaiv/lumikb-client/internal/session"
	"github.com/tungmaiv/lumikb-client/internal/stream"
	"github.com/tungmaiv/lumikb-client/internal/transcript"
	"github.com/tungmaiv/lumikb-client/internal/undo"
)

func main() {
	// Load .env file (silently ignore if it doesn't exist)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, closeLog, err := setupLogging(cfg)
	if err != nil {
		log.Fatalf("Failed to setup logging: %v", err)
	}
	defer closeLog()

	logger.Info("client starting",
		"environment", cfg.Environment,
		"base_url", cfg.BaseURL,
		"kb_id", cfg.KBID,
	)

	ui := newUI(cfg, logger)

	store, err := undo.NewSQLiteStore(cfg.StoragePath, logger)
	if err != nil {
		log.Fatalf("Failed to open client storage: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	// One chat surface per KB for the CLI
	buffer := undo.NewBuffer("kb:"+cfg.KBID, store, cfg.UndoTTL(), logger)
	if err := buffer.Recover(ctx); err != nil {
		logger.Warn("could not recover undo snapshot", "error", err)
	}

	tokens := auth.NewStaticTokenSource(cfg.APIToken)
	apiClient := api.NewClient(cfg.BaseURL, nil, tokens, logger)

	// No Timeout on the stream client: silence between tokens is legitimate
	reader := stream.NewReader(cfg.BaseURL, &http.Client{}, tokens, logger)
	open := func(ctx context.Context, req stream.Request) (reconnect.EventStream, error) {
		return reader.Open(ctx, req)
	}

	coord := session.NewCoordinator(session.Options{
		KBID:    cfg.KBID,
		Backend: apiClient,
		Open:    open,
		Undo:    buffer,
		Policy:  cfg.RetryPolicy(),
		Logger:  logger,
		Hooks: session.Hooks{
			OnEvent:      ui.handleEvent,
			OnStatus:     ui.handleStatus,
			OnTranscript: ui.handleTranscript,
		},
	})

	runREPL(ctx, coord, buffer, apiClient, cfg, ui)
}

func setupLogging(cfg *config.Config) (*slog.Logger, func(), error) {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	if cfg.LogDir != "" {
		f, err := cfg.OpenLogFile()
		if err != nil {
			return nil, nil, err
		}
		logger := slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: level}))
		slog.SetDefault(logger)
		return logger, func() { f.Close() }, nil
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger, func() {}, nil
}

// ui owns terminal output: token echo, status lines, banners, and the
// markdown re-render of finished answers.
type ui struct {
	logger       *slog.Logger
	renderer     *glamour.TermRenderer
	canViewDebug bool

	// Polling display state. Touched only from the hook goroutine.
	polling    bool
	lastPolled string

	statusLine func(format string, a ...interface{})
	errorLine  func(format string, a ...interface{})
	infoLine   func(format string, a ...interface{})
}

func newUI(cfg *config.Config, logger *slog.Logger) *ui {
	u := &ui{
		logger:     logger,
		statusLine: color.New(color.FgCyan).PrintfFunc(),
		errorLine:  color.New(color.FgRed, color.Bold).PrintfFunc(),
		infoLine:   color.New(color.FgYellow).PrintfFunc(),
	}

	if renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100)); err == nil {
		u.renderer = renderer
	}

	// Debug bundles are always stored but shown only to editor/admin tokens.
	if cfg.APIToken != "" {
		if claims, err := auth.InspectClaims(cfg.APIToken); err == nil {
			u.canViewDebug = claims.CanViewDebug()
			if claims.ExpiresWithin(time.Minute) {
				u.infoLine("warning: bearer token expires soon\n")
			}
		}
	}

	return u
}

func (u *ui) handleEvent(ev stream.Event) {
	switch ev.Type {
	case stream.EventStatus:
		u.statusLine("\r· %s\n", ev.Status.Message)
	case stream.EventToken:
		fmt.Print(ev.Token.Text)
	case stream.EventDebug:
		if u.canViewDebug {
			u.infoLine("\n[debug] timings=%v rewrites=%v\n", ev.Debug.TimingMs, ev.Debug.QueryRewrites)
		}
	case stream.EventDone:
		fmt.Println()
		if ev.Done.Confidence != nil {
			u.statusLine("confidence: %.0f%%\n", *ev.Done.Confidence*100)
		}
	case stream.EventError:
		fmt.Println()
		u.errorLine("answer failed: %s\n", ev.Error.Message)
	}
}

func (u *ui) handleStatus(status reconnect.Status) {
	u.polling = status.IsPolling
	switch {
	case status.IsReconnecting:
		u.infoLine("\nconnection lost - reconnecting (attempt %d/%d, next retry in %s)\n",
			status.AttemptCount, status.MaxRetries, status.NextRetryIn.Round(time.Second))
	case status.MaxRetriesExceeded:
		u.errorLine("\nconnection lost - giving up after %d attempts. Use /retry or /poll.\n",
			status.AttemptCount)
	case status.IsPolling:
		u.statusLine("\npolling for updates every few seconds. Use /stream to retry live streaming.\n")
	}
}

// handleTranscript surfaces polling-mode conversation refreshes. Lifecycle
// commands print the transcript themselves, so outside polling this stays quiet.
func (u *ui) handleTranscript(turns models.Transcript) {
	if !u.polling || len(turns) == 0 {
		return
	}
	last := turns[len(turns)-1]
	if last.Role != models.RoleAssistant || last.Content == u.lastPolled {
		return
	}
	u.lastPolled = last.Content
	u.statusLine("\r[update] %s\n", last.Content)
}

func runREPL(ctx context.Context, coord *session.Coordinator, buffer *undo.Buffer, apiClient *api.Client, cfg *config.Config, u *ui) {
	fmt.Println("LumiKB chat - /help for commands")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		prompt := "> "
		if secs := buffer.SecondsRemaining(); secs > 0 {
			prompt = fmt.Sprintf("[undo %ds] > ", secs)
		}
		fmt.Print(prompt)

		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := runCommand(ctx, line, coord, apiClient, cfg, u); quit {
				return
			}
			continue
		}

		if err := coord.SendMessage(ctx, line); err != nil {
			u.errorLine("%v\n", err)
			continue
		}
		waitForAnswer(coord)
	}
}

func runCommand(ctx context.Context, line string, coord *session.Coordinator, apiClient *api.Client, cfg *config.Config, u *ui) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	var err error

	switch cmd {
	case "/help":
		fmt.Println("/clear /undo /new /list /resume <id> /abort /retry /poll /stream /quit")
	case "/clear":
		if err = coord.ClearChat(ctx); err == nil {
			u.statusLine("chat cleared - /undo available for %ds\n", cfg.UndoTTLSeconds)
		}
	case "/undo":
		if err = coord.UndoClear(ctx); err == nil {
			u.statusLine("chat restored\n")
			printTranscript(coord, u)
		}
	case "/new":
		if err = coord.StartNewChat(ctx); err == nil {
			u.statusLine("started conversation %s\n", coord.ConversationID())
		}
	case "/list":
		var summaries []api.ConversationSummary
		if summaries, err = apiClient.ListConversations(ctx, cfg.KBID); err == nil {
			for _, s := range summaries {
				fmt.Printf("%s  (%d messages)  %s\n", s.ID, s.MessageCount, s.Preview)
			}
		}
	case "/resume":
		if arg == "" {
			u.errorLine("usage: /resume <conversation-id>\n")
			return false
		}
		if err = coord.ResumeConversation(ctx, arg); err == nil {
			printTranscript(coord, u)
		}
	case "/abort":
		err = coord.Abort(ctx)
	case "/retry":
		err = coord.RetryNow()
	case "/poll":
		err = coord.StartPolling()
	case "/stream":
		err = coord.ResumeStreaming()
	case "/quit", "/exit":
		return true
	default:
		u.errorLine("unknown command %s\n", cmd)
	}

	if err != nil {
		u.errorLine("%v\n", err)
	}
	return false
}

// waitForAnswer blocks the prompt until the current answer stream settles.
// Fatal and polling states keep the prompt available for the manual exits.
func waitForAnswer(coord *session.Coordinator) {
	for {
		time.Sleep(100 * time.Millisecond)
		status := coord.Status()
		switch status.State {
		case reconnect.StateDone, reconnect.StateIdle, reconnect.StateFatal, reconnect.StatePolling:
			return
		}
	}
}

func printTranscript(coord *session.Coordinator, u *ui) {
	for _, turn := range coord.Transcript() {
		label := "you"
		if turn.Role != models.RoleUser {
			label = "assistant"
		}
		fmt.Printf("%s: ", label)

		body := turn.Content
		if u.renderer != nil && label == "assistant" {
			if out, err := u.renderer.Render(body); err == nil {
				body = out
			}
		}
		fmt.Println(body)

		for _, seg := range transcript.RenderContent(turn) {
			if seg.Citation != nil {
				u.statusLine("  %s -> %s\n", seg.Text, seg.Citation.DocumentName)
			}
		}
		if turn.Error != "" {
			u.errorLine("  [%s]\n", turn.Error)
		}
	}
}
