package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/lancerly/chat-sync/internal/api"
	"github.com/lancerly/chat-sync/internal/auth"
	"github.com/lancerly/chat-sync/internal/channel"
	"github.com/lancerly/chat-sync/internal/config"
	chaterrors "github.com/lancerly/chat-sync/internal/errors"
	"github.com/lancerly/chat-sync/internal/logging"
	"github.com/lancerly/chat-sync/internal/mcpserver"
	"github.com/lancerly/chat-sync/internal/messaging"
	"github.com/lancerly/chat-sync/internal/metrics"
	"github.com/lancerly/chat-sync/internal/models"
	"github.com/lancerly/chat-sync/internal/server"
	"github.com/lancerly/chat-sync/internal/state"
)

var Version = "dev"

func main() {
	// Subcommands are handled before config loading; neither needs the
	// collaborator URLs.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "hash-key":
			hashKey()
			return
		case "set-token":
			if err := setToken(os.Args[2:]); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}

			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashKey() {
	fmt.Fprint(os.Stderr, "Enter API key: ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}

	hash, err := auth.HashAPIKey(strings.TrimSpace(scanner.Text()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println(hash)
}

// setToken stores a session token read from stdin, and optionally the
// participant id given as the only argument.
func setToken(args []string) error {
	fs := flag.NewFlagSet("set-token", flag.ContinueOnError)
	statePath := fs.String("state", os.Getenv("CHAT_STATE_PATH"), "path to the state database")

	if err := fs.Parse(args); err != nil {
		return err
	}

	appState, err := openState(*statePath)
	if err != nil {
		return err
	}
	defer appState.Close()

	if participant := fs.Arg(0); participant != "" {
		if err := appState.SetParticipantID(participant); err != nil {
			return fmt.Errorf("saving participant id: %w", err)
		}
	}

	fmt.Fprint(os.Stderr, "Enter token: ")

	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return fmt.Errorf("no input")
	}

	token := strings.TrimSpace(scanner.Text())
	if token == "" {
		return fmt.Errorf("empty token")
	}

	if err := appState.SetToken(token); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}

	fmt.Fprintln(os.Stderr, "token saved")

	return nil
}

func openState(path string) (*state.State, error) {
	var (
		s   *state.State
		err error
	)

	if path != "" {
		s, err = state.LoadAt(path)
	} else {
		s, err = state.Load()
	}

	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	return s, nil
}

func run() error {
	conversation := flag.String("conversation", "", "conversation id to open on start, defaults to the last one opened")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)

	appState, err := openState(cfg.StatePath)
	if err != nil {
		return err
	}
	defer appState.Close()

	participant := cfg.ParticipantID
	if participant == "" {
		participant = appState.ParticipantID()
	}

	if participant == "" {
		return fmt.Errorf("CHAT_PARTICIPANT_ID is required (or store one with `chat-sync set-token <participant-id>`)")
	}

	var credentials auth.CredentialSource
	if cfg.Token != "" {
		credentials = auth.NewStaticSource(participant, cfg.Token)
	} else {
		credentials = auth.NewStoreSource(participant, appState)
	}

	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("participant", participant),
		slog.String("send_strategy", cfg.SendStrategy),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	m := metrics.New()

	mgr := channel.NewManager(channel.ManagerConfig{
		URL:         cfg.WSURL,
		Credentials: credentials,
		Timeout:     cfg.RequestTimeout,
		Metrics:     m,
	}, logger.With(slog.String("component", "channel")))
	defer mgr.Close()

	var con *console

	ctrl := messaging.NewController(messaging.Config{
		API:            api.NewClient(cfg.APIURL, credentials, cfg.RequestTimeout),
		Channel:        messaging.ChannelFromManager(mgr),
		Self:           models.ID(participant),
		Strategy:       messaging.Strategy(cfg.SendStrategy),
		RequestTimeout: cfg.RequestTimeout,
		Metrics:        m,
		OnChange:       func() { con.notify() },
		OnOpen: func(conv models.Conversation) {
			if err := appState.SetLastConversation(participant, conv.ID.String()); err != nil {
				logger.Warn("failed to save last conversation", slog.String("error", err.Error()))
			}
		},
	}, logger.With(slog.String("component", "messaging")))

	con = newConsole(ctrl, os.Stdout)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx, quit := context.WithCancel(sigCtx)
	defer quit()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ctrl.Run(gctx)
	})

	g.Go(func() error {
		return con.renderLoop(gctx)
	})

	g.Go(func() error {
		startup(gctx, ctrl, models.ID(*conversation), models.ID(appState.LastConversation(participant)), logger)

		if con.readLoop(gctx, os.Stdin) || !cfg.EnableMCP {
			quit()
		}

		return nil
	})

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, ctrl, m, logger)
		})
	}

	return g.Wait()
}

// startup loads the directory and opens the requested conversation, or
// the one last opened.
func startup(ctx context.Context, ctrl *messaging.Controller, requested, last models.ID, logger *slog.Logger) {
	convs := ctrl.LoadDirectory(ctx)
	logger.Info("directory loaded", slog.Int("conversations", len(convs)))

	id := requested
	if id == "" {
		id = last
	}

	if id == "" {
		return
	}

	_, err := ctrl.OpenConversationByID(ctx, id)
	switch {
	case errors.Is(err, chaterrors.ErrConversationNotFound):
		logger.Warn("conversation not in directory", slog.String("conversation", id.String()))
	case err != nil:
		logger.Warn("opening conversation failed", slog.String("error", err.Error()))
	}
}

// runMCP serves the MCP tools and the metrics endpoint.
func runMCP(ctx context.Context, cfg *config.Config, ctrl *messaging.Controller, m *metrics.Metrics, logger *slog.Logger) error {
	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, ctrl)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	srv := server.New(cfg.MCPListenAddr, server.NewMux(server.MuxConfig{
		MCPHandler: mcpHandler,
		APIKeyHash: cfg.MCPAPIKeyHash,
		Metrics:    m,
		Logger:     mcpLogger,
	}))

	mcpLogger.Info("starting MCP server", slog.String("listen", cfg.MCPListenAddr))

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
