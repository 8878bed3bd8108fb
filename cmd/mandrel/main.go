package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kazimuth/mandrel/internal/cache"
	"github.com/kazimuth/mandrel/internal/config"
	"github.com/kazimuth/mandrel/internal/delta"
	"github.com/kazimuth/mandrel/internal/engine"
	"github.com/kazimuth/mandrel/internal/history"
	"github.com/kazimuth/mandrel/internal/mcpclient"
	"github.com/kazimuth/mandrel/internal/shell"
	"github.com/kazimuth/mandrel/internal/toolregistry"
	"github.com/kazimuth/mandrel/internal/ui"
)

func main() {
	if err := setupFileLogging(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to setup logging: %v\n", err)
	}

	flagSession := flag.String("s", "", "resume a session by ID")
	flagList := flag.Bool("l", false, "list sessions")
	flagContinue := flag.Bool("c", false, "continue most recent session")
	flag.StringVar(flagSession, "session", "", "resume a session by ID")
	flag.BoolVar(flagList, "list", false, "list sessions")
	flag.BoolVar(flagContinue, "continue", false, "continue most recent session")
	flag.Parse()

	configPath := filepath.Join(".", "config.toml")
	if dataDir, err := config.DataDir(); err == nil {
		dataDirPath := filepath.Join(dataDir, "config.toml")
		if _, err := os.Stat(dataDirPath); err == nil {
			configPath = dataDirPath
		}
	}
	fileCfg, err := config.LoadFile(configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadEnv()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	dataDir, err := config.EnsureDataDir()
	if err != nil {
		fmt.Printf("Error preparing data directory: %v\n", err)
		os.Exit(1)
	}

	histStore, err := history.Open(filepath.Join(dataDir, "history.db"))
	if err != nil {
		fmt.Printf("Error opening history: %v\n", err)
		os.Exit(1)
	}
	defer histStore.Close()

	if *flagList {
		listSessions(histStore)
		return
	}

	webCache, err := cache.Open(filepath.Join(dataDir, "cache.db"), 24*time.Hour)
	if err != nil {
		fmt.Printf("Error opening cache: %v\n", err)
		os.Exit(1)
	}
	defer webCache.Close()

	deltaTracker := delta.New(histStore.DB())

	sessionID, resumeHistory := resolveSession(histStore, *flagSession, *flagContinue)
	deltaTracker.SetSession(sessionID)

	cwd, err := os.Getwd()
	if err != nil {
		cwd = "."
	}

	sh := shell.New(cwd, shell.DefaultBlockFuncs())
	shellExec := toolregistry.NewShellExecutor(sh, deltaTracker)

	autoApproved := map[string]bool{}
	for _, name := range fileCfg.Tools.AutoApproved {
		autoApproved[name] = true
	}

	scratchpad := &toolregistry.Scratchpad{}
	registry := toolregistry.New(toolregistry.Options{
		Cache:        webCache,
		DeltaTracker: deltaTracker,
		ExaAPIKey:    os.Getenv("EXA_API_KEY"),
		AutoApproved: autoApproved,
		Scratchpad:   scratchpad,
	})

	mcpManager := mcpclient.NewManager()
	defer mcpManager.Close()
	if fileCfg.MCP.Upstream != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defs, err := mcpManager.ConnectJSONRPC(ctx, fileCfg.MCP.Upstream)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("endpoint", fileCfg.MCP.Upstream).Msg("mcp: failed to connect upstream")
		} else {
			registry.RegisterExternal(defs...)
		}
	}
	for _, srv := range fileCfg.MCP.Servers {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defs, err := mcpManager.ConnectStdio(ctx, &mcpclient.ServerConfig{
			ID:      srv.ID,
			Command: srv.Command,
			Args:    srv.Args,
			Env:     srv.Env,
			WorkDir: srv.WorkDir,
		})
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("server", srv.ID).Msg("mcp: failed to start stdio server")
		} else {
			registry.RegisterExternal(defs...)
		}
	}

	cancel := &engine.CancelSignal{}
	mode := engine.NewModeGate()
	approval := engine.NewApprovalCache()
	stats := &engine.Stats{}
	term := ui.New(cancel)

	dispatcher := engine.NewToolDispatcher(cfg, registry, mode, approval, term, cancel, stats, map[engine.ToolKind]engine.KindExecutor{
		engine.KindCommand:  shellExec,
		engine.KindJSONRPC:  mcpManager,
		engine.KindMCPStdio: mcpManager,
	})
	transport := engine.NewTransportClient(cfg)
	turn := engine.NewTurnController(cfg, histStore, transport, dispatcher, mode, stats, term, cancel, engine.TurnControllerOptions{
		Scratchpad: scratchpad,
	})

	if len(resumeHistory) == 0 {
		histStore.AppendSystem(systemPrompt(cwd))
	}

	go runTurnLoop(term, turn, cancel)

	if err := term.Run(); err != nil {
		fmt.Printf("Error running mandrel: %v\n", err)
		os.Exit(1)
	}
}

// runTurnLoop pumps user input lines from the UI into the engine's turn
// loop, one at a time, until the UI quits. Grounded on the teacher's
// sendToLLM/processLLM bridge in internal/tui/tui.go, generalized from a
// bubbletea Cmd into a plain goroutine since TurnController.Turn already
// owns its own blocking network I/O (spec.md §5: "main task plus
// short-lived worker tasks").
func runTurnLoop(term *ui.UI, turn *engine.TurnController, cancel *engine.CancelSignal) {
	for {
		line, ok := term.NextInput()
		if !ok {
			return
		}
		ctx := context.Background()
		if err := turn.Turn(ctx, line); err != nil {
			term.Notice("error", err.Error())
		}
		cancel.Reset()
	}
}

func resolveSession(histStore *history.Store, flagSession string, flagContinue bool) (string, []engine.Message) {
	if flagSession != "" {
		if msgs, err := histStore.LoadSession(flagSession); err == nil {
			return flagSession, msgs
		}
		fmt.Printf("Session %q not found, starting fresh\n", flagSession)
	}
	if flagContinue {
		if id, err := histStore.LatestSessionID(); err == nil {
			if msgs, err := histStore.LoadSession(id); err == nil {
				return id, msgs
			}
		}
	}

	id := newSessionID()
	if err := histStore.CreateSession(id); err != nil {
		log.Error().Err(err).Msg("failed to create session")
	}
	return id, nil
}

func newSessionID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func systemPrompt(cwd string) string {
	return fmt.Sprintf(`You are mandrel, an interactive coding agent operating in %s.
You have tools to read and edit files, search the codebase, run shell commands, inspect git state, fetch and search the web, and track a todo list.
Use the minimum number of tool calls necessary. Read a file before editing it. Prefer targeted edits over rewriting whole files.
When a task is complete, say so plainly; do not call a tool just to have the last word.`, cwd)
}

func listSessions(histStore *history.Store) {
	sessions, err := histStore.ListSessions()
	if err != nil {
		fmt.Printf("Error listing sessions: %v\n", err)
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found")
		return
	}
	for _, s := range sessions {
		ts := s.Timestamp.Format("2006-01-02 15:04")
		preview := strings.ReplaceAll(s.Preview, "\n", " ")
		fmt.Printf("%s  %s  %s\n", s.ID, ts, preview)
	}
}

func setupFileLogging() error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	dataDir, err := config.DataDir()
	if err != nil {
		return err
	}

	logDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logDir, 0750); err != nil {
		return err
	}

	logFile := filepath.Join(logDir, "mandrel.log")
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	log.Logger = log.Output(file)
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	return nil
}
