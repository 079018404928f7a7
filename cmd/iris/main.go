// Iris - local chat client with branching conversation history.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/iris-desktop/iris-core/internal/chat"
	"github.com/iris-desktop/iris-core/internal/compose"
	"github.com/iris-desktop/iris-core/internal/config"
	"github.com/iris-desktop/iris-core/internal/export"
	"github.com/iris-desktop/iris-core/internal/ingest"
	"github.com/iris-desktop/iris-core/internal/model"
	"github.com/iris-desktop/iris-core/internal/ollama"
	"github.com/iris-desktop/iris-core/internal/search"
	"github.com/iris-desktop/iris-core/internal/server"
	"github.com/iris-desktop/iris-core/internal/storage"
	"github.com/iris-desktop/iris-core/internal/telemetry"
)

// Version information (set at build time)
var (
	Version   = "1.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "version") {
		fmt.Printf("iris %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer app.close()

	// Hot-reload sampling bounds and model selection on config edits.
	if path, err := config.ConfigPath(); err == nil {
		watcher, werr := config.NewWatcher(path, 0, app.applyConfig)
		if werr == nil {
			if werr = watcher.Watch(); werr == nil {
				defer watcher.Close()
			}
		}
		if werr != nil {
			log.Printf("[iris] config watch disabled: %v", werr)
		}
	}

	// Ctrl+C stops the in-flight generation; a second one exits.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		app.controller.Cancel()
		<-sigs
		os.Exit(130)
	}()

	return app.repl()
}

// =============================================================================
// APPLICATION WIRING
// =============================================================================

// app holds the wired components behind the REPL.
type app struct {
	// cfg is replaced wholesale by the config watcher goroutine; read it
	// through config().
	cfg        atomic.Pointer[config.Config]
	backend    *ollama.Client
	store      *storage.Store
	closer     interface{ Close() error }
	controller *chat.Controller
	searcher   *search.Client
	ingestor   *ingest.Ingestor
	sidecar    *server.Server

	// latest holds the most recent background telemetry reading; the poll
	// goroutine replaces it, /power reads it.
	latest   atomic.Pointer[telemetry.PowerTelemetry]
	pollStop context.CancelFunc

	// attachments staged for the next send
	staged []model.AttachmentSummary

	// characters of streamed content already printed
	printed int
}

func newApp(cfg *config.Config) (*app, error) {
	kv, closer, err := openKV(cfg)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	store := storage.NewStore(kv)

	backend := ollama.NewClientWithConfig(&ollama.ClientConfig{
		BaseURL:      cfg.Inference.OllamaURL,
		Timeout:      30 * time.Second,
		DefaultModel: cfg.Inference.Model,
	})

	composer := compose.New(&compose.AssemblerConfig{
		MaxPromptTokens: cfg.Inference.ContextTokens,
		SystemPrompt:    cfg.Inference.SystemPrompt,
		Temperature:     cfg.Inference.Temperature,
		MaxTokens:       cfg.Inference.MaxTokens,
	})

	a := &app{
		store:    store,
		closer:   closer,
		backend:  backend,
		ingestor: ingest.New(),
		searcher: search.NewClient(fmt.Sprintf("http://127.0.0.1:%d", cfg.Search.SidecarPort)),
	}
	a.cfg.Store(cfg)

	// Model selection is left to the client's default so /model switches
	// take effect on the next send.
	a.controller = chat.NewController(model.NewSession(), backend, composer, store, chat.Config{
		OnDelta: a.printDelta,
	})

	// Search and telemetry sidecar. Runs for the life of the process; the
	// search client above talks to it over loopback.
	sampler := telemetry.NewSampler(telemetry.Config{
		IdleWatts: cfg.Telemetry.IdleWatts,
		MaxWatts:  cfg.Telemetry.MaxWatts,
	})
	a.sidecar = server.NewServer(cfg.Search.SidecarPort).
		WithTavily(search.NewTavilyClient(cfg.Search.TavilyAPIKey)).
		WithSampler(sampler).
		WithModel(cfg.Search.Model)
	go func() {
		if err := a.sidecar.Start(); err != nil {
			log.Printf("[iris] sidecar stopped: %v", err)
		}
	}()

	// Background telemetry poll at the configured cadence. /power reads
	// the latest sample instead of blocking the REPL on a fresh one.
	pollCtx, pollStop := context.WithCancel(context.Background())
	a.pollStop = pollStop
	go sampler.Poll(pollCtx, time.Duration(cfg.Telemetry.PollIntervalSecs)*time.Second, func(reading telemetry.PowerTelemetry) {
		a.latest.Store(&reading)
	})

	return a, nil
}

// openKV selects the persistence backend per config.
func openKV(cfg *config.Config) (storage.KV, interface{ Close() error }, error) {
	dir := cfg.Storage.Dir
	if dir == "" {
		configDir, err := config.ConfigDir()
		if err != nil {
			return nil, nil, err
		}
		dir = filepath.Join(configDir, "sessions")
	}

	switch cfg.Storage.Backend {
	case "sqlite":
		kv, err := storage.NewSQLiteKV(filepath.Join(dir, "iris.db"))
		if err != nil {
			return nil, nil, err
		}
		return kv, kv, nil
	default:
		kv, err := storage.NewFileKV(dir)
		if err != nil {
			return nil, nil, err
		}
		return kv, kv, nil
	}
}

// applyConfig is the hot-reload hook. The new configuration takes effect
// for the next session or send; components already wired keep running.
func (a *app) applyConfig(cfg *config.Config) {
	a.cfg.Store(cfg)
	log.Printf("[iris] config reloaded (model=%s)", cfg.Inference.Model)
}

func (a *app) config() *config.Config {
	return a.cfg.Load()
}

func (a *app) close() {
	if a.pollStop != nil {
		a.pollStop()
	}
	a.controller.WaitForSaves()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := a.sidecar.Shutdown(ctx); err != nil {
		log.Printf("[iris] sidecar shutdown: %v", err)
	}

	if a.closer != nil {
		if err := a.closer.Close(); err != nil {
			log.Printf("[iris] storage close: %v", err)
		}
	}
}

// printDelta writes newly streamed content to stdout.
func (a *app) printDelta(content string) {
	if len(content) > a.printed {
		fmt.Print(content[a.printed:])
		a.printed = len(content)
	}
}

// =============================================================================
// REPL
// =============================================================================

const replHelp = `Commands:
  <text>              send a message
  /edit <id> <text>   edit a message and regenerate from it
  /regen              regenerate the last assistant answer
  /prev, /next        switch between sibling branches at the last answer
  /attach <path>      stage a file for the next send
  /search <query>     fetch web context for the next send
  /model [name]       list installed models, or switch to one
  /power              show the latest host power/RAM/CPU reading
  /sessions           list saved sessions
  /load <id>          load a session
  /delete <id>        delete a session
  /new                start a fresh session
  /export [dir]       export the active path as Markdown
  /show               print the active conversation path
  /help               this help
  /quit               exit`

func (a *app) repl() error {
	fmt.Printf("iris %s | model %s | /help for commands\n", Version, a.backend.GetDefaultModel())

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if quit := a.handleCommand(line); quit {
				return nil
			}
			continue
		}

		a.send(line)
	}
}

// handleCommand dispatches one slash command. Returns true on /quit.
func (a *app) handleCommand(line string) bool {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println(replHelp)
	case "/edit":
		id, text, ok := strings.Cut(rest, " ")
		if !ok {
			fmt.Println("usage: /edit <message-id> <new text>")
			break
		}
		a.generate(func(ctx context.Context) error {
			return a.controller.Edit(ctx, id, strings.TrimSpace(text))
		})
	case "/regen":
		leaf := a.controller.Session().Tree.ActiveLeaf()
		if leaf == nil || leaf.Role != model.RoleAssistant {
			fmt.Println("nothing to regenerate")
			break
		}
		id := leaf.ID
		a.generate(func(ctx context.Context) error {
			return a.controller.Regenerate(ctx, id)
		})
	case "/prev":
		a.switchBranch(model.DirPrev)
	case "/next":
		a.switchBranch(model.DirNext)
	case "/attach":
		a.attach(rest)
	case "/search":
		a.searchWeb(rest)
	case "/model":
		a.modelCommand(rest)
	case "/power":
		a.showPower()
	case "/sessions":
		a.listSessions()
	case "/load":
		a.loadSession(rest)
	case "/delete":
		a.deleteSession(rest)
	case "/new":
		a.newSession()
	case "/export":
		a.exportSession(rest)
	case "/show":
		a.showPath()
	default:
		fmt.Printf("unknown command %s (/help for commands)\n", cmd)
	}
	return false
}

func (a *app) send(text string) {
	staged := a.staged
	a.staged = nil
	a.generate(func(ctx context.Context) error {
		return a.controller.Send(ctx, text, staged)
	})
}

// generate runs one completion and reports the outcome.
func (a *app) generate(fn func(context.Context) error) {
	a.printed = 0
	err := fn(context.Background())
	fmt.Println()

	switch {
	case err == nil:
		switch a.controller.State() {
		case chat.StateCancelled:
			fmt.Println("[cancelled]")
		case chat.StateSettled:
			if leaf := a.controller.Session().Tree.ActiveLeaf(); leaf != nil && leaf.TokenCount > 0 {
				fmt.Printf("[%d tokens, %.1f tok/s]\n", leaf.TokenCount, leaf.TokensPerSec)
			}
		}
	case errors.Is(err, chat.ErrBusy):
		fmt.Println("a generation is already running")
	case errors.Is(err, model.ErrNodeNotFound):
		fmt.Println("no such message id")
	case ollama.IsNotRunning(err):
		fmt.Println("Ollama is not running. Start it with: ollama serve")
	case ollama.IsModelNotFound(err):
		fmt.Printf("model not available. Pull it with: ollama pull %s\n", a.backend.GetDefaultModel())
	default:
		fmt.Printf("generation failed: %v\n", err)
	}
}

func (a *app) switchBranch(dir model.Direction) {
	tree := a.controller.Session().Tree
	leaf := tree.ActiveLeaf()
	if leaf == nil || leaf.ParentID == "" {
		fmt.Println("no conversation yet")
		return
	}
	// Branch selection lives on the parent: it picks which of the leaf's
	// siblings is active.
	if err := tree.SelectBranch(leaf.ParentID, dir); err != nil {
		fmt.Printf("branch switch failed: %v\n", err)
		return
	}
	leaf = tree.ActiveLeaf()
	info, _ := tree.BranchInfo(leaf.ID)
	fmt.Printf("[branch %d/%d]\n%s\n", info.Index, info.Total, leaf.GetDisplayContent())
}

func (a *app) attach(path string) {
	if path == "" {
		fmt.Println("usage: /attach <path>")
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Printf("read attachment: %v\n", err)
		return
	}
	att := a.ingestor.Ingest(filepath.Base(path), data)
	a.staged = append(a.staged, att)
	fmt.Printf("staged %s (%s, %d bytes)\n", att.Filename, att.Kind, att.OriginalSize)
}

// modelCommand lists installed models or switches the active one. A switch
// takes effect on the next send.
func (a *app) modelCommand(name string) {
	if name == "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		models, err := a.backend.ListModels(ctx)
		if err != nil {
			fmt.Printf("list models: %v\n", err)
			return
		}
		current := a.backend.GetDefaultModel()
		for _, m := range models {
			marker := "  "
			if m.Name == current {
				marker = "* "
			}
			fmt.Printf("%s%s\n", marker, m.Name)
		}
		return
	}
	a.backend.SetModel(name)
	fmt.Printf("model set to %s\n", name)
}

// showPower prints the most recent background telemetry sample.
func (a *app) showPower() {
	reading := a.latest.Load()
	if reading == nil {
		fmt.Println("no telemetry reading yet")
		return
	}
	fmt.Printf("status: %s\n", reading.Status)
	if reading.Watts != nil {
		fmt.Printf("power:  %.1f W", *reading.Watts)
		if reading.PowerUtilization != nil {
			fmt.Printf(" (%.0f%% of %.0f W max)", *reading.PowerUtilization*100, reading.PowerMaxWatts)
		}
		fmt.Println()
	}
	if reading.RAMPercent != nil && reading.RAMUsedBytes != nil && reading.RAMTotalBytes != nil {
		fmt.Printf("ram:    %.1f%% (%d / %d MiB)\n",
			*reading.RAMPercent, *reading.RAMUsedBytes/(1<<20), *reading.RAMTotalBytes/(1<<20))
	}
	if reading.CPUUsagePercent != nil {
		fmt.Printf("cpu:    %.1f%%\n", *reading.CPUUsagePercent)
	}
	if reading.CPUTempC != nil {
		fmt.Printf("temp:   %.1f C (%s)\n", *reading.CPUTempC, reading.TempSource)
	}
}

func (a *app) searchWeb(query string) {
	if query == "" {
		fmt.Println("usage: /search <query>")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	results, err := a.searcher.Search(ctx, query, a.config().Search.ResultCount)
	if err != nil {
		fmt.Printf("search failed: %v\n", err)
		return
	}
	a.controller.Session().AddSearchResults(results)
	for i, r := range results {
		fmt.Printf("%d. %s\n   %s\n", i+1, r.Title, r.URL)
	}
	fmt.Printf("%d results queued as context for the next send\n", len(results))
}

func (a *app) listSessions() {
	metas, err := a.store.List()
	if err != nil {
		fmt.Printf("list sessions: %v\n", err)
		return
	}
	if len(metas) == 0 {
		fmt.Println("no saved sessions")
		return
	}
	for _, m := range metas {
		fmt.Printf("%s  %s  %s\n", m.ID, m.UpdatedAt.Format("2006-01-02 15:04"), m.Title)
	}
}

func (a *app) loadSession(id string) {
	if id == "" {
		fmt.Println("usage: /load <session-id>")
		return
	}
	a.controller.WaitForSaves()
	sess, err := a.store.Load(id)
	if err != nil {
		fmt.Printf("load session: %v\n", err)
		return
	}
	a.replaceSession(sess)
	fmt.Printf("loaded %q (%d messages on active path)\n", sess.GetTitle(), len(sess.Tree.ActivePath()))
}

func (a *app) deleteSession(id string) {
	if id == "" {
		fmt.Println("usage: /delete <session-id>")
		return
	}
	if err := a.store.Delete(id); err != nil {
		fmt.Printf("delete session: %v\n", err)
		return
	}
	fmt.Println("deleted")
}

func (a *app) newSession() {
	a.controller.WaitForSaves()
	a.replaceSession(model.NewSession())
	a.staged = nil
	fmt.Println("new session")
}

// replaceSession swaps the controller for one bound to the given session.
// The backend client is shared across controllers so a /model switch
// survives session changes.
func (a *app) replaceSession(sess *model.Session) {
	cfg := a.config()
	composer := compose.New(&compose.AssemblerConfig{
		MaxPromptTokens: cfg.Inference.ContextTokens,
		SystemPrompt:    cfg.Inference.SystemPrompt,
		Temperature:     cfg.Inference.Temperature,
		MaxTokens:       cfg.Inference.MaxTokens,
	})
	a.controller = chat.NewController(sess, a.backend, composer, a.store, chat.Config{
		OnDelta: a.printDelta,
	})
}

func (a *app) exportSession(dir string) {
	opts := export.DefaultOptions()
	if dir != "" {
		opts.OutputDir = dir
	}
	path, err := export.ExportToFile(a.controller.Session(), opts)
	if err != nil {
		fmt.Printf("export failed: %v\n", err)
		return
	}
	fmt.Printf("exported to %s\n", path)
}

func (a *app) showPath() {
	tree := a.controller.Session().Tree
	path := tree.ActivePath()
	if len(path) == 0 {
		fmt.Println("empty conversation")
		return
	}
	for _, msg := range path {
		marker := ""
		if info, err := tree.BranchInfo(msg.ID); err == nil && info.Total > 1 {
			marker = fmt.Sprintf(" [branch %d/%d]", info.Index, info.Total)
		}
		fmt.Printf("%s (%s)%s: %s\n", msg.Role.DisplayName(), msg.ID, marker, msg.Preview(100))
	}
}
