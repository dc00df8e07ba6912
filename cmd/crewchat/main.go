package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/stellarlinkco/crewchat/internal/config"
	"github.com/stellarlinkco/crewchat/internal/display"
	"github.com/stellarlinkco/crewchat/internal/gateway"
	"github.com/stellarlinkco/crewchat/internal/logging"
	"github.com/stellarlinkco/crewchat/internal/persona"
	"github.com/stellarlinkco/crewchat/internal/transcript"
)

const (
	consoleChannel = "console"
	consoleUser    = "user"
	exitWord       = "exit"
)

// ChatOptions for running console chat with custom dependencies
type ChatOptions struct {
	ModelFactory gateway.ModelFactory
	Stdin        io.Reader
	Stdout       io.Writer
	Stderr       io.Writer
	// PollInterval is how often a finished stdin checks for a pending prompt.
	PollInterval time.Duration
}

var rootCmd = &cobra.Command{
	Use:   "crewchat",
	Short: "crewchat - multi-persona research group chat",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		loadDotEnv()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway (channels + scheduler)",
	RunE:  runServe,
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Run a conversation in the terminal",
	RunE:  runChat,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config and persona files",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show crewchat status",
	RunE:  runStatus,
}

var personasCmd = &cobra.Command{
	Use:   "personas",
	Short: "List the personas taking part in the chat",
	RunE:  runPersonas,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print the latest transcript entries",
	RunE:  runHistory,
}

var (
	messageFlag string
	limitFlag   int
	searchFlag  string
	sessionFlag string
)

func init() {
	chatCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Opening message")
	historyCmd.Flags().IntVarP(&limitFlag, "limit", "n", 20, "Number of entries to show")
	historyCmd.Flags().StringVarP(&searchFlag, "search", "s", "", "Full-text search query")
	historyCmd.Flags().StringVar(&sessionFlag, "session", "", "Show every entry of one conversation")
	rootCmd.AddCommand(serveCmd, chatCmd, onboardCmd, statusCmd, personasCmd, historyCmd, scheduleCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("[main] .env not loaded: %v", err)
	}
}

func newLogger(cfg *config.Config, w io.Writer) *logging.Logger {
	return logging.NewWriter(w, cfg.Log.Level)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	gw, err := gateway.NewWithOptions(cfg, gateway.Options{Logger: newLogger(cfg, os.Stderr)})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(context.Background())
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return runChatWithOptions(ctx, ChatOptions{})
}

// runChatWithOptions runs one conversation in the terminal. The terminal is
// both the display and the input channel; no other channel is started.
func runChatWithOptions(ctx context.Context, opts ChatOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.Channels.WebUI.Enabled = false
	cfg.Channels.Telegram.Enabled = false

	stdin := opts.Stdin
	if stdin == nil {
		stdin = os.Stdin
	}
	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}

	console := display.SinkFunc(func(content, author, avatar string) error {
		_, err := fmt.Fprintln(stdout, formatLine(avatar, author, content))
		return err
	})
	gw, err := gateway.NewWithOptions(cfg, gateway.Options{
		ModelFactory: opts.ModelFactory,
		Logger:       newLogger(cfg, stderr),
		Display:      console,
	})
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	if err := gw.Start(ctx); err != nil {
		return err
	}
	defer gw.Shutdown()

	fmt.Fprintln(stdout, "crewchat (type 'exit' when asked for feedback to end)")

	submitted := false
	if strings.TrimSpace(messageFlag) != "" {
		if err := gw.Submit(ctx, consoleChannel, consoleUser, messageFlag); err != nil {
			return err
		}
		submitted = true
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for lines != nil {
		select {
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if strings.TrimSpace(line) == "" && !gw.AwaitingInput() {
				continue
			}
			if err := gw.Submit(ctx, consoleChannel, consoleUser, line); err != nil {
				return err
			}
			submitted = true
		case <-gw.Done():
			return nil
		case <-ctx.Done():
			return nil
		}
	}

	if !submitted {
		return nil
	}
	// stdin is finished: answer any further prompt with exit
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-gw.Done():
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if gw.AwaitingInput() {
				if err := gw.Submit(ctx, consoleChannel, consoleUser, exitWord); err != nil {
					return err
				}
			}
		}
	}
}

func formatLine(avatar, author, content string) string {
	if avatar == "" {
		return fmt.Sprintf("%s: %s", author, content)
	}
	return fmt.Sprintf("%s %s: %s", avatar, author, content)
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	created, err := persona.WriteDir(cfg.PersonasDir(), persona.Defaults())
	if err != nil {
		return fmt.Errorf("write personas: %w", err)
	}
	for _, path := range created {
		fmt.Fprintf(out, "  Created: %s\n", path)
	}

	fmt.Fprintf(out, "Personas ready: %s\n", cfg.PersonasDir())
	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to point at your model provider\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set CREWCHAT_API_KEY / CREWCHAT_BASE_URL")
	fmt.Fprintln(out, "  3. Run 'crewchat chat -m \"Find papers on LLM applications\"'")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Provider: %s (%s)\n", providerDisplay(cfg.Provider.Type), cfg.Provider.BaseURL)
	fmt.Fprintf(out, "Model: %s\n", cfg.Model.Name)
	fmt.Fprintf(out, "API Key: %s\n", maskKey(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Group chat: maxRound=%d speakerSelection=%s\n", cfg.GroupChat.MaxRound, cfg.GroupChat.SpeakerSelection)
	fmt.Fprintf(out, "Executor: enabled=%v workDir=%s\n", cfg.Executor.Enabled, cfg.Executor.WorkDir)
	fmt.Fprintf(out, "WebUI: enabled=%v address=%s:%d\n", cfg.Channels.WebUI.Enabled, cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Fprintf(out, "Telegram: enabled=%v\n", cfg.Channels.Telegram.Enabled)
	fmt.Fprintf(out, "Transcript: enabled=%v path=%s\n", cfg.Transcript.Enabled, cfg.TranscriptPath())
	fmt.Fprintf(out, "Schedule: enabled=%v path=%s\n", cfg.Schedule.Enabled, cfg.ScheduleStorePath())

	if _, err := os.Stat(cfg.PersonasDir()); err != nil {
		fmt.Fprintln(out, "Personas: defaults (run 'crewchat onboard' to customize)")
	} else {
		fmt.Fprintf(out, "Personas: %s\n", cfg.PersonasDir())
	}
	return nil
}

func providerDisplay(t string) string {
	if t == "" {
		return config.DefaultProviderType + " (default)"
	}
	return t
}

func maskKey(key string) string {
	switch {
	case key == "":
		return "not set"
	case len(key) > 8:
		return key[:4] + "..." + key[len(key)-4:]
	default:
		return "set"
	}
}

func runPersonas(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	roster, err := gateway.LoadRoster(cfg)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, p := range roster.All() {
		mode := "llm"
		switch {
		case p.AlwaysAsksHuman():
			mode = "human"
		case p.CodeExecution:
			mode = "code"
		}
		fmt.Fprintf(out, "%s %-10s %-6s %s\n", p.Avatar, p.Name, mode, p.Description)
	}
	return nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Transcript.Enabled {
		return fmt.Errorf("transcript is disabled")
	}

	store, err := transcript.Open(cfg.TranscriptPath())
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	defer store.Close()

	var entries []transcript.Entry
	switch {
	case sessionFlag != "":
		entries, err = store.ListSession(sessionFlag)
	case searchFlag != "":
		entries, err = store.Search(searchFlag, limitFlag)
	default:
		entries, err = store.List(limitFlag)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(out, "No messages.")
		return nil
	}
	session := ""
	for i, e := range entries {
		if i == 0 || e.SessionID != session {
			session = e.SessionID
			fmt.Fprintf(out, "-- session %s --\n", session)
		}
		fmt.Fprintf(out, "[%s] %s\n", e.CreatedAt.Local().Format("2006-01-02 15:04:05"), formatLine(e.Avatar, e.Author, e.Content))
	}
	return nil
}
