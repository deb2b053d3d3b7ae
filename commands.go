package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"node.town/ragvoice/backend"
	"node.town/ragvoice/control"
	"node.town/ragvoice/event"
	"node.town/ragvoice/tts"
	"node.town/ragvoice/turn"
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the agent a question by text",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

var promptCmd = &cobra.Command{
	Use:   "prompt [text]",
	Short: "Replace the agent's system prompt",
	Long:  `Replace the agent's system prompt. Without an argument, opens an editor.`,
	RunE:  runPrompt,
}

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Add documents to the agent's knowledge base",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runUpload,
}

var voicesCmd = &cobra.Command{
	Use:   "voices",
	Short: "List the ElevenLabs voices",
	RunE:  runVoices,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a voice session driven by the local control API",
	RunE:  runServe,
}

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the backend and the configured capabilities",
	RunE:  runDoctor,
}

func init() {
	serveCmd.Flags().Bool("call", false, "Start the call right away")
}

func runAsk(cmd *cobra.Command, args []string) error {
	mainLogger, callLogger, _, talkLogger := createLoggers()
	cfg := loadConfig(mainLogger)

	coord := turn.NewCoordinator(
		newBackend(cfg, callLogger),
		tts.NewPlayback(nil, talkLogger),
		turn.NewTranscript(),
		turn.NewSources(),
		event.NewSignal(),
		cfg.TurnTimeout,
		callLogger.WithPrefix("turn"),
	)

	resp, ok, err := coord.Ask(cmd.Context(), strings.Join(args, " "))
	if !ok {
		return errors.New("question is empty")
	}
	if err != nil {
		return err
	}

	fmt.Println(agentStyle.Render("agent"), resp.Reply)
	if len(resp.Sources) > 0 {
		fmt.Println()
		renderSources(os.Stdout, resp.Sources)
	}
	return nil
}

func runPrompt(cmd *cobra.Command, args []string) error {
	mainLogger, callLogger, _, _ := createLoggers()
	cfg := loadConfig(mainLogger)

	prompt := strings.Join(args, " ")
	if prompt == "" {
		prompt = backend.DefaultPrompt
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewText().
					Title("System prompt").
					CharLimit(4000).
					Value(&prompt),
			),
		)
		if err := form.Run(); err != nil {
			return fmt.Errorf("failed to read prompt: %w", err)
		}
	}
	if strings.TrimSpace(prompt) == "" {
		return errors.New("prompt is empty")
	}

	if _, err := newBackend(cfg, callLogger).SetPrompt(cmd.Context(), prompt); err != nil {
		fmt.Println("Failed to update prompt.")
		return err
	}
	fmt.Println("System prompt updated!")
	return nil
}

func runUpload(cmd *cobra.Command, args []string) error {
	mainLogger, callLogger, _, _ := createLoggers()
	cfg := loadConfig(mainLogger)
	client := newBackend(cfg, callLogger)

	var failed []string
	for _, path := range args {
		n, err := uploadPath(cmd.Context(), client, path)
		if err != nil {
			mainLogger.Error("upload", "file", path, "error", err)
			fmt.Printf("%s: Upload failed.\n", path)
			failed = append(failed, path)
			continue
		}
		fmt.Printf("%s: Success: %d chunks indexed.\n", path, n)
	}

	if len(failed) > 0 {
		return fmt.Errorf("%d of %d uploads failed", len(failed), len(args))
	}
	return nil
}

func uploadPath(ctx context.Context, client *backend.Client, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return client.Upload(ctx, filepath.Base(path), f)
}

func runVoices(cmd *cobra.Command, args []string) error {
	mainLogger, _, _, talkLogger := createLoggers()
	cfg := loadConfig(mainLogger)

	synth := newSynthesizer(cfg, nil, talkLogger)
	if synth == nil {
		return errors.New("missing ELEVENLABS_API_KEY or --elevenlabs-api-key=")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	voices, err := synth.Voices(ctx)
	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "Name", "Category", "Accent", ""})
	table.SetBorder(false)
	table.SetCenterSeparator("|")
	table.SetColumnSeparator("|")
	table.SetRowSeparator("-")
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)

	for _, v := range voices {
		current := ""
		if v.ID == cfg.ElevenLabsVoiceID {
			current = "*"
		}
		table.Append([]string{v.ID, v.Name, v.Category, v.Lang, current})
	}
	table.Render()
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	mainLogger, _, _, _ := createLoggers()
	cfg := loadConfig(mainLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, devices := newSession(cfg)
	defer devices.Close()
	defer session.Close()

	session.Transcript().OnAppend(func(e turn.Entry) {
		mainLogger.Info(string(e.Role), "text", e.Content)
	})

	if call, _ := cmd.Flags().GetBool("call"); call {
		if err := session.StartCall(ctx); err != nil {
			return err
		}
	}

	return control.Serve(ctx, cfg.HTTPPort, session, mainLogger.WithPrefix("http"))
}

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#00cc66"))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#ff3333"))
)

type check struct {
	name   string
	ok     bool
	detail string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	mainLogger, callLogger, _, _ := createLoggers()
	cfg := loadConfig(mainLogger)
	client := newBackend(cfg, callLogger)

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	var checks []check

	status, err := client.Health(ctx)
	checks = append(checks, result("backend", status, err))

	url, err := client.LiveKitURL(ctx)
	checks = append(checks, result("livekit", url, err))

	checks = append(checks,
		check{name: "recording", ok: cfg.CanHear(), detail: "DEEPGRAM_API_KEY"},
		check{name: "speech", ok: cfg.CanSpeak(), detail: "ELEVENLABS_API_KEY"},
	)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetBorder(false)
	table.SetColumnSeparator(" ")
	table.SetAutoWrapText(false)

	healthy := true
	for _, c := range checks {
		mark := okStyle.Render("ok")
		if !c.ok {
			mark = failStyle.Render("no")
			if c.name == "backend" || c.name == "livekit" {
				healthy = false
			}
		}
		table.Append([]string{mark, c.name, c.detail})
	}
	table.Render()

	if !healthy {
		return fmt.Errorf("backend at %s is not usable", cfg.BackendURL)
	}
	return nil
}

func result(name, detail string, err error) check {
	if err != nil {
		return check{name: name, detail: err.Error()}
	}
	return check{name: name, ok: true, detail: detail}
}
