package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"node.town/ragvoice/control"
	"node.town/ragvoice/turn"
	"node.town/ragvoice/voice"
)

var callCmd = &cobra.Command{
	Use:   "call",
	Short: "Start a voice call with the agent",
	Long: `Join the agent's room and talk. ` + callHelp + `

Logs are shown in the log view unless --log-file is set.`,
	RunE: runCall,
}

func init() {
	callCmd.Flags().Bool("serve", false, "Also run the control API")
	callCmd.Flags().Bool("record", false, "Start recording as soon as the call connects")
}

type command struct {
	name string
	arg  string
}

// parseLine splits "/name arg" input. Anything else is a message.
func parseLine(line string) (command, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{arg: line}, false
	}
	name, arg, _ := strings.Cut(line[1:], " ")
	return command{name: strings.ToLower(name), arg: strings.TrimSpace(arg)}, true
}

func runCall(cmd *cobra.Command, args []string) error {
	events := newFeed()
	if logFile == nil {
		logger.SetOutput(events)
	}

	mainLogger, _, _, _ := createLoggers()
	cfg := loadConfig(mainLogger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session, devices := newSession(cfg)
	defer devices.Close()
	defer session.Close()
	defer events.close()

	session.Transcript().OnAppend(func(e turn.Entry) { events.send(entryMsg(e)) })
	session.OnChange(func(s voice.Snapshot) { events.send(snapshotMsg(s)) })

	if serve, _ := cmd.Flags().GetBool("serve"); serve {
		go func() {
			if err := control.Serve(ctx, viper.GetInt("http_port"), session, mainLogger.WithPrefix("http")); err != nil {
				mainLogger.Error("control api", "error", err)
			}
		}()
	}

	record, _ := cmd.Flags().GetBool("record")
	p := tea.NewProgram(newCallModel(ctx, session, events, record), tea.WithAltScreen())
	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("failed to run call view: %w", err)
	}
	return nil
}

func uploadFile(ctx context.Context, session callSession, path string) error {
	if path == "" {
		return fmt.Errorf("usage: /upload PATH")
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	_, err = session.Upload(ctx, filepath.Base(path), f)
	return err
}
