package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	logger  *log.Logger
	logFile *os.File
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(promptCmd)
	rootCmd.AddCommand(uploadCmd)
	rootCmd.AddCommand(voicesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(doctorCmd)

	rootCmd.PersistentFlags().
		String("backend-url", "http://localhost:8000", "RAG backend base URL")
	rootCmd.PersistentFlags().String("room", "voice-chat-room", "Room to join")
	rootCmd.PersistentFlags().
		String("deepgram-api-key", "", "Deepgram API key")
	rootCmd.PersistentFlags().
		String("elevenlabs-api-key", "", "ElevenLabs API key")
	rootCmd.PersistentFlags().
		String("elevenlabs-voice-id", "", "ElevenLabs voice")
	rootCmd.PersistentFlags().Int("http-port", 8081, "Control API port")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level")
	rootCmd.PersistentFlags().
		String("log-file", "", "Write logs to this file instead of stderr")

	viper.BindPFlag(
		"backend_url",
		rootCmd.PersistentFlags().Lookup("backend-url"),
	)
	viper.BindPFlag("room", rootCmd.PersistentFlags().Lookup("room"))
	viper.BindPFlag(
		"deepgram_api_key",
		rootCmd.PersistentFlags().Lookup("deepgram-api-key"),
	)
	viper.BindPFlag(
		"elevenlabs_api_key",
		rootCmd.PersistentFlags().Lookup("elevenlabs-api-key"),
	)
	viper.BindPFlag(
		"elevenlabs_voice_id",
		rootCmd.PersistentFlags().Lookup("elevenlabs-voice-id"),
	)
	viper.BindPFlag("http_port", rootCmd.PersistentFlags().Lookup("http-port"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_file", rootCmd.PersistentFlags().Lookup("log-file"))
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stderr)

	if path := viper.GetString("log_file"); path != "" {
		logFile, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			log.Fatal("Failed to open log file", "error", err)
		}
		logger = log.NewWithOptions(logFile, log.Options{
			ReportCaller:    true,
			ReportTimestamp: true,
		})
	}
}

var rootCmd = &cobra.Command{
	Use:   "ragvoice",
	Short: "Talk to a RAG voice agent from the terminal",
	Long: `ragvoice joins the RAG backend's voice room, listens to your microphone,
sends what you say to the agent and speaks its replies.`,
	SilenceUsage: true,
}

func main() {
	err := rootCmd.Execute()
	if logFile != nil {
		logFile.Close()
	}
	if err != nil {
		os.Exit(1)
	}
}

func createLoggers() (mainLogger, callLogger, hearLogger, talkLogger *log.Logger) {
	logLevel, err := log.ParseLevel(viper.GetString("log_level"))
	if err != nil {
		logLevel = log.InfoLevel
	}

	logger.SetLevel(logLevel)
	logger.SetReportCaller(true)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	mainLogger = logger.With().WithPrefix("main")
	callLogger = logger.With().WithPrefix("call")
	hearLogger = logger.With().WithPrefix("hear")
	talkLogger = logger.With().WithPrefix("talk")

	return
}
