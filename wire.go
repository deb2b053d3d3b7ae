package main

import (
	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
	"node.town/ragvoice/audio"
	"node.town/ragvoice/backend"
	"node.town/ragvoice/config"
	"node.town/ragvoice/room"
	"node.town/ragvoice/stt"
	"node.town/ragvoice/tts"
	"node.town/ragvoice/voice"
)

func loadConfig(mainLogger *log.Logger) *config.Config {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		mainLogger.Fatal("load config", "error", err.Error())
	}
	return cfg
}

func newBackend(cfg *config.Config, logger *log.Logger) *backend.Client {
	return backend.NewClient(cfg.BackendURL, logger.WithPrefix("http"))
}

func newSynthesizer(cfg *config.Config, speaker audio.Speaker, talkLogger *log.Logger) tts.Synthesizer {
	if !cfg.CanSpeak() {
		talkLogger.Warn("no ELEVENLABS_API_KEY, replies will not be spoken")
		return nil
	}
	return tts.NewElevenLabs(tts.ElevenLabsConfig{
		APIKey:  cfg.ElevenLabsAPIKey,
		VoiceID: cfg.ElevenLabsVoiceID,
		Model:   cfg.ElevenLabsModel,
	}, speaker, talkLogger)
}

// newSession builds a session on the local audio devices. The caller
// closes the session before the devices.
func newSession(cfg *config.Config) (*voice.Session, *audio.Devices) {
	_, callLogger, hearLogger, talkLogger := createLoggers()

	devices := audio.NewDevices(callLogger.WithPrefix("audio"))

	var rec stt.Recognizer
	if cfg.CanHear() {
		rec = stt.NewDeepgramRecognizer(stt.DeepgramConfig{
			APIKey:      cfg.DeepgramAPIKey,
			Model:       cfg.DeepgramModel,
			Language:    cfg.Language,
			SmartFormat: true,
		}, devices, hearLogger)
	} else {
		hearLogger.Warn("no DEEPGRAM_API_KEY, recording is disabled")
	}

	synth := newSynthesizer(cfg, devices, talkLogger)

	client := newBackend(cfg, callLogger)
	relay := room.NewRelay(room.NewOpusRenderer(devices, callLogger), callLogger)

	session := voice.NewSession(voice.Deps{
		Backend:    client,
		Controller: room.NewController(client, room.NewLiveKit(devices, callLogger), relay, callLogger),
		Relay:      relay,
		Capture: stt.NewCapture(rec, hearLogger, stt.Options{
			MaxRestarts:    cfg.MaxRestarts,
			RestartBackoff: cfg.RestartBackoff,
		}),
		Playback: tts.NewPlayback(synth, talkLogger),
	}, voice.Options{
		Room:           cfg.Room,
		IdentityPrefix: cfg.Identity,
		TurnTimeout:    cfg.TurnTimeout,
	}, callLogger)

	return session, devices
}
