package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"node.town/ragvoice/audio"
)

const flushTimeout = 5 * time.Second

type DeepgramConfig struct {
	APIKey      string
	APIBaseURL  string
	Model       string
	Language    string
	SmartFormat bool
	SampleRate  int
}

// DeepgramRecognizer streams microphone audio to Deepgram's live
// transcription websocket. Deepgram closes streams on its own, which is
// reported as an unsolicited end.
type DeepgramRecognizer struct {
	cfg    DeepgramConfig
	mic    audio.Microphone
	dialer *websocket.Dialer
	log    *log.Logger

	mu       sync.Mutex
	listener Listener
	stream   *deepgramStream
}

func NewDeepgramRecognizer(cfg DeepgramConfig, mic audio.Microphone, logger *log.Logger) *DeepgramRecognizer {
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = "https://api.deepgram.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.SampleRate
	}
	return &DeepgramRecognizer{
		cfg:    cfg,
		mic:    mic,
		dialer: websocket.DefaultDialer,
		log:    logger,
	}
}

func (d *DeepgramRecognizer) Bind(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listener = l
}

// Start opens a new stream in the background. RecognizerStarted fires
// once audio is flowing.
func (d *DeepgramRecognizer) Start() error {
	if strings.TrimSpace(d.cfg.APIKey) == "" {
		return errors.New("DEEPGRAM_API_KEY is not configured")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.listener == nil {
		return errors.New("recognizer has no listener")
	}
	if d.stream != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &deepgramStream{cancel: cancel, aborted: make(chan struct{})}
	d.stream = s
	go d.run(ctx, s, d.listener)
	return nil
}

// Stop asks Deepgram to flush pending results and close the stream.
func (d *DeepgramRecognizer) Stop() error {
	d.mu.Lock()
	s := d.stream
	d.mu.Unlock()
	if s == nil {
		return nil
	}
	s.closeMic()
	return nil
}

// Abort drops the stream without waiting for pending results.
func (d *DeepgramRecognizer) Abort() error {
	d.mu.Lock()
	s := d.stream
	d.mu.Unlock()
	if s == nil {
		return nil
	}
	s.abort()
	return nil
}

func (d *DeepgramRecognizer) run(ctx context.Context, s *deepgramStream, l Listener) {
	defer func() {
		s.cancel()
		d.mu.Lock()
		if d.stream == s {
			d.stream = nil
		}
		d.mu.Unlock()
		l.RecognizerEnded()
	}()

	wsURL, err := buildListenURL(d.cfg)
	if err != nil {
		d.log.Error("listen url", "error", err)
		l.RecognizerError("service-not-allowed")
		return
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.cfg.APIKey)

	go func() {
		select {
		case <-s.aborted:
			s.cancel()
		case <-ctx.Done():
		}
	}()

	conn, _, err := d.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if s.wasAborted() {
			return
		}
		d.log.Error("dial", "error", err)
		l.RecognizerError("network")
		return
	}
	defer conn.Close()

	mic, err := d.mic.OpenMicrophone()
	if err != nil {
		d.log.Error("microphone", "error", err)
		l.RecognizerError("audio-capture")
		return
	}
	if !s.attach(conn, mic) {
		mic.Close()
		return
	}
	defer mic.Close()

	d.log.Info("stream", "state", "open", "model", d.cfg.Model)
	l.RecognizerStarted()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.writeLoop(conn, mic)
	}()

	err = d.readLoop(conn, l)
	mic.Close()
	wg.Wait()

	switch {
	case s.wasAborted():
		d.log.Info("stream", "state", "aborted")
	case err != nil && !isNormalClose(err) && !s.isStopped():
		d.log.Warn("stream", "error", err)
		l.RecognizerError("network")
	default:
		d.log.Info("stream", "state", "closed")
	}
}

func (d *DeepgramRecognizer) writeLoop(conn *websocket.Conn, mic io.Reader) {
	buf := make([]byte, audio.FrameBytes)
	for {
		n, err := mic.Read(buf)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			break
		}
	}

	conn.SetWriteDeadline(time.Now().Add(time.Second))
	conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
}

func (d *DeepgramRecognizer) readLoop(conn *websocket.Conn, l Listener) error {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var resp deepgramResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			d.log.Debug("skip", "payload", string(payload))
			continue
		}

		if strings.EqualFold(resp.Type, "Error") {
			msg := strings.TrimSpace(resp.Message)
			if msg == "" {
				msg = "deepgram returned an unknown error"
			}
			return errors.New(msg)
		}

		if seg, ok := resp.segment(); ok {
			d.log.Debug("hear", "txt", seg.Text, "final", seg.IsFinal)
			l.RecognizerResult([]Segment{seg})
		}
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}

type deepgramStream struct {
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      *websocket.Conn
	mic       io.Closer
	stopped   bool
	abortOnce sync.Once
	aborted   chan struct{}
}

// attach records the live connection. It reports false if the stream was
// stopped or aborted while connecting.
func (s *deepgramStream) attach(conn *websocket.Conn, mic io.Closer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.wasAborted() {
		return false
	}
	s.conn = conn
	s.mic = mic
	return true
}

// closeMic ends the audio. The writer then sends CloseStream and the
// reader gets a few seconds for Deepgram to flush and hang up.
func (s *deepgramStream) closeMic() {
	s.mu.Lock()
	s.stopped = true
	mic, conn := s.mic, s.conn
	s.mu.Unlock()
	if mic != nil {
		mic.Close()
	}
	if conn != nil {
		conn.SetReadDeadline(time.Now().Add(flushTimeout))
	}
}

func (s *deepgramStream) abort() {
	s.abortOnce.Do(func() { close(s.aborted) })
	s.closeMic()

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *deepgramStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *deepgramStream) wasAborted() bool {
	select {
	case <-s.aborted:
		return true
	default:
		return false
	}
}

type deepgramResponse struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (r deepgramResponse) segment() (Segment, bool) {
	if r.Type != "" && r.Type != "Results" {
		return Segment{}, false
	}
	if len(r.Channel.Alternatives) == 0 {
		return Segment{}, false
	}
	text := strings.TrimSpace(r.Channel.Alternatives[0].Transcript)
	if text == "" {
		return Segment{}, false
	}
	return Segment{Text: text, IsFinal: r.IsFinal || r.SpeechFinal}, true
}

func buildListenURL(cfg DeepgramConfig) (string, error) {
	base := strings.TrimSpace(cfg.APIBaseURL)
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid Deepgram API base URL: %w", err)
	}
	if listenURL.Scheme != "ws" && listenURL.Scheme != "wss" {
		return "", fmt.Errorf("unsupported Deepgram URL scheme %q", listenURL.Scheme)
	}

	q := listenURL.Query()
	q.Set("model", cfg.Model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", fmt.Sprintf("%d", cfg.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("punctuate", "true")
	q.Set("smart_format", fmt.Sprintf("%t", cfg.SmartFormat))
	if cfg.Language != "" {
		q.Set("language", cfg.Language)
	}
	listenURL.RawQuery = q.Encode()
	return listenURL.String(), nil
}
