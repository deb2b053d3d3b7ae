package stt

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

type fakeMic struct{}

func (fakeMic) OpenMicrophone() (io.ReadCloser, error) {
	return &tickReader{done: make(chan struct{})}, nil
}

// tickReader yields a short chunk of silence every few milliseconds until
// closed.
type tickReader struct {
	once sync.Once
	done chan struct{}
}

func (r *tickReader) Read(p []byte) (int, error) {
	select {
	case <-r.done:
		return 0, io.EOF
	case <-time.After(5 * time.Millisecond):
	}
	n := len(p)
	if n > 64 {
		n = 64
	}
	for i := range p[:n] {
		p[i] = 0
	}
	return n, nil
}

func (r *tickReader) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

type recordingListener struct {
	mu      sync.Mutex
	started int
	batches [][]Segment
	codes   []string
	ended   chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{ended: make(chan struct{})}
}

func (l *recordingListener) RecognizerStarted() {
	l.mu.Lock()
	l.started++
	l.mu.Unlock()
}

func (l *recordingListener) RecognizerResult(b []Segment) {
	l.mu.Lock()
	l.batches = append(l.batches, b)
	l.mu.Unlock()
}

func (l *recordingListener) RecognizerEnded() { close(l.ended) }

func (l *recordingListener) RecognizerError(code string) {
	l.mu.Lock()
	l.codes = append(l.codes, code)
	l.mu.Unlock()
}

func (l *recordingListener) batchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.batches)
}

func result(text string, final bool) string {
	f := "false"
	if final {
		f = "true"
	}
	return `{"type":"Results","is_final":` + f + `,"channel":{"alternatives":[{"transcript":"` + text + `"}]}}`
}

func newDeepgramServer(t *testing.T, handle func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Token secret" {
			t.Errorf("Authorization = %q", got)
		}
		if r.URL.Path != "/v1/listen" {
			t.Errorf("path = %q", r.URL.Path)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handle(conn)
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/v1"
}

func waitEnded(t *testing.T, l *recordingListener) {
	t.Helper()
	select {
	case <-l.ended:
	case <-time.After(5 * time.Second):
		t.Fatalf("recognizer never ended")
	}
}

func TestDeepgramStopFlushesFinals(t *testing.T) {
	base := newDeepgramServer(t, func(conn *websocket.Conn) {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(result("what is", false)))
		conn.WriteMessage(websocket.TextMessage, []byte(result("What is the refund policy", true)))

		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.TextMessage && strings.Contains(string(msg), "CloseStream") {
				break
			}
		}
		conn.WriteMessage(websocket.TextMessage, []byte(result("thanks", true)))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})

	rec := NewDeepgramRecognizer(DeepgramConfig{APIKey: "secret", APIBaseURL: base}, fakeMic{}, log.New(io.Discard))
	l := newRecordingListener()
	rec.Bind(l)

	if err := rec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := rec.Start(); err != ErrAlreadyStarted {
		t.Fatalf("second Start = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for l.batchCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("results never arrived")
		}
		time.Sleep(time.Millisecond)
	}
	rec.Stop()
	waitEnded(t, l)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started != 1 {
		t.Fatalf("started = %d", l.started)
	}
	if len(l.codes) != 0 {
		t.Fatalf("unexpected errors %v", l.codes)
	}
	want := []Segment{
		{Text: "what is"},
		{Text: "What is the refund policy", IsFinal: true},
		{Text: "thanks", IsFinal: true},
	}
	if len(l.batches) != len(want) {
		t.Fatalf("batches = %+v", l.batches)
	}
	for i, b := range l.batches {
		if len(b) != 1 || b[0] != want[i] {
			t.Fatalf("batch %d = %+v, want %+v", i, b, want[i])
		}
	}
}

func TestDeepgramServerCloseIsUnsolicitedEnd(t *testing.T) {
	base := newDeepgramServer(t, func(conn *websocket.Conn) {
		conn.WriteMessage(websocket.TextMessage, []byte(result("hello", true)))
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "idle"))
	})

	rec := NewDeepgramRecognizer(DeepgramConfig{APIKey: "secret", APIBaseURL: base}, fakeMic{}, log.New(io.Discard))
	l := newRecordingListener()
	rec.Bind(l)

	if err := rec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEnded(t, l)

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.codes) != 0 {
		t.Fatalf("a normal close should not be an error, got %v", l.codes)
	}

	// The stream is gone, so a restart is allowed.
	l2 := newRecordingListener()
	rec.Bind(l2)
	if err := rec.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitEnded(t, l2)
}

func TestDeepgramDialFailureReportsNetwork(t *testing.T) {
	rec := NewDeepgramRecognizer(
		DeepgramConfig{APIKey: "secret", APIBaseURL: "http://127.0.0.1:1/v1"},
		fakeMic{},
		log.New(io.Discard),
	)
	l := newRecordingListener()
	rec.Bind(l)

	if err := rec.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitEnded(t, l)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started != 0 || len(l.codes) != 1 || l.codes[0] != "network" {
		t.Fatalf("started=%d codes=%v", l.started, l.codes)
	}
}

func TestDeepgramRequiresAPIKey(t *testing.T) {
	rec := NewDeepgramRecognizer(DeepgramConfig{}, fakeMic{}, log.New(io.Discard))
	rec.Bind(newRecordingListener())
	if err := rec.Start(); err == nil {
		t.Fatalf("expected missing key error")
	}
}

func TestBuildListenURL(t *testing.T) {
	t.Parallel()

	u, err := buildListenURL(DeepgramConfig{
		APIBaseURL: "https://api.deepgram.com/v1/",
		Model:      "nova-2",
		Language:   "en-US",
		SampleRate: 48000,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{
		"wss://api.deepgram.com/v1/listen?",
		"encoding=linear16",
		"sample_rate=48000",
		"interim_results=true",
		"language=en-US",
		"model=nova-2",
	} {
		if !strings.Contains(u, want) {
			t.Errorf("url %s missing %s", u, want)
		}
	}

	if _, err := buildListenURL(DeepgramConfig{APIBaseURL: "ftp://x"}); err == nil {
		t.Errorf("expected scheme error")
	}
}

func TestDeepgramResponseSegment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		want    Segment
		ok      bool
	}{
		{"interim", result("what is", false), Segment{Text: "what is"}, true},
		{"final", result("what is it", true), Segment{Text: "what is it", IsFinal: true}, true},
		{"speech final", `{"type":"Results","speech_final":true,"channel":{"alternatives":[{"transcript":" hi there "}]}}`, Segment{Text: "hi there", IsFinal: true}, true},
		{"silence", result("", true), Segment{}, false},
		{"metadata", `{"type":"Metadata","request_id":"x"}`, Segment{}, false},
	}

	for _, tt := range tests {
		var resp deepgramResponse
		if err := json.Unmarshal([]byte(tt.payload), &resp); err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		got, ok := resp.segment()
		if ok != tt.ok || got != tt.want {
			t.Errorf("%s: got %+v %v, want %+v %v", tt.name, got, ok, tt.want, tt.ok)
		}
	}
}
