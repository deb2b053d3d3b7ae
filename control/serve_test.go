package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"node.town/ragvoice/backend"
	"node.town/ragvoice/room"
	"node.town/ragvoice/stt"
	"node.town/ragvoice/turn"
	"node.town/ragvoice/voice"
)

type fakeSession struct {
	mu         sync.Mutex
	snap       voice.Snapshot
	transcript *turn.Transcript
	sources    *turn.Sources
	startErr   error
	recordErr  error
	busy       bool
	texts      []string
	prompt     string
	uploaded   string
	stopped    int
}

func newFakeSession() *fakeSession {
	return &fakeSession{transcript: turn.NewTranscript(), sources: turn.NewSources()}
}

func (f *fakeSession) Snapshot() voice.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSession) Transcript() *turn.Transcript { return f.transcript }

func (f *fakeSession) Sources() *turn.Sources { return f.sources }

func (f *fakeSession) StartCall(ctx context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.snap.Calling = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) StopCall(ctx context.Context) error {
	f.mu.Lock()
	f.snap.Calling = false
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) StartRecording() error { return f.recordErr }

func (f *fakeSession) StopRecording(ctx context.Context) {}

func (f *fakeSession) SendText(ctx context.Context, text string) bool {
	if f.busy {
		return false
	}
	f.texts = append(f.texts, text)
	return true
}

func (f *fakeSession) StopSpeaking() { f.stopped++ }

func (f *fakeSession) SetPrompt(ctx context.Context, prompt string) error {
	f.prompt = prompt
	return nil
}

func (f *fakeSession) Upload(ctx context.Context, filename string, r io.Reader) (int, error) {
	data, _ := io.ReadAll(r)
	f.uploaded = filename + ":" + string(data)
	return 3, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCallLifecycle(t *testing.T) {
	t.Parallel()

	s := newFakeSession()
	h := NewRouter(s)

	rec := do(t, h, http.MethodPost, "/call/start", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("start: %d %s", rec.Code, rec.Body)
	}
	var snap voice.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil || !snap.Calling {
		t.Fatalf("snapshot = %s (%v)", rec.Body, err)
	}

	rec = do(t, h, http.MethodPost, "/call/stop", "")
	if rec.Code != http.StatusOK || s.Snapshot().Calling {
		t.Fatalf("stop: %d calling=%v", rec.Code, s.Snapshot().Calling)
	}
}

func TestErrorStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"active", room.ErrCallActive, http.StatusConflict},
		{"token", fmt.Errorf("%w: %w", room.ErrTokenFetch, &backend.RequestError{Op: "token", Status: 500}), http.StatusBadGateway},
		{"backend", &backend.RequestError{Op: "livekit-config", Status: 503}, http.StatusBadGateway},
		{"other", io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		s := newFakeSession()
		s.startErr = tt.err
		rec := do(t, NewRouter(s), http.MethodPost, "/call/start", "")
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, rec.Code, tt.want)
		}
	}
}

func TestRecordingUnsupported(t *testing.T) {
	t.Parallel()

	s := newFakeSession()
	s.recordErr = stt.ErrUnsupported
	if rec := do(t, NewRouter(s), http.MethodPost, "/recording/start", ""); rec.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestTurn(t *testing.T) {
	t.Parallel()

	s := newFakeSession()
	h := NewRouter(s)

	if rec := do(t, h, http.MethodPost, "/turn", `{"text":"what is the refund policy"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("turn: %d %s", rec.Code, rec.Body)
	}
	if len(s.texts) != 1 || s.texts[0] != "what is the refund policy" {
		t.Fatalf("texts = %q", s.texts)
	}

	if rec := do(t, h, http.MethodPost, "/turn", `{"text":"  "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("blank: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/turn", `{`); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad json: %d", rec.Code)
	}

	s.busy = true
	if rec := do(t, h, http.MethodPost, "/turn", `{"text":"again"}`); rec.Code != http.StatusConflict {
		t.Fatalf("busy: %d", rec.Code)
	}
}

func TestTranscriptAndSources(t *testing.T) {
	t.Parallel()

	s := newFakeSession()
	s.transcript.Append(turn.RoleUser, "hello")
	s.sources.Replace([]backend.Source{{Source: "policy.pdf", Text: "30 days"}})
	h := NewRouter(s)

	var entries []turn.Entry
	rec := do(t, h, http.MethodGet, "/transcript", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil || len(entries) != 1 || entries[0].Content != "hello" {
		t.Fatalf("transcript = %s (%v)", rec.Body, err)
	}

	var sources []backend.Source
	rec = do(t, h, http.MethodGet, "/sources", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &sources); err != nil || len(sources) != 1 || sources[0].Source != "policy.pdf" {
		t.Fatalf("sources = %s (%v)", rec.Body, err)
	}
}

func TestPromptAndSpeech(t *testing.T) {
	t.Parallel()

	s := newFakeSession()
	h := NewRouter(s)

	if rec := do(t, h, http.MethodPost, "/prompt", `{"prompt":"Be brief."}`); rec.Code != http.StatusOK || s.prompt != "Be brief." {
		t.Fatalf("prompt: %d %q", rec.Code, s.prompt)
	}
	if rec := do(t, h, http.MethodPost, "/prompt", `{}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty prompt: %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/speech/stop", ""); rec.Code != http.StatusOK || s.stopped != 1 {
		t.Fatalf("speech stop: %d %d", rec.Code, s.stopped)
	}
}

func TestUpload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "policy.txt")
	if err != nil {
		t.Fatal(err)
	}
	part.Write([]byte("refunds within 30 days"))
	mw.Close()

	s := newFakeSession()
	req := httptest.NewRequest(http.MethodPost, "/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	NewRouter(s).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"chunks_indexed":3`) {
		t.Fatalf("body = %s", rec.Body)
	}
	if s.uploaded != "policy.txt:refunds within 30 days" {
		t.Fatalf("uploaded = %q", s.uploaded)
	}
}

func TestRouteList(t *testing.T) {
	t.Parallel()

	rec := do(t, NewRouter(newFakeSession()), http.MethodGet, "/", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "POST /call/start") {
		t.Fatalf("routes = %s", rec.Body)
	}
}
