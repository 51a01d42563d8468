package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/medintel/internal/attachment"
	"github.com/ent0n29/medintel/internal/bridge"
	"github.com/ent0n29/medintel/internal/config"
	"github.com/ent0n29/medintel/internal/fanout"
	"github.com/ent0n29/medintel/internal/genai"
	"github.com/ent0n29/medintel/internal/generation"
	"github.com/ent0n29/medintel/internal/history"
	"github.com/ent0n29/medintel/internal/language"
	"github.com/ent0n29/medintel/internal/observability"
	"github.com/ent0n29/medintel/internal/pipeline"
	"github.com/ent0n29/medintel/internal/protocol"
	"github.com/ent0n29/medintel/internal/store"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
}

func (s *fakeSender) Send(_ context.Context, address, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, address+"|"+text)
	return "SM1", nil
}

type testEnv struct {
	ts       *httptest.Server
	srv      *Server
	registry *fanout.Registry
	sender   *fakeSender
}

func newTestEnv(t *testing.T, backend genai.Backend, metrics *observability.Metrics) *testEnv {
	t.Helper()
	return newTestEnvWithConfig(t, config.Config{StoreDriver: "memory", MaxUploadBytes: 1 << 20}, backend, metrics)
}

func newTestEnvWithConfig(t *testing.T, cfg config.Config, backend genai.Backend, metrics *observability.Metrics) *testEnv {
	t.Helper()
	st := store.NewInMemoryStore()
	genCfg := generation.DefaultConfig()
	genCfg.Sleep = func(context.Context, time.Duration) error { return nil }
	gen, err := generation.New(backend, history.NewLoader(st, 0), genCfg, zerolog.Nop(), metrics)
	if err != nil {
		t.Fatalf("generation.New() error = %v", err)
	}
	registry := fanout.NewRegistry(time.Second, zerolog.Nop(), metrics)
	p, err := pipeline.New(st, gen, registry, zerolog.Nop(), metrics)
	if err != nil {
		t.Fatalf("pipeline.New() error = %v", err)
	}
	sender := &fakeSender{}
	svc := bridge.NewService(sender, p, language.English, zerolog.Nop(), metrics)
	srv := New(cfg, Deps{
		Turns:       p,
		Registry:    registry,
		Bridge:      svc,
		Attachments: attachment.NewProcessor(cfg.MaxUploadBytes, nil),
		Metrics:     metrics,
		Logger:      zerolog.Nop(),
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, srv: srv, registry: registry, sender: sender}
}

func postJSON(t *testing.T, endpoint string, body any, out any) int {
	t.Helper()
	raw, _ := json.Marshal(body)
	res, err := http.Post(endpoint, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s error = %v", endpoint, err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", endpoint, err)
		}
	}
	return res.StatusCode
}

func createConversation(t *testing.T, env *testEnv, lang string) store.Conversation {
	t.Helper()
	var conv store.Conversation
	status := postJSON(t, env.ts.URL+"/v1/chat/session", map[string]string{"user_id": "u1", "language": lang}, &conv)
	if status != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", status, http.StatusCreated)
	}
	if conv.ID == "" {
		t.Fatalf("missing id in create response: %+v", conv)
	}
	return conv
}

func TestConversationLifecycle(t *testing.T) {
	env := newTestEnv(t, genai.NewMockBackend(), nil)
	conv := createConversation(t, env, "")

	var turn pipeline.TurnResult
	status := postJSON(t, env.ts.URL+"/v1/chat/message", map[string]string{"session_id": conv.ID, "message": "I want to speak Hindi"}, &turn)
	if status != http.StatusOK {
		t.Fatalf("message status = %d, want %d", status, http.StatusOK)
	}
	if turn.AssistantMessage.Content != language.Confirmation(language.Hindi) {
		t.Fatalf("assistant = %q, want Hindi confirmation", turn.AssistantMessage.Content)
	}

	res, err := http.Get(env.ts.URL + "/v1/chat/session/" + conv.ID)
	if err != nil {
		t.Fatalf("GET session error = %v", err)
	}
	var got store.Conversation
	_ = json.NewDecoder(res.Body).Decode(&got)
	res.Body.Close()
	if got.Language != language.Hindi {
		t.Fatalf("language = %q, want hindi", got.Language)
	}

	res, err = http.Get(env.ts.URL + "/v1/chat/sessions/u1")
	if err != nil {
		t.Fatalf("GET sessions error = %v", err)
	}
	var convs []store.Conversation
	_ = json.NewDecoder(res.Body).Decode(&convs)
	res.Body.Close()
	if len(convs) != 1 || convs[0].ID != conv.ID {
		t.Fatalf("sessions = %+v, want one entry for %s", convs, conv.ID)
	}

	req, _ := http.NewRequest(http.MethodDelete, env.ts.URL+"/v1/chat/session/"+conv.ID, nil)
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	res, err = http.Get(env.ts.URL + "/v1/chat/session/" + conv.ID + "/messages")
	if err != nil {
		t.Fatalf("GET messages error = %v", err)
	}
	var msgs []store.Message
	_ = json.NewDecoder(res.Body).Decode(&msgs)
	res.Body.Close()
	if len(msgs) != 0 {
		t.Fatalf("messages after delete = %d, want 0", len(msgs))
	}

	res, err = http.Get(env.ts.URL + "/v1/chat/session/" + conv.ID)
	if err != nil {
		t.Fatalf("GET session error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status after delete = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	env := newTestEnv(t, &failingBackend{err: &genai.StatusError{StatusCode: 503, Body: "overloaded"}}, nil)
	conv := createConversation(t, env, "english")

	var errBody errorResponse
	status := postJSON(t, env.ts.URL+"/v1/chat/message", map[string]string{"session_id": conv.ID, "message": "hi", "language": "klingon"}, &errBody)
	if status != http.StatusBadRequest || errBody.Code != "invalid_language" {
		t.Fatalf("invalid language = %d %+v", status, errBody)
	}

	status = postJSON(t, env.ts.URL+"/v1/chat/message", map[string]string{"session_id": "nope", "message": "hi"}, &errBody)
	if status != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want %d", status, http.StatusNotFound)
	}

	status = postJSON(t, env.ts.URL+"/v1/chat/message", map[string]string{"session_id": conv.ID, "message": "hi"}, &errBody)
	if status != http.StatusServiceUnavailable || errBody.Code != "unavailable" {
		t.Fatalf("backend failure = %d %+v", status, errBody)
	}
	if !strings.Contains(errBody.Error, "overloaded") {
		t.Fatalf("unavailable detail = %q, want backend detail", errBody.Error)
	}

	status = postJSON(t, env.ts.URL+"/v1/chat/language/"+conv.ID, map[string]string{"language": "elvish"}, &errBody)
	if status != http.StatusBadRequest {
		t.Fatalf("change language status = %d, want %d", status, http.StatusBadRequest)
	}
}

type failingBackend struct{ err error }

func (b *failingBackend) Generate(context.Context, genai.Request) (genai.Response, error) {
	return genai.Response{}, b.err
}

func TestChangeLanguageQueryParam(t *testing.T) {
	env := newTestEnv(t, genai.NewMockBackend(), nil)
	conv := createConversation(t, env, "")

	var out map[string]string
	status := postJSON(t, env.ts.URL+"/v1/chat/language/"+conv.ID+"?language=Bengali", nil, &out)
	if status != http.StatusOK {
		t.Fatalf("status = %d, want %d", status, http.StatusOK)
	}
	if out["language"] != "bengali" || out["message"] != language.Confirmation(language.Bengali) {
		t.Fatalf("unexpected response: %+v", out)
	}
}

func uploadRequest(t *testing.T, endpoint, sessionID, filename, contentType string, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("session_id", sessionID)
	header := make(map[string][]string)
	header["Content-Disposition"] = []string{`form-data; name="file"; filename="` + filename + `"`}
	header["Content-Type"] = []string{contentType}
	part, err := mw.CreatePart(header)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = part.Write(data)
	_ = mw.Close()

	res, err := http.Post(endpoint, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("upload error = %v", err)
	}
	return res
}

func TestUploadTextDocument(t *testing.T) {
	env := newTestEnv(t, genai.NewMockBackend(), nil)
	conv := createConversation(t, env, "")

	res := uploadRequest(t, env.ts.URL+"/v1/chat/upload", conv.ID, "labs.txt", "text/plain", []byte("Cholesterol 240 mg/dL"))
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("upload status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var turn pipeline.TurnResult
	if err := json.NewDecoder(res.Body).Decode(&turn); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if turn.UserMessage.Content != attachment.DefaultMessage+" [Uploaded file: labs.txt]" {
		t.Fatalf("user content = %q", turn.UserMessage.Content)
	}
	if turn.UserMessage.Attachment == nil || turn.UserMessage.Attachment.Filename != "labs.txt" {
		t.Fatalf("missing file info: %+v", turn.UserMessage)
	}
	if !strings.Contains(turn.AssistantMessage.Content, "Cholesterol 240") {
		t.Fatalf("assistant reply missing document text: %q", turn.AssistantMessage.Content)
	}
}

func TestUploadRejectsOversizedAndUnsupported(t *testing.T) {
	env := newTestEnv(t, genai.NewMockBackend(), nil)
	conv := createConversation(t, env, "english")

	res := uploadRequest(t, env.ts.URL+"/v1/chat/upload", conv.ID, "big.png", "image/png", bytes.Repeat([]byte{1}, (1<<20)+10))
	res.Body.Close()
	if res.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized status = %d, want %d", res.StatusCode, http.StatusRequestEntityTooLarge)
	}

	res = uploadRequest(t, env.ts.URL+"/v1/chat/upload", conv.ID, "a.zip", "application/zip", []byte("PK"))
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unsupported status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestWhatsAppIncomingRepliesThroughBridge(t *testing.T) {
	env := newTestEnv(t, genai.NewMockBackend(), nil)

	form := url.Values{"From": {"whatsapp:+919876543210"}, "Body": {"I have a sore throat"}}
	res, err := http.PostForm(env.ts.URL+"/v1/whatsapp/incoming", form)
	if err != nil {
		t.Fatalf("POST incoming error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("incoming status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(env.sender.sent) != 1 || !strings.HasPrefix(env.sender.sent[0], "+919876543210|") {
		t.Fatalf("sent = %v, want one reply to sender", env.sender.sent)
	}

	var out map[string]string
	status := postJSON(t, env.ts.URL+"/v1/whatsapp/send", map[string]string{"to": "+15550001111", "message": "reminder"}, &out)
	if status != http.StatusOK || out["sid"] != "SM1" {
		t.Fatalf("send = %d %+v", status, out)
	}
}

func dialWS(t *testing.T, env *testEnv, conversationID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/" + conversationID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestWebSocketBroadcastReachesEveryObserver(t *testing.T) {
	env := newTestEnv(t, genai.NewMockBackend(), nil)
	conv := createConversation(t, env, "")

	a := dialWS(t, env, conv.ID)
	defer a.Close()
	b := dialWS(t, env, conv.ID)
	defer b.Close()
	for _, c := range []*websocket.Conn{a, b} {
		if frame := readFrame(t, c); frame["type"] != "system_event" {
			t.Fatalf("first frame = %+v, want system_event", frame)
		}
	}
	if got := env.registry.Count(conv.ID); got != 2 {
		t.Fatalf("observers = %d, want 2", got)
	}

	if err := a.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	for _, c := range []*websocket.Conn{a, b} {
		frame := readFrame(t, c)
		if frame["type"] != "assistant_message" || frame["text"] != language.Prompt() {
			t.Fatalf("frame = %+v, want language prompt", frame)
		}
	}

	_ = b.Close()
	deadline := time.Now().Add(2 * time.Second)
	for env.registry.Count(conv.ID) != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := env.registry.Count(conv.ID); got != 1 {
		t.Fatalf("observers after disconnect = %d, want 1", got)
	}
}

type slowBackend struct{ delay time.Duration }

func (b slowBackend) Generate(ctx context.Context, req genai.Request) (genai.Response, error) {
	time.Sleep(b.delay)
	return genai.NewMockBackend().Generate(ctx, req)
}

func TestWebSocketTurnOutlivesSenderSocket(t *testing.T) {
	env := newTestEnv(t, genai.NewMockBackend(), nil)
	conv := createConversation(t, env, "english")

	b := dialWS(t, env, conv.ID)
	defer b.Close()
	_ = readFrame(t, b)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sender := newWSObserver(conv.ID)
	err := env.srv.runTurn(ctx, sender, protocol.UserMessage{Type: protocol.TypeUserMessage, Text: "I have a headache"})
	if err != nil {
		t.Fatalf("runTurn() error = %v", err)
	}
	frame := readFrame(t, b)
	if frame["type"] != "assistant_message" || !strings.Contains(frame["text"].(string), generation.Disclaimer) {
		t.Fatalf("frame = %+v, want assistant reply", frame)
	}
}

func TestWebSocketSenderDisconnectStillRepliesToOthers(t *testing.T) {
	env := newTestEnv(t, slowBackend{delay: 150 * time.Millisecond}, nil)
	conv := createConversation(t, env, "english")

	a := dialWS(t, env, conv.ID)
	b := dialWS(t, env, conv.ID)
	defer b.Close()
	_ = readFrame(t, a)
	_ = readFrame(t, b)

	if err := a.WriteMessage(websocket.TextMessage, []byte("I have a sore throat")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = a.Close()

	frame := readFrame(t, b)
	if frame["type"] != "assistant_message" {
		t.Fatalf("frame = %+v, want assistant_message", frame)
	}

	res, err := http.Get(env.ts.URL + "/v1/chat/session/" + conv.ID + "/messages")
	if err != nil {
		t.Fatalf("GET messages error = %v", err)
	}
	defer res.Body.Close()
	var msgs []store.Message
	if err := json.NewDecoder(res.Body).Decode(&msgs); err != nil {
		t.Fatalf("decode messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
}

func TestWebSocketInvalidFrameGetsErrorEvent(t *testing.T) {
	env := newTestEnv(t, genai.NewMockBackend(), nil)
	conv := createConversation(t, env, "english")

	c := dialWS(t, env, conv.ID)
	defer c.Close()
	_ = readFrame(t, c)

	if err := c.WriteMessage(websocket.TextMessage, []byte(`{"type":"client_audio_chunk"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, c)
	if frame["type"] != "error_event" || frame["code"] != "invalid_client_message" {
		t.Fatalf("frame = %+v, want error_event", frame)
	}
}

func TestWebSocketUnknownConversation(t *testing.T) {
	env := newTestEnv(t, genai.NewMockBackend(), nil)
	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/ws/missing"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial failure for unknown conversation")
	}
	if res == nil || res.StatusCode != http.StatusNotFound {
		t.Fatalf("response = %+v, want 404", res)
	}
}

func TestHealthAndPerf(t *testing.T) {
	metrics := observability.NewMetrics("test_httpapi_" + strings.ReplaceAll(t.Name(), "/", "_") + "_" + time.Now().Format("150405"))
	env := newTestEnv(t, genai.NewMockBackend(), metrics)
	conv := createConversation(t, env, "english")
	if status := postJSON(t, env.ts.URL+"/v1/chat/message", map[string]string{"session_id": conv.ID, "message": "fever"}, nil); status != http.StatusOK {
		t.Fatalf("message status = %d", status)
	}

	res, err := http.Get(env.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	var health map[string]any
	_ = json.NewDecoder(res.Body).Decode(&health)
	res.Body.Close()
	if health["status"] != "ok" || health["generation_mode"] != "mock" || health["bridge_enabled"] != true {
		t.Fatalf("unexpected health: %+v", health)
	}

	res, err = http.Get(env.ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	var snap observability.TurnStageSnapshot
	_ = json.NewDecoder(res.Body).Decode(&snap)
	res.Body.Close()
	found := false
	for _, st := range snap.Stages {
		if st.Stage == "turn_total" && st.Samples == 1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("turn_total stage missing from %+v", snap.Stages)
	}

	res, err = http.Get(env.ts.URL + "/v1/languages")
	if err != nil {
		t.Fatalf("GET /v1/languages error = %v", err)
	}
	var langs []languageOption
	_ = json.NewDecoder(res.Body).Decode(&langs)
	res.Body.Close()
	if len(langs) != len(language.Supported()) {
		t.Fatalf("languages = %d, want %d", len(langs), len(language.Supported()))
	}
}

func TestTruncatedJSONBodyIsRejected(t *testing.T) {
	env := newTestEnv(t, genai.NewMockBackend(), nil)

	res, err := http.Post(env.ts.URL+"/v1/chat/session", "application/json", strings.NewReader(`{"user_id":"u1","language":"hindi"`))
	if err != nil {
		t.Fatalf("POST session error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("truncated create status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	res, err = http.Get(env.ts.URL + "/v1/chat/sessions/anonymous")
	if err != nil {
		t.Fatalf("GET sessions error = %v", err)
	}
	var convs []store.Conversation
	_ = json.NewDecoder(res.Body).Decode(&convs)
	res.Body.Close()
	if len(convs) != 0 {
		t.Fatalf("conversations created from truncated body: %+v", convs)
	}

	conv := createConversation(t, env, "")
	res, err = http.Post(env.ts.URL+"/v1/chat/language/"+conv.ID, "application/json", strings.NewReader(`{"language":`))
	if err != nil {
		t.Fatalf("POST language error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("truncated language status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	res, err = http.Post(env.ts.URL+"/v1/chat/session", "application/json", nil)
	if err != nil {
		t.Fatalf("POST empty session error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("empty body create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
}

func TestCORSAllowsConfiguredOrigins(t *testing.T) {
	cfg := config.Config{StoreDriver: "memory", MaxUploadBytes: 1 << 20, CORSOrigins: []string{"http://localhost:3000"}}
	env := newTestEnvWithConfig(t, cfg, genai.NewMockBackend(), nil)

	req, _ := http.NewRequest(http.MethodOptions, env.ts.URL+"/v1/chat/message", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode >= http.StatusMultipleChoices {
		t.Fatalf("preflight status = %d", res.StatusCode)
	}
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("Allow-Origin = %q", got)
	}
	if got := res.Header.Get("Access-Control-Allow-Methods"); !strings.Contains(got, http.MethodPost) {
		t.Fatalf("Allow-Methods = %q, want POST", got)
	}

	req, _ = http.NewRequest(http.MethodGet, env.ts.URL+"/healthz", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	res.Body.Close()
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("Allow-Origin on simple request = %q", got)
	}
	if res.Header.Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("credentials not allowed for explicit origin")
	}

	req, _ = http.NewRequest(http.MethodGet, env.ts.URL+"/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	res.Body.Close()
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("Allow-Origin for unlisted origin = %q, want empty", got)
	}
}
