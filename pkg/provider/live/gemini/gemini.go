// Package gemini implements the live.Provider interface for Google's Gemini
// Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Audio travels as base64-encoded PCM chunks in both directions.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livetalk/pkg/audio"
	"github.com/MrWong99/livetalk/pkg/provider/live"
)

// Compile-time assertions that Provider and session satisfy the live interfaces.
var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	// DefaultModel is the native-audio model used when none is configured.
	DefaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithLogger sets the logger for protocol diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.logger = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	logger  *slog.Logger
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   DefaultModel,
		baseURL: defaultBaseURL,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Model returns the configured model name.
func (p *Provider) Model() string { return p.model }

// Connect dials the Gemini Live endpoint and sends the setup message.
// EventOpen is emitted once the server acknowledges the setup.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	// Server messages carry whole audio turns; lift the 32 KiB default.
	conn.SetReadLimit(16 << 20)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:   conn,
		events: make(chan live.Event, eventBuffer),
		done:   make(chan struct{}),
		ctx:    sessCtx,
		cancel: sessCancel,
		logger: p.logger.With("component", "gemini-live"),
	}

	if err := sess.sendSetup(ctx, p.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan live.Event
	logger *slog.Logger

	mu     sync.Mutex
	done   chan struct{}
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(ctx context.Context, model string, cfg live.SessionConfig) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}

	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.SystemInstruction}},
		}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	return s.writeJSON(ctx, msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and turns them into events.
// It is the only sender on events and closes it when it exits.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.emit(readErrorEvent(err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("skipping malformed server message", "err", err, "bytes", len(data))
			continue
		}

		if msg.Error != nil {
			s.emit(live.Event{Type: live.EventError, Err: fmt.Errorf("%w: gemini: %s", live.ErrConnection, msg.Error.text())})
			s.conn.Close(websocket.StatusNormalClosure, "")
			return
		}
		if msg.SetupComplete != nil {
			if !s.emit(live.Event{Type: live.EventOpen}) {
				return
			}
		}
		if msg.ServerContent != nil {
			if m := convertContent(msg.ServerContent); m != nil {
				if !s.emit(live.Event{Type: live.EventMessage, Message: m}) {
					return
				}
			}
		}
	}
}

// readErrorEvent maps a read failure to a terminal event. A close frame from
// the server is a graceful close; anything else is a transport error.
func readErrorEvent(err error) live.Event {
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		return live.Event{Type: live.EventClose, CloseCode: int(ce.Code), CloseReason: ce.Reason}
	}
	return live.Event{Type: live.EventError, Err: fmt.Errorf("%w: gemini: read: %v", live.ErrConnection, err)}
}

func convertContent(sc *serverContent) *live.Message {
	m := &live.Message{TurnComplete: sc.TurnComplete, Interrupted: sc.Interrupted}
	if sc.InputTranscription != nil {
		m.InputText = sc.InputTranscription.Text
	}
	if sc.OutputTranscription != nil {
		m.OutputText = sc.OutputTranscription.Text
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				m.Audio = append(m.Audio, audio.EncodedChunk{Data: p.InlineData.Data, MIMEType: p.InlineData.MIMEType})
			}
		}
	}
	if m.InputText == "" && m.OutputText == "" && len(m.Audio) == 0 && !m.TurnComplete && !m.Interrupted {
		return nil
	}
	return m
}

func (e *geminiError) text() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Status != "" {
		return e.Status
	}
	return fmt.Sprintf("error code %d", e.Code)
}

// emit delivers ev unless the session is being closed. It reports whether
// the event was delivered.
func (s *session) emit(ev live.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil {
				s.logger.Debug("keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// ── Session methods ────────────────────────────────────────────────────────────

// Events implements live.Session.
func (s *session) Events() <-chan live.Event { return s.events }

// SendRealtimeAudio streams one base64 PCM chunk (16 kHz, s16le, mono).
func (s *session) SendRealtimeAudio(ctx context.Context, chunk audio.EncodedChunk) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return live.ErrClosed
	}
	s.mu.Unlock()

	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MIMEType: chunk.MIMEType, Data: chunk.Data}},
		},
	}
	if err := s.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()    // unblocks receiveLoop and keepaliveLoop
	close(s.done) // signals keepaliveLoop via done channel
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
