package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/livetalk/internal/assessment"
	"github.com/MrWong99/livetalk/internal/config"
	"github.com/MrWong99/livetalk/internal/history"
	"github.com/MrWong99/livetalk/internal/language"
	"github.com/MrWong99/livetalk/internal/livetalk"
	"github.com/MrWong99/livetalk/internal/observe"
	"github.com/MrWong99/livetalk/pkg/audio/capture"
	"github.com/MrWong99/livetalk/pkg/transcript"
)

var (
	// ErrSessionActive is returned by Start while another live talk holds the
	// audio devices.
	ErrSessionActive = errors.New("app: a live talk is already active")

	// ErrNoSession is returned by End when nothing is running.
	ErrNoSession = errors.New("app: no active live talk")
)

// SessionInfo holds metadata about the active live talk.
type SessionInfo struct {
	ID        string
	Language  language.Code
	StartedAt time.Time
}

// Result is what End produces for a finished live talk.
type Result struct {
	Record history.Record

	// Snapshot is the controller's state just before End, so a failed talk
	// still reports its error here.
	Snapshot livetalk.Snapshot

	// AssessmentErr is set when an assessment was requested but failed. The
	// record is saved without one in that case.
	AssessmentErr error
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Microphone *capture.Microphone
	Speaker    livetalk.OutputOpener
	Providers  Providers
	History    history.Store

	Session    config.SessionConfig
	Assessment config.AssessmentConfig

	Metrics *observe.Metrics
	Logger  *slog.Logger

	// OnEntry and OnState are forwarded to every controller.
	OnEntry func(transcript.Entry)
	OnState func(livetalk.Snapshot)

	// NewID defaults to uuid.NewString.
	NewID func() string

	// Now defaults to time.Now.
	Now func() time.Time
}

type activeSession struct {
	info  SessionInfo
	ctrl  *livetalk.Controller
	ended chan struct{}
}

// SessionManager runs at most one live talk at a time, since a talk owns
// the microphone and speaker. Ending a talk assesses it and records it in
// the history store. All exported methods are safe for concurrent use.
type SessionManager struct {
	mic      *capture.Microphone
	speaker  livetalk.OutputOpener
	provs    Providers
	store    history.Store
	metrics  *observe.Metrics
	log      *slog.Logger
	onEntry  func(transcript.Entry)
	onState  func(livetalk.Snapshot)
	newID    func() string
	now      func() time.Time
	baseLog  *slog.Logger

	mu       sync.Mutex
	session  config.SessionConfig
	assessCf config.AssessmentConfig
	active   *activeSession
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		mic:      cfg.Microphone,
		speaker:  cfg.Speaker,
		provs:    cfg.Providers,
		store:    cfg.History,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		onEntry:  cfg.OnEntry,
		onState:  cfg.OnState,
		newID:    cfg.NewID,
		now:      cfg.Now,
		session:  cfg.Session,
		assessCf: cfg.Assessment,
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	if sm.log == nil {
		sm.log = slog.Default()
	}
	sm.baseLog = sm.log
	sm.log = sm.log.With("component", "session_manager")
	if sm.store == nil {
		sm.store = history.NewMemoryStore()
	}
	if sm.newID == nil {
		sm.newID = uuid.NewString
	}
	if sm.now == nil {
		sm.now = time.Now
	}
	return sm
}

// assessor returns nil when assessments are disabled or no LLM is set.
func (sm *SessionManager) assessor(cf config.AssessmentConfig) *assessment.Service {
	if cf.Disabled || sm.provs.LLM == nil {
		return nil
	}
	opts := []assessment.Option{assessment.WithMetrics(sm.metrics), assessment.WithLogger(sm.baseLog)}
	if cf.Temperature > 0 {
		opts = append(opts, assessment.WithTemperature(cf.Temperature))
	}
	return assessment.New(sm.provs.LLM, opts...)
}

// Start begins a live talk in lang, or in the configured default language
// when lang is empty. It returns once the controller is connecting; setup
// failures surface through the state handler and the final snapshot.
func (sm *SessionManager) Start(ctx context.Context, lang string) (SessionInfo, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.active != nil {
		return SessionInfo{}, fmt.Errorf("%w (id=%s)", ErrSessionActive, sm.active.info.ID)
	}
	if sm.provs.Live == nil {
		return SessionInfo{}, errors.New("app: no live provider configured")
	}

	if lang == "" {
		lang = sm.session.Language
	}
	code, err := language.Parse(lang)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("app: start: %w", err)
	}

	as := &activeSession{
		info: SessionInfo{
			ID:        sm.newID(),
			Language:  code,
			StartedAt: sm.now().UTC(),
		},
		ended: make(chan struct{}),
	}
	var endOnce sync.Once
	onState := func(s livetalk.Snapshot) {
		if s.State.Terminal() {
			endOnce.Do(func() { close(as.ended) })
		}
		if sm.onState != nil {
			sm.onState(s)
		}
	}

	opts := []livetalk.Option{livetalk.WithStateHandler(onState)}
	if sm.onEntry != nil {
		opts = append(opts, livetalk.WithEntryHandler(sm.onEntry))
	}
	as.ctrl = livetalk.New(livetalk.Dependencies{
		Microphone: sm.mic,
		Speaker:    sm.speaker,
		Provider:   sm.provs.Live,
		Metrics:    sm.metrics,
		Logger:     sm.baseLog,
	}, opts...)

	err = as.ctrl.Start(ctx, livetalk.Config{
		Language:          code,
		Voice:             sm.session.Voice,
		SystemInstruction: sm.session.SystemInstruction,
		FrameSize:         sm.session.FrameSize,
		OutputSampleRate:  sm.session.OutputSampleRate,
	})
	if err != nil {
		return SessionInfo{}, fmt.Errorf("app: start: %w", err)
	}
	sm.active = as

	sm.log.Info("live talk started", "session_id", as.info.ID, "language", string(code))
	return as.info, nil
}

// End stops the active live talk, requests an assessment when enabled and
// the transcript is non-empty, and saves the record. The record is
// returned even when saving fails.
func (sm *SessionManager) End(ctx context.Context) (*Result, error) {
	sm.mu.Lock()
	as := sm.active
	if as == nil {
		sm.mu.Unlock()
		return nil, ErrNoSession
	}
	last := as.ctrl.Snapshot()
	entries := as.ctrl.End(ctx)
	sm.active = nil
	assessCf := sm.assessCf
	sm.mu.Unlock()

	res := &Result{
		Snapshot: last,
		Record: history.Record{
			ID:        as.info.ID,
			Language:  as.info.Language,
			StartedAt: as.info.StartedAt,
			EndedAt:   sm.now().UTC(),
			Entries:   entries,
		},
	}
	log := sm.log.With("session_id", as.info.ID)
	log.Info("live talk ended", "entries", len(entries), "state", res.Snapshot.State.String())

	if svc := sm.assessor(assessCf); svc != nil && len(entries) > 0 {
		actx := ctx
		if assessCf.Timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, assessCf.Timeout)
			defer cancel()
		}
		a, err := svc.Assess(actx, entries, as.info.Language)
		if err != nil {
			log.Warn("assessment failed", "err", err)
			res.AssessmentErr = err
		} else {
			res.Record.Assessment = a
		}
	}

	if err := sm.store.Save(ctx, res.Record); err != nil {
		return res, fmt.Errorf("app: save history: %w", err)
	}
	return res, nil
}

// Active returns the active live talk, if any.
func (sm *SessionManager) Active() (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == nil {
		return SessionInfo{}, false
	}
	return sm.active.info, true
}

// Snapshot returns the active controller's snapshot.
func (sm *SessionManager) Snapshot() (livetalk.Snapshot, bool) {
	sm.mu.Lock()
	as := sm.active
	sm.mu.Unlock()
	if as == nil {
		return livetalk.Snapshot{}, false
	}
	return as.ctrl.Snapshot(), true
}

// StateString reports "idle" when nothing is running and the controller
// state otherwise.
func (sm *SessionManager) StateString() string {
	if snap, ok := sm.Snapshot(); ok {
		return snap.State.String()
	}
	return livetalk.StateIdle.String()
}

// Starting reports whether a live talk is still connecting.
func (sm *SessionManager) Starting() bool {
	snap, ok := sm.Snapshot()
	return ok && snap.State == livetalk.StateConnecting
}

// Ended returns a channel closed when the active live talk reaches a
// terminal state on its own or through End. It returns nil when nothing is
// running.
func (sm *SessionManager) Ended() <-chan struct{} {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active == nil {
		return nil
	}
	return sm.active.ended
}

// Recent lists up to limit recorded live talks, newest first.
func (sm *SessionManager) Recent(ctx context.Context, limit int) ([]history.Record, error) {
	return sm.store.List(ctx, limit)
}

// ApplyConfig updates session and assessment defaults. Changes take effect
// from the next Start; a running talk keeps its settings.
func (sm *SessionManager) ApplyConfig(d config.ConfigDiff) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if d.SessionChanged {
		sm.session = d.NewSession
		sm.log.Info("session defaults updated", "language", d.NewSession.Language, "voice", d.NewSession.Voice)
	}
	if d.AssessmentChanged {
		sm.assessCf = d.NewAssessment
		sm.log.Info("assessment settings updated", "disabled", d.NewAssessment.Disabled)
	}
}
