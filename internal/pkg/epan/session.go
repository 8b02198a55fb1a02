package epan

import (
	"errors"
	"fmt"

	"github.com/endorses/lippytap/internal/pkg/dfilter"
	"github.com/endorses/lippytap/internal/pkg/logger"
	"github.com/endorses/lippytap/internal/pkg/memscope"
	"github.com/endorses/lippytap/internal/pkg/nstime"
	"github.com/google/uuid"
)

var (
	// ErrSessionClosed is returned when a closed session is used.
	ErrSessionClosed = errors.New("session closed")
	// ErrContextFreed is returned when a freed context is used.
	ErrContextFreed = errors.New("dissection context freed")
	// ErrAlreadyRun is returned when Run is called twice without Reset.
	ErrAlreadyRun = errors.New("dissection context already run; call Reset first")
)

// ProviderFuncs lets the capture source answer questions about the capture
// as a whole. Any callback may be nil, meaning the information is
// unavailable.
type ProviderFuncs struct {
	FrameTimestamp func(frame uint32) (nstime.Time, bool)
	StartTimestamp func() (nstime.Time, bool)
	EndTimestamp   func() (nstime.Time, bool)

	InterfaceName        func(id, section uint32) (string, bool)
	InterfaceDescription func(id, section uint32) (string, bool)

	ProcessID   func(infoID, section uint32) (int32, bool)
	ProcessName func(infoID, section uint32) (string, bool)
	ProcessUUID func(infoID, section uint32) (uuid.UUID, bool)
}

// TapSink receives tap records published during dissection. It is
// implemented by the tap registry.
type TapSink interface {
	// PrimeContext primes c with the fields every active tap filter uses.
	PrimeContext(c *Context)
	NeedsTree() bool
	NeedsColumns() bool
	// Emit delivers record to the listeners of the named tap point and
	// returns how many were called.
	Emit(name string, pinfo *PacketInfo, c *Context, record any) int
}

// Config holds the settings of one dissection session.
type Config struct {
	// AlwaysVisible makes every tree fully visible regardless of what the
	// caller asks for.
	AlwaysVisible bool
	// FaultSink receives dissector faults. Defaults to a LoggingFaultSink.
	FaultSink FaultSink
	// Decoders is the decoder table. Defaults to one with only frame and data.
	Decoders *DecoderTable
	// Taps receives tap records. Nil disables tapping.
	Taps TapSink
	// StrictFields makes CompileFilter reject filters naming unregistered
	// fields.
	StrictFields bool
}

// Session is the context for dissecting one capture. It owns the
// session-lifetime scope: conversations and per-frame protocol data live as
// long as the session.
type Session struct {
	id       uuid.UUID
	cfg      Config
	provider ProviderFuncs
	decoders *DecoderTable

	scope         *memscope.Scope
	conversations *ConversationTable
	protoData     map[frameProtoDataKey]any
	visited       map[uint32]struct{}

	liveContexts int
	closed       bool
}

// NewSession creates a session reading capture-level data from provider.
func NewSession(cfg Config, provider ProviderFuncs) *Session {
	if cfg.FaultSink == nil {
		cfg.FaultSink = LoggingFaultSink{}
	}
	if cfg.Decoders == nil {
		cfg.Decoders = NewDecoderTable()
	}

	s := &Session{
		id:        uuid.New(),
		cfg:       cfg,
		provider:  provider,
		decoders:  cfg.Decoders,
		protoData: make(map[frameProtoDataKey]any),
		visited:   make(map[uint32]struct{}),
	}
	s.scope = memscope.New(memscope.SessionScope, "session-"+s.id.String())
	s.conversations = newConversationTable(s.scope)

	logger.Debug("Dissection session created",
		"session_id", s.id.String(),
		"always_visible", cfg.AlwaysVisible,
		"protocols", len(s.decoders.Protocols()))
	return s
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// Config returns the settings the session was created with.
func (s *Session) Config() Config { return s.cfg }

// Fields returns the field registry of the session's decoders.
func (s *Session) Fields() *FieldRegistry { return s.decoders.Fields() }

// Decoders returns the session's decoder table.
func (s *Session) Decoders() *DecoderTable { return s.decoders }

// Conversations returns the session's conversation table.
func (s *Session) Conversations() *ConversationTable { return s.conversations }

// Scope returns the session-lifetime allocation scope.
func (s *Session) Scope() *memscope.Scope { return s.scope }

// CompileFilter compiles a display filter for use with this session's
// contexts. With StrictFields every field must be registered.
func (s *Session) CompileFilter(expr string) (*dfilter.Filter, error) {
	f, err := dfilter.Compile(expr)
	if err != nil {
		return nil, err
	}
	if s.cfg.StrictFields {
		if err := f.Validate(s.Fields().Known); err != nil {
			return nil, fmt.Errorf("filter %q: %w", expr, err)
		}
	}
	return f, nil
}

// FrameTimestamp returns the absolute timestamp of frame.
func (s *Session) FrameTimestamp(frame uint32) (nstime.Time, bool) {
	if s.provider.FrameTimestamp == nil {
		return nstime.Time{}, false
	}
	return s.provider.FrameTimestamp(frame)
}

// StartTimestamp returns the timestamp of the first frame.
func (s *Session) StartTimestamp() (nstime.Time, bool) {
	if s.provider.StartTimestamp == nil {
		return nstime.Time{}, false
	}
	return s.provider.StartTimestamp()
}

// EndTimestamp returns the timestamp of the last frame.
func (s *Session) EndTimestamp() (nstime.Time, bool) {
	if s.provider.EndTimestamp == nil {
		return nstime.Time{}, false
	}
	return s.provider.EndTimestamp()
}

// InterfaceName returns the capture interface name.
func (s *Session) InterfaceName(id, section uint32) (string, bool) {
	if s.provider.InterfaceName == nil {
		return "", false
	}
	return s.provider.InterfaceName(id, section)
}

// InterfaceDescription returns the capture interface description.
func (s *Session) InterfaceDescription(id, section uint32) (string, bool) {
	if s.provider.InterfaceDescription == nil {
		return "", false
	}
	return s.provider.InterfaceDescription(id, section)
}

// ProcessID returns the PID recorded for a process-information entry.
func (s *Session) ProcessID(infoID, section uint32) (int32, bool) {
	if s.provider.ProcessID == nil {
		return 0, false
	}
	return s.provider.ProcessID(infoID, section)
}

// ProcessName returns the process name recorded for a process-information entry.
func (s *Session) ProcessName(infoID, section uint32) (string, bool) {
	if s.provider.ProcessName == nil {
		return "", false
	}
	return s.provider.ProcessName(infoID, section)
}

// ProcessUUID returns the process UUID recorded for a process-information entry.
func (s *Session) ProcessUUID(infoID, section uint32) (uuid.UUID, bool) {
	if s.provider.ProcessUUID == nil {
		return uuid.Nil, false
	}
	return s.provider.ProcessUUID(infoID, section)
}

// NewContext creates a dissection context. wantTree requests a protocol tree
// and treeVisible requests that every item in it be materialized; the
// session's AlwaysVisible setting overrides treeVisible.
func (s *Session) NewContext(wantTree, treeVisible bool) (*Context, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	s.liveContexts++
	return newContext(s, wantTree, treeVisible || s.cfg.AlwaysVisible), nil
}

// LiveContexts returns the number of contexts not yet freed.
func (s *Session) LiveContexts() int { return s.liveContexts }

// Visited reports whether frame was dissected before in this session.
func (s *Session) Visited(frame uint32) bool {
	_, ok := s.visited[frame]
	return ok
}

// Close releases the session scope. Contexts still alive are left usable
// for Free only. Closing twice is a no-op.
func (s *Session) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.liveContexts > 0 {
		logger.Warn("Closing session with live dissection contexts",
			"session_id", s.id.String(),
			"live_contexts", s.liveContexts)
	}
	s.conversations.clear()
	s.protoData = make(map[frameProtoDataKey]any)
	s.visited = make(map[uint32]struct{})
	s.scope.Destroy()

	logger.Debug("Dissection session closed", "session_id", s.id.String())
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool { return s.closed }
