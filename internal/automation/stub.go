//go:build no_automation

package automation

import (
	"errors"
	"log/slog"
	"time"

	"hub-go-home/internal/events"
	"hub-go-home/internal/keyval"
	"hub-go-home/internal/registry"
)

var ErrNotFound = errors.New("script not found")

var errDisabled = errors.New("automation disabled")

type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	Code     string     `json:"code"`
	FilePath string     `json:"-"`
}

type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Manager is a no-op when built with no_automation.
type Manager struct{}

func NewManager(string, *slog.Logger) (*Manager, error) { return nil, nil }

func (m *Manager) List() ([]*Script, error)        { return []*Script{}, nil }
func (m *Manager) Get(string) (*Script, error)     { return nil, ErrNotFound }
func (m *Manager) Save(s *Script) (*Script, error) { return nil, errDisabled }
func (m *Manager) Delete(string) error             { return ErrNotFound }

type EngineOption func(*Engine)

func WithKeyval(*keyval.Store) EngineOption   { return func(*Engine) {} }
func WithClock(func() time.Time) EngineOption { return func(*Engine) {} }

// Engine is a no-op when built with no_automation.
type Engine struct{}

func NewEngine(*registry.Registry, *events.Bus, *Manager, *slog.Logger, ...EngineOption) *Engine {
	return &Engine{}
}

func (e *Engine) Start()                    {}
func (e *Engine) Stop()                     {}
func (e *Engine) Running() []string         { return nil }
func (e *Engine) ReloadScript(string) error { return nil }
func (e *Engine) StopScript(string)         {}

func (e *Engine) RunScript(string) *RunResult {
	return &RunResult{Error: errDisabled.Error(), Logs: []string{}, Duration: "0s"}
}

func (e *Engine) RunCode(string) *RunResult {
	return &RunResult{Error: errDisabled.Error(), Logs: []string{}, Duration: "0s"}
}
