// Package config resolves process configuration from the environment
// and per-session settings from the session directory.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Defaults for the session lifecycle thresholds.
const (
	DefaultIdleTimeout   = 720 * time.Minute
	DefaultMaxMessages   = 300
	DefaultPromptTimeout = 120 * time.Second
)

// Config is the process-level configuration, resolved once at startup.
type Config struct {
	BasePath          string
	UseEntityMemory   bool
	SkipContextWarmup bool
	AgentModel        string
	ExtractorModel    string
	ThinkingLevel     string
	IdleTimeout       time.Duration
	MaxMessages       int
	PromptTimeout     time.Duration
}

// FromEnv builds a Config from environment variables, applying
// defaults for anything unset.
func FromEnv() (*Config, error) {
	cfg := &Config{
		BasePath:          os.Getenv("MEMORY_BASE_PATH"),
		UseEntityMemory:   envBool("USE_ENTITY_MEMORY", true),
		SkipContextWarmup: envBool("SKIP_CONTEXT_WARMUP", false),
		AgentModel:        os.Getenv("AGENT_MODEL"),
		ExtractorModel:    envDefault("EXTRACTOR_MODEL", "claude-haiku-4-5"),
		ThinkingLevel:     envDefault("AGENT_THINKING_LEVEL", "off"),
		IdleTimeout:       DefaultIdleTimeout,
		MaxMessages:       DefaultMaxMessages,
		PromptTimeout:     DefaultPromptTimeout,
	}
	if cfg.BasePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("config: resolve home dir: %w", err)
		}
		cfg.BasePath = filepath.Join(home, ".memory-den", "sessions")
	}
	if v := os.Getenv("SESSION_IDLE_TIMEOUT_MINUTES"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil || minutes <= 0 {
			return nil, fmt.Errorf("config: invalid SESSION_IDLE_TIMEOUT_MINUTES %q", v)
		}
		cfg.IdleTimeout = time.Duration(minutes) * time.Minute
	}
	if v := os.Getenv("SESSION_MAX_MESSAGES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("config: invalid SESSION_MAX_MESSAGES %q", v)
		}
		cfg.MaxMessages = n
	}
	if v := os.Getenv("SESSION_PROMPT_TIMEOUT_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil || seconds <= 0 {
			return nil, fmt.Errorf("config: invalid SESSION_PROMPT_TIMEOUT_SECONDS %q", v)
		}
		cfg.PromptTimeout = time.Duration(seconds) * time.Second
	}
	return cfg, nil
}

func envDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// LoadSessionEnv overlays a session's .env file onto the process
// environment. A missing file is fine; the overlay wins over existing
// values so a session can override process defaults.
func LoadSessionEnv(basePath, session string) error {
	path := filepath.Join(basePath, session, ".env")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Overload(path); err != nil {
		return fmt.Errorf("config: load session env %s: %w", path, err)
	}
	return nil
}

// SessionConfig is the per-session config.json: which session's system
// prompt context and memory this session shares.
type SessionConfig struct {
	SharedContext string `json:"sharedContext,omitempty"`
	SharedMemory  bool   `json:"sharedMemory,omitempty"`
}

// SessionConfigs caches per-session config.json lookups. Sessions
// rarely change config at runtime; ClearCache drops a stale entry.
type SessionConfigs struct {
	basePath string

	mu    sync.Mutex
	cache map[string]*SessionConfig
}

// NewSessionConfigs creates a session config cache over a base path.
func NewSessionConfigs(basePath string) *SessionConfigs {
	return &SessionConfigs{
		basePath: basePath,
		cache:    make(map[string]*SessionConfig),
	}
}

// Get returns the session's config, loading and caching it on first
// use. A missing or unreadable config.json yields the zero config.
func (s *SessionConfigs) Get(session string) *SessionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg, ok := s.cache[session]; ok {
		return cfg
	}
	cfg := &SessionConfig{}
	path := filepath.Join(s.basePath, session, "config.json")
	if data, err := os.ReadFile(path); err == nil {
		// A malformed config.json behaves like no config at all.
		_ = json.Unmarshal(data, cfg)
	}
	s.cache[session] = cfg
	return cfg
}

// ClearCache drops the cached config for one session, or all sessions
// when session is empty.
func (s *SessionConfigs) ClearCache(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session == "" {
		s.cache = make(map[string]*SessionConfig)
		return
	}
	delete(s.cache, session)
}
