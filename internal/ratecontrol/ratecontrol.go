// Package ratecontrol paces outbound LLM traffic. Limits come from an
// optional pacing.yaml, hot reloaded on change; providers without an
// override fall back to built-in limits, then to a flat delay.
package ratecontrol

import (
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type config struct {
	RateLimits struct {
		DefaultRPM        int `yaml:"default_rpm"`
		DefaultTPM        int `yaml:"default_tpm"`
		ProviderOverrides map[string]struct {
			RPM int `yaml:"rpm"`
			TPM int `yaml:"tpm"`
		} `yaml:"provider_overrides"`
	} `yaml:"rate_limits"`
}

// RateLimit bounds a provider in requests and tokens per minute.
// Zero means unbounded on that axis.
type RateLimit struct {
	RPM int
	TPM int
}

var builtInProviderLimits = map[string]RateLimit{
	"openai":       {RPM: 60, TPM: 90000},
	"azure_openai": {RPM: 60, TPM: 90000},
	"groq":         {RPM: 30, TPM: 30000},
}

// Controller resolves per-provider pacing delays.
type Controller struct {
	mu       sync.RWMutex
	cfg      config
	path     string
	fallback time.Duration
	logger   *zap.Logger
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// New builds a controller. A missing or unreadable config file is not an
// error; built-in limits and the fallback delay apply until one appears.
func New(path string, fallback time.Duration, logger *zap.Logger) *Controller {
	c := &Controller{
		path:     path,
		fallback: fallback,
		logger:   logger,
		done:     make(chan struct{}),
	}
	c.load()
	c.watch()
	return c
}

func (c *Controller) load() {
	if c.path == "" {
		return
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	var cfg config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		c.logger.Warn("invalid pacing config ignored",
			zap.String("path", c.path), zap.Error(err))
		return
	}
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	c.logger.Info("pacing config loaded", zap.String("path", c.path))
}

func (c *Controller) watch() {
	if c.path == "" {
		return
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.Warn("pacing config watcher unavailable", zap.Error(err))
		return
	}
	if err := watcher.Add(c.path); err != nil {
		watcher.Close()
		return
	}
	c.watcher = watcher

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					c.load()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				c.logger.Warn("pacing config watch error", zap.Error(err))
			case <-c.done:
				return
			}
		}
	}()
}

// Close stops the config watcher.
func (c *Controller) Close() {
	close(c.done)
	if c.watcher != nil {
		c.watcher.Close()
	}
}

// LimitForProvider resolves the limit for a provider kind: file override
// first, then built-ins, then the file defaults.
func (c *Controller) LimitForProvider(provider string) RateLimit {
	key := strings.ToLower(strings.TrimSpace(provider))

	c.mu.RLock()
	defer c.mu.RUnlock()
	if override, ok := c.cfg.RateLimits.ProviderOverrides[key]; ok {
		return RateLimit{RPM: override.RPM, TPM: override.TPM}
	}
	if limit, ok := builtInProviderLimits[key]; ok {
		return limit
	}
	return RateLimit{RPM: c.cfg.RateLimits.DefaultRPM, TPM: c.cfg.RateLimits.DefaultTPM}
}

// Delay returns how long to wait before the next request to a provider.
// estimatedTokens sizes the TPM share; pass 0 when unknown.
func (c *Controller) Delay(provider string, estimatedTokens int) time.Duration {
	limit := c.LimitForProvider(provider)
	if d := delayForLimit(limit, estimatedTokens); d > 0 {
		return d
	}
	return c.fallback
}

func delayForLimit(limit RateLimit, estimatedTokens int) time.Duration {
	if (limit.RPM <= 0 && limit.TPM <= 0) || estimatedTokens < 0 {
		return 0
	}
	var delayMs float64
	if limit.RPM > 0 {
		delayMs = math.Max(delayMs, 60000.0/float64(limit.RPM))
	}
	if limit.TPM > 0 && estimatedTokens > 0 {
		perToken := 60000.0 / float64(limit.TPM)
		delayMs = math.Max(delayMs, perToken*float64(estimatedTokens))
	}
	if delayMs <= 0 {
		return 0
	}
	if delayMs > 60000 {
		delayMs = 60000
	}
	return time.Duration(math.Ceil(delayMs)) * time.Millisecond
}
