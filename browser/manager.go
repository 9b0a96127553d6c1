package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Config configures how the manager reaches a browser.
type Config struct {
	// ControlURL is the DevTools WebSocket URL of a running browser.
	// Empty means launch a local one via the launcher.
	ControlURL string `yaml:"control_url"`

	// Bin overrides the browser binary for local launches.
	Bin string `yaml:"bin"`

	// UserDataDir points local launches at an existing profile so the chat
	// application sees a logged-in session.
	UserDataDir string `yaml:"user_data_dir"`

	// Headless controls local launches. Attaching ignores it.
	Headless bool `yaml:"headless"`

	// Stealth opens chat tabs through the stealth page factory. Consumer
	// chat frontends run bot detection; keep this on outside tests.
	Stealth bool `yaml:"stealth"`

	// NavigateTimeout bounds navigation plus load wait. Default: 30s.
	NavigateTimeout time.Duration `yaml:"navigate_timeout"`

	// MutationDebounce is the burst coalescing window. Default: 150ms.
	MutationDebounce time.Duration `yaml:"mutation_debounce"`
}

func (c *Config) applyDefaults() {
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.MutationDebounce <= 0 {
		c.MutationDebounce = 150 * time.Millisecond
	}
}

// Manager owns the connection to one browser and opens chat tabs on it.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	closed  bool
}

// NewManager creates a Manager. Call Connect before opening tabs.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger}
}

// Connect attaches to the configured browser, launching one when no control
// URL is set.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return fmt.Errorf("browser: manager is closed")
	}
	if m.browser != nil {
		return nil
	}

	wsURL := m.cfg.ControlURL
	if wsURL == "" {
		l := launcher.New().Headless(m.cfg.Headless)
		if m.cfg.Bin != "" {
			l = l.Bin(m.cfg.Bin)
		}
		if m.cfg.UserDataDir != "" {
			l = l.UserDataDir(m.cfg.UserDataDir)
		}
		l = l.Set("disable-blink-features", "AutomationControlled")

		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		m.logger.Info("browser: launched local chrome", "url", wsURL, "headless", m.cfg.Headless)
	} else {
		m.logger.Info("browser: attaching to remote", "url", wsURL)
	}

	b := rod.New().Context(ctx).ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("browser: connect: %w", err)
	}
	m.browser = b
	return nil
}

// Browser returns the connected Rod browser, or nil before Connect.
func (m *Manager) Browser() *rod.Browser {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.browser
}

// OpenChat opens a fresh tab on the chat URL and waits for the initial load.
func (m *Manager) OpenChat(ctx context.Context, chatURL string) (*Page, error) {
	b := m.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: not connected")
	}

	var (
		page *rod.Page
		err  error
	)
	if m.cfg.Stealth {
		page, err = stealth.Page(b)
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: ""})
	}
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavigateTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(chatURL); err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", chatURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		m.logger.Warn("browser: wait load timeout", "url", chatURL, "error", err)
	}

	return NewPage(page, chatURL, m.logger, m.cfg.MutationDebounce), nil
}

// FindChat attaches to an already open tab whose URL starts with urlPrefix.
// This is how the watcher reuses a tab the user logged in on.
func (m *Manager) FindChat(ctx context.Context, urlPrefix string) (*Page, error) {
	b := m.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: not connected")
	}

	pages, err := b.Context(ctx).Pages()
	if err != nil {
		return nil, fmt.Errorf("browser: list pages: %w", err)
	}
	for _, pg := range pages {
		info, err := pg.Info()
		if err != nil {
			continue
		}
		if strings.HasPrefix(info.URL, urlPrefix) {
			m.logger.Info("browser: attached to existing tab", "url", info.URL)
			return NewPage(pg, info.URL, m.logger, m.cfg.MutationDebounce), nil
		}
	}
	return nil, fmt.Errorf("browser: no open tab matches %q", urlPrefix)
}

// Close disconnects from the browser. Locally launched browsers are killed;
// attached ones are left running.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
	return err
}
