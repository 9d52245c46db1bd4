package auth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"s21-notifier/pkg/notifier"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
)

const (
	// DefaultLoginURL is the platform page that redirects to the login form.
	DefaultLoginURL = "https://platform.21-school.ru"

	browserLifetime = 23 * time.Hour
	formTimeout     = 20 * time.Second
	signalTimeout   = 30 * time.Second
	pollInterval    = 500 * time.Millisecond
)

const hideWebdriverJS = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined})`

// pageState is the view of a logged-in page used to detect and extract a token.
type pageState interface {
	URL() (string, error)
	HasStorageKey(area string) (bool, error)
	StorageToken(area string) (string, error)
	CookieToken() (string, bool, error)
	DashboardVisible() (bool, error)
	HTML() (string, error)
}

// BrowserStrategy logs in through the web form in a headless browser.
type BrowserStrategy struct {
	logger        *slog.Logger
	loginURL      string
	bin           string
	headless      bool
	formTimeout   time.Duration
	signalTimeout time.Duration
	pollInterval  time.Duration
}

// NewBrowserStrategy creates a browser login strategy. An empty bin lets rod find or
// download a Chromium build.
func NewBrowserStrategy(bin string, headless bool, logger *slog.Logger) *BrowserStrategy {
	return &BrowserStrategy{
		logger:        logger,
		loginURL:      DefaultLoginURL,
		bin:           bin,
		headless:      headless,
		formTimeout:   formTimeout,
		signalTimeout: signalTimeout,
		pollInterval:  pollInterval,
	}
}

// Name implements Strategy.
func (*BrowserStrategy) Name() string { return "browser" }

// Lifetime implements Strategy.
func (*BrowserStrategy) Lifetime() time.Duration { return browserLifetime }

// Login fills the platform login form and extracts the resulting token.
// The browser is always shut down before returning.
func (b *BrowserStrategy) Login(ctx context.Context, login, password string) (string, error) {
	const op = "browser login"

	l := launcher.New().
		Context(ctx).
		Headless(b.headless).
		NoSandbox(true).
		Set(flags.Flag("disable-blink-features"), "AutomationControlled").
		Set(flags.Flag("disable-dev-shm-usage")).
		Set(flags.Flag("disable-gpu")).
		Set(flags.Flag("window-size"), "1920,1080").
		Delete(flags.Flag("enable-automation"))
	if b.bin != "" {
		l = l.Bin(b.bin)
	} else if path, ok := launcher.LookPath(); ok {
		l = l.Bin(path)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return "", &notifier.Error{Kind: notifier.KindAutomation, Op: op, Err: err}
	}
	defer l.Cleanup()

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return "", &notifier.Error{Kind: notifier.KindAutomation, Op: op, Err: err}
	}
	defer func() {
		if closeErr := browser.Close(); closeErr != nil {
			b.logger.Warn("Failed to close browser", "error", closeErr)
		}
	}()

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return "", &notifier.Error{Kind: notifier.KindAutomation, Op: op, Err: err}
	}
	if _, err := page.EvalOnNewDocument(hideWebdriverJS); err != nil {
		b.logger.Warn("Failed to install webdriver mask", "error", err)
	}

	b.logger.Info("Opening login page", "url", b.loginURL)
	if err := page.Timeout(b.formTimeout).Navigate(b.loginURL); err != nil {
		return "", automationError(op, "open login page", err)
	}

	form := page.Timeout(b.formTimeout)
	username, err := form.Element(`[name="username"]`)
	if err != nil {
		return "", automationError(op, "wait for login form", err)
	}
	passwordField, err := form.Element(`[name="password"]`)
	if err != nil {
		return "", automationError(op, "find password field", err)
	}
	if err := fill(username, login); err != nil {
		return "", automationError(op, "fill username", err)
	}
	if err := fill(passwordField, password); err != nil {
		return "", automationError(op, "fill password", err)
	}
	if _, err := passwordField.Eval(`() => {
		const f = this.form;
		if (!f) return false;
		if (f.requestSubmit) { f.requestSubmit(); } else { f.submit(); }
		return true;
	}`); err != nil {
		return "", automationError(op, "submit login form", err)
	}
	b.logger.Info("Login form submitted, waiting for token")

	state := &rodPage{page: page}
	if err := b.waitForSignal(ctx, state); err != nil {
		return "", err
	}

	token := extractToken(state, b.logger)
	if token == "" {
		return "", notifier.Errorf(notifier.KindAutomation, op, "logged in but no token found on page")
	}
	return token, nil
}

func fill(el *rod.Element, value string) error {
	if err := el.SelectAllText(); err != nil {
		return err
	}
	return el.Input(value)
}

func automationError(op, step string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return notifier.Errorf(notifier.KindAutomation, op, "%s: timed out", step)
	}
	return notifier.Errorf(notifier.KindAutomation, op, "%s: %w", step, err)
}

// waitForSignal polls until any login indicator appears or the signal timeout elapses.
func (b *BrowserStrategy) waitForSignal(ctx context.Context, state pageState) error {
	deadline := time.Now().Add(b.signalTimeout)
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		if signal := loginSignal(state); signal != "" {
			b.logger.Info("Login completed", "signal", signal)
			return nil
		}
		if !time.Now().Before(deadline) {
			return notifier.Errorf(notifier.KindAutomation, "browser login", "no login signal within %s", b.signalTimeout)
		}
		select {
		case <-ctx.Done():
			return &notifier.Error{Kind: notifier.KindAutomation, Op: "browser login", Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// loginSignal names the first indicator showing the login went through, or "".
// Page errors count as "not yet".
func loginSignal(state pageState) string {
	if u, err := state.URL(); err == nil && urlHasTokenMarker(u) {
		return "url"
	}
	if ok, err := state.HasStorageKey("localStorage"); err == nil && ok {
		return "local_storage"
	}
	if ok, err := state.HasStorageKey("sessionStorage"); err == nil && ok {
		return "session_storage"
	}
	if _, ok, err := state.CookieToken(); err == nil && ok {
		return "cookie"
	}
	if ok, err := state.DashboardVisible(); err == nil && ok {
		return "dashboard"
	}
	return ""
}

// extractToken reads the token from local storage, session storage, cookies, the URL and
// finally inline scripts, returning the first hit.
func extractToken(state pageState, logger *slog.Logger) string {
	for _, area := range []string{"localStorage", "sessionStorage"} {
		if tok, err := state.StorageToken(area); err == nil && tok != "" {
			logger.Info("Token found", "source", area)
			return tok
		}
	}
	if tok, ok, err := state.CookieToken(); err == nil && ok && tok != "" {
		logger.Info("Token found", "source", "cookie")
		return tok
	}
	if u, err := state.URL(); err == nil {
		if tok := tokenFromURL(u); tok != "" {
			logger.Info("Token found", "source", "url")
			return tok
		}
	}
	if html, err := state.HTML(); err == nil {
		if tok := tokenFromScripts(html); tok != "" {
			logger.Info("Token found", "source", "script")
			return tok
		}
	}
	return ""
}

// rodPage implements pageState on a live browser page.
type rodPage struct {
	page *rod.Page
}

func (p *rodPage) URL() (string, error) {
	res, err := p.page.Eval(`() => window.location.href`)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (p *rodPage) HasStorageKey(area string) (bool, error) {
	res, err := p.page.Eval(`(area, keys) => {
		const s = window[area];
		if (!s) return false;
		return keys.some(k => s.getItem(k) !== null);
	}`, area, tokenKeys)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (p *rodPage) StorageToken(area string) (string, error) {
	res, err := p.page.Eval(`(area, keys) => {
		const s = window[area];
		if (!s) return "";
		for (const k of keys) {
			const v = s.getItem(k);
			if (v) return v;
		}
		return "";
	}`, area, tokenKeys)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (p *rodPage) CookieToken() (string, bool, error) {
	cookies, err := p.page.Cookies([]string{})
	if err != nil {
		return "", false, err
	}
	for _, c := range cookies {
		if isTokenKey(c.Name) {
			return c.Value, true, nil
		}
	}
	return "", false, nil
}

func (p *rodPage) DashboardVisible() (bool, error) {
	res, err := p.page.Eval(`() => {
		for (const n of ['dashboard', 'navbar', 'menu', 'profile']) {
			if (document.getElementById(n)) return true;
			if (document.getElementsByClassName(n).length > 0) return true;
		}
		const text = document.body ? document.body.innerText : '';
		return text.includes('Dashboard') || text.includes('Главная');
	}`)
	if err != nil {
		return false, err
	}
	return res.Value.Bool(), nil
}

func (p *rodPage) HTML() (string, error) {
	return p.page.HTML()
}
