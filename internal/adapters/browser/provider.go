// Package browser provides browser sessions driven through the Chrome DevTools Protocol.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"

	"github.com/mrlancelot/fantastic-spork-sub001/config"
	"github.com/mrlancelot/fantastic-spork-sub001/internal/core"
	apperrors "github.com/mrlancelot/fantastic-spork-sub001/internal/errors"
)

// ProviderOptions configures a Provider.
type ProviderOptions struct {
	Config config.BrowserConfig
	Logger *slog.Logger
}

// Provider launches a dedicated Chrome instance for every acquired session.
type Provider struct {
	cfg    config.BrowserConfig
	logger *slog.Logger
	active atomic.Int64
}

// NewProvider constructs a Provider.
func NewProvider(opts ProviderOptions) *Provider {
	cfg := opts.Config
	cfg.Sanitize()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{cfg: cfg, logger: logger.With("component", "browser")}
}

// Active returns the number of sessions not yet released.
func (p *Provider) Active() int64 { return p.active.Load() }

// Acquire implements core.SessionProvider. Launch failures are transient.
func (p *Provider) Acquire(ctx context.Context) (core.Session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(p.cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// The first Run owns the browser, so it gets the long-lived context and the
	// launch deadline and caller cancellation are enforced from the outside.
	launchTimer := time.AfterFunc(p.cfg.LaunchTimeout, browserCancel)
	stopOnCaller := context.AfterFunc(ctx, browserCancel)
	err := chromedp.Run(browserCtx, setupActions(p.cfg)...)
	launchTimer.Stop()
	stopOnCaller()

	if err != nil {
		browserCancel()
		allocCancel()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("launch browser: %w", ctxErr)
		}
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "launch browser")
	}

	s := &Session{
		id:         uuid.NewString(),
		ctx:        browserCtx,
		cancel:     browserCancel,
		allocClose: allocCancel,
		navTimeout: p.cfg.NavTimeout,
	}
	p.active.Add(1)
	p.logger.DebugContext(ctx, "browser session started", "session_id", s.id)
	return s, nil
}

// Release implements core.SessionProvider. It closes the browser and is safe to call twice.
func (p *Provider) Release(ctx context.Context, cs core.Session) error {
	s, ok := cs.(*Session)
	if !ok {
		return fmt.Errorf("release: unexpected session type %T", cs)
	}
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.active.Add(-1)

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(s.ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = fmt.Errorf("close browser: %w", ctx.Err())
	}
	s.cancel()
	s.allocClose()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	p.logger.DebugContext(ctx, "browser session closed", "session_id", s.id)
	return nil
}

// Session is one browser tab in its own Chrome process.
type Session struct {
	id         string
	ctx        context.Context
	cancel     context.CancelFunc
	allocClose context.CancelFunc
	navTimeout time.Duration
	closed     atomic.Bool
}

// ID implements core.Session.
func (s *Session) ID() string { return s.id }

// Navigate loads rawURL and waits for the document to be ready.
func (s *Session) Navigate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return apperrors.ValidationField("url", fmt.Sprintf("unsupported url %q", rawURL))
	}
	return s.run(ctx, "navigate", chromedp.Navigate(u.String()), chromedp.WaitReady("body", chromedp.ByQuery))
}

// Evaluate runs expression in the page, awaiting a returned promise, and returns the JSON result.
func (s *Session) Evaluate(ctx context.Context, expression string) (json.RawMessage, error) {
	var out json.RawMessage
	err := s.run(ctx, "evaluate", chromedp.Evaluate(expression, &out, awaitPromise))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func awaitPromise(p *runtime.EvaluateParams) *runtime.EvaluateParams {
	return p.WithAwaitPromise(true)
}

// run executes actions on the session's browser bounded by the navigation timeout
// and the caller's context.
func (s *Session) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	if s.closed.Load() {
		return fmt.Errorf("%s: session %s already released", op, s.id)
	}
	runCtx, cancel := context.WithTimeout(s.ctx, s.navTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	return classifyRunError(op, err)
}

// classifyRunError maps a chromedp failure onto an AppError code. Script exceptions
// will fail the same way again; everything else is treated as a flaky page.
func classifyRunError(op string, err error) error {
	var exc *runtime.ExceptionDetails
	if errors.As(err, &exc) {
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, op+": script exception")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, op+": timed out")
	}
	return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, op)
}

func allocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("lang", cfg.Locale),
		chromedp.UserAgent(cfg.UserAgent),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
	)
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

func setupActions(cfg config.BrowserConfig) []chromedp.Action {
	actions := []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(stealthSource(cfg.Locale)).Do(ctx)
			return err
		}),
		chromedp.EmulateViewport(int64(cfg.ViewportWidth), int64(cfg.ViewportHeight)),
		emulation.SetUserAgentOverride(cfg.UserAgent).WithAcceptLanguage(acceptLanguage(cfg.Locale)),
	}
	if cfg.Timezone != "" {
		actions = append(actions, emulation.SetTimezoneOverride(cfg.Timezone))
	}
	if cfg.Locale != "" {
		actions = append(actions, emulation.SetLocaleOverride().WithLocale(cfg.Locale))
	}
	return actions
}

// languages returns the navigator.languages list for locale, e.g. ["en-US","en"].
func languages(locale string) []string {
	locale = strings.TrimSpace(locale)
	if locale == "" {
		return []string{"en-US", "en"}
	}
	out := []string{locale}
	if base, _, ok := strings.Cut(locale, "-"); ok && base != "" {
		out = append(out, base)
	}
	return out
}

func acceptLanguage(locale string) string {
	return strings.Join(languages(locale), ",")
}

func stealthSource(locale string) string {
	langs, _ := json.Marshal(languages(locale))
	return strings.Replace(stealthScript, "__LANGUAGES__", string(langs), 1)
}
