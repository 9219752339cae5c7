// Package dispatch sends outbound messages through the provider with a
// per-send deadline and a shared rate limit.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"whatsapp-support-gateway/internal/whatsapp"

	"golang.org/x/time/rate"
)

// Provider is the set of provider operations the Dispatcher wraps.
type Provider interface {
	SendText(ctx context.Context, to, body string) error
	SendTemplate(ctx context.Context, to string, tmpl whatsapp.TemplateObj) error
}

type Dispatcher struct {
	provider Provider
	timeout  time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// New builds a Dispatcher. A ratePerSec of zero or less disables limiting and
// a timeout of zero or less leaves the caller's deadline untouched.
func New(provider Provider, timeout time.Duration, ratePerSec float64, logger *slog.Logger) *Dispatcher {
	limit := rate.Inf
	burst := 1
	if ratePerSec > 0 {
		limit = rate.Limit(ratePerSec)
		burst = max(1, int(ratePerSec))
	}
	return &Dispatcher{
		provider: provider,
		timeout:  timeout,
		limiter:  rate.NewLimiter(limit, burst),
		logger:   logger.With("component", "dispatcher"),
	}
}

// SendText delivers body to address exactly once. Provider rejections come
// back as *whatsapp.APIError.
func (d *Dispatcher) SendText(ctx context.Context, address, body string) error {
	return d.send(ctx, address, "text", func(ctx context.Context) error {
		return d.provider.SendText(ctx, address, body)
	})
}

// SendTemplate delivers a template message under the same limit and deadline
// as text sends.
func (d *Dispatcher) SendTemplate(ctx context.Context, address string, tmpl whatsapp.TemplateObj) error {
	return d.send(ctx, address, "template", func(ctx context.Context) error {
		return d.provider.SendTemplate(ctx, address, tmpl)
	})
}

// send waits for a limiter token on the caller's context; the per-send
// timeout only starts once the provider call is about to be made.
func (d *Dispatcher) send(ctx context.Context, address, kind string, call func(context.Context) error) error {
	if err := d.limiter.Wait(ctx); err != nil {
		d.logger.Warn("send not attempted", "to", address, "kind", kind, "error", err)
		return err
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	err := call(ctx)
	if err != nil {
		var apiErr *whatsapp.APIError
		if errors.As(err, &apiErr) {
			d.logger.Error("provider rejected message", "to", address, "kind", kind, "status", apiErr.StatusCode, "body", apiErr.Body)
		} else {
			d.logger.Error("send failed", "to", address, "kind", kind, "error", err)
		}
		return err
	}

	d.logger.Debug("message sent", "to", address, "kind", kind, "took", time.Since(start))
	return nil
}
