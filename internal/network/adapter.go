package network

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dmpolin/connect-billing/internal/core/datamodel/subscription"
)

// Result is the outcome of one device operation. Device calls never panic;
// callers branch on the result and must treat a failure as "retry later",
// never as a reason to revert a committed store decision.
type Result struct {
	OK      bool
	Skipped bool
	Message string
	Err     error
}

func Done(message string) Result {
	return Result{OK: true, Message: message}
}

func Skip(message string) Result {
	return Result{OK: true, Skipped: true, Message: message}
}

func Failure(err error) Result {
	return Result{Err: err, Message: err.Error()}
}

// Adapter is one device integration for one service type. Ensure semantics
// are create-or-update; calling EnsureEnabled for an identity that already
// exists updates its profile and re-enables it.
type Adapter interface {
	EnsureEnabled(ctx context.Context, identity, profile, password string) Result
	Disable(ctx context.Context, identity string) Result
	DisconnectSessions(ctx context.Context, identity string) Result
}

// Enforcer routes device operations to the adapter registered for the
// subscription's service type. The master switch and dry-run gate every call;
// when either short-circuits, the caller gets a skipped result and the
// pipeline continues unmodified.
type Enforcer struct {
	enabled  bool
	dryRun   bool
	adapters map[string]Adapter
	logger   *slog.Logger
}

func NewEnforcer(enabled, dryRun bool, logger *slog.Logger) *Enforcer {
	return &Enforcer{
		enabled:  enabled,
		dryRun:   dryRun,
		adapters: make(map[string]Adapter),
		logger:   logger,
	}
}

func (e *Enforcer) Register(serviceType string, adapter Adapter) {
	e.adapters[strings.ToLower(serviceType)] = adapter
}

// Enabled reports the master switch. The expiry scheduler uses it to decide
// whether a device pass is worth attempting at all.
func (e *Enforcer) Enabled() bool {
	return e.enabled
}

func (e *Enforcer) adapterFor(serviceType string) (Adapter, Result, bool) {
	if !e.enabled {
		return nil, Skip("router automation disabled"), false
	}
	if e.dryRun {
		return nil, Skip("router automation in dry-run mode"), false
	}
	adapter, ok := e.adapters[strings.ToLower(serviceType)]
	if !ok {
		return nil, Failure(fmt.Errorf("no adapter registered for service type %q", serviceType)), false
	}
	return adapter, Result{}, true
}

// Grant makes sure the identity exists on the device with the given profile
// and is enabled.
func (e *Enforcer) Grant(ctx context.Context, serviceType, identity, profile, password string) Result {
	adapter, res, ok := e.adapterFor(serviceType)
	if !ok {
		e.logResult("grant", serviceType, identity, res)
		return res
	}
	res = adapter.EnsureEnabled(ctx, identity, profile, password)
	e.logResult("grant", serviceType, identity, res)
	return res
}

// Revoke disables the identity and evicts any active session so the change
// takes effect immediately instead of at next login.
func (e *Enforcer) Revoke(ctx context.Context, serviceType, identity string) Result {
	adapter, res, ok := e.adapterFor(serviceType)
	if !ok {
		e.logResult("revoke", serviceType, identity, res)
		return res
	}

	res = adapter.Disable(ctx, identity)
	if res.Err != nil {
		e.logResult("revoke", serviceType, identity, res)
		return res
	}

	kick := adapter.DisconnectSessions(ctx, identity)
	if kick.Err != nil {
		// The identity is already disabled; the session dies on its own
		// at reauthentication. Report the partial failure for retry.
		e.logResult("revoke", serviceType, identity, kick)
		return kick
	}

	e.logResult("revoke", serviceType, identity, res)
	return res
}

// RevokeSubscription is a convenience wrapper for callers holding a full
// subscription row.
func (e *Enforcer) RevokeSubscription(ctx context.Context, sub *subscription.Subscription) Result {
	identity := sub.Identity()
	if identity == "" {
		return Skip("subscription has no network identity")
	}
	return e.Revoke(ctx, sub.ServiceType, identity)
}

func (e *Enforcer) logResult(op, serviceType, identity string, res Result) {
	switch {
	case res.Err != nil:
		e.logger.Error("device operation failed",
			"op", op,
			"service_type", serviceType,
			"identity", identity,
			"error", res.Err)
	case res.Skipped:
		e.logger.Debug("device operation skipped",
			"op", op,
			"service_type", serviceType,
			"identity", identity,
			"reason", res.Message)
	default:
		e.logger.Info("device operation applied",
			"op", op,
			"service_type", serviceType,
			"identity", identity)
	}
}
