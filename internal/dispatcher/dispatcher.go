// Package dispatcher routes a tweak definition to its module, builds the
// application log, journals it locally and hands it to the audit reporter.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/breeze-rmm/tweakagent/internal/audit"
	"github.com/breeze-rmm/tweakagent/internal/auditreport"
	"github.com/breeze-rmm/tweakagent/internal/health"
	"github.com/breeze-rmm/tweakagent/internal/logging"
	"github.com/breeze-rmm/tweakagent/internal/privilege"
	"github.com/breeze-rmm/tweakagent/internal/restorepoint"
	"github.com/breeze-rmm/tweakagent/internal/tweak"
)

var log = logging.L("dispatcher")

// DefaultReportTimeout bounds one asynchronous audit report, retries included.
const DefaultReportTimeout = 2 * time.Minute

// Health counters maintained by the dispatcher.
const (
	CounterApplied       = "tweaksApplied"
	CounterFailed        = "tweaksFailed"
	CounterReported      = "auditReportsDelivered"
	CounterReportFailure = "auditReportsFailed"
)

// Modules holds one implementation per command type. A nil entry makes
// definitions of that type fail as unsupported.
type Modules struct {
	Registry       tweak.Module
	Service        tweak.Module
	Script         tweak.Module
	Network        tweak.Module
	Power          tweak.Module
	SecurityHealth tweak.Module
}

// Journal is the local record of applied tweaks.
type Journal interface {
	RecordLog(l tweak.ApplicationLog)
	Record(eventType, tweakID, correlationID string, details map[string]any)
}

// Reporter delivers a log to the server's audit endpoints.
type Reporter interface {
	Report(ctx context.Context, l tweak.ApplicationLog, correlationID string) auditreport.Outcome
}

// Dispatcher is safe for concurrent use; concurrent dispatches share no
// mutable state beyond the report WaitGroup.
type Dispatcher struct {
	deviceID      string
	modules       Modules
	journal       Journal
	reporter      Reporter
	health        *health.Monitor
	restore       restorepoint.Creator
	isElevated    func() bool
	now           func() time.Time
	reportTimeout time.Duration

	reports     sync.WaitGroup
	reportCtx   context.Context
	stopReports context.CancelFunc
}

type Option func(*Dispatcher)

// WithJournal records every finished log and rollback locally.
func WithJournal(j Journal) Option {
	return func(d *Dispatcher) { d.journal = j }
}

// WithReporter enables the asynchronous REST audit report.
func WithReporter(r Reporter) Option {
	return func(d *Dispatcher) { d.reporter = r }
}

// WithHealth updates the audit_report component and tweak counters.
func WithHealth(m *health.Monitor) Option {
	return func(d *Dispatcher) { d.health = m }
}

// WithRestorePoints takes a restore point before High and Critical risk
// tweaks that change the machine.
func WithRestorePoints(c restorepoint.Creator) Option {
	return func(d *Dispatcher) { d.restore = c }
}

// WithElevationCheck overrides privilege.IsElevated.
func WithElevationCheck(check func() bool) Option {
	return func(d *Dispatcher) { d.isElevated = check }
}

// WithClock overrides the time source used for timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithReportTimeout overrides DefaultReportTimeout.
func WithReportTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.reportTimeout = t
		}
	}
}

func New(deviceID string, modules Modules, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		deviceID:      deviceID,
		modules:       modules,
		isElevated:    privilege.IsElevated,
		now:           time.Now,
		reportTimeout: DefaultReportTimeout,
		reportCtx:     ctx,
		stopReports:   cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch applies def and returns its sealed log. It never panics; any
// failure, including a panic inside a module, ends up in the log's error.
func (d *Dispatcher) Dispatch(ctx context.Context, def tweak.Definition, correlationID string) tweak.ApplicationLog {
	start := d.now()
	logger := logging.WithTweak(log, def.ID, correlationID)

	l := tweak.NewLog(def)
	l.DeviceID = d.deviceID
	l.CorrelationID = correlationID

	func() {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("tweak dispatch panicked", "panic", p, "stack", string(debug.Stack()))
				l.Fail(tweak.ReasonApplyFailed, fmt.Errorf("internal error: %v", p))
			}
		}()
		d.run(ctx, def, &l, logger)
	}()

	end := d.now()
	l.ExecutionTimeMs = end.Sub(start).Milliseconds()
	if l.AppliedUTC.IsZero() {
		l.AppliedUTC = end.UTC()
	}
	l.Finalize()
	sealed := l.Seal()

	logger.Info("tweak dispatched",
		"commandType", string(def.CommandType),
		"success", sealed.Success,
		"reasonCode", sealed.ReasonCode,
		slog.Int64(logging.KeyDurationMs, sealed.ExecutionTimeMs),
	)
	if d.health != nil {
		if sealed.Success {
			d.health.Add(CounterApplied, 1)
		} else {
			d.health.Add(CounterFailed, 1)
		}
	}
	if d.journal != nil {
		d.journal.RecordLog(sealed)
	}
	d.reportAsync(sealed, correlationID)
	return sealed
}

func (d *Dispatcher) run(ctx context.Context, def tweak.Definition, l *tweak.ApplicationLog, logger *slog.Logger) {
	if err := tweak.Validate(def); err != nil {
		l.Fail(tweak.ReasonValidationFailed, err)
		return
	}
	if privilege.RequiresElevation(def) && !d.isElevated() {
		l.Fail(tweak.ReasonPermissionDenied, tweak.NewPermissionIssue(def.ID,
			"%s tweak %q requires an elevated agent", def.CommandType, def.Name))
		return
	}

	m, err := d.module(def.CommandType)
	if err != nil {
		reason := tweak.ReasonUnsupportedCommand
		if tweak.KindOf(err) == tweak.KindValidation {
			reason = tweak.ReasonValidationFailed
		}
		l.Fail(reason, err)
		return
	}

	if d.wantsRestorePoint(def) {
		l.RestorePoint = restorepoint.Take(ctx, d.restore, "Before tweak "+def.Name)
		logger.Info("restore point", "status", l.RestorePoint.Status, "message", l.RestorePoint.Message)
	}

	if def.CommandType == tweak.CommandScript {
		// Scripts have no independent state to preflight or verify; the
		// module's Apply runs the policy gate and the execution together.
		l.RecordApply(m.Apply(ctx, def))
		return
	}

	pre := m.Preflight(ctx, def)
	l.RecordPreflight(pre)
	if !pre.CanApply {
		logger.Warn("preflight rejected tweak", "reason", l.ReasonCode, logging.KeyError, l.Error)
		return
	}
	l.RecordApply(m.Apply(ctx, def))
	if !l.Success {
		return
	}
	l.RecordVerify(m.Verify(ctx, def))
}

// module selects the implementation for ct. The switch is exhaustive over
// tweak.CommandTypes.
func (d *Dispatcher) module(ct tweak.CommandType) (tweak.Module, error) {
	var m tweak.Module
	switch ct {
	case tweak.CommandRegistry:
		m = d.modules.Registry
	case tweak.CommandService:
		m = d.modules.Service
	case tweak.CommandScript:
		m = d.modules.Script
	case tweak.CommandNetwork:
		m = d.modules.Network
	case tweak.CommandPower:
		m = d.modules.Power
	case tweak.CommandSecurityHealth:
		m = d.modules.SecurityHealth
	default:
		return nil, tweak.NewValidationError("", "unknown command type %q", ct)
	}
	if m == nil {
		return nil, tweak.NewUnsupportedError("dispatch", "%s tweaks are not supported on this agent", ct)
	}
	return m, nil
}

func (d *Dispatcher) wantsRestorePoint(def tweak.Definition) bool {
	if d.restore == nil {
		return false
	}
	if def.RiskLevel != tweak.RiskHigh && def.RiskLevel != tweak.RiskCritical {
		return false
	}
	switch def.CommandType {
	case tweak.CommandSecurityHealth:
		return false
	case tweak.CommandNetwork:
		return def.Network != nil && def.Network.Action != tweak.NetworkSnapshot
	default:
		return true
	}
}

func (d *Dispatcher) reportAsync(l tweak.ApplicationLog, correlationID string) {
	if d.reporter == nil {
		return
	}
	d.reports.Add(1)
	go func() {
		defer d.reports.Done()
		ctx, cancel := context.WithTimeout(d.reportCtx, d.reportTimeout)
		defer cancel()

		out := d.reporter.Report(ctx, l, correlationID)
		if d.health == nil {
			return
		}
		if out.Delivered {
			d.health.Add(CounterReported, 1)
			d.health.Update(health.ComponentAuditReport, health.Healthy, "")
			return
		}
		d.health.Add(CounterReportFailure, 1)
		d.health.Update(health.ComponentAuditReport, health.Degraded, out.Reason+": "+out.Message)
	}()
}

// Wait blocks until every in-flight audit report finishes or ctx expires,
// then cancels whatever is still running.
func (d *Dispatcher) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.reports.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("audit reports still in flight at shutdown")
		d.stopReports()
		<-done
	}
	d.stopReports()
}

// Undo rolls back the change recorded in l. Only logs whose definition
// allows undo are accepted.
func (d *Dispatcher) Undo(ctx context.Context, l tweak.ApplicationLog) tweak.RollbackResult {
	logger := logging.WithTweak(log, l.TweakID, l.CorrelationID)

	result := func() (res tweak.RollbackResult) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("tweak rollback panicked", "panic", p, "stack", string(debug.Stack()))
				res = tweak.RollbackResult{Error: fmt.Sprintf("internal error: %v", p), RolledBackAtUTC: d.now().UTC()}
			}
		}()
		if !l.Definition.AllowUndo {
			return tweak.RollbackResult{
				Error:           fmt.Sprintf("tweak %q does not allow undo", l.TweakID),
				RolledBackAtUTC: d.now().UTC(),
			}
		}
		m, err := d.module(l.CommandType)
		if err != nil {
			return tweak.RollbackResult{Error: err.Error(), RolledBackAtUTC: d.now().UTC()}
		}
		return m.Rollback(ctx, l)
	}()

	if result.Success {
		logger.Info("tweak rolled back")
	} else {
		logger.Warn("tweak rollback failed", logging.KeyError, result.Error)
	}
	if d.journal != nil {
		details := map[string]any{"success": result.Success}
		if result.Error != "" {
			details["error"] = result.Error
		}
		if result.RestoredState != "" {
			details["restoredState"] = result.RestoredState
		}
		d.journal.Record(audit.EventTweakRolledBack, l.TweakID, l.CorrelationID, details)
	}
	return result
}
