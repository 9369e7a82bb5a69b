package tweak

import (
	"time"

	"github.com/breeze-rmm/tweakagent/internal/scriptpolicy"
)

// Reason codes recorded on ApplicationLog.
const (
	ReasonApplied            = "applied"
	ReasonAppliedUnverified  = "applied_unverified"
	ReasonNoChange           = "no_change"
	ReasonValidationFailed   = "validation_failed"
	ReasonPolicyViolation    = "policy_violation"
	ReasonPermissionDenied   = "permission_denied"
	ReasonScriptBlocked      = "script_blocked"
	ReasonApplyFailed        = "apply_failed"
	ReasonUnsupportedCommand = "unsupported_command"
)

// ApplicationLog is the audit unit: exactly one per apply attempt. Once it
// has been handed to a reporter it is treated as immutable.
type ApplicationLog struct {
	TweakID         string                 `json:"tweakId"`
	TweakName       string                 `json:"tweakName,omitempty"`
	CommandType     CommandType            `json:"commandType"`
	DeviceID        string                 `json:"deviceId"`
	CorrelationID   string                 `json:"correlationId,omitempty"`
	AppliedUTC      time.Time              `json:"appliedUtc"`
	Success         bool                   `json:"success"`
	Error           string                 `json:"error,omitempty"`
	BeforeState     string                 `json:"beforeState,omitempty"`
	AfterState      string                 `json:"afterState,omitempty"`
	DetailedDiff    string                 `json:"detailedDiff,omitempty"`
	ReasonCode      string                 `json:"reasonCode"`
	PolicyDecision  *scriptpolicy.Decision `json:"policyDecision,omitempty"`
	ExecutionTimeMs int64                  `json:"executionTimeMs"`

	RegistryValueType string `json:"registryValueType,omitempty"`
	RegistryValueData string `json:"registryValueData,omitempty"`
	ServiceAction     string `json:"serviceAction,omitempty"`
	ScriptOutput      string `json:"scriptOutput,omitempty"`
	ExitCode          *int   `json:"exitCode,omitempty"`

	Preflight    *PreflightResult    `json:"preflight,omitempty"`
	Verification *VerificationResult `json:"verification,omitempty"`
	RestorePoint *RestorePointResult `json:"restorePoint,omitempty"`

	// Definition is kept so Rollback can locate the target later.
	Definition Definition `json:"definition"`
}

// NewLog starts a log for def with the command-specific enrichment filled in.
func NewLog(def Definition) ApplicationLog {
	l := ApplicationLog{
		TweakID:     def.ID,
		TweakName:   def.Name,
		CommandType: def.CommandType,
		Definition:  def,
	}
	if def.Registry != nil {
		l.RegistryValueType = def.Registry.ValueType
		l.RegistryValueData = def.Registry.Data
	}
	if def.Service != nil {
		l.ServiceAction = def.Service.Action
	}
	return l
}

// Fail records a failure. The error text is taken verbatim from err.
func (l *ApplicationLog) Fail(reasonCode string, err error) {
	l.ReasonCode = reasonCode
	if err != nil {
		l.Error = err.Error()
	}
	if l.Error == "" {
		l.Error = reasonCode
	}
	l.Success = false
}

// RecordPreflight stores the gate decision and the before snapshot.
func (l *ApplicationLog) RecordPreflight(p PreflightResult) {
	l.Preflight = &p
	if p.BeforeState != "" {
		l.BeforeState = p.BeforeState
	}
	if p.CanApply {
		return
	}
	switch {
	case p.ValidationError != "":
		l.Fail(ReasonValidationFailed, errorString(p.ValidationError))
	case p.PolicyViolation != "":
		l.Fail(ReasonPolicyViolation, errorString(p.PolicyViolation))
	case p.PermissionIssue != "":
		l.Fail(ReasonPermissionDenied, errorString(p.PermissionIssue))
	default:
		l.Fail(ReasonApplyFailed, errorString(p.Reason))
	}
}

// RecordApply copies an application result into the log.
func (l *ApplicationLog) RecordApply(r ApplicationResult) {
	if r.BeforeState != "" {
		l.BeforeState = r.BeforeState
	}
	l.AfterState = r.AfterState
	l.DetailedDiff = r.DetailedDiff
	l.AppliedUTC = r.AppliedAtUTC
	l.ScriptOutput = r.ScriptOutput
	l.ExitCode = r.ExitCode
	if r.PolicyDecision != nil {
		l.PolicyDecision = r.PolicyDecision
	}
	if r.Error != "" {
		reason := ReasonApplyFailed
		if r.PolicyDecision != nil && !r.PolicyDecision.Allowed {
			reason = ReasonScriptBlocked
		}
		l.Fail(reason, errorString(r.Error))
		return
	}
	l.Success = true
	l.ReasonCode = ReasonApplied
	if r.DetailedDiff == "no change" {
		l.ReasonCode = ReasonNoChange
	}
}

// RecordVerify attaches an independent verification. A discrepancy does not
// turn a successful apply into a failure; it changes the reason code.
func (l *ApplicationLog) RecordVerify(v VerificationResult) {
	l.Verification = &v
	if l.Success && !v.Verified {
		l.ReasonCode = ReasonAppliedUnverified
	}
}

// Finalize enforces success == (error == "").
func (l *ApplicationLog) Finalize() {
	l.Success = l.Error == ""
	if l.ReasonCode == "" {
		if l.Success {
			l.ReasonCode = ReasonApplied
		} else {
			l.ReasonCode = ReasonApplyFailed
		}
	}
}

// Seal returns a copy that shares no pointers with l, so the caller may keep
// mutating its own value while the copy is journaled and reported.
func (l ApplicationLog) Seal() ApplicationLog {
	out := l
	if l.PolicyDecision != nil {
		d := *l.PolicyDecision
		out.PolicyDecision = &d
	}
	if l.ExitCode != nil {
		c := *l.ExitCode
		out.ExitCode = &c
	}
	if l.Preflight != nil {
		p := *l.Preflight
		out.Preflight = &p
	}
	if l.Verification != nil {
		v := *l.Verification
		out.Verification = &v
	}
	if l.RestorePoint != nil {
		r := *l.RestorePoint
		out.RestorePoint = &r
	}
	out.Definition = l.Definition.clone()
	return out
}

type errorString string

func (e errorString) Error() string { return string(e) }
