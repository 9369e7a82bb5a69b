// Package tweak defines the contract shared by every tweak module: the
// definition an operator issues, the per-stage results, and the audit log
// that crosses the device/server boundary.
package tweak

import (
	"context"
	"time"

	"github.com/breeze-rmm/tweakagent/internal/scriptpolicy"
)

// CommandType selects the module that handles a definition. The set is
// closed; every switch over it must handle each value and reject the rest.
type CommandType string

const (
	CommandRegistry       CommandType = "Registry"
	CommandService        CommandType = "Service"
	CommandScript         CommandType = "Script"
	CommandNetwork        CommandType = "Network"
	CommandPower          CommandType = "Power"
	CommandSecurityHealth CommandType = "SecurityHealth"
)

// CommandTypes lists every valid CommandType.
var CommandTypes = []CommandType{
	CommandRegistry,
	CommandService,
	CommandScript,
	CommandNetwork,
	CommandPower,
	CommandSecurityHealth,
}

// Valid reports whether c is one of the known command types.
func (c CommandType) Valid() bool {
	switch c {
	case CommandRegistry, CommandService, CommandScript, CommandNetwork, CommandPower, CommandSecurityHealth:
		return true
	default:
		return false
	}
}

type RiskLevel string

const (
	RiskLow      RiskLevel = "Low"
	RiskMedium   RiskLevel = "Medium"
	RiskHigh     RiskLevel = "High"
	RiskCritical RiskLevel = "Critical"
)

// Definition is an immutable instruction issued by an operator. The agent
// never modifies one it has received.
type Definition struct {
	ID            string      `json:"id" yaml:"id" validate:"required,max=128"`
	Name          string      `json:"name" yaml:"name" validate:"required,max=256"`
	CommandType   CommandType `json:"commandType" yaml:"commandType" validate:"required,commandtype"`
	RiskLevel     RiskLevel   `json:"riskLevel,omitempty" yaml:"riskLevel" validate:"omitempty,oneof=Low Medium High Critical"`
	RequiresAdmin bool        `json:"requiresAdmin" yaml:"requiresAdmin"`
	AllowUndo     bool        `json:"allowUndo" yaml:"allowUndo"`

	Registry *RegistrySpec `json:"registry,omitempty" yaml:"registry" validate:"required_if=CommandType Registry"`
	Service  *ServiceSpec  `json:"service,omitempty" yaml:"service" validate:"required_if=CommandType Service"`
	Script   *ScriptSpec   `json:"script,omitempty" yaml:"script" validate:"required_if=CommandType Script"`
	Network  *NetworkSpec  `json:"network,omitempty" yaml:"network"`
	Power    *PowerSpec    `json:"power,omitempty" yaml:"power"`
}

func (d Definition) clone() Definition {
	out := d
	if d.Registry != nil {
		r := *d.Registry
		out.Registry = &r
	}
	if d.Service != nil {
		s := *d.Service
		out.Service = &s
	}
	if d.Script != nil {
		s := *d.Script
		out.Script = &s
	}
	if d.Network != nil {
		n := *d.Network
		n.DNS = append([]string(nil), d.Network.DNS...)
		out.Network = &n
	}
	if d.Power != nil {
		p := *d.Power
		if d.Power.BootTimeoutSeconds != nil {
			t := *d.Power.BootTimeoutSeconds
			p.BootTimeoutSeconds = &t
		}
		out.Power = &p
	}
	return out
}

// Registry value kinds accepted in RegistrySpec.ValueType.
const (
	ValueString       = "String"
	ValueExpandString = "ExpandString"
	ValueDWord        = "DWord"
	ValueQWord        = "QWord"
	ValueMultiString  = "MultiString"
	ValueBinary       = "Binary"
)

type RegistrySpec struct {
	Path      string `json:"path" yaml:"path" validate:"required,max=1024"`
	Name      string `json:"name" yaml:"name" validate:"max=256"`
	ValueType string `json:"valueType" yaml:"valueType" validate:"required,oneof=String ExpandString DWord QWord MultiString Binary"`
	Data      string `json:"data" yaml:"data"`
}

// Service actions accepted in ServiceSpec.Action.
const (
	ActionStart   = "Start"
	ActionStop    = "Stop"
	ActionRestart = "Restart"
	ActionEnable  = "Enable"
	ActionDisable = "Disable"
)

type ServiceSpec struct {
	Name   string `json:"name" yaml:"name" validate:"required,max=256,servicename"`
	Action string `json:"action" yaml:"action" validate:"required,oneof=Start Stop Restart Enable Disable"`
}

type ScriptSpec struct {
	Content        string `json:"content" yaml:"content" validate:"max=1048576"`
	UndoContent    string `json:"undoContent,omitempty" yaml:"undoContent" validate:"max=1048576"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds" validate:"gte=0,lte=3600"`
}

// Network actions accepted in NetworkSpec.Action.
const (
	NetworkSnapshot     = "Snapshot"
	NetworkFlushDNS     = "FlushDns"
	NetworkWinsockReset = "WinsockReset"
	NetworkTCPAutotune  = "TcpAutotuningNormal"
	NetworkSetDNS       = "SetDns"
)

type NetworkSpec struct {
	Action        string   `json:"action" yaml:"action" validate:"required,oneof=Snapshot FlushDns WinsockReset TcpAutotuningNormal SetDns"`
	InterfaceName string   `json:"interfaceName,omitempty" yaml:"interfaceName" validate:"omitempty,ifname"`
	DNS           []string `json:"dns,omitempty" yaml:"dns" validate:"omitempty,max=4,dive,ipv4dotted"`
}

type PowerSpec struct {
	// Scheme is Balanced, HighPerformance, PowerSaver, UltimatePerformance
	// or a scheme GUID. Empty derives the scheme from the tweak name.
	Scheme string `json:"scheme,omitempty" yaml:"scheme" validate:"max=64"`
	// BootTimeoutSeconds, when set, also changes the boot manager timeout.
	BootTimeoutSeconds *int `json:"bootTimeoutSeconds,omitempty" yaml:"bootTimeoutSeconds" validate:"omitempty,gte=0,lte=60"`
}

// PreflightResult gates an apply attempt. Only one of the issue fields is set
// when CanApply is false.
type PreflightResult struct {
	CanApply        bool   `json:"canApply"`
	Reason          string `json:"reason,omitempty"`
	ValidationError string `json:"validationError,omitempty"`
	PolicyViolation string `json:"policyViolation,omitempty"`
	PermissionIssue string `json:"permissionIssue,omitempty"`
	BeforeState     string `json:"beforeState,omitempty"`
}

type ApplicationResult struct {
	Success      bool      `json:"success"`
	BeforeState  string    `json:"beforeState,omitempty"`
	AfterState   string    `json:"afterState,omitempty"`
	AppliedAtUTC time.Time `json:"appliedAtUtc"`
	DetailedDiff string    `json:"detailedDiff,omitempty"`
	Error        string    `json:"error,omitempty"`

	// Enrichment copied into the application log.
	ScriptOutput   string                 `json:"scriptOutput,omitempty"`
	ExitCode       *int                   `json:"exitCode,omitempty"`
	PolicyDecision *scriptpolicy.Decision `json:"policyDecision,omitempty"`
}

type VerificationResult struct {
	Verified      bool   `json:"verified"`
	CurrentState  string `json:"currentState,omitempty"`
	ExpectedState string `json:"expectedState,omitempty"`
	Discrepancy   string `json:"discrepancy,omitempty"`
}

type RollbackResult struct {
	Success         bool      `json:"success"`
	RestoredState   string    `json:"restoredState,omitempty"`
	Error           string    `json:"error,omitempty"`
	RolledBackAtUTC time.Time `json:"rolledBackAtUtc"`
}

// RestorePointResult records the outcome of the optional system restore
// point taken before an apply.
type RestorePointResult struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Module is implemented by every tweak target. Methods never panic and never
// return errors; failures are reported inside the results.
type Module interface {
	Preflight(ctx context.Context, def Definition) PreflightResult
	Apply(ctx context.Context, def Definition) ApplicationResult
	Verify(ctx context.Context, def Definition) VerificationResult
	Rollback(ctx context.Context, log ApplicationLog) RollbackResult
}
