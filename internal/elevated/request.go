// Package elevated implements the narrow out-of-process helper that performs
// privileged OS mutations on behalf of the agent. The helper is the agent
// binary started with --elevated --payload <file>; it validates the request,
// performs one operation, and writes one JSON line to stdout.
package elevated

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/breeze-rmm/tweakagent/internal/tweak"
	"github.com/breeze-rmm/tweakagent/internal/tweak/registry"
	"github.com/breeze-rmm/tweakagent/internal/tweak/service"
	"github.com/breeze-rmm/tweakagent/internal/validation"
)

// RequestType discriminates helper requests. The set is closed.
type RequestType string

const (
	TypeFlushDNS          RequestType = "flushdns"
	TypeWinsockReset      RequestType = "winsockreset"
	TypeTCPAutotuneNormal RequestType = "tcpauthnormal"
	TypePowercfgSetActive RequestType = "powercfgsetactive"
	TypeBcdeditTimeout    RequestType = "bcdedittimeout"
	TypeRegistrySet       RequestType = "registryset"
	TypeServiceAction     RequestType = "serviceaction"
	TypeNetshSetDNS       RequestType = "netshsetdns"
)

// RequestTypes lists every valid RequestType.
var RequestTypes = []RequestType{
	TypeFlushDNS,
	TypeWinsockReset,
	TypeTCPAutotuneNormal,
	TypePowercfgSetActive,
	TypeBcdeditTimeout,
	TypeRegistrySet,
	TypeServiceAction,
	TypeNetshSetDNS,
}

// Request is the payload file content.
type Request struct {
	Type           RequestType         `json:"type" validate:"required"`
	GUID           string              `json:"guid,omitempty"`
	TimeoutSeconds *int                `json:"timeoutSeconds,omitempty"`
	Registry       *tweak.RegistrySpec `json:"registry,omitempty"`
	Service        *tweak.ServiceSpec  `json:"service,omitempty"`
	Netsh          *NetshRequest       `json:"netsh,omitempty"`
}

// NetshRequest sets static IPv4 DNS servers on one interface.
type NetshRequest struct {
	InterfaceName string   `json:"interfaceName" validate:"required,ifname"`
	DNS           []string `json:"dns" validate:"required,min=1,max=4,dive,ipv4dotted"`
}

// Response is the single stdout line the helper writes.
type Response struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

var (
	validatorOnce sync.Once
	validate      *validator.Validate
)

func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() { validate = validation.New() })
	return validate
}

// Validate checks every field the request type uses. Nothing is executed for
// a request that fails here.
func Validate(req Request) error {
	if err := validatorInstance().Struct(req); err != nil {
		return fmt.Errorf("invalid request: %s", validation.Describe(err))
	}

	switch req.Type {
	case TypeFlushDNS, TypeWinsockReset, TypeTCPAutotuneNormal:
		return nil

	case TypePowercfgSetActive:
		_, err := validation.ParseGUID(req.GUID)
		return err

	case TypeBcdeditTimeout:
		if req.TimeoutSeconds == nil {
			return fmt.Errorf("timeoutSeconds is required")
		}
		if !validation.ValidTimeout(*req.TimeoutSeconds) {
			return fmt.Errorf("timeoutSeconds %d out of range [%d,%d]", *req.TimeoutSeconds, validation.TimeoutMin, validation.TimeoutMax)
		}
		return nil

	case TypeRegistrySet:
		if req.Registry == nil {
			return fmt.Errorf("registry is required")
		}
		if err := validatorInstance().Struct(req.Registry); err != nil {
			return fmt.Errorf("invalid registry request: %s", validation.Describe(err))
		}
		key, err := registry.ParsePath(req.Registry.Path)
		if err != nil {
			return err
		}
		if prefix, blocked := registry.Blocked(key); blocked {
			return fmt.Errorf("registry path %s is protected (%s)", key, prefix)
		}
		_, err = registry.ParseValue(req.Registry.ValueType, req.Registry.Data)
		return err

	case TypeServiceAction:
		if req.Service == nil {
			return fmt.Errorf("service is required")
		}
		if err := validatorInstance().Struct(req.Service); err != nil {
			return fmt.Errorf("invalid service request: %s", validation.Describe(err))
		}
		if desc, ok := service.Critical(req.Service.Name); ok &&
			(req.Service.Action == tweak.ActionStop || req.Service.Action == tweak.ActionDisable) {
			return fmt.Errorf("service %s (%s) is critical", req.Service.Name, desc)
		}
		return nil

	case TypeNetshSetDNS:
		if req.Netsh == nil {
			return fmt.Errorf("netsh is required")
		}
		if err := validatorInstance().Struct(req.Netsh); err != nil {
			return fmt.Errorf("invalid netsh request: %s", validation.Describe(err))
		}
		return nil

	default:
		return fmt.Errorf("unknown request type %q", req.Type)
	}
}
