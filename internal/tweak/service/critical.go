package service

import "strings"

// criticalServices may never be stopped or disabled by a tweak.
var criticalServices = map[string]string{
	"windefend":             "Microsoft Defender Antivirus",
	"wdnissvc":              "Defender network inspection",
	"securityhealthservice": "Windows Security",
	"sense":                 "Defender for Endpoint",
	"wuauserv":              "Windows Update",
	"usosvc":                "Update Orchestrator",
	"trustedinstaller":      "Windows Modules Installer",
	"rpcss":                 "Remote Procedure Call",
	"rpceptmapper":          "RPC Endpoint Mapper",
	"dcomlaunch":            "DCOM Server Process Launcher",
	"eventlog":              "Windows Event Log",
	"winmgmt":               "Windows Management Instrumentation",
	"lanmanworkstation":     "SMB client",
	"lanmanserver":          "SMB server",
	"dnscache":              "DNS Client",
	"dhcp":                  "DHCP Client",
	"nsi":                   "Network Store Interface",
	"mpssvc":                "Windows Defender Firewall",
	"bfe":                   "Base Filtering Engine",
	"cryptsvc":              "Cryptographic Services",
	"keyiso":                "CNG Key Isolation",
	"samss":                 "Security Accounts Manager",
	"schedule":              "Task Scheduler",
	"audiosrv":              "Windows Audio",
	"audioendpointbuilder":  "Windows Audio Endpoint Builder",
	"plugplay":              "Plug and Play",
	"power":                 "Power",
	"profsvc":               "User Profile Service",
	"gpsvc":                 "Group Policy Client",
	"lsm":                   "Local Session Manager",
	"brokerinfrastructure":  "Background Tasks Infrastructure",
	"systemeventsbroker":    "System Events Broker",
}

// Critical reports whether name is on the critical-service list and returns
// its description.
func Critical(name string) (string, bool) {
	desc, ok := criticalServices[strings.ToLower(strings.TrimSpace(name))]
	return desc, ok
}

// destructive reports whether action takes a service out of service.
func destructive(action string) bool {
	return strings.EqualFold(action, "Stop") || strings.EqualFold(action, "Disable")
}
