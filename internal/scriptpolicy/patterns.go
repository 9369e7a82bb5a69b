package scriptpolicy

// denyEntry is a lowercase, whitespace-collapsed, alias-expanded substring.
type denyEntry struct {
	pattern  string
	category string
}

// denylist is scanned in order; keep it stable so results are reproducible.
var denylist = []denyEntry{
	// destructive filesystem wipes
	{"format-volume", "destructive filesystem operation"},
	{"clear-disk", "destructive filesystem operation"},
	{"initialize-disk", "destructive filesystem operation"},
	{"format c:", "destructive filesystem operation"},
	{"remove-item -recurse -force c:\\", "destructive filesystem operation"},
	{"remove-item -path c:\\windows", "destructive filesystem operation"},
	{"remove-item c:\\windows", "destructive filesystem operation"},
	{"remove-item /s /q c:\\", "destructive filesystem operation"},
	{"remove-item /f /s /q c:\\", "destructive filesystem operation"},
	{"cipher /w:", "destructive filesystem operation"},

	// boot configuration
	{"bcdedit", "boot configuration tampering"},
	{"bcdboot", "boot configuration tampering"},
	{"bootrec", "boot configuration tampering"},

	// restore points and shadow copies
	{"vssadmin delete shadows", "restore point deletion"},
	{"vssadmin resize shadowstorage", "restore point deletion"},
	{"shadowcopy delete", "restore point deletion"},
	{"wbadmin delete", "restore point deletion"},
	{"disable-computerrestore", "restore point deletion"},

	// critical process termination
	{"stop-process -name lsass", "critical process termination"},
	{"stop-process -name csrss", "critical process termination"},
	{"stop-process -name wininit", "critical process termination"},
	{"stop-process -name winlogon", "critical process termination"},
	{"stop-process -name smss", "critical process termination"},
	{"taskkill /f /im lsass", "critical process termination"},
	{"taskkill /f /im csrss", "critical process termination"},
	{"taskkill /f /im winlogon", "critical process termination"},

	// remote or dynamic code execution
	{"invoke-expression", "remote/dynamic code execution"},
	{"invoke-webrequest", "remote/dynamic code execution"},
	{"invoke-restmethod", "remote/dynamic code execution"},
	{"downloadstring", "remote/dynamic code execution"},
	{"downloadfile", "remote/dynamic code execution"},
	{"net.webclient", "remote/dynamic code execution"},
	{"start-bitstransfer", "remote/dynamic code execution"},
	{"[scriptblock]::create", "remote/dynamic code execution"},
	{"add-type", "remote/dynamic code execution"},

	// privilege escalation
	{"-verb runas", "privilege escalation"},
	{"runas /user", "privilege escalation"},
	{"psexec", "privilege escalation"},

	// critical registry hive deletion
	{"remove-item hklm:", "critical registry deletion"},
	{"remove-item -path hklm:", "critical registry deletion"},
	{"reg delete hklm", "critical registry deletion"},
	{"reg delete hkey_local_machine", "critical registry deletion"},

	// credential harvesting
	{"mimikatz", "credential harvesting"},
	{"sekurlsa", "credential harvesting"},
	{"lsadump", "credential harvesting"},
	{"get-credential", "credential harvesting"},
	{"procdump", "credential harvesting"},
	{"comsvcs.dll", "credential harvesting"},
	{"reg save hklm\\sam", "credential harvesting"},
	{"reg save hklm\\security", "credential harvesting"},
	{"cmdkey /list", "credential harvesting"},

	// obfuscated execution
	{"-encodedcommand", "obfuscated command execution"},
	{"-enc ", "obfuscated command execution"},
	{"frombase64string", "obfuscated command execution"},

	// persistence
	{"register-scheduledtask", "scheduled task persistence"},
	{"new-scheduledtask", "scheduled task persistence"},
	{"schtasks /create", "scheduled task persistence"},

	// WMI event subscriptions
	{"register-wmievent", "WMI event abuse"},
	{"__eventfilter", "WMI event abuse"},
	{"commandlineeventconsumer", "WMI event abuse"},
	{"__filtertoconsumerbinding", "WMI event abuse"},
	{"set-wmiinstance", "WMI event abuse"},

	// PowerShell remoting
	{"new-pssession", "PowerShell remoting"},
	{"enter-pssession", "PowerShell remoting"},
	{"enable-psremoting", "PowerShell remoting"},
	{"invoke-command", "PowerShell remoting"},
}

// allowlist holds the read-only command prefixes accepted in strict mode.
var allowlist = []string{
	"get-",
	"test-",
	"measure-",
	"resolve-dnsname",
	"select-object",
	"where-object",
	"sort-object",
	"format-table",
	"format-list",
	"out-string",
	"convertto-json",
	"write-output",
	"write-host",
	"echo ",
	"ipconfig",
	"ping ",
	"nslookup ",
	"whoami",
	"hostname",
	"systeminfo",
	"tasklist",
	"netstat",
	"powercfg /list",
	"powercfg /getactivescheme",
	"sc query",
}
