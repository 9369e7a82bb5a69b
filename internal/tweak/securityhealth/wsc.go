package securityhealth

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// AVProduct is an antivirus product registered with Windows Security Center.
type AVProduct struct {
	DisplayName         string `json:"displayName"`
	Provider            string `json:"provider"`
	ProductStateHex     string `json:"productStateHex"`
	RealTimeProtection  bool   `json:"realTimeProtection"`
	DefinitionsUpToDate bool   `json:"definitionsUpToDate"`
}

const wscQuery = "Get-CimInstance -Namespace root/SecurityCenter2 -ClassName AntiVirusProduct | Select-Object displayName,productState | ConvertTo-Json -Compress"

type wscProductRaw struct {
	DisplayName  string `json:"displayName"`
	ProductState any    `json:"productState"`
}

// parseWSCProducts decodes ConvertTo-Json output, which is a bare object for
// one product and an array for several.
func parseWSCProducts(payload string) ([]AVProduct, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" || payload == "null" {
		return nil, nil
	}
	var raws []wscProductRaw
	if strings.HasPrefix(payload, "[") {
		if err := json.Unmarshal([]byte(payload), &raws); err != nil {
			return nil, fmt.Errorf("parse WSC product list: %w", err)
		}
	} else {
		var single wscProductRaw
		if err := json.Unmarshal([]byte(payload), &single); err != nil {
			return nil, fmt.Errorf("parse WSC product: %w", err)
		}
		raws = []wscProductRaw{single}
	}

	products := make([]AVProduct, 0, len(raws))
	for _, raw := range raws {
		state := parseAnyInt(raw.ProductState)
		realTime, current := parseProductState(state)
		products = append(products, AVProduct{
			DisplayName:         strings.TrimSpace(raw.DisplayName),
			Provider:            providerFromName(raw.DisplayName),
			ProductStateHex:     fmt.Sprintf("0x%06X", state),
			RealTimeProtection:  realTime,
			DefinitionsUpToDate: current,
		})
	}
	return products, nil
}

func parseAnyInt(value any) int {
	switch v := value.(type) {
	case float64:
		return int(v)
	case string:
		s := strings.TrimSpace(v)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return int(n)
		}
		if n, err := strconv.ParseInt(strings.TrimPrefix(s, "0x"), 16, 64); err == nil {
			return int(n)
		}
	}
	return 0
}

// parseProductState splits the 3-byte productState into the real-time
// scanner state (middle byte 0x10/0x11 = on) and signature freshness
// (low byte 0x00 = up to date).
func parseProductState(state int) (realTime, definitionsCurrent bool) {
	scanner := (state >> 8) & 0xff
	signatures := state & 0xff
	return scanner == 0x10 || scanner == 0x11, signatures == 0x00
}

func providerFromName(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "bitdefender"):
		return "bitdefender"
	case strings.Contains(lower, "defender"):
		return "windows_defender"
	case strings.Contains(lower, "sophos"):
		return "sophos"
	case strings.Contains(lower, "sentinel"):
		return "sentinelone"
	case strings.Contains(lower, "crowdstrike"):
		return "crowdstrike"
	case strings.Contains(lower, "eset"):
		return "eset"
	default:
		return "other"
	}
}
