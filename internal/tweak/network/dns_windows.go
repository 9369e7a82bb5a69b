//go:build windows

package network

import (
	"errors"
	"unsafe"

	"golang.org/x/sys/windows"
)

// dnsServers maps adapter friendly names to their configured IPv4 DNS servers.
func dnsServers() (map[string][]string, error) {
	size := uint32(15 * 1024)
	for attempt := 0; attempt < 3; attempt++ {
		buf := make([]byte, size)
		first := (*windows.IpAdapterAddresses)(unsafe.Pointer(&buf[0]))
		err := windows.GetAdaptersAddresses(windows.AF_INET, windows.GAA_FLAG_SKIP_ANYCAST|windows.GAA_FLAG_SKIP_MULTICAST, 0, first, &size)
		if errors.Is(err, windows.ERROR_BUFFER_OVERFLOW) {
			continue
		}
		if err != nil {
			return nil, err
		}

		out := make(map[string][]string)
		for aa := first; aa != nil; aa = aa.Next {
			name := windows.UTF16PtrToString(aa.FriendlyName)
			for d := aa.FirstDnsServerAddress; d != nil; d = d.Next {
				if ip := d.Address.IP(); ip != nil && ip.To4() != nil {
					out[name] = append(out[name], ip.String())
				}
			}
		}
		return out, nil
	}
	return nil, windows.ERROR_BUFFER_OVERFLOW
}
