//go:build !windows

package network

import (
	"bufio"
	"net"
	"os"
	"strings"
)

// dnsServers reads resolv.conf. The servers are system-wide, so every
// adapter name maps to the same list under the "*" key.
func dnsServers() (map[string][]string, error) {
	f, err := os.Open("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var servers []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[0] == "nameserver" {
			if ip := net.ParseIP(fields[1]); ip != nil && ip.To4() != nil {
				servers = append(servers, ip.String())
			}
		}
	}
	return map[string][]string{"*": servers}, sc.Err()
}
