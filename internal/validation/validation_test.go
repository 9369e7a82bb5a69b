package validation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsIPv4(t *testing.T) {
	for _, ok := range []string{"192.168.1.1", "0.0.0.0", "255.255.255.255", "8.8.8.8"} {
		require.True(t, IsIPv4(ok), ok)
	}
	for _, bad := range []string{"256.1.1.1", "1.2.3", "1.2.3.4.5", "", "1..2.3", "a.b.c.d", "01.2.3.4", "1.2.3.4 ", "-1.2.3.4"} {
		require.False(t, IsIPv4(bad), bad)
	}
}

func TestIsInterfaceName(t *testing.T) {
	for _, ok := range []string{"Ethernet 2", "Wi-Fi", "vEthernet_Default"} {
		require.True(t, IsInterfaceName(ok), ok)
	}
	for _, bad := range []string{"Ethernet; rm -rf /", "", "   ", "eth0\"", "a&b", "Ethernet\n2"} {
		require.False(t, IsInterfaceName(bad), bad)
	}
}

func TestParseGUIDIsStrict(t *testing.T) {
	_, err := ParseGUID("8c5e7fda-e8bf-4a96-9a85-a6e23a8c635c")
	require.NoError(t, err)

	for _, bad := range []string{
		"{8c5e7fda-e8bf-4a96-9a85-a6e23a8c635c}",
		"urn:uuid:8c5e7fda-e8bf-4a96-9a85-a6e23a8c635c",
		"8c5e7fdae8bf4a969a85a6e23a8c635c",
		"8c5e7fda-e8bf-4a96-9a85-a6e23a8c635z",
	} {
		_, err := ParseGUID(bad)
		require.Error(t, err, bad)
	}
}

func TestValidTimeout(t *testing.T) {
	require.True(t, ValidTimeout(0))
	require.True(t, ValidTimeout(60))
	require.False(t, ValidTimeout(-1))
	require.False(t, ValidTimeout(61))
}

func TestValidatorCustomTagsAndDescribe(t *testing.T) {
	type req struct {
		DNS  []string `json:"dns" validate:"required,dive,ipv4dotted"`
		Name string   `json:"interfaceName" validate:"required,ifname"`
	}
	v := New()

	require.NoError(t, v.Struct(req{DNS: []string{"1.1.1.1"}, Name: "Ethernet 2"}))

	err := v.Struct(req{DNS: []string{"300.1.1.1"}, Name: "eth; reboot"})
	require.Error(t, err)
	msg := Describe(err)
	require.Contains(t, msg, "dns[0] failed ipv4dotted")
	require.Contains(t, msg, "interfaceName failed ifname")
}
