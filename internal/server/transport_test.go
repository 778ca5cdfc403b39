package server

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"
)

func TestNewTransportRequiresAddresses(t *testing.T) {
	_, err := NewTransport(TransportConfig{})
	require.Error(t, err)
}

func TestInterfaceForUnspecified(t *testing.T) {
	assert.Equal(t, "", interfaceFor(nil))
	assert.Equal(t, "", interfaceFor(net.IPv4zero))
}

func TestInterfaceForUnknownAddress(t *testing.T) {
	// An address that no local interface carries resolves to "".
	assert.Equal(t, "", interfaceFor(net.ParseIP("203.0.113.77")))
}

func TestIfaceName(t *testing.T) {
	assert.Equal(t, "", ifaceName(nil))
	assert.Equal(t, "", ifaceName(&ipv4.ControlMessage{}))
}
