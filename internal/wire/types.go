// Package wire implements the DHCPv4/BOOTP message codec.
// Messages are parsed from and encoded to raw UDP payloads without
// intermediate representations, preserving option order on the wire.
package wire

import (
	"fmt"
	"net"
)

// Fixed header geometry.
const (
	HeaderSize   = 240 // fixed fields + magic cookie
	CookieOffset = 236
	MaxOptions   = 312 // options budget after the cookie
	MinDatagram  = 576 // default minimum reply datagram (RFC 2131)
	MaxDatagram  = 1500
)

// MagicCookie is the DHCP option-field marker (RFC 2131).
var MagicCookie = [4]byte{99, 130, 83, 99}

// Op codes.
const (
	BootRequest byte = 1
	BootReply   byte = 2
)

// BroadcastFlag is the top bit of the flags field.
const BroadcastFlag uint16 = 0x8000

// MessageType is the value of option 53.
type MessageType byte

const (
	Discover MessageType = 1
	Offer    MessageType = 2
	Request  MessageType = 3
	Decline  MessageType = 4
	Ack      MessageType = 5
	Nak      MessageType = 6
	Release  MessageType = 7
	Inform   MessageType = 8
)

// String returns the conventional upper-case name.
func (t MessageType) String() string {
	switch t {
	case Discover:
		return "DISCOVER"
	case Offer:
		return "OFFER"
	case Request:
		return "REQUEST"
	case Decline:
		return "DECLINE"
	case Ack:
		return "ACK"
	case Nak:
		return "NAK"
	case Release:
		return "RELEASE"
	case Inform:
		return "INFORM"
	}
	return fmt.Sprintf("TYPE(%d)", byte(t))
}

// Well-known option codes used by the server.
const (
	OptPad                  byte = 0
	OptSubnetMask           byte = 1
	OptRouter               byte = 3
	OptDNSServer            byte = 6
	OptHostname             byte = 12
	OptDomainName           byte = 15
	OptBroadcastAddress     byte = 28
	OptNTPServers           byte = 42
	OptRequestedIP          byte = 50
	OptLeaseTime            byte = 51
	OptOverload             byte = 52
	OptMessageType          byte = 53
	OptServerID             byte = 54
	OptParameterRequest     byte = 55
	OptMessage              byte = 56
	OptMaxMessageSize       byte = 57
	OptRenewalTime          byte = 58
	OptRebindingTime        byte = 59
	OptVendorClass          byte = 60
	OptClientID             byte = 61
	OptTFTPServerName       byte = 66
	OptBootfileName         byte = 67
	OptClientFQDN           byte = 81
	OptRelayAgentInfo       byte = 82
	OptAuthentication       byte = 90
	OptDomainSearch         byte = 119
	OptClasslessStaticRoute byte = 121
	OptEnd                  byte = 255
)

// Relay agent information sub-options (option 82).
const (
	RelaySubCircuitID byte = 1
	RelaySubRemoteID  byte = 2
)

// Overload flags (option 52).
const (
	OverloadFile  byte = 1
	OverloadSName byte = 2
	OverloadBoth  byte = 3
)

// Message is a decoded DHCPv4 message. Fixed header fields are kept
// verbatim; Options preserves wire order, with options recovered from
// overloaded file/sname areas appended after the main area.
type Message struct {
	Op     byte
	HType  byte
	HLen   byte
	Hops   byte
	XID    uint32
	Secs   uint16
	Flags  uint16
	CIAddr net.IP // always 4-byte
	YIAddr net.IP
	SIAddr net.IP
	GIAddr net.IP
	CHAddr [16]byte
	SName  [64]byte
	File   [128]byte

	Options Options
}

// NewReply constructs a BOOTREPLY skeleton mirroring the request's
// transaction identity. Options start with the given message type.
func NewReply(req *Message, t MessageType) *Message {
	m := &Message{
		Op:     BootReply,
		HType:  req.HType,
		HLen:   req.HLen,
		XID:    req.XID,
		Flags:  req.Flags,
		GIAddr: cloneIP(req.GIAddr),
		CIAddr: net.IPv4zero.To4(),
		YIAddr: net.IPv4zero.To4(),
		SIAddr: net.IPv4zero.To4(),
		CHAddr: req.CHAddr,
	}
	m.Options = append(m.Options, Option{Code: OptMessageType, Data: []byte{byte(t)}})
	return m
}

// Type returns the message type from option 53, or 0 if absent.
func (m *Message) Type() MessageType {
	if o := m.Options.Find(OptMessageType); o != nil && len(o.Data) == 1 {
		return MessageType(o.Data[0])
	}
	return 0
}

// ClientMAC returns the hardware address (first HLen bytes of chaddr).
func (m *Message) ClientMAC() net.HardwareAddr {
	n := int(m.HLen)
	if n <= 0 || n > 16 {
		n = 6
	}
	mac := make(net.HardwareAddr, n)
	copy(mac, m.CHAddr[:n])
	return mac
}

// Broadcast reports whether the client set the broadcast flag.
func (m *Message) Broadcast() bool {
	return m.Flags&BroadcastFlag != 0
}

// RequestedIP returns option 50 as an IP, or nil.
func (m *Message) RequestedIP() net.IP {
	if o := m.Options.Find(OptRequestedIP); o != nil && len(o.Data) == 4 {
		return net.IPv4(o.Data[0], o.Data[1], o.Data[2], o.Data[3]).To4()
	}
	return nil
}

// ServerID returns option 54 as an IP, or nil.
func (m *Message) ServerID() net.IP {
	if o := m.Options.Find(OptServerID); o != nil && len(o.Data) == 4 {
		return net.IPv4(o.Data[0], o.Data[1], o.Data[2], o.Data[3]).To4()
	}
	return nil
}

// Hostname returns option 12 as a string, or "".
func (m *Message) Hostname() string {
	if o := m.Options.Find(OptHostname); o != nil {
		return string(o.Data)
	}
	return ""
}

// VendorClass returns option 60 as a string, or "".
func (m *Message) VendorClass() string {
	if o := m.Options.Find(OptVendorClass); o != nil {
		return string(o.Data)
	}
	return ""
}

// ClientID returns option 61 raw bytes, or nil.
func (m *Message) ClientID() []byte {
	if o := m.Options.Find(OptClientID); o != nil {
		return o.Data
	}
	return nil
}

// MaxMessageSize returns the client's option-57 value, clamped to
// [MinDatagram, MaxDatagram]. Absent or malformed yields MinDatagram.
func (m *Message) MaxMessageSize() int {
	o := m.Options.Find(OptMaxMessageSize)
	if o == nil || len(o.Data) != 2 {
		return MinDatagram
	}
	n := int(U16(o.Data))
	if n < MinDatagram {
		return MinDatagram
	}
	if n > MaxDatagram {
		return MaxDatagram
	}
	return n
}

// ParameterRequestList returns the option-55 codes, or nil.
func (m *Message) ParameterRequestList() []byte {
	if o := m.Options.Find(OptParameterRequest); o != nil {
		return o.Data
	}
	return nil
}

func cloneIP(ip net.IP) net.IP {
	if ip4 := ip.To4(); ip4 != nil {
		out := make(net.IP, 4)
		copy(out, ip4)
		return out
	}
	return net.IPv4zero.To4()
}
