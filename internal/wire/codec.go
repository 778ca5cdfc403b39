package wire

import (
	"errors"
	"fmt"
	"net"
)

// Codec errors. Callers match with errors.Is.
var (
	ErrMalformedHeader    = errors.New("wire: malformed header")
	ErrMissingCookie      = errors.New("wire: missing magic cookie")
	ErrTruncatedOption    = errors.New("wire: truncated option")
	ErrMissingMessageType = errors.New("wire: missing message type option")
	ErrEncode             = errors.New("wire: encode failed")
)

// Parse decodes a raw UDP payload into a Message.
//
// The payload must carry the full 236-byte BOOTP header followed by
// the magic cookie. Options are walked as TLVs until END or end of
// buffer; a length byte pointing past the buffer is an error. When
// option 52 is present the file and sname areas are walked too, in
// that order, and their options appended to the main list. Option 53
// must appear exactly once with length 1.
func Parse(data []byte) (*Message, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes, need %d", ErrMalformedHeader, len(data), HeaderSize)
	}
	if data[0] != BootRequest && data[0] != BootReply {
		return nil, fmt.Errorf("%w: op %d", ErrMalformedHeader, data[0])
	}
	if data[1] != 1 || data[2] != 6 {
		return nil, fmt.Errorf("%w: htype %d hlen %d", ErrMalformedHeader, data[1], data[2])
	}
	if [4]byte(data[CookieOffset:HeaderSize]) != MagicCookie {
		return nil, ErrMissingCookie
	}

	m := &Message{
		Op:     data[0],
		HType:  data[1],
		HLen:   data[2],
		Hops:   data[3],
		XID:    U32(data[4:8]),
		Secs:   U16(data[8:10]),
		Flags:  U16(data[10:12]),
		CIAddr: net.IP(append([]byte(nil), data[12:16]...)),
		YIAddr: net.IP(append([]byte(nil), data[16:20]...)),
		SIAddr: net.IP(append([]byte(nil), data[20:24]...)),
		GIAddr: net.IP(append([]byte(nil), data[24:28]...)),
	}
	copy(m.CHAddr[:], data[28:44])
	copy(m.SName[:], data[44:108])
	copy(m.File[:], data[108:236])

	opts, err := parseOptionArea(data[HeaderSize:])
	if err != nil {
		return nil, err
	}
	m.Options = opts

	if ov := m.Options.Find(OptOverload); ov != nil && len(ov.Data) == 1 {
		flag := ov.Data[0]
		if flag == OverloadFile || flag == OverloadBoth {
			more, err := parseOptionArea(m.File[:])
			if err != nil {
				return nil, err
			}
			m.Options = append(m.Options, more...)
		}
		if flag == OverloadSName || flag == OverloadBoth {
			more, err := parseOptionArea(m.SName[:])
			if err != nil {
				return nil, err
			}
			m.Options = append(m.Options, more...)
		}
	}

	if err := checkMessageType(m.Options); err != nil {
		return nil, err
	}
	return m, nil
}

func parseOptionArea(data []byte) (Options, error) {
	var opts Options
	i := 0
	for i < len(data) {
		code := data[i]
		i++
		if code == OptPad {
			continue
		}
		if code == OptEnd {
			break
		}
		if i >= len(data) {
			return nil, fmt.Errorf("%w: option %d has no length byte", ErrTruncatedOption, code)
		}
		length := int(data[i])
		i++
		if i+length > len(data) {
			return nil, fmt.Errorf("%w: option %d length %d exceeds buffer", ErrTruncatedOption, code, length)
		}
		opts = append(opts, Option{Code: code, Data: append([]byte(nil), data[i:i+length]...)})
		i += length
	}
	return opts, nil
}

func checkMessageType(opts Options) error {
	n := 0
	for _, o := range opts {
		if o.Code == OptMessageType {
			n++
			if len(o.Data) != 1 {
				return fmt.Errorf("%w: bad length %d", ErrMissingMessageType, len(o.Data))
			}
		}
	}
	switch n {
	case 0:
		return ErrMissingMessageType
	case 1:
		return nil
	default:
		return fmt.Errorf("%w: option 53 appears %d times", ErrMissingMessageType, n)
	}
}

// optionPriority orders options for budget trimming. Lower values are
// dropped first; negative values are never dropped.
func optionPriority(code byte) int {
	switch code {
	case OptMessageType, OptServerID, OptLeaseTime:
		return -1
	case OptRenewalTime, OptRebindingTime, OptSubnetMask:
		return 100
	case OptRouter, OptDNSServer, OptDomainName:
		return 90
	case OptMessage:
		return 80
	default:
		return 10
	}
}

// Encode serializes a Message into a UDP payload.
//
// Option 53 is emitted first and END last; option 52 overload is
// never produced. When the option area would exceed its budget,
// droppable options are removed lowest-priority first. The result is
// padded with zero bytes to the client's minimum datagram size.
// Encode fails on options longer than 255 bytes, on a missing or
// malformed option 53, and on any output that does not re-parse.
func Encode(m *Message, minSize int) ([]byte, error) {
	if err := checkMessageType(m.Options); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	for _, o := range m.Options {
		if len(o.Data) > 255 {
			return nil, fmt.Errorf("%w: option %d length %d exceeds 255", ErrEncode, o.Code, len(o.Data))
		}
		if o.Code == OptOverload {
			return nil, fmt.Errorf("%w: option 52 must not be emitted", ErrEncode)
		}
	}

	opts := orderForEncode(m.Options)
	body := encodeOptionArea(opts)
	if len(body) > MaxOptions {
		opts = trimToBudget(opts)
		body = encodeOptionArea(opts)
		if len(body) > MaxOptions {
			return nil, fmt.Errorf("%w: options need %d bytes, budget %d", ErrEncode, len(body), MaxOptions)
		}
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	buf[0] = m.Op
	buf[1] = m.HType
	buf[2] = m.HLen
	buf[3] = m.Hops
	PutU32(buf[4:8], m.XID)
	PutU16(buf[8:10], m.Secs)
	PutU16(buf[10:12], m.Flags)
	putIP(buf[12:16], m.CIAddr)
	putIP(buf[16:20], m.YIAddr)
	putIP(buf[20:24], m.SIAddr)
	putIP(buf[24:28], m.GIAddr)
	copy(buf[28:44], m.CHAddr[:])
	copy(buf[44:108], m.SName[:])
	copy(buf[108:236], m.File[:])
	copy(buf[CookieOffset:HeaderSize], MagicCookie[:])
	buf = append(buf, body...)

	if minSize <= 0 {
		minSize = MinDatagram
	}
	// minSize is the UDP datagram size; subtract IP+UDP headers.
	want := minSize - 28
	if len(buf) < want {
		buf = append(buf, make([]byte, want-len(buf))...)
	}

	if _, err := Parse(buf); err != nil {
		return nil, fmt.Errorf("%w: output does not re-parse: %v", ErrEncode, err)
	}
	return buf, nil
}

// orderForEncode moves option 53 to the front, leaving everything
// else in list order.
func orderForEncode(opts Options) Options {
	out := make(Options, 0, len(opts))
	for _, o := range opts {
		if o.Code == OptMessageType {
			out = append(out, o)
		}
	}
	for _, o := range opts {
		if o.Code != OptMessageType {
			out = append(out, o)
		}
	}
	return out
}

func encodeOptionArea(opts Options) []byte {
	var buf []byte
	for _, o := range opts {
		buf = append(buf, o.Code, byte(len(o.Data)))
		buf = append(buf, o.Data...)
	}
	buf = append(buf, OptEnd)
	return buf
}

// trimToBudget removes droppable options lowest-priority first until
// the encoded area fits. Relative order of survivors is preserved.
func trimToBudget(opts Options) Options {
	out := append(Options(nil), opts...)
	for len(encodeOptionArea(out)) > MaxOptions {
		drop, lowest := -1, int(^uint(0)>>1)
		for i := len(out) - 1; i >= 0; i-- {
			p := optionPriority(out[i].Code)
			if p >= 0 && p < lowest {
				drop, lowest = i, p
			}
		}
		if drop < 0 {
			break
		}
		out = append(out[:drop], out[drop+1:]...)
	}
	return out
}

func putIP(dst []byte, ip net.IP) {
	if ip4 := ip.To4(); ip4 != nil {
		copy(dst, ip4)
	}
}
