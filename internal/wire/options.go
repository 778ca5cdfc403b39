package wire

import "net"

// Option is a single TLV option. Data length must fit in one byte;
// concatenated long options (RFC 3396) are not supported.
type Option struct {
	Code byte
	Data []byte
}

// Options is an ordered option list. Order is preserved exactly as
// parsed; encoding emits the list in order (message type first).
type Options []Option

// Find returns the first option with the given code, or nil.
func (o Options) Find(code byte) *Option {
	for i := range o {
		if o[i].Code == code {
			return &o[i]
		}
	}
	return nil
}

// FindAll returns every option with the given code, in order.
func (o Options) FindAll(code byte) []Option {
	var out []Option
	for i := range o {
		if o[i].Code == code {
			out = append(out, o[i])
		}
	}
	return out
}

// Has reports whether the code is present.
func (o Options) Has(code byte) bool {
	return o.Find(code) != nil
}

// InsertOrReplace replaces the first occurrence of code in place,
// keeping its position, or appends if absent.
func (o *Options) InsertOrReplace(code byte, data []byte) {
	for i := range *o {
		if (*o)[i].Code == code {
			(*o)[i].Data = data
			return
		}
	}
	*o = append(*o, Option{Code: code, Data: data})
}

// Remove deletes every occurrence of code, preserving order.
func (o *Options) Remove(code byte) {
	out := (*o)[:0]
	for _, opt := range *o {
		if opt.Code != code {
			out = append(out, opt)
		}
	}
	*o = out
}

// SetIP sets a 4-byte IP-valued option.
func (o *Options) SetIP(code byte, ip net.IP) {
	if ip4 := ip.To4(); ip4 != nil {
		o.InsertOrReplace(code, []byte{ip4[0], ip4[1], ip4[2], ip4[3]})
	}
}

// SetU32 sets a big-endian 32-bit option.
func (o *Options) SetU32(code byte, v uint32) {
	buf := make([]byte, 4)
	PutU32(buf, v)
	o.InsertOrReplace(code, buf)
}

// SetString sets a string-valued option.
func (o *Options) SetString(code byte, s string) {
	o.InsertOrReplace(code, []byte(s))
}

// GetIP returns a 4-byte option as an IP, or nil.
func (o Options) GetIP(code byte) net.IP {
	opt := o.Find(code)
	if opt == nil || len(opt.Data) != 4 {
		return nil
	}
	return net.IPv4(opt.Data[0], opt.Data[1], opt.Data[2], opt.Data[3]).To4()
}

// GetU32 returns a big-endian 32-bit option value.
func (o Options) GetU32(code byte) (uint32, bool) {
	opt := o.Find(code)
	if opt == nil || len(opt.Data) != 4 {
		return 0, false
	}
	return U32(opt.Data), true
}

// U32 decodes a big-endian uint32.
func U32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// PutU32 encodes a big-endian uint32.
func PutU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

// U16 decodes a big-endian uint16.
func U16(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

// PutU16 encodes a big-endian uint16.
func PutU16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}
