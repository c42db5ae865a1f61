package scp

// Checksum is a streaming CRC-CCITT calculator (polynomial 0x1021, initial
// value 0xFFFF). The file CRC stored at bytes [0,2) covers everything from
// byte 2 onward.
type Checksum struct {
	value uint16
}

// NewChecksum returns an initialized calculator.
func NewChecksum() *Checksum {
	return &Checksum{value: 0xFFFF}
}

// Write updates the checksum with the provided data.
func (c *Checksum) Write(p []byte) {
	if c == nil {
		return
	}
	for _, b := range p {
		c.value ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if c.value&0x8000 != 0 {
				c.value = (c.value << 1) ^ 0x1021
			} else {
				c.value <<= 1
			}
		}
	}
}

// Sum16 returns the current checksum value.
func (c *Checksum) Sum16() uint16 {
	if c == nil {
		return 0
	}
	return c.value
}

// CRC16 calculates the CRC-CCITT checksum of data in one call.
func CRC16(data []byte) uint16 {
	c := NewChecksum()
	c.Write(data)
	return c.Sum16()
}

// SectionCRC computes the per-section CRC used by PhysioNet's parsescp
// tooling. The canonical section header carried by this codec has no CRC
// field, so nothing here rewrites it; the value is reported informationally.
func SectionCRC(data []byte) uint16 {
	crchigh := uint8(0xFF)
	crclow := uint8(0xFF)
	for _, v := range data {
		a := v ^ crchigh
		a ^= a >> 4
		crchigh = crclow
		crclow = a
		b := (a & 0x0F) << 4
		a >>= 4
		a |= b
		b = a
		if a&0x80 != 0 {
			a = a<<1 | 1
		} else {
			a <<= 1
		}
		crchigh ^= a & 0x1F
		crchigh ^= b & 0xF0
		if b&0x80 != 0 {
			b = b<<1 | 1
		} else {
			b <<= 1
		}
		crclow ^= b & 0xE0
	}
	return uint16(crchigh)<<8 | uint16(crclow)
}
