package scp

import "encoding/binary"

// Test fixture builders. Files are assembled section by section with a
// consistent header so every test starts from a structurally valid buffer.

type testSection struct {
	id      uint16
	payload []byte
}

func buildTestFile(sections ...testSection) []byte {
	buf := make([]byte, fileHeaderSize)
	for _, sec := range sections {
		header := make([]byte, sectionHeaderSize)
		binary.LittleEndian.PutUint16(header[0:2], sec.id)
		binary.LittleEndian.PutUint32(header[2:6], uint32(sectionHeaderSize+len(sec.payload)))
		header[6] = 1
		header[7] = 1
		buf = append(buf, header...)
		buf = append(buf, sec.payload...)
	}
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(buf)))
	binary.LittleEndian.PutUint16(buf[0:2], CRC16(buf[2:]))
	return buf
}

func testTag(id uint8, value []byte) []byte {
	out := make([]byte, tagHeaderSize+len(value))
	out[0] = id
	binary.LittleEndian.PutUint16(out[1:3], uint16(len(value)))
	copy(out[tagHeaderSize:], value)
	return out
}

func testTags(tags ...[]byte) []byte {
	var out []byte
	for _, t := range tags {
		out = append(out, t...)
	}
	return append(out, tagTerminator, 0, 0)
}

func testDate(year uint16, month, day byte) []byte {
	return []byte{byte(year >> 8), byte(year), month, day}
}

// testWaveform builds a Section 6 payload. Each lead is raw int16 samples
// when compression is zero, otherwise a reference sample plus int8 deltas.
func testWaveform(compression byte, intervalUs uint16, leads ...[]int16) []byte {
	buf := make([]byte, 10)
	binary.LittleEndian.PutUint16(buf[0:2], 5)           // amplitude resolution
	binary.LittleEndian.PutUint16(buf[2:4], intervalUs)  // sample interval
	buf[4] = 0                                           // encoding
	buf[5] = compression                                 //
	binary.LittleEndian.PutUint16(buf[6:8], uint16(len(leads)))
	binary.LittleEndian.PutUint16(buf[8:10], 2) // bytes per sample

	for _, samples := range leads {
		count := make([]byte, 4)
		binary.LittleEndian.PutUint32(count, uint32(len(samples)))
		buf = append(buf, count...)
		if compression == 0 {
			for _, s := range samples {
				v := make([]byte, 2)
				binary.LittleEndian.PutUint16(v, uint16(s))
				buf = append(buf, v...)
			}
			continue
		}
		ref := make([]byte, 2)
		binary.LittleEndian.PutUint16(ref, uint16(samples[0]))
		buf = append(buf, ref...)
		prev := samples[0]
		for _, s := range samples[1:] {
			buf = append(buf, byte(int8(s-prev)))
			prev = s
		}
	}
	return buf
}
