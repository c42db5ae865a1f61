package scp

import (
	"encoding/binary"
	"errors"
)

// ErrShortFile marks buffers too small to hold the 6-byte file header.
var ErrShortFile = errors.New("buffer shorter than file header")

// WalkMode selects the section walker's recovery policy.
type WalkMode int

const (
	// WalkStrict stops the walk at the first end-of-table condition
	// (zero id, zero size, or a size running past the buffer).
	WalkStrict WalkMode = iota
	// WalkLenient advances one byte past an implausible header instead of
	// terminating. Used for best-effort scans such as locating Section 1 in
	// a damaged file.
	WalkLenient
)

// Sections iterates the section table of data, invoking fn for every section
// until fn returns false or the table ends. The walk itself never fails;
// malformed headers end the table (strict) or are skipped (lenient).
func Sections(data []byte, mode WalkMode, fn func(Section) bool) error {
	if len(data) < fileHeaderSize {
		return ErrShortFile
	}
	offset := fileHeaderSize
	for offset+sectionHeaderSize <= len(data) {
		id := binary.LittleEndian.Uint16(data[offset : offset+2])
		size := binary.LittleEndian.Uint32(data[offset+2 : offset+6])
		end := offset + int(size)
		bad := size < sectionHeaderSize || end > len(data)
		if id == 0 || bad {
			if mode == WalkLenient && bad {
				offset++
				continue
			}
			return nil
		}
		sec := Section{
			ID:       id,
			Size:     size,
			Version:  data[offset+6],
			Protocol: data[offset+7],
			Offset:   offset,
			Payload:  data[offset+sectionHeaderSize : end],
		}
		if !fn(sec) {
			return nil
		}
		offset = end
	}
	return nil
}

// FindSection returns the first section with the given id, or false.
func FindSection(data []byte, id uint16, mode WalkMode) (Section, bool) {
	var found Section
	ok := false
	Sections(data, mode, func(s Section) bool {
		if s.ID == id {
			found = s
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// Tags iterates the tag/length/value triples of one section payload,
// invoking fn for each until fn returns false, the terminator tag appears, or
// a declared length would run past the payload end.
func Tags(payload []byte, fn func(Tag) bool) {
	offset := 0
	for offset+tagHeaderSize <= len(payload) {
		id := payload[offset]
		if id == tagTerminator {
			return
		}
		length := binary.LittleEndian.Uint16(payload[offset+1 : offset+3])
		start := offset + tagHeaderSize
		end := start + int(length)
		if end > len(payload) {
			// Truncated value; stop rather than read past the section.
			return
		}
		tag := Tag{ID: id, Length: length, Offset: offset, Value: payload[start:end]}
		if !fn(tag) {
			return
		}
		offset = end
	}
}
