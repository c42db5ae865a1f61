package scp

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"example.com/scpgate/internal/common"
)

const (
	defaultSamplingRateHz = 500
	maxLeadCount          = 12
	placeholderSeconds    = 10
)

// Parse decodes the SCP-ECG file in data into a Record. Individual malformed
// fields are skipped; an unrecoverable waveform is replaced by a synthesized
// placeholder and flagged via Record.Degraded. Only a buffer too short to
// carry the file header is an error.
func Parse(data []byte) (*Record, error) {
	if len(data) < fileHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrShortFile, len(data))
	}
	rec := &Record{SamplingRateHz: defaultSamplingRateHz}
	Sections(data, WalkStrict, func(sec Section) bool {
		switch sec.ID {
		case SectionPatient:
			decodePatientSection(sec.Payload, rec)
		case SectionLeads:
			rec.Leads = decodeLeadSection(sec.Payload)
		case SectionWaveform:
			decodeWaveformSection(sec.Payload, rec)
		}
		return true
	})
	if len(rec.Leads) == 0 {
		rec.Leads = canonicalLeads()
	}
	if rec.SampleCount() == 0 {
		common.Logf("waveform missing or empty, substituting placeholder signal")
		synthesizeWaveform(rec)
		rec.Degraded = true
	}
	return rec, nil
}

func decodePatientSection(payload []byte, rec *Record) {
	Tags(payload, func(tag Tag) bool {
		switch tag.ID {
		case TagPatientID:
			rec.Patient.ID = decodeText(tag.Value)
		case TagLastName, TagLastNameAlt, TagLastNameAlt2:
			rec.Patient.LastName = decodeText(tag.Value)
		case TagFirstName, TagFirstNameAlt, TagFirstNameAlt2:
			rec.Patient.FirstName = decodeText(tag.Value)
		case TagBirthDate, TagBirthDateAlt:
			if d, ok := decodeDate(tag.Value); ok {
				rec.Patient.BirthDate = d
			}
		case TagDevice:
			if len(tag.Value) >= 3 {
				rec.Device.ID = binary.LittleEndian.Uint16(tag.Value[0:2])
				rec.Device.Type = tag.Value[2]
			}
		case TagAcqDate:
			if d, ok := decodeDate(tag.Value); ok {
				rec.Device.AcquisitionDate = d
			}
		case TagAcqTime:
			if len(tag.Value) >= 3 {
				rec.Device.AcquisitionTime = fmt.Sprintf("%02d:%02d:%02d", tag.Value[0], tag.Value[1], tag.Value[2])
			}
		}
		return true
	})
}

func decodeText(value []byte) string {
	return strings.TrimRight(string(value), "\x00 ")
}

// decodeDate reads the {year:u16 BE, month:u8, day:u8} date encoding. A zero
// year means "not recorded".
func decodeDate(value []byte) (string, bool) {
	if len(value) < 4 {
		return "", false
	}
	year := binary.BigEndian.Uint16(value[0:2])
	if year == 0 {
		return "", false
	}
	return fmt.Sprintf("%04d-%02d-%02d", year, value[2], value[3]), true
}

// decodeLeadSection maps the declared lead count onto the canonical 12-lead
// name list. A malformed section falls back to the full canonical list so the
// lead list is never empty.
func decodeLeadSection(payload []byte) []Lead {
	if len(payload) < 1 {
		return canonicalLeads()
	}
	n := int(payload[0])
	if n <= 0 || n > maxLeadCount {
		return canonicalLeads()
	}
	leads := make([]Lead, n)
	for i := 0; i < n; i++ {
		leads[i].Name = LeadNames[i]
	}
	return leads
}

func canonicalLeads() []Lead {
	leads := make([]Lead, maxLeadCount)
	for i, name := range LeadNames {
		leads[i].Name = name
	}
	return leads
}

// decodeWaveformSection decodes the Section 6 rhythm payload: a 10-byte
// header followed by per-lead sample blocks, either raw little-endian int16
// samples or first-order delta compressed (int16 reference plus int8 deltas).
func decodeWaveformSection(payload []byte, rec *Record) {
	if len(payload) < 10 {
		return
	}
	offset := 0
	_ = binary.LittleEndian.Uint16(payload[0:2]) // amplitude resolution, unused downstream
	offset += 2
	interval := binary.LittleEndian.Uint16(payload[offset : offset+2])
	if interval > 0 {
		rec.SamplingRateHz = 1_000_000 / uint32(interval)
	}
	offset += 2
	offset++ // encoding byte, unused
	compression := payload[offset]
	offset++
	numLeads := int(binary.LittleEndian.Uint16(payload[offset : offset+2]))
	offset += 2
	if numLeads <= 0 || numLeads > maxLeadCount {
		numLeads = maxLeadCount
	}
	offset += 2 // bytes per sample, unused

	var decoded [][]int32
	for i := 0; i < numLeads && offset+4 <= len(payload); i++ {
		count := int(binary.LittleEndian.Uint32(payload[offset : offset+4]))
		offset += 4
		var samples []int32
		if compression == 0 {
			samples, offset = decodeRawLead(payload, offset, count)
		} else {
			samples, offset = decodeDeltaLead(payload, offset, count)
		}
		if len(samples) > 0 {
			decoded = append(decoded, samples)
		}
	}
	if len(decoded) == 0 {
		return
	}

	// Right-pad every lead with zeros to the longest lead's length.
	maxLen := 0
	for _, s := range decoded {
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}
	leads := make([]Lead, 0, len(decoded))
	for i, s := range decoded {
		name := fmt.Sprintf("Lead %d", i+1)
		if i < len(LeadNames) {
			name = LeadNames[i]
		}
		padded := make([]int32, maxLen)
		copy(padded, s)
		leads = append(leads, Lead{Name: name, Samples: padded})
	}
	rec.Leads = leads
}

func decodeRawLead(payload []byte, offset, count int) ([]int32, int) {
	avail := (len(payload) - offset) / 2
	if count > avail {
		count = avail
	}
	samples := make([]int32, 0, count)
	for j := 0; j < count; j++ {
		v := int16(binary.LittleEndian.Uint16(payload[offset : offset+2]))
		samples = append(samples, int32(v))
		offset += 2
	}
	return samples, offset
}

func decodeDeltaLead(payload []byte, offset, count int) ([]int32, int) {
	if count <= 0 || offset+2 > len(payload) {
		return nil, offset
	}
	reference := int32(int16(binary.LittleEndian.Uint16(payload[offset : offset+2])))
	offset += 2
	// The declared count is untrusted; cap it against the remaining payload
	// before sizing the slice.
	deltas := count - 1
	if avail := len(payload) - offset; deltas > avail {
		deltas = avail
	}
	samples := make([]int32, 0, deltas+1)
	samples = append(samples, reference)
	for j := 0; j < deltas; j++ {
		diff := int32(int8(payload[offset]))
		offset++
		samples = append(samples, samples[len(samples)-1]+diff)
	}
	return samples, offset
}

// synthesizeWaveform fills rec with a deterministic placeholder 12-lead
// signal so downstream visualization never receives an empty matrix. The
// shape is a fixed beat template (P wave, QRS complex, T wave) repeated at a
// per-lead heart rate; no randomness, so repeated parses are identical.
func synthesizeWaveform(rec *Record) {
	rate := int(rec.SamplingRateHz)
	if rate <= 0 {
		rate = defaultSamplingRateHz
		rec.SamplingRateHz = defaultSamplingRateHz
	}
	samples := placeholderSeconds * rate
	leads := canonicalLeads()
	for li := range leads {
		sig := make([]int32, samples)
		heartRate := 60 + li*2
		beatInterval := 60.0 / float64(heartRate)
		for beat := 0.0; beat < placeholderSeconds; beat += beatInterval {
			for s := 0; s < samples; s++ {
				t := float64(s) / float64(rate)
				v := 200*gauss(t-beat-0.1, 0.001) +
					1500*gauss(t-beat-0.2, 0.0001) -
					500*gauss(t-beat-0.19, 0.00005) +
					300*gauss(t-beat-0.4, 0.002)
				sig[s] += int32(v)
			}
		}
		leads[li].Samples = sig
	}
	rec.Leads = leads
}

func gauss(dt, width float64) float64 {
	return math.Exp(-(dt * dt) / width)
}
