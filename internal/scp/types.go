package scp

// File layout constants. The file header occupies bytes [0,6): a 16-bit
// little-endian CRC over everything from byte 2 onward, followed by a 32-bit
// little-endian total file size. Sections follow back to back from offset 6.
const (
	fileHeaderSize    = 6
	sectionHeaderSize = 8
	tagHeaderSize     = 3
	tagTerminator     = 0xFF
)

// Section identifiers handled by this codec.
const (
	SectionPatient  = 1
	SectionLeads    = 3
	SectionWaveform = 6
)

// Section 1 tag identifiers. Names appear in several format variants; the
// anonymizer treats every variant the same way.
const (
	TagLastName      = 0
	TagFirstName     = 1
	TagPatientID     = 2
	TagBirthDateAlt  = 5
	TagLastNameAlt   = 6
	TagFirstNameAlt  = 7
	TagLastNameAlt2  = 8
	TagFirstNameAlt2 = 9
	TagBirthDate     = 10
	TagDevice        = 14
	TagPhysician     = 21
	TagTechnician    = 22
	TagAcqDate       = 25
	TagAcqTime       = 26
	TagFreeText      = 30
	TagMedHistory    = 31
)

// Section is one entry of the section table: an 8-byte header
// [id:u16][size:u32][version:u8][protocol:u8] (little-endian) followed by the
// payload. Size counts the header.
type Section struct {
	ID       uint16
	Size     uint32
	Version  uint8
	Protocol uint8
	// Offset of the header within the file buffer.
	Offset int
	// Payload is a sub-slice of the walked buffer, [Offset+8, Offset+Size).
	Payload []byte
}

// Tag is one tag/length/value triple inside a section payload.
type Tag struct {
	ID     uint8
	Length uint16
	// Offset of the tag id byte relative to the section payload.
	Offset int
	// Value is a sub-slice of the payload; shorter than Length when the
	// declared length runs past the payload end.
	Value []byte
}

// LeadNames is the canonical 12-lead order.
var LeadNames = []string{"I", "II", "III", "aVR", "aVL", "aVF", "V1", "V2", "V3", "V4", "V5", "V6"}

// Lead holds one decoded channel.
type Lead struct {
	Name    string
	Samples []int32
}

// PatientInfo carries the Section 1 demographic fields.
type PatientInfo struct {
	ID        string
	LastName  string
	FirstName string
	BirthDate string
}

// DeviceInfo carries the Section 1 acquisition fields.
type DeviceInfo struct {
	ID              uint16
	Type            uint8
	AcquisitionDate string
	AcquisitionTime string
}

// Record is the decoded view of one SCP-ECG file. It holds no reference to
// the input buffer and is immutable after Parse returns.
type Record struct {
	Patient        PatientInfo
	Device         DeviceInfo
	Leads          []Lead
	SamplingRateHz uint32
	// Degraded is set when the waveform could not be recovered and a
	// synthesized placeholder was substituted.
	Degraded bool
}

// SampleCount returns the per-lead sample count (leads are rectangular).
func (r *Record) SampleCount() int {
	if r == nil || len(r.Leads) == 0 {
		return 0
	}
	return len(r.Leads[0].Samples)
}

// DurationSeconds reports the recording length derived from the sampling rate.
func (r *Record) DurationSeconds() float64 {
	if r == nil || r.SamplingRateHz == 0 {
		return 0
	}
	return float64(r.SampleCount()) / float64(r.SamplingRateHz)
}
