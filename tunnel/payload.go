package tunnel

// Payload is captured command output. Text is set when Data is
// structurally valid UTF-8 made of printable characters, tab, LF and CR.
type Payload struct {
	Data []byte
	Text bool
}

func newPayload(b []byte) Payload {
	return Payload{Data: b, Text: IsUTF8(b)}
}

// String returns Data as a string regardless of Text.
func (p Payload) String() string { return string(p.Data) }

// IsUTF8 reports whether b looks like text: every byte sequence is a
// well-formed UTF-8 encoding and single bytes are limited to tab, LF, CR
// and printable ASCII. Control characters and overlong or surrogate
// encodings classify the buffer as binary.
func IsUTF8(b []byte) bool {
	for i := 0; i < len(b); {
		c := b[i]
		switch {
		case c == 0x09 || c == 0x0A || c == 0x0D || (c >= 0x20 && c <= 0x7E):
			i++
		case c >= 0xC2 && c <= 0xDF:
			if !cont(b, i+1) {
				return false
			}
			i += 2
		case c == 0xE0:
			if !inRange(b, i+1, 0xA0, 0xBF) || !cont(b, i+2) {
				return false
			}
			i += 3
		case (c >= 0xE1 && c <= 0xEC) || c == 0xEE || c == 0xEF:
			if !cont(b, i+1) || !cont(b, i+2) {
				return false
			}
			i += 3
		case c == 0xED:
			if !inRange(b, i+1, 0x80, 0x9F) || !cont(b, i+2) {
				return false
			}
			i += 3
		case c == 0xF0:
			if !inRange(b, i+1, 0x90, 0xBF) || !cont(b, i+2) || !cont(b, i+3) {
				return false
			}
			i += 4
		case c >= 0xF1 && c <= 0xF3:
			if !cont(b, i+1) || !cont(b, i+2) || !cont(b, i+3) {
				return false
			}
			i += 4
		case c == 0xF4:
			if !inRange(b, i+1, 0x80, 0x8F) || !cont(b, i+2) || !cont(b, i+3) {
				return false
			}
			i += 4
		default:
			return false
		}
	}
	return true
}

func cont(b []byte, i int) bool { return inRange(b, i, 0x80, 0xBF) }

func inRange(b []byte, i int, lo, hi byte) bool {
	return i < len(b) && b[i] >= lo && b[i] <= hi
}
