package frame

// SLIP control bytes (RFC 1055), as used by the peripheral firmware.
const (
	End    byte = 0xC0
	Esc    byte = 0xDB
	EscEnd byte = 0xDC
	EscEsc byte = 0xDD
)

// Escape appends the byte-stuffed form of src to dst and returns the extended slice.
func Escape(dst, src []byte) []byte {
	for _, b := range src {
		switch b {
		case End:
			dst = append(dst, Esc, EscEnd)
		case Esc:
			dst = append(dst, Esc, EscEsc)
		default:
			dst = append(dst, b)
		}
	}
	return dst
}

// Unescape reverses Escape into a newly allocated slice.
//
// An Esc followed by anything other than EscEnd or EscEsc is a protocol
// violation; the following byte is kept as-is (RFC 1055 receiver behavior).
// A trailing lone Esc is dropped.
func Unescape(src []byte) []byte {
	out := make([]byte, 0, len(src))
	for i := 0; i < len(src); i++ {
		b := src[i]
		if b != Esc {
			out = append(out, b)
			continue
		}
		i++
		if i >= len(src) {
			break
		}
		switch src[i] {
		case EscEnd:
			out = append(out, End)
		case EscEsc:
			out = append(out, Esc)
		default:
			out = append(out, src[i])
		}
	}
	return out
}
