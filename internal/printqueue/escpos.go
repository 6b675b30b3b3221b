package printqueue

import "bytes"

const (
	esc = 0x1b
	gs  = 0x1d
)

// EncodeESCPOS converts a document into an ESC/POS byte stream.
func EncodeESCPOS(doc Document, autoCut bool) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{esc, '@'})
	for _, line := range doc {
		align := byte(0)
		if line.Style&StyleCenter != 0 {
			align = 1
		}
		buf.Write([]byte{esc, 'a', align})
		if line.Style&StyleBold != 0 {
			buf.Write([]byte{esc, 'E', 1})
		}
		if line.Style&StyleBig != 0 {
			buf.Write([]byte{gs, '!', 0x11})
		}
		buf.WriteString(line.Text)
		buf.WriteByte('\n')
		if line.Style&StyleBig != 0 {
			buf.Write([]byte{gs, '!', 0})
		}
		if line.Style&StyleBold != 0 {
			buf.Write([]byte{esc, 'E', 0})
		}
	}
	buf.Write([]byte{esc, 'a', 0})
	if autoCut {
		buf.Write([]byte{gs, 'V', 0x42, 0x03})
	} else {
		buf.WriteString("\n\n\n")
	}
	return buf.Bytes()
}
