package protoo

import "bytes"

// Provides a buffer of allocated but unused encode buffers for outbound
// frames.
var encodeBufPool chan *bytes.Buffer

func init() {
	encodeBufPool = make(chan *bytes.Buffer, 64)
}

// encodeBufAlloc returns an empty encode buffer.
func encodeBufAlloc() *bytes.Buffer {
	select {
	case buf := <-encodeBufPool:
		buf.Reset()
		return buf
	default:
		return &bytes.Buffer{}
	}
}

// encodeBufFree releases an encode buffer.
func encodeBufFree(buf *bytes.Buffer) {
	if buf != nil {
		select {
		case encodeBufPool <- buf:
		default:
		}
	}
}
