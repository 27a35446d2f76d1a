package bluetooth

import (
	"strings"
)

// Frame appends the message sentinel to a raw payload. Every outbound
// message is terminated this way so the peripheral can find message
// boundaries inside the chunk stream. Payloads containing the sentinel
// are a protocol violation on the caller's side and are not validated.
func Frame(payload string) []byte {
	return []byte(payload + Sentinel)
}

// Chunk splits a framed message into link-sized frames. The usable
// payload per frame is mtu minus the 3 bytes of ATT write overhead.
// A message that fits goes out as a single frame.
func Chunk(msg []byte, mtu uint16) [][]byte {
	max := int(mtu) - int(MTUHeaderSize)
	if max < 1 {
		max = 1
	}
	if len(msg) <= max {
		return [][]byte{msg}
	}

	chunks := make([][]byte, 0, (len(msg)+max-1)/max)
	for start := 0; start < len(msg); start += max {
		end := start + max
		if end > len(msg) {
			end = len(msg)
		}
		chunks = append(chunks, msg[start:end])
	}
	return chunks
}

// Reassembler accumulates inbound notification chunks and emits a
// completed message whenever the sentinel shows up. One instance per
// connection; Reset discards any partial message after a link drop.
type Reassembler struct {
	buf strings.Builder
}

// Feed appends one inbound chunk. It returns the completed message with
// the sentinel stripped and ok=true once a full message has arrived;
// otherwise ok is false and the chunk stays buffered.
func (r *Reassembler) Feed(chunk []byte) (msg string, ok bool) {
	r.buf.Write(chunk)

	s := r.buf.String()
	idx := strings.Index(s, Sentinel)
	if idx < 0 {
		return "", false
	}

	msg = s[:idx]
	rest := s[idx+len(Sentinel):]
	r.buf.Reset()
	r.buf.WriteString(rest)
	return msg, true
}

// Reset discards any partially accumulated message.
func (r *Reassembler) Reset() {
	r.buf.Reset()
}

// ProbeMessage is the small framed message written right after MTU
// negotiation. Some peripherals need link activity before they accept
// larger writes.
func ProbeMessage() []byte {
	return Frame(ProbePayload)
}
