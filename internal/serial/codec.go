package serial

import (
	"bytes"

	"github.com/kstaniek/go-ais-forwarder/internal/metrics"
	"github.com/kstaniek/go-ais-forwarder/internal/sentence"
)

// Codec splits a serial byte stream into newline-terminated sentences. It keeps
// the terminator (\n or \r\n) exactly as received and never looks inside the
// line. The zero value accepts lines of any length.
type Codec struct {
	// MaxLine bounds a sentence including its terminator. Longer lines are
	// discarded up to the next \n and counted as malformed.
	MaxLine int

	discarding bool
}

// CompactBuffer reclaims consumed prefix capacity when underlying buffer
// grows too large relative to unread bytes. It returns true if compaction
// occurred. Thresholds chosen to avoid excessive copying.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	// If buffer size < 1KB, skip.
	if len(data) < 1024 {
		return false
	}
	// If unread < 25% of capacity, compact.
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// DecodeStream emits every complete line buffered in `in` via out and leaves
// the trailing partial line in place for the next call.
//
//	!AIVDM,1,1,,B,15MgK45P3@G?fl0E`JbR0OwT0@MS,0*4E\r\n  -> one sentence
//	!AIVDM,1,1,,A,13u?etPv2;0n:dDPwUM1U1Cb069D,0*    -> kept, waiting for \n
func (c *Codec) DecodeStream(in *bytes.Buffer, out func(sentence.Sentence)) {
	for {
		data := in.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			if c.MaxLine > 0 && len(data) > c.MaxLine {
				// no terminator in sight: drop what we have and skip the rest
				// of this line when it finally ends
				if !c.discarding {
					metrics.IncMalformed()
				}
				c.discarding = true
				in.Reset()
			}
			_ = CompactBuffer(in)
			return
		}
		line := data[:i+1]
		switch {
		case c.discarding:
			c.discarding = false
		case c.MaxLine > 0 && len(line) > c.MaxLine:
			metrics.IncMalformed()
		default:
			s := sentence.New(line)
			metrics.AddSerialRx(s.Len())
			out(s)
		}
		in.Next(i + 1)
	}
}

// Reset forgets any partial line, e.g. after the device went away.
func (c *Codec) Reset(in *bytes.Buffer) {
	c.discarding = false
	in.Reset()
}
