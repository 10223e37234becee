package sentence

// Sentence is one complete line read from the serial device, terminator
// included exactly as it arrived ("\n" or "\r\n"). The gateway never looks
// inside it.
//
// Producers must not retain or modify the backing array after handing a
// Sentence to the queue.
type Sentence []byte

// New copies b into a fresh Sentence so the caller may reuse b.
func New(b []byte) Sentence {
	s := make(Sentence, len(b))
	copy(s, b)
	return s
}

// Len returns the payload length in bytes, terminator included.
func (s Sentence) Len() int { return len(s) }

// Bytes returns the raw line.
func (s Sentence) Bytes() []byte { return s }

func (s Sentence) String() string { return string(s) }
