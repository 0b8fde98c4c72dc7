package framesock

// Message is the interface for messages transmitted over the connection.
// Implementations should provide the message length and body.
type Message interface {
	// Length returns the length of the message body.
	Length() int
	// Body returns the raw message data.
	Body() []byte
}

// Codec maps frame payloads to application messages and back.
//
// Framing is handled below the codec: Decode always receives exactly one
// complete payload, however the transport split or merged it, and the bytes
// returned by Encode are wrapped in a frame before they are sent.
type Codec interface {
	// Decode interprets one complete payload.
	Decode(payload []byte) (Message, error)
	// Encode serializes a Message into a payload.
	Encode(Message) ([]byte, error)
}

// Payload is a Message carrying opaque bytes.
type Payload []byte

// Length returns the payload size.
func (p Payload) Length() int { return len(p) }

// Body returns the payload bytes.
func (p Payload) Body() []byte { return p }

// RawCodec passes payloads through untouched.
type RawCodec struct{}

// Decode wraps payload in a Payload message.
func (RawCodec) Decode(payload []byte) (Message, error) {
	return Payload(payload), nil
}

// Encode returns the message body.
func (RawCodec) Encode(m Message) ([]byte, error) {
	return m.Body(), nil
}
