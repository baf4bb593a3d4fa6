package hub

// FrameType is the kind of a transport frame
type FrameType int

const (
	FrameText FrameType = iota
	FrameBinary
	FramePing
	FramePong
	FrameClose
)

func (t FrameType) String() string {
	switch t {
	case FrameText:
		return "text"
	case FrameBinary:
		return "binary"
	case FramePing:
		return "ping"
	case FramePong:
		return "pong"
	case FrameClose:
		return "close"
	default:
		return "unknown"
	}
}

// Frame is one discrete unit read from or written to a Stream
type Frame struct {
	Type FrameType
	Data []byte
	// CloseCode and CloseReason are set on FrameClose only
	CloseCode   int
	CloseReason string
}

// Stream is a bidirectional stream of discrete frames. Any message oriented
// duplex transport satisfies it. ReadFrame is called from a single goroutine
// and WriteFrame from another; Close may be called concurrently with both
// and must unblock a pending ReadFrame.
type Stream interface {
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// Close codes sent to connections that are refused at admission
const (
	CloseGoingAway     = 1001
	CloseTryAgainLater = 1013

	// maxCloseReason is the longest reason a close frame can carry
	maxCloseReason = 123
)
