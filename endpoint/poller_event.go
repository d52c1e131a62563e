//go:build linux
// +build linux

package endpoint

type pollerEventKind uint8

const (
	eventRegister pollerEventKind = iota
	eventInterest
	eventCancel
)

func (k pollerEventKind) String() string {
	switch k {
	case eventRegister:
		return "register"
	case eventInterest:
		return "interest"
	case eventCancel:
		return "cancel"
	}
	return "unknown"
}

// pollerEvent is a registration request marshalled onto the poller goroutine.
type pollerEvent struct {
	kind pollerEventKind
	w    *SocketWrapper
	ops  interestOp
}

// pollerKey is the poller's view of one registered wrapper. Only the poller
// goroutine reads or writes it.
type pollerKey struct {
	w        *SocketWrapper
	interest interestOp
	inKernel bool
}
