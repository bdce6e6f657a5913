package mqtt

import "github.com/rs/zerolog"

// pendingMsg is a formatted message held for replay after reconnection.
type pendingMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// outbox is a fixed-capacity FIFO of messages published while disconnected.
// The oldest message is dropped when full. Caller must synchronize.
type outbox struct {
	msgs    []pendingMsg
	next    int // write position
	n       int
	dropped int // messages lost since the last flush
	log     zerolog.Logger
}

func newOutbox(size int, log zerolog.Logger) *outbox {
	if size < 1 {
		size = 1
	}
	return &outbox{msgs: make([]pendingMsg, size), log: log}
}

func (o *outbox) add(m pendingMsg) {
	size := len(o.msgs)
	if o.n == size {
		if o.dropped == 0 {
			o.log.Warn().Int("capacity", size).Msg("outbox full, dropping oldest")
		}
		o.dropped++
	} else {
		o.n++
	}
	o.msgs[o.next] = m
	o.next = (o.next + 1) % size
}

// flush returns the held messages oldest first and empties the outbox.
func (o *outbox) flush() []pendingMsg {
	if o.n == 0 {
		return nil
	}
	size := len(o.msgs)
	out := make([]pendingMsg, 0, o.n)
	for i := o.next - o.n + size; len(out) < o.n; i++ {
		out = append(out, o.msgs[i%size])
	}
	if o.dropped > 0 {
		o.log.Warn().Int("dropped", o.dropped).Msg("messages lost while disconnected")
	}
	o.n, o.next, o.dropped = 0, 0, 0
	return out
}

func (o *outbox) len() int { return o.n }
