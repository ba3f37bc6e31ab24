package mqtt

// bufferedMsg is a serialized message held for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// ringBuffer is a fixed-capacity FIFO of messages queued while disconnected.
// When full, the oldest message is dropped. Not safe for concurrent use.
type ringBuffer struct {
	buf     []bufferedMsg
	head    int // next write position
	count   int
	dropped int // since last drain

	// onOverflow is called once per drain cycle, on the first drop.
	onOverflow func(capacity int)
}

func newRingBuffer(capacity int, onOverflow func(capacity int)) *ringBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ringBuffer{buf: make([]bufferedMsg, capacity), onOverflow: onOverflow}
}

func (r *ringBuffer) push(msg bufferedMsg) {
	capacity := len(r.buf)
	if r.count == capacity {
		if r.dropped == 0 && r.onOverflow != nil {
			r.onOverflow(capacity)
		}
		r.dropped++
		// head already points at the oldest entry
		r.buf[r.head] = msg
		r.head = (r.head + 1) % capacity
		return
	}
	r.buf[r.head] = msg
	r.head = (r.head + 1) % capacity
	r.count++
}

// drainAll returns the queued messages oldest first and empties the buffer.
// A retained pump message superseded by a later one is skipped.
func (r *ringBuffer) drainAll() []bufferedMsg {
	if r.count == 0 {
		return nil
	}
	capacity := len(r.buf)
	start := (r.head - r.count + capacity) % capacity

	lastRetained := make(map[string]int)
	for i := 0; i < r.count; i++ {
		m := r.buf[(start+i)%capacity]
		if m.retained {
			lastRetained[m.topic] = i
		}
	}

	result := make([]bufferedMsg, 0, r.count)
	for i := 0; i < r.count; i++ {
		m := r.buf[(start+i)%capacity]
		if m.retained && lastRetained[m.topic] != i {
			continue
		}
		result = append(result, m)
	}

	r.count = 0
	r.head = 0
	r.dropped = 0
	return result
}

func (r *ringBuffer) len() int {
	return r.count
}
