package audiopipe

// MaxQueueLength is the number of packets a stage queue holds before
// Enqueue reports EAF_QUEUE_FULL.
const MaxQueueLength = 10

// Packet is a payload with its decode timestamp. Whoever holds a packet owns its
// payload; Release gives it up.
type Packet struct {
	Data []byte
	DTS  int64
	Raw  bool // decoded data rather than a compressed packet

	next *Packet
}

// NewPacket wraps data without copying it
func NewPacket(data []byte, dts int64) *Packet {
	return &Packet{Data: data, DTS: dts}
}

func (p *Packet) Size() int {
	if p == nil {
		return 0
	}
	return len(p.Data)
}

// Release drops the payload. The packet must not be used afterwards.
func (p *Packet) Release() {
	if p == nil {
		return
	}
	p.Data = nil
	p.next = nil
}

// packetQueue is a FIFO of packets. size is always the sum of the sizes of the
// queued packets.
type packetQueue struct {
	head  *Packet
	tail  *Packet
	count int
	size  int
}

func (q *packetQueue) push(p *Packet) {
	if q.tail == nil {
		q.head = p
	} else {
		q.tail.next = p
	}
	q.tail = p
	q.count++
	q.size += len(p.Data)
}

// pushFront puts back a packet taken by pop
func (q *packetQueue) pushFront(p *Packet) {
	p.next = q.head
	q.head = p
	if q.tail == nil {
		q.tail = p
	}
	q.count++
	q.size += len(p.Data)
}

func (q *packetQueue) pop() *Packet {
	p := q.head
	if p == nil {
		return nil
	}
	q.head = p.next
	if q.head == nil {
		q.tail = nil
	}
	p.next = nil
	q.count--
	q.size -= len(p.Data)
	return p
}

// Enqueue appends a copy of data with timestamp dts to the queue of f.
//
// A packet earlier than the seek floor is dropped and EAF_AGAIN returned. If the
// queue already held MaxQueueLength packets the packet is still stored and
// EAF_QUEUE_FULL returned, so the producer knows to stop.
func (f *Filter) Enqueue(data []byte, dts int64) error {
	return f.enqueue(data, dts, false)
}

// EnqueueRaw is Enqueue for decoded data.
func (f *Filter) EnqueueRaw(data []byte, dts int64) error {
	return f.enqueue(data, dts, true)
}

func (f *Filter) enqueue(data []byte, dts int64, raw bool) error {
	if f.SeekDTS != NoPTS && dts < f.SeekDTS {
		return EAF_AGAIN
	}
	full := f.queue.count >= MaxQueueLength

	buf := make([]byte, len(data))
	copy(buf, data)
	f.queue.push(&Packet{Data: buf, DTS: dts, Raw: raw})

	if full {
		return EAF_QUEUE_FULL
	}
	return nil
}

// Dequeue removes the oldest packet from the queue of f. The caller owns it.
func (f *Filter) Dequeue() (*Packet, bool) {
	p := f.queue.pop()
	return p, p != nil
}

// PeekDTS returns the timestamp of the oldest queued packet
func (f *Filter) PeekDTS() (int64, bool) {
	if f.queue.head == nil {
		return NoPTS, false
	}
	return f.queue.head.DTS, true
}

func (f *Filter) QueueLen() int {
	return f.queue.count
}

// QueueSize is the total payload size of the queued packets
func (f *Filter) QueueSize() int {
	return f.queue.size
}

// QueueFull reports whether one more Enqueue would return EAF_QUEUE_FULL
func (f *Filter) QueueFull() bool {
	return f.queue.count >= MaxQueueLength
}

// Flush releases every queued packet
func (f *Filter) Flush() {
	for p := f.queue.pop(); p != nil; p = f.queue.pop() {
		p.Release()
	}
}

// NextInput makes the oldest queued packet the current decode input, releasing
// the previous one. It returns EAF_QUEUE_EMPTY if the queue is empty.
func (f *Filter) NextInput() error {
	f.releaseInput()
	p, ok := f.Dequeue()
	if !ok {
		return EAF_QUEUE_EMPTY
	}
	f.cur = p
	f.curOff = 0
	return nil
}

// Input returns the unconsumed part of the current decode input
func (f *Filter) Input() []byte {
	if f.cur == nil {
		return nil
	}
	return f.cur.Data[f.curOff:]
}

// Consume marks n bytes of the current input as decoded
func (f *Filter) Consume(n int) {
	if f.cur == nil {
		return
	}
	f.curOff += n
	if f.curOff > len(f.cur.Data) {
		f.curOff = len(f.cur.Data)
	}
}

// InputDTS is the timestamp of the current decode input
func (f *Filter) InputDTS() int64 {
	if f.cur == nil {
		return NoPTS
	}
	return f.cur.DTS
}

// HasPendingInput reports whether the current decode input is partially consumed
func (f *Filter) HasPendingInput() bool {
	return f.cur != nil && f.curOff < len(f.cur.Data)
}

func (f *Filter) releaseInput() {
	if f.cur != nil {
		f.cur.Release()
		f.cur = nil
		f.curOff = 0
	}
}
