package strmsim

// harness_test.go supplies the deterministic kernel and the fakes the
// tests drive models with: an event manager whose ties break in schedule
// order, an animation host whose time bases the test sets directly, and
// recorders standing in for transmitter collaborators.

import (
	"container/heap"

	"github.com/iti/evt/vrtime"
)

type testEvent struct {
	time    float64
	seq     int
	context any
	data    any
	hdlr    EventHandlerFunction
}

// testEventQueue is a min-heap ordered by (time, schedule order)
type testEventQueue []*testEvent

func (teq testEventQueue) Len() int { return len(teq) }

func (teq testEventQueue) Less(i, j int) bool {
	if teq[i].time != teq[j].time {
		return teq[i].time < teq[j].time
	}
	return teq[i].seq < teq[j].seq
}

func (teq testEventQueue) Swap(i, j int) { teq[i], teq[j] = teq[j], teq[i] }

func (teq *testEventQueue) Push(x any) { *teq = append(*teq, x.(*testEvent)) }

func (teq *testEventQueue) Pop() any {
	old := *teq
	n := len(old)
	evt := old[n-1]
	*teq = old[:n-1]
	return evt
}

// testEventManager is a deterministic EventManager.  Events fire in time
// order, with simultaneous events fired in the order they were scheduled
type testEventManager struct {
	now   float64
	seq   int
	queue testEventQueue
}

func createTestEventManager() *testEventManager {
	tem := new(testEventManager)
	tem.queue = make(testEventQueue, 0)
	return tem
}

func (tem *testEventManager) Schedule(context any, data any, hdlr EventHandlerFunction, offset vrtime.Time) {
	tem.seq += 1
	evt := &testEvent{time: roundFloat(tem.now+offset.Seconds(), rdigits), seq: tem.seq,
		context: context, data: data, hdlr: hdlr}
	heap.Push(&tem.queue, evt)
}

func (tem *testEventManager) CurrentTime() vrtime.Time {
	return vrtime.SecondsToTime(tem.now)
}

func (tem *testEventManager) CurrentSeconds() float64 {
	return tem.now
}

// run executes every event with a timestamp at or before until, including
// events those executions schedule, and leaves the clock at until
func (tem *testEventManager) run(until float64) {
	for tem.queue.Len() > 0 && tem.queue[0].time <= until {
		evt := heap.Pop(&tem.queue).(*testEvent)
		tem.now = evt.time
		evt.hdlr(tem, evt.context, evt.data)
	}
	tem.now = until
}

// testAnimationHost reports whatever time bases the test has set
type testAnimationHost struct {
	simTime  float64
	animTime float64
	realTime float64
}

func (tah *testAnimationHost) SimulationSeconds() float64 { return tah.simTime }
func (tah *testAnimationHost) AnimationSeconds() float64  { return tah.animTime }
func (tah *testAnimationHost) RealSeconds() float64       { return tah.realTime }

// sinkRecord is one sink callback captured by a recordingSink
type sinkRecord struct {
	op           string
	sig          *Signal
	position     int64
	timePosition ClockTime
	time         float64
}

// recordingSink satisfies SignalSink, capturing every callback together
// with the simulation time it happened at
type recordingSink struct {
	records []sinkRecord
}

func (rs *recordingSink) SignalStart(evtMgr EventManager, sig *Signal) {
	rs.records = append(rs.records, sinkRecord{op: "start", sig: sig, time: evtMgr.CurrentSeconds()})
}

func (rs *recordingSink) SignalProgress(evtMgr EventManager, sig *Signal, position int64,
	timePosition ClockTime) {
	rs.records = append(rs.records,
		sinkRecord{op: "progress", sig: sig, position: position, timePosition: timePosition,
			time: evtMgr.CurrentSeconds()})
}

func (rs *recordingSink) SignalEnd(evtMgr EventManager, sig *Signal) {
	rs.records = append(rs.records, sinkRecord{op: "end", sig: sig, time: evtMgr.CurrentSeconds()})
}

// ops lists the operation tags of the captured records, in order
func (rs *recordingSink) ops() []string {
	rtn := make([]string, 0, len(rs.records))
	for _, rec := range rs.records {
		rtn = append(rtn, rec.op)
	}
	return rtn
}

// recordingProducer satisfies PktProducer, capturing processed packets
// and counting push capacity changes
type recordingProducer struct {
	processed   []*Packet
	pushChanges int
}

func (rp *recordingProducer) PacketProcessed(evtMgr EventManager, pckt *Packet) {
	rp.processed = append(rp.processed, pckt)
}

func (rp *recordingProducer) PushChanged(evtMgr EventManager) {
	rp.pushChanges += 1
}

// recordingCodec behaves like the bit codec while noting the content
// length of every encode and counting decodes
type recordingCodec struct {
	bitCodec
	encoded []int64
	decoded int
}

func (rc *recordingCodec) Encode(pckt *Packet, txRate float64) *Signal {
	rc.encoded = append(rc.encoded, pckt.TotalLength())
	return rc.bitCodec.Encode(pckt, txRate)
}

func (rc *recordingCodec) Decode(sig *Signal) *Packet {
	rc.decoded += 1
	return rc.bitCodec.Decode(sig)
}
