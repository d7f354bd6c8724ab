package strmsim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func xmitTestSetup(rate, drift float64) (*Xmitter, *recordingSink, *recordingProducer, *testEventManager) {
	sink := &recordingSink{}
	producer := &recordingProducer{}
	xmit := createXmitter("tx", rate, createClockStruct(drift), sink)
	xmit.producer = producer
	return xmit, sink, producer, createTestEventManager()
}

func TestCleanTransmission(t *testing.T) {
	xmit, sink, producer, tem := xmitTestSetup(1e6, 0.0)
	pckt := chunkPacket("p", "c", "l", 1000000, 250000)

	xmit.PushPacketStart(tem, pckt, 1e6)
	assert.True(t, xmit.transmitting())

	// midway through, the status line shows the boundary position
	tem.run(0.25)
	assert.Equal(t, "tx p 250000/1000000 @1000000", xmit.statusText(tem))

	tem.run(2.0)

	require.Equal(t, []string{"start", "end"}, sink.ops())
	assert.Equal(t, 0.0, sink.records[0].time)
	assert.Equal(t, 1.0, sink.records[1].time)

	// the sink's start signal is a private copy, the end signal is the
	// transmitted original
	assert.NotSame(t, pckt, sink.records[0].sig.Pckt)
	assert.True(t, pckt.SameData(sink.records[0].sig.Pckt))
	assert.Same(t, pckt, sink.records[1].sig.Pckt)
	assert.Equal(t, 1.0, sink.records[1].sig.Duration)

	// the producer gets its packet back and a capacity change
	require.Equal(t, 1, len(producer.processed))
	assert.Same(t, pckt, producer.processed[0])
	assert.Equal(t, 1, producer.pushChanges)

	assert.False(t, pckt.BitError)
	assert.Equal(t, 1, xmit.numProcessed)
	assert.Equal(t, int64(1000000), xmit.processedLength)

	// every transmission marker is back at its idle sentinel
	assert.False(t, xmit.transmitting())
	assert.Equal(t, "idle", xmit.statusText(tem))
	assert.True(t, math.IsNaN(xmit.txDatarate))
	assert.True(t, math.IsNaN(xmit.txStartTime))
	assert.Equal(t, unsetClockTime, xmit.txStartClockTime)
	assert.True(t, math.IsNaN(xmit.lastTxProgressTime))
	assert.Equal(t, int64(-1), xmit.lastTxProgressPosition)
	assert.True(t, math.IsNaN(xmit.lastInputDatarate))
	assert.True(t, math.IsNaN(xmit.lastInputProgressTime))
	assert.Equal(t, int64(-1), xmit.lastInputProgressPosition)
}

func TestPushEndBeforeTransmissionEnd(t *testing.T) {
	// the producer streams at twice the transmission rate, so its push
	// end arrives halfway; the transmission still ends on its own timer
	xmit, sink, _, tem := xmitTestSetup(1e6, 0.0)
	pckt := chunkPacket("p", "c", "l", 1000000, 250000)

	xmit.PushPacketStart(tem, pckt, 2e6)
	tem.run(0.5)
	xmit.PushPacketEnd(tem, pckt)
	tem.run(2.0)

	require.Equal(t, []string{"start", "end"}, sink.ops())
	assert.Equal(t, 1.0, sink.records[1].time)
}

func TestPredictedBufferUnderrun(t *testing.T) {
	// a transmission starting 300000 bits ahead, fed at half the
	// transmission rate, runs dry at (300000-0)/(1e6-0.5e6) = 0.6
	xmit, sink, _, tem := xmitTestSetup(1e6, 0.0)
	pckt := chunkPacket("p", "c", "l", 1000000, 250000)

	xmit.PushPacketProgress(tem, pckt, 0.5e6, 300000, 0)

	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r)
			assert.Equal(t, 0.6, tem.now)
		}()
		tem.run(2.0)
	}()

	assert.Equal(t, []string{"start"}, sink.ops())
}

func TestImmediateBufferUnderrun(t *testing.T) {
	// streaming from an empty buffer slower than the transmission rate
	// underruns at once
	xmit, _, _, tem := xmitTestSetup(1e6, 0.0)
	pckt := chunkPacket("p", "c", "l", 1000000, 250000)

	xmit.PushPacketStart(tem, pckt, 0.5e6)

	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r)
			assert.Equal(t, 0.0, tem.now)
		}()
		tem.run(2.0)
	}()
}

func TestFasterProducerRemovesUnderrun(t *testing.T) {
	// underrun is pending at 0.6 until a faster push at 0.5 clears it
	xmit, sink, _, tem := xmitTestSetup(1e6, 0.0)
	pckt := chunkPacket("p", "c", "l", 1000000, 250000)

	xmit.PushPacketProgress(tem, pckt, 0.5e6, 300000, 0)
	tem.run(0.5)
	xmit.PushPacketProgress(tem, pckt, 2e6, 550000, 0)
	tem.run(2.0)

	require.Equal(t, []string{"start", "end"}, sink.ops())
	assert.Equal(t, 1.0, sink.records[1].time)
}

func TestIdempotentProgress(t *testing.T) {
	// a push that matches the extrapolated boundary leaves the in-flight
	// signal alone and emits nothing downstream
	xmit, sink, _, tem := xmitTestSetup(1e6, 0.0)
	pckt := chunkPacket("p", "c", "l", 1000000, 250000)

	xmit.PushPacketStart(tem, pckt, 1e6)
	sigBefore := xmit.txSignal

	tem.run(0.25)
	xmit.PushPacketProgress(tem, pckt, 1e6, 250000, 0)

	assert.Same(t, sigBefore, xmit.txSignal)
	assert.Equal(t, []string{"start"}, sink.ops())

	tem.run(2.0)
	require.Equal(t, []string{"start", "end"}, sink.ops())
	assert.Equal(t, 1.0, sink.records[1].time)
}

func TestContentChangeEmitsProgress(t *testing.T) {
	// the producer grows the packet mid-stream: the signal is re-encoded,
	// a progress notification goes downstream, and the transmission end
	// moves out to cover the added bits
	xmit, sink, producer, tem := xmitTestSetup(1e6, 0.0)
	pckt := chunkPacket("p", "c", "l", 1000000, 250000)

	xmit.PushPacketStart(tem, pckt, 1e6)
	tem.run(0.5)

	extended := pckt.Dup()
	extended.Chunks = append(extended.Chunks, Chunk{ID: nxtID(), Name: "p[4]", Length: 200000})
	xmit.PushPacketProgress(tem, extended, 1e6, 500000, 0)

	tem.run(2.0)

	require.Equal(t, []string{"start", "progress", "end"}, sink.ops())
	prog := sink.records[1]
	assert.Equal(t, 0.5, prog.time)
	assert.Equal(t, int64(500000), prog.position)
	assert.Equal(t, ClockTime(0.5), prog.timePosition)
	assert.True(t, extended.SameData(prog.sig.Pckt))
	assert.NotSame(t, extended, prog.sig.Pckt)

	assert.Equal(t, 1.2, sink.records[2].time)
	assert.Same(t, extended, sink.records[2].sig.Pckt)
	require.Equal(t, 1, len(producer.processed))
	assert.Same(t, extended, producer.processed[0])
	assert.Equal(t, int64(1200000), xmit.processedLength)
}

func TestAbortTruncatesContent(t *testing.T) {
	xmit, sink, producer, tem := xmitTestSetup(1e6, 0.0)
	pckt := chunkPacket("p", "c", "l", 1000000, 100000)

	xmit.PushPacketStart(tem, pckt, 1e6)
	tem.run(0.35)
	xmit.HandleStop(tem)

	require.Equal(t, []string{"start", "end"}, sink.ops())
	assert.Equal(t, 0.35, sink.records[1].time)
	assert.Equal(t, 0.35, sink.records[1].sig.Duration)

	// exactly the transmitted bits survive, split mid-chunk
	assert.True(t, pckt.BitError)
	assert.Equal(t, int64(350000), pckt.TotalLength())
	require.Equal(t, 4, len(pckt.Chunks))
	assert.Equal(t, int64(50000), pckt.Chunks[3].Length)

	require.Equal(t, 1, len(producer.processed))
	assert.Same(t, pckt, producer.processed[0])
	assert.Equal(t, 1, xmit.numProcessed)
	assert.Equal(t, int64(350000), xmit.processedLength)
	assert.False(t, xmit.transmitting())

	// the orphaned end timer finds a bumped epoch and does nothing
	tem.run(2.0)
	assert.Equal(t, 2, len(sink.records))
}

func TestAbortReencodesTruncatedSignal(t *testing.T) {
	// an aborted transmission sends its end signal back through the
	// codec, so a codec other than the bit codec sees the truncated
	// packet rather than a mutated copy of its original signal
	xmit, sink, _, tem := xmitTestSetup(1e6, 0.0)
	codec := &recordingCodec{}
	xmit.codec = codec
	pckt := chunkPacket("p", "c", "l", 1000000, 100000)

	xmit.PushPacketStart(tem, pckt, 1e6)
	tem.run(0.35)
	xmit.HandleStop(tem)

	require.Equal(t, []int64{1000000, 350000}, codec.encoded)
	end := sink.records[1]
	assert.Same(t, pckt, end.sig.Pckt)
	assert.Equal(t, int64(350000), end.sig.Pckt.TotalLength())
	assert.Equal(t, 0.35, end.sig.Duration)
}

func TestAbortWhenIdleDoesNothing(t *testing.T) {
	xmit, sink, _, tem := xmitTestSetup(1e6, 0.0)
	xmit.HandleStop(tem)
	xmit.HandleCrash(tem)
	assert.Equal(t, 0, len(sink.records))
}

func TestDriftingClockShortensSimulatedTransmission(t *testing.T) {
	// a clock running 25% fast reads 1.0 after 0.8 simulated seconds, so
	// the one-clock-second signal ends at 0.8
	xmit, sink, _, tem := xmitTestSetup(1e6, 0.25)
	pckt := chunkPacket("p", "c", "l", 1000000, 250000)

	xmit.PushPacketStart(tem, pckt, 1e6)

	tem.run(0.4)
	assert.Equal(t, "tx p 500000/1000000 @1000000", xmit.statusText(tem))

	tem.run(2.0)
	require.Equal(t, []string{"start", "end"}, sink.ops())
	assert.Equal(t, 0.8, sink.records[1].time)
}

func TestCommittedRateDefersToPush(t *testing.T) {
	// a transmitter with no committed rate adopts the rate of each push
	xmit, sink, _, tem := xmitTestSetup(math.NaN(), 0.0)
	pckt := chunkPacket("p", "c", "l", 1000000, 250000)

	xmit.PushPacketStart(tem, pckt, 2e6)
	assert.Equal(t, 2e6, xmit.txDatarate)

	tem.run(2.0)
	require.Equal(t, []string{"start", "end"}, sink.ops())
	assert.Equal(t, 0.5, sink.records[1].time)
}

func TestPushGuards(t *testing.T) {
	xmit, _, _, tem := xmitTestSetup(1e6, 0.0)
	pckt := chunkPacket("p", "c", "l", 1000000, 250000)

	// push end with nothing in flight
	assert.Panics(t, func() { xmit.PushPacketEnd(tem, pckt) })

	// a second start while busy
	xmit.PushPacketStart(tem, pckt, 1e6)
	other := chunkPacket("q", "c", "l", 500000, 250000)
	assert.Panics(t, func() { xmit.PushPacketStart(tem, other, 1e6) })
}
