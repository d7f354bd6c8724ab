package strmsim

// xmit.go holds the streaming transmitter state machine.  An Xmitter owns
// at most one in-flight transmission at a time, converting packet content
// and the producer/transmission datarates into scheduled timer events.
// Content positions advance linearly in simulated time; the transmission
// end timer is aligned to the owning node's clock, which may drift.
//
// The kernel offers no event cancellation, so each timer carries an epoch
// number.  Bumping the epoch invalidates every in-flight instance of that
// timer; a stale instance finds a mismatched epoch and returns without
// effect.

import (
	"fmt"
	"math"

	"github.com/iti/evt/vrtime"
	log "github.com/sirupsen/logrus"
)

// SignalSink receives the downstream side of a transmission: the signal
// start when it begins, progress updates when the content changes
// mid-flight, and the signal end when it completes or aborts.  Interfaces
// implement it to drive link delivery; tests substitute recorders.
type SignalSink interface {
	SignalStart(evtMgr EventManager, sig *Signal)
	SignalProgress(evtMgr EventManager, sig *Signal, position int64, timePosition ClockTime)
	SignalEnd(evtMgr EventManager, sig *Signal)
}

// PktProducer is the upstream side: whoever pushes packets into the
// transmitter learns when a packet has been fully processed and when the
// transmitter is again able to accept a push
type PktProducer interface {
	PacketProcessed(evtMgr EventManager, pckt *Packet)
	PushChanged(evtMgr EventManager)
}

// XmitObserver is notified as transmissions start and end, for tracing
// and accounting outside the state machine itself
type XmitObserver interface {
	TransmissionStarted(evtMgr EventManager, xmit *Xmitter, sig *Signal)
	TransmissionEnded(evtMgr EventManager, xmit *Xmitter, sig *Signal)
}

// Xmitter streams one packet at a time.  The producer boundary and the
// transmission boundary each advance as position = lastPos + rate*(t-lastT),
// so the whole state of an active transmission is a handful of markers.
type Xmitter struct {
	name   string
	number int
	clock  *clockStruct
	rate   float64

	codec    SignalCodec
	sink     SignalSink
	producer PktProducer
	observer XmitObserver

	// active transmission state, sentinels when idle
	txSignal         *Signal
	txDatarate       float64
	txStartTime      float64
	txStartClockTime ClockTime

	lastTxProgressTime        float64
	lastTxProgressPosition    int64
	lastInputDatarate         float64
	lastInputProgressTime     float64
	lastInputProgressPosition int64

	// epoch counters realize timer cancellation
	txEndEpoch    int
	underrunEpoch int

	numProcessed    int
	processedLength int64
}

// createXmitter is a constructor.  rate is the committed transmission
// datarate in bits per second; NaN defers to the rate of each push.
func createXmitter(name string, rate float64, clock *clockStruct, sink SignalSink) *Xmitter {
	xmit := new(Xmitter)
	xmit.name = name
	xmit.number = nxtID()
	xmit.clock = clock
	xmit.rate = rate
	xmit.codec = DefaultCodec
	xmit.sink = sink
	xmit.clearTxState()
	return xmit
}

// transmitting reports whether a transmission is in flight
func (xmit *Xmitter) transmitting() bool {
	return xmit.txSignal != nil
}

// bitPosition truncates a rate*time product to whole bits.  The product
// carries float noise, so round it at a tolerance far below one bit
// before flooring.
func bitPosition(val float64) int64 {
	return int64(math.Floor(roundFloat(val, 6)))
}

// clearTxState resets every transmission marker to its idle sentinel
func (xmit *Xmitter) clearTxState() {
	xmit.txSignal = nil
	xmit.txDatarate = math.NaN()
	xmit.txStartTime = math.NaN()
	xmit.txStartClockTime = unsetClockTime
	xmit.lastTxProgressTime = math.NaN()
	xmit.lastTxProgressPosition = -1
	xmit.lastInputDatarate = math.NaN()
	xmit.lastInputProgressTime = math.NaN()
	xmit.lastInputProgressPosition = -1
}

// startTx begins transmitting pckt, whose content arrives from the
// producer at inputDatarate starting from inputPosition bits
func (xmit *Xmitter) startTx(evtMgr EventManager, pckt *Packet, inputDatarate float64, inputPosition int64) {
	if xmit.transmitting() {
		panic(fmt.Errorf("transmitter %s cannot start %s while transmitting %s",
			xmit.name, pckt.Name, xmit.txSignal.Name))
	}
	now := evtMgr.CurrentSeconds()

	xmit.lastInputDatarate = inputDatarate
	xmit.lastInputProgressTime = now
	xmit.lastInputProgressPosition = inputPosition

	xmit.txDatarate = xmit.rate
	if math.IsNaN(xmit.txDatarate) {
		xmit.txDatarate = inputDatarate
	}
	xmit.txStartTime = now
	xmit.txStartClockTime = xmit.clock.timeAt(now)
	xmit.lastTxProgressTime = now
	xmit.lastTxProgressPosition = 0

	xmit.txSignal = xmit.codec.Encode(pckt, xmit.txDatarate)

	log.WithFields(log.Fields{"xmitter": xmit.name, "packet": pckt.Name,
		"rate": xmit.txDatarate, "time": now}).Debug("starting transmission")

	if xmit.observer != nil {
		xmit.observer.TransmissionStarted(evtMgr, xmit, xmit.txSignal)
	}
	xmit.sink.SignalStart(evtMgr, dupSignal(xmit.txSignal))

	xmit.scheduleTxEndTimer(evtMgr)
	xmit.scheduleBufferUnderrunTimer(evtMgr)
}

// progressTx refreshes the producer-side boundary of the active
// transmission and, when the pushed content differs from the retained
// content, replaces the in-flight signal and emits a progress update
func (xmit *Xmitter) progressTx(evtMgr EventManager, pckt *Packet, inputDatarate float64, inputPosition int64) {
	if !xmit.transmitting() {
		panic(fmt.Errorf("transmitter %s has no transmission to progress", xmit.name))
	}
	now := evtMgr.CurrentSeconds()
	txPckt := xmit.txSignal.Pckt

	// extrapolate where the producer boundary should stand now; NaN and
	// infinite rates make the product meaningless, so fall to -1 which
	// matches no length
	expectedPosition := int64(-1)
	delta := (now - xmit.lastInputProgressTime) * xmit.lastInputDatarate
	if !math.IsNaN(delta) && !math.IsInf(delta, 0) {
		expectedPosition = xmit.lastInputProgressPosition + bitPosition(delta)
	}
	unchanged := (expectedPosition == pckt.TotalLength() && pckt.TotalLength() == txPckt.TotalLength()) ||
		pckt.SameData(txPckt)

	xmit.lastInputDatarate = inputDatarate
	xmit.lastInputProgressTime = now
	xmit.lastInputProgressPosition = inputPosition

	timePosition := xmit.clock.timeAt(now) - xmit.txStartClockTime
	xmit.lastTxProgressTime = now
	xmit.lastTxProgressPosition = bitPosition(xmit.txDatarate * float64(timePosition))

	if unchanged {
		log.WithFields(log.Fields{"xmitter": xmit.name, "packet": pckt.Name}).
			Debug("transmission progress, content unchanged")
	} else {
		xmit.txSignal = xmit.codec.Encode(pckt, xmit.txDatarate)
		log.WithFields(log.Fields{"xmitter": xmit.name, "packet": pckt.Name,
			"position": xmit.lastTxProgressPosition}).Debug("transmission progress, content replaced")
		xmit.sink.SignalProgress(evtMgr, dupSignal(xmit.txSignal), xmit.lastTxProgressPosition, timePosition)
	}
	xmit.scheduleTxEndTimer(evtMgr)
	xmit.scheduleBufferUnderrunTimer(evtMgr)
}

// endTx completes the active transmission, fired by the tx end timer
func (xmit *Xmitter) endTx(evtMgr EventManager) {
	if !xmit.transmitting() {
		panic(fmt.Errorf("transmitter %s has no transmission to end", xmit.name))
	}
	sig := xmit.txSignal
	pckt := xmit.codec.Decode(sig)

	xmit.numProcessed += 1
	xmit.processedLength += pckt.TotalLength()

	log.WithFields(log.Fields{"xmitter": xmit.name, "packet": pckt.Name,
		"time": evtMgr.CurrentSeconds()}).Debug("transmission ended")

	if xmit.observer != nil {
		xmit.observer.TransmissionEnded(evtMgr, xmit, sig)
	}
	xmit.sink.SignalEnd(evtMgr, sig)

	xmit.clearTxState()
	xmit.txEndEpoch += 1
	xmit.underrunEpoch += 1

	if xmit.producer != nil {
		xmit.producer.PacketProcessed(evtMgr, pckt)
		xmit.producer.PushChanged(evtMgr)
	}
}

// abortTx cuts the active transmission short, truncating the content to
// the bits that left by now and flagging the bit error.  Reached from the
// stop and crash lifecycle paths, never from normal flow.
func (xmit *Xmitter) abortTx(evtMgr EventManager) {
	if !xmit.transmitting() {
		panic(fmt.Errorf("transmitter %s has no transmission to abort", xmit.name))
	}
	now := evtMgr.CurrentSeconds()
	elapsed := now - xmit.txStartTime
	sig := xmit.txSignal
	pckt := xmit.codec.Decode(sig)

	total := pckt.TotalLength()
	dataPosition := bitPosition(xmit.txDatarate * elapsed)
	if dataPosition > total {
		dataPosition = total
	}
	pckt.EraseAtBack(total - dataPosition)
	pckt.BitError = true
	sig = xmit.codec.Encode(pckt, xmit.txDatarate)
	sig.Duration = elapsed

	xmit.numProcessed += 1
	xmit.processedLength += dataPosition

	log.WithFields(log.Fields{"xmitter": xmit.name, "packet": pckt.Name,
		"sent": dataPosition, "time": now}).Debug("transmission aborted")

	if xmit.observer != nil {
		xmit.observer.TransmissionEnded(evtMgr, xmit, sig)
	}
	xmit.sink.SignalEnd(evtMgr, sig)

	xmit.clearTxState()
	xmit.txEndEpoch += 1
	xmit.underrunEpoch += 1

	if xmit.producer != nil {
		xmit.producer.PacketProcessed(evtMgr, pckt)
		xmit.producer.PushChanged(evtMgr)
	}
}

// scheduleTxEndTimer (re)schedules the transmission end.  The signal
// duration counts in the clock time domain, so the end lands at
// txStartClockTime+Duration converted back into a simulated delay.
func (xmit *Xmitter) scheduleTxEndTimer(evtMgr EventManager) {
	xmit.txEndEpoch += 1
	target := xmit.txStartClockTime + ClockTime(xmit.txSignal.Duration)
	delay := xmit.clock.simDelayUntil(target, evtMgr.CurrentSeconds())
	if delay < 0.0 {
		delay = 0.0
	}
	evtMgr.Schedule(xmit, xmit.txEndEpoch, txEndTimer, vrtime.SecondsToTime(roundFloat(delay, rdigits)))
}

// scheduleBufferUnderrunTimer (re)schedules the underrun check at the
// simulated time where the transmission boundary would overtake the
// producer boundary.  Underrun threatens only while the producer is
// slower than the transmitter; a NaN input rate (producer done) fails
// that comparison and leaves no timer pending.
func (xmit *Xmitter) scheduleBufferUnderrunTimer(evtMgr EventManager) {
	xmit.underrunEpoch += 1
	if !(xmit.lastInputDatarate < xmit.txDatarate) {
		return
	}
	underrunTime := (-float64(xmit.lastInputProgressPosition) + xmit.lastInputDatarate*xmit.lastInputProgressTime +
		float64(xmit.lastTxProgressPosition) - xmit.txDatarate*xmit.lastTxProgressTime) /
		(xmit.lastInputDatarate - xmit.txDatarate)
	delay := underrunTime - evtMgr.CurrentSeconds()
	if delay < 0.0 {
		delay = 0.0
	}
	evtMgr.Schedule(xmit, xmit.underrunEpoch, bufferUnderrunTimer, vrtime.SecondsToTime(roundFloat(delay, rdigits)))
}

// txEndTimer is the event handler for the transmission end timer.  The
// data payload carries the epoch the timer was scheduled under.
func txEndTimer(evtMgr EventManager, context any, data any) any {
	xmit := context.(*Xmitter)
	epoch := data.(int)
	if epoch != xmit.txEndEpoch {
		return nil
	}
	xmit.endTx(evtMgr)
	return nil
}

// bufferUnderrunTimer is the event handler for the underrun check.  A
// live firing means the producer could not sustain the committed rate.
func bufferUnderrunTimer(evtMgr EventManager, context any, data any) any {
	xmit := context.(*Xmitter)
	epoch := data.(int)
	if epoch != xmit.underrunEpoch {
		return nil
	}
	panic(fmt.Errorf("buffer underrun during transmission on %s", xmit.name))
}

// PushPacketStart accepts the opening push of a streamed packet
func (xmit *Xmitter) PushPacketStart(evtMgr EventManager, pckt *Packet, datarate float64) {
	xmit.startTx(evtMgr, pckt, datarate, 0)
}

// PushPacketProgress accepts a mid-stream push.  position is the producer
// boundary in bits; extraProcessableLength reports content available
// beyond it, which this transmitter does not need.
func (xmit *Xmitter) PushPacketProgress(evtMgr EventManager, pckt *Packet, datarate float64,
	position int64, extraProcessableLength int64) {
	_ = extraProcessableLength
	if xmit.transmitting() {
		xmit.progressTx(evtMgr, pckt, datarate, position)
	} else {
		xmit.startTx(evtMgr, pckt, datarate, position)
	}
}

// PushPacketEnd accepts the closing push of a streamed packet.  The
// producer boundary jumps to the full length and its rate becomes NaN,
// which removes any pending underrun.
func (xmit *Xmitter) PushPacketEnd(evtMgr EventManager, pckt *Packet) {
	if !xmit.transmitting() {
		panic(fmt.Errorf("transmitter %s received a push end while idle", xmit.name))
	}
	xmit.progressTx(evtMgr, pckt, math.NaN(), pckt.TotalLength())
}

// HandleStop aborts the active transmission on an orderly shutdown
func (xmit *Xmitter) HandleStop(evtMgr EventManager) {
	if xmit.transmitting() {
		xmit.abortTx(evtMgr)
	}
}

// HandleCrash aborts the active transmission on a crash
func (xmit *Xmitter) HandleCrash(evtMgr EventManager) {
	if xmit.transmitting() {
		xmit.abortTx(evtMgr)
	}
}

// statusText renders the transmitter's state as one line for the
// interface status table
func (xmit *Xmitter) statusText(evtMgr EventManager) string {
	if !xmit.transmitting() {
		return "idle"
	}
	timePosition := xmit.clock.timeAt(evtMgr.CurrentSeconds()) - xmit.txStartClockTime
	position := bitPosition(xmit.txDatarate * float64(timePosition))
	total := xmit.txSignal.Pckt.TotalLength()
	if position > total {
		position = total
	}
	return fmt.Sprintf("tx %s %d/%d @%.0f", xmit.txSignal.Pckt.Name, position, total, xmit.txDatarate)
}
