package strmsim

// net.go contains code and data structures supporting the simulation of
// streamed traffic through the communication network: devices, the
// interfaces embedded in them, and the point-to-point cables between
// interfaces.  Each interface owns a streaming transmitter for its egress
// side; signals leaving the transmitter cross the cable with the
// interface's latency and arrive as events at the peer.

import (
	"fmt"
	"math"

	"github.com/iti/evt/vrtime"
	"github.com/iti/rngstream"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

type intPair struct {
	i, j int
}

// The paramObj interface is satisfied by every model object that can be
// configured at run-time with performance parameters.  These are
// nodeDev, intrfcStruct, flowStruct, and PathVisualizer.
type paramObj interface {
	matchParam(string, string) bool
	setParam(string, valueStruct)
	paramObjName() string
}

// A nodeDev is a network device.  Every device keeps its own clock,
// which the transmitters in its interfaces consult, and its own rng
// stream for the traffic sources it hosts.
type nodeDev struct {
	name    string
	number  int
	groups  []string
	clock   *clockStruct
	rngstrm *rngstream.RngStream
	intrfcs []*intrfcStruct

	pcktsRecvd int
	bitsRecvd  int64
}

// createNodeDev is a constructor, building a nodeDev from its desc
// description
func createNodeDev(node *NodeDesc) *nodeDev {
	nd := new(nodeDev)
	nd.name = node.Name
	nd.number = nxtID()
	nd.groups = node.Groups
	nd.clock = createClockStruct(node.ClockDrift)
	nd.rngstrm = rngstream.New(node.Name)
	nd.intrfcs = make([]*intrfcStruct, 0)
	return nd
}

func (nd *nodeDev) matchParam(attrbName, attrbValue string) bool {
	switch attrbName {
	case "*":
		return true
	case "name":
		return nd.name == attrbValue
	case "group":
		return slices.Contains(nd.groups, attrbValue)
	}
	return false
}

func (nd *nodeDev) setParam(paramType string, value valueStruct) {
	switch paramType {
	case "clockdrift":
		// mutate in place, the node's transmitters share the pointer
		nd.clock.drift = value.floatValue
	default:
		panic(fmt.Errorf("device %s has no parameter %s", nd.name, paramType))
	}
}

func (nd *nodeDev) paramObjName() string {
	return nd.name
}

// pendingPckt is one queued presentation waiting for the egress
// transmitter to go idle
type pendingPckt struct {
	pckt *Packet
	rate float64
}

// The intrfcStruct holds information about a network interface embedded
// in a device.  Its egress side is a streaming transmitter; the
// interface itself is both the transmitter's downstream sink (driving
// the cable) and its upstream producer (draining the pending queue).
type intrfcStruct struct {
	name    string
	groups  []string
	number  int
	device  *nodeDev
	txRate  float64
	latency float64
	cable   *intrfcStruct
	xmit    *Xmitter
	codec   SignalCodec
	trace   bool

	pending   []pendingPckt
	streaming *Packet
}

// createIntrfcStruct is a constructor, building an intrfcStruct from a
// desc description of the interface
func createIntrfcStruct(intrfc *IntrfcDesc) *intrfcStruct {
	is := new(intrfcStruct)

	is.groups = intrfc.Groups

	// name comes from desc description
	is.name = intrfc.Name

	// unique id is locally generated
	is.number = nxtID()

	// the desc description gives the name of the device holding the
	// interface, created before its interfaces
	is.device = NodeDevByName[intrfc.Device]

	is.txRate = intrfc.TxRate
	is.latency = intrfc.Latency
	is.codec = DefaultCodec
	is.pending = make([]pendingPckt, 0)

	is.xmit = createXmitter(is.name, is.txRate, is.device.clock, is)
	is.xmit.producer = is
	if ActivePortal != nil {
		is.xmit.observer = ActivePortal
	}

	return is
}

// linkIntrfcStructs connects two interfaces by cable, each the other's peer
func linkIntrfcStructs(intrfcA, intrfcB *intrfcStruct) {
	intrfcA.cable = intrfcB
	intrfcB.cable = intrfcA
}

func (intrfc *intrfcStruct) matchParam(attrbName, attrbValue string) bool {
	switch attrbName {
	case "*":
		return true
	case "name":
		return intrfc.name == attrbValue
	case "group":
		return slices.Contains(intrfc.groups, attrbValue)
	case "device":
		return intrfc.device.name == attrbValue
	}
	return false
}

func (intrfc *intrfcStruct) setParam(paramType string, value valueStruct) {
	switch paramType {
	case "rate":
		intrfc.txRate = value.floatValue
		intrfc.xmit.rate = value.floatValue
	case "latency":
		intrfc.latency = value.floatValue
	case "trace":
		intrfc.trace = value.boolValue
	default:
		panic(fmt.Errorf("interface %s has no parameter %s", intrfc.name, paramType))
	}
}

func (intrfc *intrfcStruct) paramObjName() string {
	return intrfc.name
}

// presentPckt offers a packet to the interface's egress side.  An
// infinite rate means the content is fully buffered and streams out at
// the interface rate; a finite rate streams the content in over
// length/rate seconds.  A busy transmitter queues the presentation.
func (intrfc *intrfcStruct) presentPckt(evtMgr EventManager, pckt *Packet, rate float64) {
	if intrfc.xmit.transmitting() {
		intrfc.pending = append(intrfc.pending, pendingPckt{pckt: pckt, rate: rate})
		return
	}
	intrfc.launchPckt(evtMgr, pckt, rate)
}

func (intrfc *intrfcStruct) launchPckt(evtMgr EventManager, pckt *Packet, rate float64) {
	if math.IsInf(rate, 1) {
		intrfc.xmit.PushPacketStart(evtMgr, pckt, intrfc.txRate)
		intrfc.xmit.PushPacketEnd(evtMgr, pckt)
		return
	}
	intrfc.streaming = pckt
	intrfc.xmit.PushPacketStart(evtMgr, pckt, rate)
	delay := roundFloat(float64(pckt.TotalLength())/rate, rdigits)
	evtMgr.Schedule(intrfc, pckt, pushEndTimer, vrtime.SecondsToTime(delay))
}

// pushEndTimer closes out a streamed presentation once its last bit has
// entered the transmitter.  The streaming marker goes stale when the
// transmission ends or aborts first, and a stale firing is a no-op.
func pushEndTimer(evtMgr EventManager, context any, data any) any {
	intrfc := context.(*intrfcStruct)
	pckt := data.(*Packet)
	if intrfc.streaming != pckt {
		return nil
	}
	intrfc.streaming = nil
	intrfc.xmit.PushPacketEnd(evtMgr, pckt)
	return nil
}

// PacketProcessed and PushChanged satisfy PktProducer.  The transmitter
// reports each packet it finishes with; a freed transmitter drains the
// pending queue.
func (intrfc *intrfcStruct) PacketProcessed(evtMgr EventManager, pckt *Packet) {
	if intrfc.streaming == pckt {
		intrfc.streaming = nil
	}
}

func (intrfc *intrfcStruct) PushChanged(evtMgr EventManager) {
	if intrfc.xmit.transmitting() || len(intrfc.pending) == 0 {
		return
	}
	entry := intrfc.pending[0]
	intrfc.pending = intrfc.pending[1:]
	intrfc.launchPckt(evtMgr, entry.pckt, entry.rate)
}

// signalProgressMsg carries a mid-flight progress report across the cable
type signalProgressMsg struct {
	sig          *Signal
	position     int64
	timePosition ClockTime
}

// SignalStart, SignalProgress, and SignalEnd satisfy SignalSink.  Each
// schedules the matching arrival at the cable peer after the interface
// latency.
func (intrfc *intrfcStruct) SignalStart(evtMgr EventManager, sig *Signal) {
	peer := intrfc.cablePeer()
	evtMgr.Schedule(peer, sig, arriveSignalStart, vrtime.SecondsToTime(roundFloat(intrfc.latency, rdigits)))
}

func (intrfc *intrfcStruct) SignalProgress(evtMgr EventManager, sig *Signal, position int64, timePosition ClockTime) {
	peer := intrfc.cablePeer()
	msg := &signalProgressMsg{sig: sig, position: position, timePosition: timePosition}
	evtMgr.Schedule(peer, msg, arriveSignalProgress, vrtime.SecondsToTime(roundFloat(intrfc.latency, rdigits)))
}

func (intrfc *intrfcStruct) SignalEnd(evtMgr EventManager, sig *Signal) {
	peer := intrfc.cablePeer()
	evtMgr.Schedule(peer, sig, arriveSignalEnd, vrtime.SecondsToTime(roundFloat(intrfc.latency, rdigits)))
}

func (intrfc *intrfcStruct) cablePeer() *intrfcStruct {
	if intrfc.cable == nil {
		panic(fmt.Errorf("interface %s transmits with no cable attached", intrfc.name))
	}
	return intrfc.cable
}

// arriveSignalStart is the event handler for the leading edge of a
// signal reaching the ingress side of an interface
func arriveSignalStart(evtMgr EventManager, context any, data any) any {
	intrfc := context.(*intrfcStruct)
	sig := data.(*Signal)
	log.WithFields(log.Fields{"intrfc": intrfc.name, "signal": sig.Name}).Debug("signal start arrived")
	return nil
}

// arriveSignalProgress is the event handler for a mid-flight content
// replacement reaching the ingress side
func arriveSignalProgress(evtMgr EventManager, context any, data any) any {
	intrfc := context.(*intrfcStruct)
	msg := data.(*signalProgressMsg)
	log.WithFields(log.Fields{"intrfc": intrfc.name, "signal": msg.sig.Name,
		"position": msg.position}).Debug("signal progress arrived")
	return nil
}

// arriveSignalEnd is the event handler for the trailing edge of a signal
// reaching the ingress side.  The carried packet is now fully received:
// the device accounts for it and the portal decides whether it is
// delivered here or relayed onward.
func arriveSignalEnd(evtMgr EventManager, context any, data any) any {
	intrfc := context.(*intrfcStruct)
	sig := data.(*Signal)
	pckt := intrfc.codec.Decode(sig)

	node := intrfc.device
	node.pcktsRecvd += 1
	node.bitsRecvd += pckt.TotalLength()

	if intrfc.trace && strmTraceMgr != nil && strmTraceMgr.InUse {
		strmTraceMgr.AddXmitTrace(evtMgr.CurrentTime(), intrfc.number, "arrive", pckt.Name)
	}

	ActivePortal.packetArrived(evtMgr, intrfc, pckt)
	return nil
}

// IntrfcStatusTable snapshots the transmission status line of every
// interface, keyed by interface name
func IntrfcStatusTable(evtMgr EventManager) map[string]string {
	table := make(map[string]string, len(IntrfcByID))
	for _, intrfc := range IntrfcByID {
		table[intrfc.name] = intrfc.xmit.statusText(evtMgr)
	}
	return table
}
