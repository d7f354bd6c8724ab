package strmsim

// flow.go implements packet sources.  A flow generates a fixed count
// of chunked packets at its source device, stamps each with a path label
// through its token bucket meter, and streams them into the device's
// egress interface toward the destination.  Interarrival times are drawn
// from the source device's rng stream.

import (
	"fmt"
	"math"

	"github.com/iti/evt/vrtime"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// RtnDesc holds the context and event handler to schedule when an
// operation completes
type RtnDesc struct {
	Cxt     any
	EvtHdlr EventHandlerFunction
}

type flowStruct struct {
	name             string
	number           int
	flowID           int
	groups           []string
	srcNode          string
	dstNode          string
	srcID            int
	dstID            int
	pcktLen          int64
	chunkLen         int64
	numPckts         int
	inputRate        float64
	interarrival     float64
	interarrivalDist string
	meter            *tokenBucket

	suspended    bool
	numLaunched  int
	numDelivered int
	rtnDesc      *RtnDesc
}

// createFlowStruct is a constructor, building a flowStruct from its desc
// description and registering it in the flow tables.  Desc problems are
// returned as errors.
func createFlowStruct(flowDesc *FlowDesc) (*flowStruct, error) {
	if flowDesc.Name == "" {
		return nil, fmt.Errorf("flow needs a name")
	}
	_, present := FlowByName[flowDesc.Name]
	if present {
		return nil, fmt.Errorf("flow name %s already in use", flowDesc.Name)
	}

	src, present := NodeDevByName[flowDesc.SrcNode]
	if !present {
		return nil, fmt.Errorf("flow %s names unknown source device %s", flowDesc.Name, flowDesc.SrcNode)
	}
	dst, present := NodeDevByName[flowDesc.DstNode]
	if !present {
		return nil, fmt.Errorf("flow %s names unknown destination device %s", flowDesc.Name, flowDesc.DstNode)
	}
	if src.number == dst.number {
		return nil, fmt.Errorf("flow %s source and destination coincide", flowDesc.Name)
	}
	if flowDesc.PktLen <= 0 || flowDesc.ChunkLen <= 0 || flowDesc.NumPkts <= 0 {
		return nil, fmt.Errorf("flow %s needs positive packet length, chunk length, and packet count", flowDesc.Name)
	}
	if !(flowDesc.InputRate > 0.0) {
		return nil, fmt.Errorf("flow %s needs a positive input rate", flowDesc.Name)
	}
	if !(flowDesc.Interarrival > 0.0) {
		return nil, fmt.Errorf("flow %s needs a positive interarrival time", flowDesc.Name)
	}

	fs := new(flowStruct)
	fs.name = flowDesc.Name
	fs.number = nxtID()
	numberOfFlows += 1
	fs.flowID = numberOfFlows
	fs.groups = flowDesc.Groups
	fs.srcNode = flowDesc.SrcNode
	fs.dstNode = flowDesc.DstNode
	fs.srcID = src.number
	fs.dstID = dst.number
	fs.pcktLen = flowDesc.PktLen
	fs.chunkLen = flowDesc.ChunkLen
	fs.numPckts = flowDesc.NumPkts
	fs.inputRate = flowDesc.InputRate
	fs.interarrival = flowDesc.Interarrival
	fs.interarrivalDist = flowDesc.InterarrivalDist
	if fs.interarrivalDist == "" {
		fs.interarrivalDist = "const"
	}

	if flowDesc.Meter.Capacity > 0.0 {
		fs.meter = createTokenBucket(&flowDesc.Meter)
		if fs.meter.label == "" {
			fs.meter.label = fs.name
		}
		if fs.meter.defaultLabel == "" {
			fs.meter.defaultLabel = fs.name + "/exceed"
		}
	}

	FlowByID[fs.flowID] = fs
	FlowByName[fs.name] = fs

	return fs, nil
}

func (fs *flowStruct) matchParam(attrbName, attrbValue string) bool {
	switch attrbName {
	case "*":
		return true
	case "name":
		return fs.name == attrbValue
	case "group":
		return slices.Contains(fs.groups, attrbValue)
	case "srcdev":
		return fs.srcNode == attrbValue
	case "dstdev":
		return fs.dstNode == attrbValue
	}
	return false
}

func (fs *flowStruct) setParam(paramType string, value valueStruct) {
	switch paramType {
	case "inputrate":
		fs.inputRate = value.floatValue
	case "interarrival":
		fs.interarrival = value.floatValue
	default:
		panic(fmt.Errorf("flow %s has no parameter %s", fs.name, paramType))
	}
}

func (fs *flowStruct) paramObjName() string {
	return fs.name
}

// pcktLaunch is the event handler for a flow's launch pass.  Each pass
// schedules the next one per the interarrival model; the pass at time
// zero only primes the schedule, launches begin after it.
func pcktLaunch(evtMgr EventManager, context any, data any) any {
	flowID := context.(int)
	fs := FlowByID[flowID]

	// a suspended or exhausted flow lets its launch chain die out
	if fs.suspended || fs.numLaunched >= fs.numPckts {
		return nil
	}

	node, present := NodeDevByName[fs.srcNode]
	if !present {
		panic(fmt.Errorf("%s not the name of a device", fs.srcNode))
	}
	rng := node.rngstrm

	var interarrival float64
	params := []float64{1.0 / fs.interarrival}
	switch fs.interarrivalDist {
	case "expon", "exp", "exponential":
		interarrival = sampleExpRV(rng.RandU01(), params)
	case "const", "constant":
		interarrival = sampleConst(rng.RandU01(), params)
	default:
		panic(fmt.Errorf("flow %s has unknown interarrival distribution %s", fs.name, fs.interarrivalDist))
	}

	// schedule the next pass
	evtMgr.Schedule(context, data, pcktLaunch, vrtime.SecondsToTime(roundFloat(interarrival, rdigits)))

	// launch after the first pass through (which happens at time 0.0)
	if evtMgr.CurrentSeconds() > 0.0 {
		fs.launch(evtMgr)
	}
	return nil
}

// launch generates one packet, meters its label, opens its path at the
// source, and streams it into the egress interface toward the destination
func (fs *flowStruct) launch(evtMgr EventManager) {
	fs.numLaunched += 1
	pcktName := fmt.Sprintf("%s.%d", fs.name, fs.numLaunched)
	pckt := chunkPacket(pcktName, fs.name, fs.name, fs.pcktLen, fs.chunkLen)
	pckt.FlowID = fs.flowID
	pckt.SrcID = fs.srcID
	pckt.DstID = fs.dstID

	if fs.meter != nil {
		pckt.Label = fs.meter.meterPckt(pckt, evtMgr.CurrentSeconds())
	}

	log.WithFields(log.Fields{"flow": fs.name, "packet": pckt.Name,
		"label": pckt.Label}).Debug("launching packet")

	ActivePortal.pathEvent(PathStart, fs.srcID, pckt.Label, pckt)

	intrfc := nxtHopIntrfc(fs.srcID, fs.dstID)
	intrfc.presentPckt(evtMgr, pckt, fs.inputRate)
}

// StartFlow schedules the flow's first launch pass.  A non-nil handler
// is scheduled once the flow's last packet has been delivered.
func (fs *flowStruct) StartFlow(evtMgr EventManager, context any, hdlr EventHandlerFunction) {
	if hdlr != nil {
		fs.rtnDesc = &RtnDesc{Cxt: context, EvtHdlr: hdlr}
	}
	evtMgr.Schedule(fs.flowID, nil, pcktLaunch, vrtime.SecondsToTime(0.0))
}

// StartFlows starts every registered flow
func StartFlows(evtMgr EventManager) {
	for _, fs := range FlowByID {
		fs.StartFlow(evtMgr, nil, nil)
	}
}

// StopFlows suspends every registered flow; launch chains die out on
// their next pass
func StopFlows(evtMgr EventManager) {
	for _, fs := range FlowByID {
		fs.suspended = true
	}
}

// A tokenBucket meters flow traffic.  Tokens are bits, refilled lazily
// at the fill rate up to the capacity.
type tokenBucket struct {
	capacity     float64
	fillRate     float64
	tokens       float64
	lastUpdate   float64
	label        string
	defaultLabel string
}

func createTokenBucket(md *MeterDesc) *tokenBucket {
	tb := new(tokenBucket)
	tb.capacity = md.Capacity
	tb.fillRate = md.FillRate
	tb.tokens = md.Capacity
	tb.lastUpdate = 0.0
	tb.label = md.Label
	tb.defaultLabel = md.DefaultLabel
	return tb
}

// meterPckt stamps a packet's path label.  A packet whose length fits
// the available tokens consumes them and gets the conformant label; any
// other packet gets the default label with nothing consumed.
func (tb *tokenBucket) meterPckt(pckt *Packet, now float64) string {
	elapsed := now - tb.lastUpdate
	tb.tokens = math.Min(tb.capacity, tb.tokens+tb.fillRate*elapsed)
	tb.lastUpdate = now

	length := float64(pckt.TotalLength())
	if length <= tb.tokens {
		tb.tokens -= length
		return tb.label
	}
	return tb.defaultLabel
}

var rdigits uint = 15

// round computed simulation time to avoid non-sensical comparisons
// induced by rounding error
func roundFloat(val float64, precision uint) float64 {
	ratio := math.Pow(10, float64(precision))
	return math.Round(val*ratio) / ratio
}

// expRV returns a sample of an exponentially distributed random number
func expRV(u01, rate float64) float64 {
	return -math.Log(1.0-u01) / rate
}

// sampleExpRV has the function signature expected for drawing a next
// interarrival time
func sampleExpRV(u01 float64, params []float64) float64 {
	return expRV(u01, params[0])
}

// sampleConst has the function signature expected for drawing a next
// interarrival time, here a constant
func sampleConst(u01 float64, params []float64) float64 {
	return 1.0 / params[0]
}
