// Package strmsim simulates the streaming transmission of packets
// across a network of store-and-forward devices.  A transmitter pushes a
// packet's bits at a finite rate, a signal carries them across a cable
// to the peer interface, and the receiving device either consumes the
// packet or relays it toward its destination.  As packets move, a path
// visualizer assembles the node sequences they traverse into
// visualizations that accumulate traffic statistics and fade when idle.
// Models are described by serializable desc structures and driven by an
// external discrete-event scheduler.
package strmsim

import (
	"fmt"
	"math"
	"strings"

	"github.com/iti/evt/vrtime"
	log "github.com/sirupsen/logrus"
)

// NumIDs holds the value of the most recently assigned unique object id
var NumIDs int = 0

// nxtID returns a unique integer id, used by every object made in a model
func nxtID() int {
	NumIDs += 1
	return NumIDs
}

// numberOfTransmissions counts the packets created, giving each a
// transmission id that is unique even across duplications
var numberOfTransmissions int64 = 0

func nxtTransmissionID() int64 {
	numberOfTransmissions += 1
	return numberOfTransmissions
}

// maps that let us go from the name or id of a model object to its
// runtime representation
var NodeDevByID map[int]*nodeDev = make(map[int]*nodeDev)
var NodeDevByName map[string]*nodeDev = make(map[string]*nodeDev)
var IntrfcByID map[int]*intrfcStruct = make(map[int]*intrfcStruct)
var IntrfcByName map[string]*intrfcStruct = make(map[string]*intrfcStruct)
var FlowByID map[int]*flowStruct = make(map[int]*flowStruct)
var FlowByName map[string]*flowStruct = make(map[string]*flowStruct)

// numberOfFlows counts the flows declared, giving each a flow id carried
// by its packets
var numberOfFlows int = 0

// strmTraceMgr saves the trace manager given to the model build, for
// tracing transmissions as the simulation executes
var strmTraceMgr *TraceManager

// clearModel empties every model-level table so a new model can be built
// in the same process.  Unique object ids keep counting up across builds
func clearModel() {
	NodeDevByID = make(map[int]*nodeDev)
	NodeDevByName = make(map[string]*nodeDev)
	IntrfcByID = make(map[int]*intrfcStruct)
	IntrfcByName = make(map[string]*intrfcStruct)
	FlowByID = make(map[int]*flowStruct)
	FlowByName = make(map[string]*flowStruct)
	numberOfFlows = 0
	ActivePortal = nil
	strmTraceMgr = nil
	clearRouteState()
}

// NullHandler exists to provide a link for data fields that call for
// an event handler, but no event handler is actually needed
func NullHandler(evtMgr EventManager, context any, msg any) any {
	return nil
}

// StrmPortal implements the interface between the transmission layer and
// the layers above it.  It observes every transmitter, relays packets
// that arrive at intermediate devices toward their destinations, counts
// deliveries and drops, and feeds path events to the visualizer
type StrmPortal struct {
	pvis *PathVisualizer

	XmitsStarted   int
	XmitsEnded     int
	PcktsDelivered int
	PcktsDropped   int
}

// ActivePortal remembers the most recent StrmPortal created
// (there should be only one per model build)
var ActivePortal *StrmPortal

// CreateStrmPortal is a constructor.  It writes the StrmPortal pointer
// into a global variable where the model's transmitters can find it
func CreateStrmPortal() *StrmPortal {
	if ActivePortal != nil {
		return ActivePortal
	}
	np := new(StrmPortal)
	ActivePortal = np
	return np
}

// Visualizer gives the caller access to the portal's path visualizer
func (np *StrmPortal) Visualizer() *PathVisualizer {
	return np.pvis
}

// pathEvent passes a path event observed at the identified device to the
// path visualizer, when one is configured
func (np *StrmPortal) pathEvent(kind PathEventKind, nodeID int, label string, pckt *Packet) {
	if np.pvis == nil {
		return
	}
	pe := new(PathEvent)
	pe.Kind = kind
	pe.NodeID = nodeID
	pe.Label = label
	pe.Pckt = pckt
	np.pvis.HandlePathEvent(pe)
}

// TransmissionStarted satisfies the XmitObserver interface, noting that a
// transmitter put the leading edge of a signal on its cable
func (np *StrmPortal) TransmissionStarted(evtMgr EventManager, xmit *Xmitter, sig *Signal) {
	np.XmitsStarted += 1
	if strmTraceMgr != nil && strmTraceMgr.InUse {
		strmTraceMgr.AddXmitTrace(evtMgr.CurrentTime(), xmit.number, "start", sig.Pckt.Name)
	}
}

// TransmissionEnded satisfies the XmitObserver interface, noting that a
// transmitter finished (or aborted) a signal
func (np *StrmPortal) TransmissionEnded(evtMgr EventManager, xmit *Xmitter, sig *Signal) {
	np.XmitsEnded += 1
	if strmTraceMgr != nil && strmTraceMgr.InUse {
		strmTraceMgr.AddXmitTrace(evtMgr.CurrentTime(), xmit.number, "end", sig.Pckt.Name)
	}
}

// packetArrived is called when a packet has been completely received at
// an interface.  A corrupted packet is dropped.  A packet whose
// destination is the receiving device is counted as delivered, with the
// flow's return handler scheduled when the delivery completes the flow.
// Any other packet is relayed whole onto the egress interface of the
// next hop toward its destination
func (np *StrmPortal) packetArrived(evtMgr EventManager, intrfc *intrfcStruct, pckt *Packet) {
	node := intrfc.device

	if pckt.BitError {
		np.PcktsDropped += 1
		log.WithFields(log.Fields{"node": node.name, "pckt": pckt.Name}).Warn("dropped corrupted packet")
		return
	}

	if node.number == pckt.DstID {
		np.PcktsDelivered += 1
		np.pathEvent(PathEnd, node.number, pckt.Label, pckt)

		fs, present := FlowByID[pckt.FlowID]
		if !present {
			return
		}
		fs.numDelivered += 1
		if fs.numDelivered == fs.numPckts && fs.rtnDesc != nil {
			evtMgr.Schedule(fs.rtnDesc.Cxt, pckt, fs.rtnDesc.EvtHdlr, vrtime.SecondsToTime(0.0))
		}
		return
	}

	np.pathEvent(PathElement, node.number, pckt.Label, pckt)

	// the packet was received whole, so the relay transmission starts
	// from a full buffer
	egress := nxtHopIntrfc(node.number, pckt.DstID)
	egress.presentPckt(evtMgr, pckt, math.Inf(1))
}

// createVisualizer builds the run's path visualizer, overwriting the
// defaults with whatever the desc specifies
func createVisualizer(run *RunDesc, host AnimationHost, traceMgr *TraceManager) (*PathVisualizer, error) {
	name := run.Name
	if len(name) == 0 {
		name = "pathvis"
	}
	pvis := createPathVisualizer(name, host)
	pvis.traceMgr = traceMgr

	vd := run.Vis
	if len(vd.NodeFilter) > 0 {
		pvis.nodeFilter = vd.NodeFilter
	}
	if len(vd.PacketFilter) > 0 {
		pvis.packetFilter = vd.PacketFilter
	}
	if len(vd.LabelFormat) > 0 {
		pvis.labelFormat = vd.LabelFormat
	}
	if len(vd.FadeOutMode) > 0 {
		if vd.FadeOutMode != "simulationTime" && vd.FadeOutMode != "animationTime" &&
			vd.FadeOutMode != "realTime" {
			return nil, fmt.Errorf("fade-out mode %s not recognized", vd.FadeOutMode)
		}
		pvis.fadeOutMode = vd.FadeOutMode
	}
	pvis.fadeOutTime = vd.FadeOutTime

	return pvis, nil
}

// reorderRunParams puts the parameter assignments in an order where
// earlier elements have a broader range of application than later ones
// touching the same object, so that more specific assignments overwrite
// more general ones.  This is the same idea as choosing the routing rule
// with the smallest subnet range when multiple rules apply
func reorderRunParams(pL []ParamDesc) []ParamDesc {
	// partition the list into three sublists: wildcard (wc), single
	// attribute (sg), and named (nm).  The wildcard elements always apply
	// before any others, and the named elements after all the others
	wc := []ParamDesc{}
	sg := []ParamDesc{}
	nm := []ParamDesc{}

	for _, param := range pL {
		switch param.Attribute {
		case "*":
			wc = append(wc, param)
		case "name":
			nm = append(nm, param)
		default:
			sg = append(sg, param)
		}
	}

	wc = append(wc, sg...)
	wc = append(wc, nm...)

	return wc
}

// paramObjsByTarget gathers the configuration objects of the named class
func paramObjsByTarget(target string, pvis *PathVisualizer) ([]paramObj, error) {
	objs := make([]paramObj, 0)
	switch target {
	case "node":
		for _, node := range NodeDevByID {
			objs = append(objs, node)
		}
	case "intrfc":
		for _, intrfc := range IntrfcByID {
			objs = append(objs, intrfc)
		}
	case "flow":
		for _, fs := range FlowByID {
			objs = append(objs, fs)
		}
	case "vis":
		objs = append(objs, pvis)
	default:
		return nil, fmt.Errorf("parameter target %s not recognized", target)
	}
	return objs, nil
}

// paramMatch reports whether a configuration object matches an attribute
// pattern.  A "*" attribute matches every object of the target class;
// otherwise the pattern is a comma-separated list of alternatives, any
// one of which may match
func paramMatch(obj paramObj, attrb, pattern string) bool {
	if attrb == "*" {
		return true
	}
	for _, alt := range strings.Split(pattern, ",") {
		if obj.matchParam(attrb, strings.TrimSpace(alt)) {
			return true
		}
	}
	return false
}

// applyRunParams assigns every parameter in the run desc to the model
// objects it selects, most general first
func applyRunParams(params []ParamDesc, pvis *PathVisualizer) error {
	for _, pd := range reorderRunParams(params) {
		objs, err := paramObjsByTarget(pd.Target, pvis)
		if err != nil {
			return err
		}
		value := stringToValueStruct(pd.Value)
		for _, obj := range objs {
			if paramMatch(obj, pd.Attribute, pd.Pattern) {
				obj.setParam(pd.Param, value)
			}
		}
	}
	return nil
}

// BuildExperimentStrm is called from the module that creates and runs a
// simulation.  Its inputs describe the topology and the run to make over
// it; it assembles and initializes the model data structures and returns
// the portal through which the caller starts flows and queries results.
// The trace manager may be nil when no trace is wanted
func BuildExperimentStrm(topo *TopoDesc, run *RunDesc, traceMgr *TraceManager,
	host AnimationHost) (*StrmPortal, error) {

	if topo == nil || run == nil {
		panic("empty model description")
	}
	if host == nil {
		return nil, fmt.Errorf("experiment %s needs an animation host", topo.Name)
	}

	clearModel()
	np := CreateStrmPortal()

	// devices first, so that interfaces can refer to them
	for idx := range topo.Nodes {
		ndesc := &topo.Nodes[idx]
		_, present := NodeDevByName[ndesc.Name]
		if present {
			return nil, fmt.Errorf("node name %s duplicated in topology %s", ndesc.Name, topo.Name)
		}
		nd := createNodeDev(ndesc)
		NodeDevByID[nd.number] = nd
		NodeDevByName[nd.name] = nd
	}

	for idx := range topo.Nodes {
		ndesc := &topo.Nodes[idx]
		for jdx := range ndesc.Intrfcs {
			idesc := &ndesc.Intrfcs[jdx]
			if idesc.Device != ndesc.Name {
				return nil, fmt.Errorf("interface %s names device %s but is embedded in %s",
					idesc.Name, idesc.Device, ndesc.Name)
			}
			_, present := IntrfcByName[idesc.Name]
			if present {
				return nil, fmt.Errorf("interface name %s duplicated in topology %s",
					idesc.Name, topo.Name)
			}
			if !(idesc.TxRate > 0.0) {
				return nil, fmt.Errorf("interface %s needs a positive transmission rate", idesc.Name)
			}
			if idesc.Latency < 0.0 {
				return nil, fmt.Errorf("interface %s given a negative latency", idesc.Name)
			}
			is := createIntrfcStruct(idesc)
			IntrfcByID[is.number] = is
			IntrfcByName[is.name] = is
			is.device.intrfcs = append(is.device.intrfcs, is)
		}
	}

	for _, ldesc := range topo.Links {
		intrfcA, presentA := IntrfcByName[ldesc.Intrfc1]
		intrfcB, presentB := IntrfcByName[ldesc.Intrfc2]
		if !presentA || !presentB {
			return nil, fmt.Errorf("link (%s, %s) refers to an undeclared interface",
				ldesc.Intrfc1, ldesc.Intrfc2)
		}
		if intrfcA.cable != nil || intrfcB.cable != nil {
			return nil, fmt.Errorf("link (%s, %s) attaches an interface twice",
				ldesc.Intrfc1, ldesc.Intrfc2)
		}
		linkIntrfcStructs(intrfcA, intrfcB)
	}

	pvis, err := createVisualizer(run, host, traceMgr)
	if err != nil {
		return nil, err
	}
	np.pvis = pvis

	for idx := range run.Flows {
		_, err := createFlowStruct(&run.Flows[idx])
		if err != nil {
			return nil, err
		}
	}

	// parameters may adjust rates and latencies, so apply them before the
	// route computations below fix the connection graph's edge weights
	err = applyRunParams(run.Params, pvis)
	if err != nil {
		return nil, err
	}

	for _, fs := range FlowByID {
		_, err := findRoute(fs.srcID, fs.dstID)
		if err != nil {
			return nil, err
		}
	}

	if traceMgr != nil {
		for _, nd := range NodeDevByID {
			traceMgr.AddName(nd.number, nd.name, "node")
		}
		for _, intrfc := range IntrfcByID {
			traceMgr.AddName(intrfc.number, intrfc.name, "intrfc")
			traceMgr.AddName(intrfc.xmit.number, intrfc.name, "xmit")
		}
		for _, fs := range FlowByID {
			traceMgr.AddName(fs.number, fs.name, "flow")
		}
	}
	strmTraceMgr = traceMgr

	return np, nil
}
