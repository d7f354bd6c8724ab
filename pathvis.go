package strmsim

// pathvis.go holds the path visualizer.  It consumes explicit path events
// (start, element, end) carrying a node id, a session label, and a packet,
// stitches the per-chunk observations into complete node-to-node paths,
// and keeps a queryable record per distinct path: node sequence, display
// label, cumulative length, packet count, opacity.  It renders nothing.

import (
	"fmt"
	"strings"

	"github.com/iti/evt/vrtime"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
)

// PathEventKind discriminates the three path event types
type PathEventKind int

const (
	// PathStart opens a path at the node where a packet enters the network
	PathStart PathEventKind = iota

	// PathElement extends open paths at an intermediate node
	PathElement

	// PathEnd closes open paths at the node where a packet leaves the network
	PathEnd
)

// A PathEvent reports that a packet touched a node in one of the three roles
type PathEvent struct {
	Kind   PathEventKind
	NodeID int
	Label  string
	Pckt   *Packet
}

// pathKey identifies one in-progress path: the chunk being followed
// within one labeled session
type pathKey struct {
	label   string
	chunkID int
}

// A PathVisualization records one completed path between two endpoints.
// Multiple visualizations may share endpoints; they are told apart by
// their exact node sequences.
type PathVisualization struct {
	Nodes        []int
	Label        string
	DisplayLabel string
	TotalLength  int64
	NumPackets   int
	LastUsage    AnimationPosition
	Opacity      float64
}

// PathVisualizer accumulates incomplete paths keyed by (label, chunk) and
// completed visualizations keyed by endpoint pair
type PathVisualizer struct {
	name         string
	nodeFilter   string
	packetFilter string
	labelFormat  string
	fadeOutMode  string
	fadeOutTime  float64

	host     AnimationHost
	traceMgr *TraceManager

	incompletePaths map[pathKey][]int
	pathVis         map[intPair][]*PathVisualization
}

// createPathVisualizer is a constructor.  Filters default to match-all,
// the label format to the packet name, and fade-out to off.
func createPathVisualizer(name string, host AnimationHost) *PathVisualizer {
	pvis := new(PathVisualizer)
	pvis.name = name
	pvis.nodeFilter = "*"
	pvis.packetFilter = "*"
	pvis.labelFormat = "%n"
	pvis.fadeOutMode = "simulationTime"
	pvis.fadeOutTime = 0.0
	pvis.host = host
	pvis.incompletePaths = make(map[pathKey][]int)
	pvis.pathVis = make(map[intPair][]*PathVisualization)
	return pvis
}

// HandlePathEvent dispatches one path event.  The node filter applies
// only at the endpoints; element events pass on the packet filter alone.
func (pvis *PathVisualizer) HandlePathEvent(evt *PathEvent) {
	switch evt.Kind {
	case PathStart:
		if pvis.nodeMatches(evt.NodeID) && pvis.packetMatches(evt.Pckt) {
			pvis.processPathStart(evt.NodeID, evt.Label, evt.Pckt)
		}
	case PathElement:
		if pvis.packetMatches(evt.Pckt) {
			pvis.processPathElement(evt.NodeID, evt.Label, evt.Pckt)
		}
	case PathEnd:
		if pvis.nodeMatches(evt.NodeID) && pvis.packetMatches(evt.Pckt) {
			pvis.processPathEnd(evt.NodeID, evt.Label, evt.Pckt)
		}
	default:
		panic(fmt.Errorf("unknown path event kind %d", evt.Kind))
	}
}

// processPathStart opens a fresh incomplete path per chunk.  A second
// start for a still-open key discards the earlier partial path.
func (pvis *PathVisualizer) processPathStart(nodeID int, label string, pckt *Packet) {
	for _, chunk := range pckt.Chunks {
		key := pathKey{label: label, chunkID: chunk.ID}
		delete(pvis.incompletePaths, key)
		pvis.incompletePaths[key] = []int{nodeID}
	}
}

// processPathElement extends open incomplete paths; chunks with no open
// path are ignored
func (pvis *PathVisualizer) processPathElement(nodeID int, label string, pckt *Packet) {
	for _, chunk := range pckt.Chunks {
		key := pathKey{label: label, chunkID: chunk.ID}
		nodes, present := pvis.incompletePaths[key]
		if !present {
			continue
		}
		pvis.incompletePaths[key] = appendNode(nodes, nodeID)
	}
}

// processPathEnd closes open incomplete paths and folds them into
// visualizations.  Chunk lengths accumulate per chunk; the packet count
// and last-usage position advance once per packet.
func (pvis *PathVisualizer) processPathEnd(nodeID int, label string, pckt *Packet) {
	updated := make(map[*PathVisualization]bool)
	for _, chunk := range pckt.Chunks {
		key := pathKey{label: label, chunkID: chunk.ID}
		nodes, present := pvis.incompletePaths[key]
		if !present {
			continue
		}
		nodes = appendNode(nodes, nodeID)
		if len(nodes) > 1 {
			pathVis := pvis.findPathVisualization(nodes)
			if pathVis == nil {
				pathVis = pvis.createPathVisualization(label, nodes)
			}
			pathVis.TotalLength += chunk.Length
			updated[pathVis] = true
		}
		delete(pvis.incompletePaths, key)
	}
	if len(updated) == 0 {
		return
	}
	position := animationNow(pvis.host)
	for pathVis := range updated {
		pathVis.NumPackets += 1
		pathVis.LastUsage = position
		pathVis.Opacity = 1.0
		pathVis.DisplayLabel = pvis.formatLabel(pathVis, pckt)
		log.WithFields(log.Fields{"label": pathVis.Label, "nodes": pathVis.Nodes,
			"packets": pathVis.NumPackets}).Debug("path completed")
		if pvis.traceMgr != nil && pvis.traceMgr.InUse {
			pvis.traceMgr.AddPathTrace(vrtime.SecondsToTime(position.SimTime), pathVis.Label,
				pathVis.Nodes, pckt.Name)
		}
	}
}

// appendNode appends nodeID unless it already sits at the back
func appendNode(nodes []int, nodeID int) []int {
	if len(nodes) == 0 || nodes[len(nodes)-1] != nodeID {
		nodes = append(nodes, nodeID)
	}
	return nodes
}

// findPathVisualization returns the visualization with exactly this node
// sequence, nil if none exists
func (pvis *PathVisualizer) findPathVisualization(nodes []int) *PathVisualization {
	key := intPair{i: nodes[0], j: nodes[len(nodes)-1]}
	for _, pathVis := range pvis.pathVis[key] {
		if slices.Equal(pathVis.Nodes, nodes) {
			return pathVis
		}
	}
	return nil
}

func (pvis *PathVisualizer) createPathVisualization(label string, nodes []int) *PathVisualization {
	pathVis := new(PathVisualization)
	pathVis.Nodes = make([]int, len(nodes))
	copy(pathVis.Nodes, nodes)
	pathVis.Label = label
	pathVis.Opacity = 1.0
	key := intPair{i: nodes[0], j: nodes[len(nodes)-1]}
	pvis.pathVis[key] = append(pvis.pathVis[key], pathVis)
	return pathVis
}

// RefreshDisplay ages visualizations against the configured fade-out.
// Idle time is measured in the fade-out mode's time base; a visualization
// idle longer than the fade-out time is removed, the rest get opacity
// 1-idle/fadeOutTime.  Fade-out is off when the time is not positive.
func (pvis *PathVisualizer) RefreshDisplay() {
	if pvis.fadeOutTime <= 0.0 {
		return
	}
	now := animationNow(pvis.host)
	for key, paths := range pvis.pathVis {
		retained := make([]*PathVisualization, 0, len(paths))
		for _, pathVis := range paths {
			var delta float64
			switch pvis.fadeOutMode {
			case "simulationTime":
				delta = now.SimTime - pathVis.LastUsage.SimTime
			case "animationTime":
				delta = now.AnimTime - pathVis.LastUsage.AnimTime
			case "realTime":
				delta = now.RealTime - pathVis.LastUsage.RealTime
			default:
				panic(fmt.Errorf("unknown fade out mode %s", pvis.fadeOutMode))
			}
			if delta > pvis.fadeOutTime {
				continue
			}
			pathVis.Opacity = 1.0 - delta/pvis.fadeOutTime
			retained = append(retained, pathVis)
		}
		if len(retained) == 0 {
			delete(pvis.pathVis, key)
		} else {
			pvis.pathVis[key] = retained
		}
	}
}

// removeAllPathVisualizations drops every visualization and every
// incomplete path
func (pvis *PathVisualizer) removeAllPathVisualizations() {
	pvis.incompletePaths = make(map[pathKey][]int)
	pvis.pathVis = make(map[intPair][]*PathVisualization)
}

// formatLabel expands the label format directives for one visualization
// against the packet that just completed it
func (pvis *PathVisualizer) formatLabel(pathVis *PathVisualization, pckt *Packet) string {
	format := pvis.labelFormat
	var out strings.Builder
	for idx := 0; idx < len(format); idx++ {
		if format[idx] != '%' {
			out.WriteByte(format[idx])
			continue
		}
		idx += 1
		if idx == len(format) {
			panic(fmt.Errorf("label format %q ends inside a directive", format))
		}
		switch format[idx] {
		case 'p':
			fmt.Fprintf(&out, "%d", pathVis.NumPackets)
		case 'l':
			fmt.Fprintf(&out, "%d", pathVis.TotalLength)
		case 'L':
			out.WriteString(pathVis.Label)
		case 'n':
			out.WriteString(pckt.Name)
		case 'c':
			out.WriteString(pckt.Class)
		case '%':
			out.WriteByte('%')
		default:
			panic(fmt.Errorf("unknown directive %%%c in label format %q", format[idx], format))
		}
	}
	return out.String()
}

// NumPathVisualizations reports how many distinct paths are recorded
func (pvis *PathVisualizer) NumPathVisualizations() int {
	count := 0
	for _, paths := range pvis.pathVis {
		count += len(paths)
	}
	return count
}

// Visualizations returns a deterministically ordered snapshot of the
// recorded paths
func (pvis *PathVisualizer) Visualizations() []*PathVisualization {
	all := make([]*PathVisualization, 0)
	for _, paths := range pvis.pathVis {
		all = append(all, paths...)
	}
	slices.SortFunc(all, func(a, b *PathVisualization) int {
		if order := slices.Compare(a.Nodes, b.Nodes); order != 0 {
			return order
		}
		return strings.Compare(a.Label, b.Label)
	})
	return all
}

// nodeMatches applies the node filter to a node's name and groups
func (pvis *PathVisualizer) nodeMatches(nodeID int) bool {
	node, present := NodeDevByID[nodeID]
	if !present {
		return false
	}
	names := make([]string, 0, 1+len(node.groups))
	names = append(names, node.name)
	names = append(names, node.groups...)
	return matchFilter(pvis.nodeFilter, names)
}

// packetMatches applies the packet filter to the packet name
func (pvis *PathVisualizer) packetMatches(pckt *Packet) bool {
	return matchFilter(pvis.packetFilter, []string{pckt.Name})
}

// matchFilter matches a comma separated pattern list against a set of
// names.  "*" alone matches everything; an alternative prefixed "!"
// excludes what it matches; the first alternative that applies decides.
func matchFilter(pattern string, names []string) bool {
	if pattern == "*" {
		return true
	}
	for _, alt := range strings.Split(pattern, ",") {
		alt = strings.TrimSpace(alt)
		exclude := strings.HasPrefix(alt, "!")
		if exclude {
			alt = alt[1:]
		}
		for _, name := range names {
			if matchPattern(alt, name) {
				return !exclude
			}
		}
	}
	return false
}

// matchPattern matches one alternative against one name, treating a
// trailing "*" as a wildcard
func matchPattern(alt, name string) bool {
	if strings.HasSuffix(alt, "*") {
		return strings.HasPrefix(name, strings.TrimSuffix(alt, "*"))
	}
	return alt == name
}

// matchParam and setParam satisfy paramObj so run parameters reach the
// visualizer.  Changing a filter or the label format invalidates every
// recorded path.
func (pvis *PathVisualizer) matchParam(attrbName, attrbValue string) bool {
	switch attrbName {
	case "*":
		return true
	case "name":
		return pvis.name == attrbValue
	}
	return false
}

func (pvis *PathVisualizer) setParam(paramType string, value valueStruct) {
	switch paramType {
	case "nodefilter":
		pvis.nodeFilter = value.stringValue
		pvis.removeAllPathVisualizations()
	case "packetfilter":
		pvis.packetFilter = value.stringValue
		pvis.removeAllPathVisualizations()
	case "labelformat":
		pvis.labelFormat = value.stringValue
		pvis.removeAllPathVisualizations()
	case "fadeoutmode":
		mode := value.stringValue
		if mode != "simulationTime" && mode != "animationTime" && mode != "realTime" {
			panic(fmt.Errorf("unknown fade out mode %s", mode))
		}
		pvis.fadeOutMode = mode
	case "fadeouttime":
		pvis.fadeOutTime = value.floatValue
	default:
		panic(fmt.Errorf("path visualizer has no parameter %s", paramType))
	}
}

func (pvis *PathVisualizer) paramObjName() string {
	return pvis.name
}
