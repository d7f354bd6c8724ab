package strmsim

// routes.go provides functions to create and access shortest path routes
// through a strmsim network

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
)

// The approach is to convert the strmsim representation of the network
// into the data structures of a graph package with built-in path
// discovery.  Each link contributes an undirected edge weighted by its
// latency, so a shortest path minimizes end-to-end propagation delay.
// The Dijkstra algorithm computes a tree of shortest paths from a given
// root; trees are cached per root, and a cached tree rooted in the
// destination serves a source query by symmetry with the path reversed.

// gNodes maps a strmsim device id to its graph node.
// gNodes[i] refers to the network device with id i.
var gNodes map[int]simple.Node = make(map[int]simple.Node)

// connGraphBuilt records whether the connection graph has been
// constructed since the model was last cleared
var connGraphBuilt bool = false

// connGraph is the graph representation of the network
var connGraph graph.Graph

// cachedSP saves computed shortest-path trees.  The key is the device id
// of the tree root.
var cachedSP map[int]path.Shortest = make(map[int]path.Shortest)

// pcktRtCache saves completed route computations keyed by endpoint pair
var pcktRtCache map[intPair][]int = make(map[intPair][]int)

// clearRouteState empties every routing cache, for a fresh model build
func clearRouteState() {
	gNodes = make(map[int]simple.Node)
	cachedSP = make(map[int]path.Shortest)
	pcktRtCache = make(map[intPair][]int)
	connGraphBuilt = false
	connGraph = nil
}

// buildConnGraph builds the weighted undirected graph from the linked
// interfaces in the global interface table.  Each link appears once, with
// the mean of its two interface latencies as the edge weight.
func buildConnGraph() graph.Graph {
	wug := simple.NewWeightedUndirectedGraph(0, math.Inf(1))

	for _, node := range NodeDevByID {
		_, present := gNodes[node.number]
		if present {
			continue
		}
		gNodes[node.number] = simple.Node(node.number)
	}

	for _, intrfc := range IntrfcByID {
		if intrfc.cable == nil || intrfc.number > intrfc.cable.number {
			continue
		}
		devID := intrfc.device.number
		nbrID := intrfc.cable.device.number
		weight := (intrfc.latency + intrfc.cable.latency) / 2.0
		weightedEdge := simple.WeightedEdge{F: gNodes[devID], T: gNodes[nbrID], W: weight}
		wug.SetWeightedEdge(weightedEdge)
	}
	connGraphBuilt = true

	return wug
}

// getSPTree returns the shortest path tree rooted in 'from', computing
// and caching it if it is not already cached
func getSPTree(from int) path.Shortest {
	spTree, present := cachedSP[from]
	if present {
		return spTree
	}
	spTree = path.DijkstraFrom(gNodes[from], connGraph)
	cachedSP[from] = spTree

	return spTree
}

// convertNodeSeq extracts the device ids from a sequence of graph nodes
func convertNodeSeq(nsQ []graph.Node) []int {
	rtn := []int{}
	for _, node := range nsQ {
		rtn = append(rtn, int(node.ID()))
	}

	return rtn
}

// routeFrom returns the shortest path from source to destination as a
// sequence of device ids, empty when the destination is unreachable
func routeFrom(srcID, dstID int) []int {
	if !connGraphBuilt {
		connGraph = buildConnGraph()
	}

	var nodeSeq []graph.Node
	var route []int

	spTree, present := cachedSP[srcID]
	if present {
		nodeSeq, _ = spTree.To(int64(dstID))
		route = convertNodeSeq(nodeSeq)
	} else {
		// a tree rooted in the destination serves by symmetry,
		// with the path reversed
		spTree, present = cachedSP[dstID]
		if present {
			revNodeSeq, _ := spTree.To(int64(srcID))
			revRoute := convertNodeSeq(revNodeSeq)
			lenR := len(revRoute)
			for idx := 0; idx < lenR; idx++ {
				route = append(route, revRoute[lenR-idx-1])
			}
		} else {
			spTree = getSPTree(srcID)
			nodeSeq, _ = spTree.To(int64(dstID))
			route = convertNodeSeq(nodeSeq)
		}
	}

	return route
}

// findRoute returns the minimum latency route between two devices as a
// device id sequence including both endpoints, caching the result.  An
// unreachable destination is an error.
func findRoute(srcID, dstID int) ([]int, error) {
	endpoints := intPair{i: srcID, j: dstID}

	route, found := pcktRtCache[endpoints]
	if found {
		return route, nil
	}

	route = routeFrom(srcID, dstID)
	if len(route) == 0 || route[0] != srcID || route[len(route)-1] != dstID {
		return nil, fmt.Errorf("no route from %s to %s",
			NodeDevByID[srcID].name, NodeDevByID[dstID].name)
	}
	pcktRtCache[endpoints] = route

	return route, nil
}

// nxtHopIntrfc returns the egress interface a device uses to move a
// packet one hop along the route to the destination.  A device asked to
// forward without a connecting interface is a structural failure.
func nxtHopIntrfc(nodeID, dstID int) *intrfcStruct {
	route, err := findRoute(nodeID, dstID)
	if err != nil {
		panic(err)
	}
	if len(route) < 2 {
		panic(fmt.Errorf("device %s asked for a next hop to itself", NodeDevByID[nodeID].name))
	}
	nxtID := route[1]

	node := NodeDevByID[nodeID]
	for _, intrfc := range node.intrfcs {
		if intrfc.cable != nil && intrfc.cable.device.number == nxtID {
			return intrfc
		}
	}
	panic(fmt.Errorf("no interface on %s connects to %s",
		node.name, NodeDevByID[nxtID].name))
}

// showRoute returns the route as a comma separated list of device names
func showRoute(route []int) string {
	names := make([]string, 0, len(route))
	for _, nodeID := range route {
		names = append(names, NodeDevByID[nodeID].name)
	}
	return strings.Join(names, ",")
}
