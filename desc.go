package strmsim

// desc.go holds the serializable description structs from which a model
// is built: topology (devices, interfaces, links), and run configuration
// (flows, visualizer settings, run-time parameters).  Serialization to
// json or yaml is chosen by file extension on write and by flag on read.

import (
	"encoding/json"
	"os"
	"path"
	"strconv"

	"gopkg.in/yaml.v3"
)

// An IntrfcDesc describes a network interface: the device holding it,
// its transmission rate (bits per second), and the latency (seconds) of
// the cable leaving it
type IntrfcDesc struct {
	Name    string   `json:"name" yaml:"name"`
	Groups  []string `json:"groups" yaml:"groups"`
	Device  string   `json:"device" yaml:"device"`
	TxRate  float64  `json:"txrate" yaml:"txrate"`
	Latency float64  `json:"latency" yaml:"latency"`
}

// A NodeDesc describes a network device.  ClockDrift is the rate offset
// of the device clock, in clock seconds gained per simulated second.
type NodeDesc struct {
	Name       string       `json:"name" yaml:"name"`
	Groups     []string     `json:"groups" yaml:"groups"`
	ClockDrift float64      `json:"clockdrift" yaml:"clockdrift"`
	Intrfcs    []IntrfcDesc `json:"intrfcs" yaml:"intrfcs"`
}

// A LinkDesc describes a point-to-point connection between two named
// interfaces
type LinkDesc struct {
	Intrfc1 string `json:"intrfc1" yaml:"intrfc1"`
	Intrfc2 string `json:"intrfc2" yaml:"intrfc2"`
}

// A TopoDesc holds the complete description of a network topology
type TopoDesc struct {
	Name  string     `json:"name" yaml:"name"`
	Nodes []NodeDesc `json:"nodes" yaml:"nodes"`
	Links []LinkDesc `json:"links" yaml:"links"`
}

// CreateTopoDesc is an initialization constructor.
// Its output struct has methods for integrating data.
func CreateTopoDesc(name string) *TopoDesc {
	td := new(TopoDesc)
	td.Name = name
	td.Nodes = make([]NodeDesc, 0)
	td.Links = make([]LinkDesc, 0)

	return td
}

// AddNode appends a device description to the topology
func (td *TopoDesc) AddNode(node NodeDesc) {
	td.Nodes = append(td.Nodes, node)
}

// AddLink appends a link description connecting two named interfaces
func (td *TopoDesc) AddLink(intrfc1, intrfc2 string) {
	td.Links = append(td.Links, LinkDesc{Intrfc1: intrfc1, Intrfc2: intrfc2})
}

// WriteToFile stores the TopoDesc struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (td *TopoDesc) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error = nil

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*td)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*td, "", "\t")
	}

	if merr != nil {
		panic(merr)
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		panic(cerr)
	}
	_, werr := f.WriteString(string(bytes[:]))
	if werr != nil {
		panic(werr)
	}
	f.Close()

	return werr
}

// ReadTopoDesc deserializes a byte slice holding a representation of a
// TopoDesc struct.  If the dict of bytes is empty, the file whose name
// is given is read to acquire them.
func ReadTopoDesc(filename string, useYAML bool, dict []byte) (*TopoDesc, error) {
	var err error

	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := TopoDesc{}

	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}

	if err != nil {
		return nil, err
	}

	return &example, nil
}

// A MeterDesc describes a flow's token bucket: capacity and fill rate in
// bits, and the labels stamped on conformant and non-conformant packets.
// A zero capacity disables metering.
type MeterDesc struct {
	Capacity     float64 `json:"capacity" yaml:"capacity"`
	FillRate     float64 `json:"fillrate" yaml:"fillrate"`
	Label        string  `json:"label" yaml:"label"`
	DefaultLabel string  `json:"defaultlabel" yaml:"defaultlabel"`
}

// A FlowDesc describes a packet source: endpoints, packet sizing, the
// rate content streams into the source interface, and the interarrival
// model between launches
type FlowDesc struct {
	Name             string    `json:"name" yaml:"name"`
	Groups           []string  `json:"groups" yaml:"groups"`
	SrcNode          string    `json:"srcnode" yaml:"srcnode"`
	DstNode          string    `json:"dstnode" yaml:"dstnode"`
	PktLen           int64     `json:"pktlen" yaml:"pktlen"`
	ChunkLen         int64     `json:"chunklen" yaml:"chunklen"`
	NumPkts          int       `json:"numpkts" yaml:"numpkts"`
	InputRate        float64   `json:"inputrate" yaml:"inputrate"`
	Interarrival     float64   `json:"interarrival" yaml:"interarrival"`
	InterarrivalDist string    `json:"interarrivaldist" yaml:"interarrivaldist"`
	Meter            MeterDesc `json:"meter" yaml:"meter"`
}

// A VisDesc describes the path visualizer configuration.  Empty strings
// leave the built-in defaults in place.
type VisDesc struct {
	NodeFilter   string  `json:"nodefilter" yaml:"nodefilter"`
	PacketFilter string  `json:"packetfilter" yaml:"packetfilter"`
	LabelFormat  string  `json:"labelformat" yaml:"labelformat"`
	FadeOutMode  string  `json:"fadeoutmode" yaml:"fadeoutmode"`
	FadeOutTime  float64 `json:"fadeouttime" yaml:"fadeouttime"`
}

// A ParamDesc describes one run-time parameter assignment.  Target names
// the object type ("node", "intrfc", "flow", "vis"), Attribute the
// matching attribute ("*", "name", "group", ...), and Pattern a comma
// separated list of attribute values to match.
type ParamDesc struct {
	Target    string `json:"target" yaml:"target"`
	Attribute string `json:"attribute" yaml:"attribute"`
	Pattern   string `json:"pattern" yaml:"pattern"`
	Param     string `json:"param" yaml:"param"`
	Value     string `json:"value" yaml:"value"`
}

// A RunDesc holds the complete description of one experiment run over a
// topology
type RunDesc struct {
	Name   string      `json:"name" yaml:"name"`
	Flows  []FlowDesc  `json:"flows" yaml:"flows"`
	Vis    VisDesc     `json:"vis" yaml:"vis"`
	Params []ParamDesc `json:"params" yaml:"params"`
}

// CreateRunDesc is an initialization constructor.
// Its output struct has methods for integrating data.
func CreateRunDesc(name string) *RunDesc {
	rd := new(RunDesc)
	rd.Name = name
	rd.Flows = make([]FlowDesc, 0)
	rd.Params = make([]ParamDesc, 0)

	return rd
}

// AddFlow appends a flow description to the run
func (rd *RunDesc) AddFlow(flow FlowDesc) {
	rd.Flows = append(rd.Flows, flow)
}

// AddParam appends a parameter assignment to the run
func (rd *RunDesc) AddParam(target, attribute, pattern, param, value string) {
	rd.Params = append(rd.Params, ParamDesc{Target: target, Attribute: attribute,
		Pattern: pattern, Param: param, Value: value})
}

// WriteToFile stores the RunDesc struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (rd *RunDesc) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error = nil

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*rd)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*rd, "", "\t")
	}

	if merr != nil {
		panic(merr)
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		panic(cerr)
	}
	_, werr := f.WriteString(string(bytes[:]))
	if werr != nil {
		panic(werr)
	}
	f.Close()

	return werr
}

// ReadRunDesc deserializes a byte slice holding a representation of a
// RunDesc struct.  If the dict of bytes is empty, the file whose name is
// given is read to acquire them.
func ReadRunDesc(filename string, useYAML bool, dict []byte) (*RunDesc, error) {
	var err error

	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := RunDesc{}

	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}

	if err != nil {
		return nil, err
	}

	return &example, nil
}

// A valueStruct type holds the different types a parameter value might
// have, typically only one of these is used, and which one is known by
// context
type valueStruct struct {
	intValue    int
	floatValue  float64
	stringValue string
	boolValue   bool
}

// stringToValueStruct takes a string (used in the run-time configuration
// phase) and determines whether it is an integer, floating point,
// boolean, or a string
func stringToValueStruct(v string) valueStruct {
	vs := valueStruct{intValue: 0, floatValue: 0.0, stringValue: "", boolValue: false}

	// try conversion to int
	ivalue, ierr := strconv.Atoi(v)
	if ierr == nil {
		vs.intValue = ivalue
		vs.floatValue = float64(ivalue)
		return vs
	}

	// failing that, try conversion to float
	fvalue, ferr := strconv.ParseFloat(v, 64)
	if ferr == nil {
		vs.floatValue = fvalue
		return vs
	}

	// left with it being a string.  See if true, True
	if v == "true" || v == "True" {
		vs.boolValue = true
		return vs
	}

	vs.stringValue = v
	return vs
}
