package strmsim

// trace.go gathers trace records describing a simulation run: signal
// movement through transmitters and interfaces, and path completions in
// the visualizer.  Records accumulate under the object id where they
// originate and serialize to yaml or json for post-run analysis.

import (
	"encoding/json"
	"os"
	"path"
	"strconv"

	"github.com/iti/evt/vrtime"
	"gopkg.in/yaml.v3"
)

type TraceRecordType int

const (
	XmitType TraceRecordType = iota
	PathType
)

var trtToStr map[TraceRecordType]string = map[TraceRecordType]string{XmitType: "xmit", PathType: "path"}

type TraceInst struct {
	TraceTime string
	TraceType string
	TraceStr  string
}

// NameType is an entry in a dictionary created for a trace
// that maps object id numbers to a (name,type) pair
type NameType struct {
	Name string
	Type string
}

// TraceManager gathers information about a simulation model and an
// execution of that model
type TraceManager struct {
	// experiment uses trace
	InUse bool `json:"inuse" yaml:"inuse"`

	// name of experiment
	ExpName string `json:"expname" yaml:"expname"`

	// text name associated with each objID
	NameByID map[int]NameType `json:"namebyid" yaml:"namebyid"`

	// all trace records for this experiment, keyed by originating object id
	Traces map[int][]TraceInst `json:"traces" yaml:"traces"`
}

// CreateTraceManager is a constructor.  It saves the name of the experiment
// and a flag indicating whether the trace manager is active.  By testing this
// flag we can inhibit the activity of gathering a trace when we don't want it,
// while embedding calls to its methods everywhere we need them when it is
func CreateTraceManager(ExpName string, active bool) *TraceManager {
	tm := new(TraceManager)
	tm.InUse = active
	tm.ExpName = ExpName
	tm.NameByID = make(map[int]NameType)
	tm.Traces = make(map[int][]TraceInst)
	return tm
}

// Active tells the caller whether the Trace Manager is actively being used
func (tm *TraceManager) Active() bool {
	return tm.InUse
}

// AddTrace stores a trace record under its originating object id
func (tm *TraceManager) AddTrace(vrt vrtime.Time, origin int, trace TraceInst) {
	if !tm.InUse {
		return
	}

	_, present := tm.Traces[origin]
	if !present {
		tm.Traces[origin] = make([]TraceInst, 0)
	}
	tm.Traces[origin] = append(tm.Traces[origin], trace)
}

// AddName is used to add an element to the id -> (name,type) dictionary for the trace file
func (tm *TraceManager) AddName(id int, name string, objDesc string) {
	if tm.InUse {
		_, present := tm.NameByID[id]
		if present {
			panic("duplicated id in AddName")
		}
		tm.NameByID[id] = NameType{Name: name, Type: objDesc}
	}
}

// WriteToFile stores the Traces struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (tm *TraceManager) WriteToFile(filename string) bool {
	if !tm.InUse {
		return false
	}
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error = nil

	if pathExt == ".yaml" || pathExt == ".YAML" || pathExt == ".yml" {
		bytes, merr = yaml.Marshal(*tm)
	} else if pathExt == ".json" || pathExt == ".JSON" {
		bytes, merr = json.MarshalIndent(*tm, "", "\t")
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
	return true
}

// An XmitTrace records a signal touching a transmitter or interface,
// saved for post-run analysis
type XmitTrace struct {
	Time     float64 // time in float64
	Ticks    int64   // ticks variable of time
	Priority int64   // priority field of time-stamp
	ObjID    int     // integer id for object being referenced
	Op       string  // "start", "end", or "arrive"
	Packet   string  // name of the packet involved
}

func (xtr *XmitTrace) TraceType() TraceRecordType {
	return XmitType
}

func (xtr *XmitTrace) Serialize() string {
	var bytes []byte
	var merr error

	bytes, merr = yaml.Marshal(*xtr)

	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// AddXmitTrace creates a transmitter trace record and stores it
func (tm *TraceManager) AddXmitTrace(vrt vrtime.Time, objID int, op string, pckt string) {
	if !tm.InUse {
		return
	}
	xtr := new(XmitTrace)
	xtr.Time = vrt.Seconds()
	xtr.Ticks = vrt.Ticks()
	xtr.Priority = vrt.Pri()
	xtr.ObjID = objID
	xtr.Op = op
	xtr.Packet = pckt

	traceTime := strconv.FormatFloat(vrt.Seconds(), 'f', -1, 64)
	trcInst := TraceInst{TraceTime: traceTime, TraceType: trtToStr[XmitType], TraceStr: xtr.Serialize()}
	tm.AddTrace(vrt, objID, trcInst)
}

// A PathTrace records the completion of a visualized path, saved for
// post-run analysis
type PathTrace struct {
	Time     float64 // time in float64
	Ticks    int64   // ticks variable of time
	Priority int64   // priority field of time-stamp
	Label    string  // session label of the path
	Nodes    []int   // device ids on the path, in order
	Packet   string  // name of the packet that completed the path
}

func (ptr *PathTrace) TraceType() TraceRecordType {
	return PathType
}

func (ptr *PathTrace) Serialize() string {
	var bytes []byte
	var merr error

	bytes, merr = yaml.Marshal(*ptr)

	if merr != nil {
		panic(merr)
	}
	return string(bytes[:])
}

// AddPathTrace creates a path trace record and stores it under the
// path's source device
func (tm *TraceManager) AddPathTrace(vrt vrtime.Time, label string, nodes []int, pckt string) {
	if !tm.InUse {
		return
	}
	ptr := new(PathTrace)
	ptr.Time = vrt.Seconds()
	ptr.Ticks = vrt.Ticks()
	ptr.Priority = vrt.Pri()
	ptr.Label = label
	ptr.Nodes = nodes
	ptr.Packet = pckt

	traceTime := strconv.FormatFloat(vrt.Seconds(), 'f', -1, 64)
	trcInst := TraceInst{TraceTime: traceTime, TraceType: trtToStr[PathType], TraceStr: ptr.Serialize()}
	tm.AddTrace(vrt, nodes[0], trcInst)
}
