package strmsim

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucket(t *testing.T) {
	tb := createTokenBucket(&MeterDesc{Capacity: 2000, FillRate: 1000, Label: "ok", DefaultLabel: "over"})
	pckt := chunkPacket("metered", "video", "s", 800, 800)

	// a full bucket conforms twice, then runs dry
	assert.Equal(t, "ok", tb.meterPckt(pckt, 0.0))
	assert.Equal(t, 1200.0, tb.tokens)
	assert.Equal(t, "ok", tb.meterPckt(pckt, 0.0))
	assert.Equal(t, 400.0, tb.tokens)

	// a non-conformant packet consumes nothing
	assert.Equal(t, "over", tb.meterPckt(pckt, 0.0))
	assert.Equal(t, 400.0, tb.tokens)

	// the fill rate restores conformance
	assert.Equal(t, "ok", tb.meterPckt(pckt, 1.0))
	assert.Equal(t, 600.0, tb.tokens)

	// refill saturates at the capacity
	assert.Equal(t, "ok", tb.meterPckt(pckt, 100.0))
	assert.Equal(t, 1200.0, tb.tokens)
}

func TestCreateFlowStruct(t *testing.T) {
	clearModel()
	registerTestNode(1, "A")
	registerTestNode(2, "B")

	base := FlowDesc{Name: "video", SrcNode: "A", DstNode: "B",
		PktLen: 1000, ChunkLen: 250, NumPkts: 3, InputRate: 1e6, Interarrival: 0.25}

	fs, err := createFlowStruct(&base)
	require.NoError(t, err)
	assert.Equal(t, 1, fs.flowID)
	assert.Equal(t, "const", fs.interarrivalDist)
	assert.Nil(t, fs.meter)
	assert.Same(t, fs, FlowByID[fs.flowID])
	assert.Same(t, fs, FlowByName["video"])

	// meter labels default from the flow name
	metered := base
	metered.Name = "audio"
	metered.Meter = MeterDesc{Capacity: 5000, FillRate: 1000}
	ms, err := createFlowStruct(&metered)
	require.NoError(t, err)
	require.NotNil(t, ms.meter)
	assert.Equal(t, "audio", ms.meter.label)
	assert.Equal(t, "audio/exceed", ms.meter.defaultLabel)
	assert.Equal(t, 2, ms.flowID)

	cases := []struct {
		name   string
		mutate func(*FlowDesc)
	}{
		{"empty name", func(fd *FlowDesc) { fd.Name = "" }},
		{"duplicate name", func(fd *FlowDesc) { fd.Name = "video" }},
		{"unknown source", func(fd *FlowDesc) { fd.SrcNode = "Z" }},
		{"unknown destination", func(fd *FlowDesc) { fd.DstNode = "Z" }},
		{"source is destination", func(fd *FlowDesc) { fd.DstNode = "A" }},
		{"packet length", func(fd *FlowDesc) { fd.PktLen = 0 }},
		{"chunk length", func(fd *FlowDesc) { fd.ChunkLen = -1 }},
		{"packet count", func(fd *FlowDesc) { fd.NumPkts = 0 }},
		{"input rate", func(fd *FlowDesc) { fd.InputRate = 0.0 }},
		{"interarrival", func(fd *FlowDesc) { fd.Interarrival = 0.0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fd := base
			fd.Name = "bad"
			tc.mutate(&fd)
			_, err := createFlowStruct(&fd)
			assert.Error(t, err)
		})
	}
}

func TestFlowParams(t *testing.T) {
	clearModel()
	registerTestNode(1, "A")
	registerTestNode(2, "B")

	fd := FlowDesc{Name: "video", Groups: []string{"media"}, SrcNode: "A", DstNode: "B",
		PktLen: 1000, ChunkLen: 250, NumPkts: 3, InputRate: 1e6, Interarrival: 0.25}
	fs, err := createFlowStruct(&fd)
	require.NoError(t, err)

	assert.True(t, fs.matchParam("*", ""))
	assert.True(t, fs.matchParam("name", "video"))
	assert.True(t, fs.matchParam("group", "media"))
	assert.True(t, fs.matchParam("srcdev", "A"))
	assert.True(t, fs.matchParam("dstdev", "B"))
	assert.False(t, fs.matchParam("name", "audio"))
	assert.False(t, fs.matchParam("color", "red"))

	fs.setParam("inputrate", valueStruct{floatValue: 2e6})
	assert.Equal(t, 2e6, fs.inputRate)
	fs.setParam("interarrival", valueStruct{floatValue: 0.5})
	assert.Equal(t, 0.5, fs.interarrival)
	assert.Panics(t, func() { fs.setParam("color", valueStruct{stringValue: "red"}) })

	assert.Equal(t, "video", fs.paramObjName())
}

func TestInterarrivalSamplers(t *testing.T) {
	// the constant sampler ignores the draw
	assert.Equal(t, 0.25, sampleConst(0.77, []float64{4.0}))
	assert.Equal(t, 0.25, sampleConst(0.0, []float64{4.0}))

	// the exponential sampler inverts the cdf
	assert.Equal(t, 0.0, sampleExpRV(0.0, []float64{2.0}))
	assert.InDelta(t, -math.Log(0.5)/2.0, sampleExpRV(0.5, []float64{2.0}), 1e-12)
}
