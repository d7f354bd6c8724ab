package strmsim

// packet.go defines the packet content model streamed by transmitters and
// the signal representation that actually crosses a link.  A packet's
// content is an ordered list of chunks, each independently trackable by
// the path visualizer; a signal wraps an encoded packet with the duration
// of its passage.

import (
	"fmt"
)

// A Chunk is one sub-unit of a packet's content.  Lengths are in bits.
// Chunk ids are unique across the model so path tracking can follow a
// chunk through fragmentation and reassembly.
type Chunk struct {
	ID     int
	Name   string
	Length int64
}

// A Packet carries content between nodes.  Label names the path-tracking
// session the packet belongs to, stamped by the flow (and possibly
// rewritten by its meter) before launch.
type Packet struct {
	Name           string
	Class          string
	Label          string
	FlowID         int
	SrcID          int
	DstID          int
	TransmissionID int64
	BitError       bool
	Chunks         []Chunk
}

// CreatePacket is a constructor.  The transmission id tying the packet to
// its in-flight signals is assigned here.
func CreatePacket(name, class, label string, chunks []Chunk) *Packet {
	pckt := new(Packet)
	pckt.Name = name
	pckt.Class = class
	pckt.Label = label
	pckt.TransmissionID = nxtTransmissionID()
	pckt.Chunks = chunks
	return pckt
}

// chunkPacket builds a packet whose content is totalLen bits split into
// chunks of chunkLen bits, the last chunk holding any remainder
func chunkPacket(name, class, label string, totalLen, chunkLen int64) *Packet {
	if totalLen <= 0 || chunkLen <= 0 {
		panic(fmt.Errorf("packet %s needs positive content and chunk lengths", name))
	}
	chunks := make([]Chunk, 0)
	remaining := totalLen
	for idx := 0; remaining > 0; idx++ {
		clen := chunkLen
		if remaining < clen {
			clen = remaining
		}
		chunks = append(chunks, Chunk{ID: nxtID(), Name: fmt.Sprintf("%s[%d]", name, idx), Length: clen})
		remaining -= clen
	}
	return CreatePacket(name, class, label, chunks)
}

// TotalLength returns the packet's content length in bits
func (pckt *Packet) TotalLength() int64 {
	var total int64
	for _, chunk := range pckt.Chunks {
		total += chunk.Length
	}
	return total
}

// Dup returns a deep copy of the packet
func (pckt *Packet) Dup() *Packet {
	dup := *pckt
	dup.Chunks = make([]Chunk, len(pckt.Chunks))
	copy(dup.Chunks, pckt.Chunks)
	return &dup
}

// SameData reports whether two packets carry identical content, judged by
// their chunk id and length sequences
func (pckt *Packet) SameData(other *Packet) bool {
	if len(pckt.Chunks) != len(other.Chunks) {
		return false
	}
	for idx, chunk := range pckt.Chunks {
		if chunk.ID != other.Chunks[idx].ID || chunk.Length != other.Chunks[idx].Length {
			return false
		}
	}
	return true
}

// EraseAtBack removes length bits from the back of the packet's content,
// shrinking the chunk the cut lands in.  Removing more bits than the
// packet holds is a caller error.
func (pckt *Packet) EraseAtBack(length int64) {
	if length < 0 || length > pckt.TotalLength() {
		panic(fmt.Errorf("packet %s cannot erase %d bits from %d", pckt.Name, length, pckt.TotalLength()))
	}
	remaining := length
	for remaining > 0 {
		last := len(pckt.Chunks) - 1
		if pckt.Chunks[last].Length <= remaining {
			remaining -= pckt.Chunks[last].Length
			pckt.Chunks = pckt.Chunks[:last]
		} else {
			pckt.Chunks[last].Length -= remaining
			remaining = 0
		}
	}
}

// A Signal is the encoded, transmittable representation of a packet.
// Duration is the time the full signal occupies, produced by the codec
// from the committed transmission rate (and overwritten with the elapsed
// time when a transmission aborts).
type Signal struct {
	Name           string
	Pckt           *Packet
	Duration       float64
	TransmissionID int64
}

// SignalCodec converts between packet content and its in-flight form.
// The codec is a collaborator of the transmitter, not part of it.
type SignalCodec interface {
	Encode(pckt *Packet, txRate float64) *Signal
	Decode(sig *Signal) *Packet
}

// bitCodec is the default codec: the signal carries the packet as-is and
// lasts exactly as long as its bits take at the committed rate
type bitCodec struct{}

func (bc *bitCodec) Encode(pckt *Packet, txRate float64) *Signal {
	sig := new(Signal)
	sig.Name = pckt.Name
	sig.Pckt = pckt
	sig.Duration = float64(pckt.TotalLength()) / txRate
	sig.TransmissionID = pckt.TransmissionID
	return sig
}

func (bc *bitCodec) Decode(sig *Signal) *Packet {
	return sig.Pckt
}

// DefaultCodec encodes signals for every transmitter not given its own codec
var DefaultCodec SignalCodec = &bitCodec{}

// dupSignal deep-copies a signal so the transmitter can retain its own
// copy while the original travels downstream
func dupSignal(sig *Signal) *Signal {
	dup := *sig
	dup.Pckt = sig.Pckt.Dup()
	return &dup
}
