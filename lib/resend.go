package lib

import (
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

// PacketInfo represents information about a sent segment still waiting for
// its acknowledgment
type PacketInfo struct {
	Seq          seqnum.Value // first sequence number the segment occupies
	Len          seqnum.Size  // sequence space occupied, SYN and FIN included
	SYN, FIN     bool
	LastSentTime time.Time // Time the segment was last sent
	ResendCount  int       // Number of times the segment has been resent
	chunk        *rp.Element
	data         []byte // used when no pool is configured
}

func (pi *PacketInfo) End() seqnum.Value {
	return pi.Seq.Add(pi.Len)
}

func (pi *PacketInfo) Payload() []byte {
	if pi.chunk != nil {
		return pi.chunk.Data.(*Payload).GetSlice()
	}
	return pi.data
}

// ResendPackets is the retransmission queue of one connection. Segments are
// appended in sequence order, so the slice stays sorted by Seq.
type ResendPackets struct {
	pool    *rp.RingPool
	packets []*PacketInfo
}

func NewResendPackets(pool *rp.RingPool) *ResendPackets {
	return &ResendPackets{pool: pool}
}

// AddSentPacket records a freshly emitted segment.
func (r *ResendPackets) AddSentPacket(seq seqnum.Value, syn, fin bool, payload []byte, now time.Time) {
	info := &PacketInfo{
		Seq:          seq,
		Len:          segmentLength(len(payload), syn, fin),
		SYN:          syn,
		FIN:          fin,
		LastSentTime: now,
	}
	if len(payload) > 0 {
		if r.pool != nil {
			info.chunk = r.pool.GetElement()
		}
		if info.chunk != nil {
			if err := info.chunk.Data.(*Payload).Copy(payload); err != nil {
				// larger than a chunk, keep it on the heap
				r.pool.ReturnElement(info.chunk)
				info.chunk = nil
			}
		}
		if info.chunk == nil {
			info.data = append([]byte(nil), payload...)
		}
	}
	r.packets = append(r.packets, info)
}

// RemoveAcked drops every segment fully covered by una and returns how many
// were removed.
func (r *ResendPackets) RemoveAcked(una seqnum.Value) int {
	n := 0
	for n < len(r.packets) && r.packets[n].End().LessThanEq(una) {
		r.release(r.packets[n])
		n++
	}
	r.packets = r.packets[n:]
	return n
}

// Expired returns the segments whose last transmission is older than rto.
func (r *ResendPackets) Expired(now time.Time, rto time.Duration) []*PacketInfo {
	var expired []*PacketInfo
	for _, pi := range r.packets {
		if now.Sub(pi.LastSentTime) >= rto {
			expired = append(expired, pi)
		}
	}
	return expired
}

// UpdateSentPacket marks pi as resent at now.
func (r *ResendPackets) UpdateSentPacket(pi *PacketInfo, now time.Time) {
	pi.LastSentTime = now
	pi.ResendCount++
}

func (r *ResendPackets) Len() int {
	return len(r.packets)
}

// Clear releases every outstanding segment.
func (r *ResendPackets) Clear() {
	for _, pi := range r.packets {
		r.release(pi)
	}
	r.packets = nil
}

func (r *ResendPackets) release(pi *PacketInfo) {
	if pi.chunk != nil {
		r.pool.ReturnElement(pi.chunk)
		pi.chunk = nil
	}
	pi.data = nil
}
