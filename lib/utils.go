package lib

import (
	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

func SeqIncrement(seq seqnum.Value) seqnum.Value {
	return seq.Add(1) // implicit modulo operation included
}

func SeqIncrementBy(seq seqnum.Value, inc seqnum.Size) seqnum.Value {
	return seq.Add(inc) // implicit modulo operation included
}

// IsBetweenWrapped reports whether x is reached strictly after start and
// strictly before end when walking forward from start modulo 2^32.
func IsBetweenWrapped(start, x, end seqnum.Value) bool {
	dx := start.Size(x)
	return dx != 0 && dx < start.Size(end)
}

// segmentLength is the amount of sequence space a segment occupies.
func segmentLength(dataLen int, syn, fin bool) seqnum.Size {
	slen := seqnum.Size(dataLen)
	if syn {
		slen++
	}
	if fin {
		slen++
	}
	return slen
}

// IsSegmentAcceptable implements the RFC 793 receive test (section 3.3) for a
// segment starting at seqn and occupying slen sequence numbers.
func IsSegmentAcceptable(recv RecvSequenceSpace, seqn seqnum.Value, slen seqnum.Size) bool {
	wend := recv.Nxt.Add(seqnum.Size(recv.Wnd))
	before := recv.Nxt - 1

	switch {
	case slen == 0 && recv.Wnd == 0:
		return seqn == recv.Nxt
	case slen == 0:
		return IsBetweenWrapped(before, seqn, wend)
	case recv.Wnd == 0:
		return false
	default:
		last := seqn.Add(slen - 1)
		return IsBetweenWrapped(before, seqn, wend) || IsBetweenWrapped(before, last, wend)
	}
}
