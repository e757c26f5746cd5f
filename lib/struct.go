package lib

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip/seqnum"
)

// State of a transmission control block
type State uint8

const (
	Closed State = iota
	SynReceived
	Established
	FinWait1
	FinWait2
	TimeWait
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case SynReceived:
		return "SYN-RECEIVED"
	case Established:
		return "ESTABLISHED"
	case FinWait1:
		return "FIN-WAIT-1"
	case FinWait2:
		return "FIN-WAIT-2"
	case TimeWait:
		return "TIME-WAIT"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// SendSequenceSpace (RFC 793 S3.2 F4)
//
//	         1         2          3          4
//	    ----------|----------|----------|----------
//	           SND.UNA    SND.NXT    SND.UNA
//	                                +SND.WND
//
//	1 - old sequence numbers which have been acknowledged
//	2 - sequence numbers of unacknowledged data
//	3 - sequence numbers allowed for new data transmission
//	4 - future sequence numbers which are not yet allowed
type SendSequenceSpace struct {
	Una seqnum.Value // send unacknowledged
	Nxt seqnum.Value // send next
	Wnd uint16       // send window
	Up  bool         // send urgent pointer
	Wl1 seqnum.Value // segment sequence number used for last window update
	Wl2 seqnum.Value // segment acknowledgment number used for last window update
	Iss seqnum.Value // initial send sequence number
}

// RecvSequenceSpace (RFC 793 S3.2 F5)
//
//	     1          2          3
//	 ----------|----------|----------
//	        RCV.NXT    RCV.NXT
//	                  +RCV.WND
//
//	1 - old sequence numbers which have been acknowledged
//	2 - sequence numbers allowed for new reception
//	3 - future sequence numbers which are not yet allowed
type RecvSequenceSpace struct {
	Nxt seqnum.Value // receive next
	Wnd uint16       // receive window
	Up  bool         // receive urgent pointer
	Irs seqnum.Value // initial receive sequence number
}
