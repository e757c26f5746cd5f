package lib

// Flag constants, in the bit positions of the TCP header's flag byte
const (
	URGFlag uint8 = 1 << 5
	ACKFlag uint8 = 1 << 4
	PSHFlag uint8 = 1 << 3
	RSTFlag uint8 = 1 << 2
	SYNFlag uint8 = 1 << 1
	FINFlag uint8 = 1 << 0
)

const (
	TcpHeaderLength       = 20 //options not included
	TcpPseudoHeaderLength = 12
	IpHeaderLength        = 20 // we never emit IP options
	IpHeaderMaxLength     = 60
	MaxIpPacketLength     = 65535
	DefaultTTL            = 64
)
