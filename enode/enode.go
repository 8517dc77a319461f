// Package enode identifies nodes on the discv5 overlay: a 32-byte NodeId
// derived from the peer's public key, paired with its most recently seen
// ENR and network address. It also implements the XOR log-distance metric
// the Kademlia routing layer (kbucket, lookup, topic) is built on.
package enode

import (
	"encoding/binary"
	"encoding/hex"
	"math/bits"
	"net"

	"github.com/emhane/discv5/enr"
)

// ID is a 32-byte node identifier (keccak256 of the uncompressed public
// key, per spec.md's GLOSSARY).
type ID [32]byte

// String returns the hex-encoded id, 0x-prefixed.
func (id ID) String() string { return "0x" + hex.EncodeToString(id[:]) }

// IsZero reports whether id is the all-zero sentinel.
func (id ID) IsZero() bool { return id == ID{} }

// Node pairs a NodeId with its most recently known ENR. Record may be nil
// for a NodeContact known only as (addr, pubkey, id) — spec.md §3.
type Node struct {
	ID     ID
	Record *enr.Record
}

// New derives a Node from a signed record.
func New(r *enr.Record) *Node {
	return &Node{ID: ID(r.NodeID()), Record: r}
}

// Seq returns the record's sequence number, or 0 if there is none.
func (n *Node) Seq() uint64 {
	if n.Record == nil {
		return 0
	}
	return n.Record.Seq
}

// IP returns the node's advertised IPv4/IPv6 address for the family
// matching want (4 or 6), or nil if the record declares none.
func (n *Node) IP(want int) net.IP {
	if n.Record == nil {
		return nil
	}
	key, wantLen := enr.KeyIP, 4
	if want == 6 {
		key, wantLen = enr.KeyIP6, 16
	}
	b := n.Record.Get(key)
	if len(b) != wantLen {
		return nil
	}
	return net.IP(b)
}

// UDPPort returns the node's advertised UDP port for the IPv4 ("udp") or
// IPv6 ("udp6") family.
func (n *Node) UDPPort(want int) uint16 {
	if n.Record == nil {
		return 0
	}
	key := enr.KeyUDP
	if want == 6 {
		key = enr.KeyUDP6
	}
	b := n.Record.Get(key)
	if len(b) != 2 {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

// UDPAddr builds the node's IPv4 UDP socket address, or the zero value if
// the record has none.
func (n *Node) UDPAddr() *net.UDPAddr {
	ip := n.IP(4)
	if ip == nil {
		return nil
	}
	return &net.UDPAddr{IP: ip, Port: int(n.UDPPort(4))}
}

// IsNAT reports whether the node's record declares it is behind a NAT.
func (n *Node) IsNAT() bool {
	return n.Record != nil && n.Record.IsNAT()
}

// Addr is the (SocketAddr, NodeId) pair spec.md §3 calls a NodeAddress.
// Equality is across both fields.
type Addr struct {
	IP   string // net.IP.String(); comparable/hashable, unlike net.IP
	Port int
	ID   ID
}

// AddrFrom builds a NodeAddress from a UDP address and node id.
func AddrFrom(udp *net.UDPAddr, id ID) Addr {
	return Addr{IP: udp.IP.String(), Port: udp.Port, ID: id}
}

// LogDistance returns the XOR log-distance between two ids: 0 if equal,
// otherwise 1..256, the position (from the MSB) of the highest differing
// bit.
func LogDistance(a, b ID) int {
	lz := 0
	for i := 0; i < 4; i++ {
		off := i * 8
		ai := binary.BigEndian.Uint64(a[off : off+8])
		bi := binary.BigEndian.Uint64(b[off : off+8])
		x := ai ^ bi
		if x == 0 {
			lz += 64
			continue
		}
		lz += bits.LeadingZeros64(x)
		break
	}
	return 256 - lz
}

// DistCmp compares distances target->a and target->b. Returns -1 if a is
// closer, 1 if b is closer, 0 if equidistant.
func DistCmp(target, a, b ID) int {
	for i := 0; i < 4; i++ {
		off := i * 8
		t := binary.BigEndian.Uint64(target[off : off+8])
		da := t ^ binary.BigEndian.Uint64(a[off:off+8])
		db := t ^ binary.BigEndian.Uint64(b[off:off+8])
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
	}
	return 0
}

// RandomIDAtDistance returns an id that is exactly `distance` away from
// local in XOR log-distance, with all lower bits randomized. Used to
// generate lookup/refresh targets for a specific bucket.
func RandomIDAtDistance(local ID, distance int, randomBits func([]byte)) ID {
	if distance <= 0 {
		return local
	}
	if distance > 256 {
		distance = 256
	}
	var target ID
	copy(target[:], local[:])
	bitPos := 256 - distance
	byteIdx := bitPos / 8
	bitIdx := uint(7 - bitPos%8)

	target[byteIdx] ^= 1 << bitIdx

	var randBuf [32]byte
	randomBits(randBuf[:])
	mask := byte(1<<bitIdx) - 1
	target[byteIdx] = (target[byteIdx] &^ mask) | (randBuf[byteIdx] & mask)
	for i := byteIdx + 1; i < 32; i++ {
		target[i] = randBuf[i]
	}
	return target
}
