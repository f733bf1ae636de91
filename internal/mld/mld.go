// Package mld implements MLDv2 (and MLDv1-compatible) message parsing and
// listener-report scheduling for IPv6. ParseGroups is a direct
// generalization of Splat-NDPeekr's
// parseMLDGroups/parseMLDv1Groups/parseMLDv2Groups, repurposed from
// read-only sniffing into a decoder that returns the groups a message
// carries. The package builds no report messages, and it neither joins
// groups nor changes membership state itself.
package mld

import (
	"encoding/binary"
	"math/rand"
	"time"

	xipv6 "golang.org/x/net/ipv6"
)

// Message types, taken from golang.org/x/net/ipv6's ICMPType constants
// rather than reproduced as magic numbers — MLD is carried inside ICMPv6.
const (
	TypeQuery    = byte(xipv6.ICMPTypeMulticastListenerQuery)
	TypeV1Report = byte(xipv6.ICMPTypeMulticastListenerReport)
	TypeV1Done   = byte(xipv6.ICMPTypeMulticastListenerDone)
	TypeV2Report = byte(xipv6.ICMPTypeVersion2MulticastListenerReport)
)

// ParseGroups extracts multicast group addresses from a raw ICMPv6 MLD
// message. buf must include the full ICMPv6 message (type, code, checksum,
// body). Returns nil for non-MLD types or malformed packets.
func ParseGroups(buf []byte) [][16]byte {
	if len(buf) < 4 {
		return nil
	}
	switch buf[0] {
	case TypeV1Report, TypeV1Done:
		return parseV1Groups(buf)
	case TypeV2Report:
		return parseV2Groups(buf)
	default:
		return nil
	}
}

func parseV1Groups(buf []byte) [][16]byte {
	// 4 (ICMPv6 header) + 4 (delay+reserved) + 16 (address) = 24.
	if len(buf) < 24 {
		return nil
	}
	var g [16]byte
	copy(g[:], buf[8:24])
	if isUnspecified(g) {
		return nil
	}
	return [][16]byte{g}
}

func parseV2Groups(buf []byte) [][16]byte {
	if len(buf) < 8 {
		return nil
	}
	numRecords := int(binary.BigEndian.Uint16(buf[6:8]))
	if numRecords == 0 {
		return nil
	}
	var groups [][16]byte
	offset := 8
	for i := 0; i < numRecords; i++ {
		if offset+20 > len(buf) {
			break
		}
		auxDataLen := int(buf[offset+1])
		numSources := int(binary.BigEndian.Uint16(buf[offset+2 : offset+4]))
		var g [16]byte
		copy(g[:], buf[offset+4:offset+20])
		if !isUnspecified(g) {
			groups = append(groups, g)
		}
		offset += 20 + numSources*16 + auxDataLen*4
	}
	return groups
}

func isUnspecified(g [16]byte) bool {
	for _, b := range g {
		if b != 0 {
			return false
		}
	}
	return true
}

// MaxRespTime decodes the MLD Maximum Response Delay field (ms).
func MaxRespTime(buf []byte) time.Duration {
	if len(buf) < 6 {
		return 10 * time.Second
	}
	return time.Duration(binary.BigEndian.Uint16(buf[4:6])) * time.Millisecond
}

// Daemon is the MLD counterpart of igmp.Daemon: report scheduling with
// jitter and peer-report suppression.
type Daemon struct {
	pending map[[16]byte]time.Time
	rng     *rand.Rand
}

func NewDaemon(seed int64) *Daemon {
	return &Daemon{pending: make(map[[16]byte]time.Time), rng: rand.New(rand.NewSource(seed))}
}

func (d *Daemon) ScheduleReport(group [16]byte, maxResp time.Duration) {
	if maxResp <= 0 {
		maxResp = 10 * time.Second
	}
	jitter := time.Duration(d.rng.Int63n(int64(maxResp) + 1))
	d.pending[group] = time.Now().Add(jitter)
}

func (d *Daemon) Suppress(group [16]byte) {
	delete(d.pending, group)
}

func (d *Daemon) Due(now time.Time) [][16]byte {
	var due [][16]byte
	for g, at := range d.pending {
		if !now.Before(at) {
			due = append(due, g)
			delete(d.pending, g)
		}
	}
	return due
}

func (d *Daemon) Pending() bool {
	return len(d.pending) > 0
}
