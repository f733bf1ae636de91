// Package igmp implements IGMPv2 membership reporting: a report on
// join/leave and query-triggered report scheduling with random jitter.
// The wire format mirrors the MLDv2 group-record shape
// parseMLDGroups decodes for IPv6, adapted to IGMPv2's
// simpler single-group message.
package igmp

import (
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/netkern/netkern/internal/checksum"
)

const (
	TypeQuery       = 0x11
	TypeV1Report    = 0x12
	TypeV2Report    = 0x16
	TypeLeaveGroup  = 0x17
)

// Message is a decoded IGMPv2 message.
type Message struct {
	Type        uint8
	MaxRespTime uint8
	Group       [4]byte
}

// Parse decodes an 8-byte IGMPv2 message.
func Parse(buf []byte) (Message, bool) {
	if len(buf) < 8 {
		return Message{}, false
	}
	var m Message
	m.Type = buf[0]
	m.MaxRespTime = buf[1]
	copy(m.Group[:], buf[4:8])
	return m, true
}

// Build encodes an IGMPv2 message (report or leave) with checksum filled.
func Build(typ uint8, group [4]byte) []byte {
	buf := make([]byte, 8)
	buf[0] = typ
	buf[1] = 0
	binary.BigEndian.PutUint16(buf[2:4], 0)
	copy(buf[4:8], group[:])
	sum := checksum.Checksum(buf)
	binary.BigEndian.PutUint16(buf[2:4], sum)
	return buf
}

// Daemon schedules membership reports for a set of joined groups in
// response to General/Group-Specific Queries, with uniform jitter in
// [0, maxRespTime] and suppression when a peer's report for the same
// group is observed first.
type Daemon struct {
	pending map[[4]byte]time.Time
	rng     *rand.Rand
}

// NewDaemon creates an IGMP report scheduler.
func NewDaemon(seed int64) *Daemon {
	return &Daemon{pending: make(map[[4]byte]time.Time), rng: rand.New(rand.NewSource(seed))}
}

// ScheduleReport arms a pending report for group to fire uniformly within
// [0, maxResp]. Called on receipt of a Query or on a fresh join.
func (d *Daemon) ScheduleReport(group [4]byte, maxResp time.Duration) {
	if maxResp <= 0 {
		maxResp = 10 * time.Second
	}
	jitter := time.Duration(d.rng.Int63n(int64(maxResp) + 1))
	d.pending[group] = time.Now().Add(jitter)
}

// Suppress cancels a pending report because another host's report for
// group was observed (report suppression).
func (d *Daemon) Suppress(group [4]byte) {
	delete(d.pending, group)
}

// Due returns and clears the groups whose scheduled report time has
// passed, for the 100ms-tick daemon loop to actually transmit.
func (d *Daemon) Due(now time.Time) [][4]byte {
	var due [][4]byte
	for g, at := range d.pending {
		if !now.Before(at) {
			due = append(due, g)
			delete(d.pending, g)
		}
	}
	return due
}

// Pending reports whether any report is still scheduled, used by
// daemon_kick's lazy-start/auto-exit rule.
func (d *Daemon) Pending() bool {
	return len(d.pending) > 0
}
