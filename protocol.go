// Copyright (c) 2021 Storj Labs, Inc.
// See LICENSE for copying information.

package rnet

import (
	"encoding/binary"
	"fmt"
)

// Protocol-wide limits (§6.1).
const (
	protocolMinimumMTU            = 576
	protocolMaximumMTU            = 4096
	protocolMaximumPacketCommands = 32
	protocolMinimumWindowSize     = 4096
	protocolMaximumWindowSize     = 65536
	protocolMinimumChannelCount   = 1
	protocolMaximumChannelCount   = 255
	maximumPeerID                 = 0xFFF
	maximumFragmentCount          = 1024 * 1024
	maximumMTU                    = 4096
)

// command identifies the kind of a protocol command, carried in the low
// nibble of the command header's first byte (§3).
type command uint8

const (
	cmdNone                   command = 0
	cmdAcknowledge            command = 1
	cmdConnect                command = 2
	cmdVerifyConnect          command = 3
	cmdDisconnect             command = 4
	cmdPing                   command = 5
	cmdSendReliable           command = 6
	cmdSendUnreliable         command = 7
	cmdSendFragment           command = 8
	cmdSendUnsequenced        command = 9
	cmdBandwidthLimit         command = 10
	cmdThrottleConfigure      command = 11
	cmdSendUnreliableFragment command = 12
	cmdCount                  command = 13

	commandMask command = 0x0F
)

// Header flag bits (§3, §6.1).
const (
	flagAcknowledge uint8 = 1 << 7
	flagUnsequenced uint8 = 1 << 6

	headerFlagCompressed uint16 = 1 << 14
	headerFlagSentTime   uint16 = 1 << 15
	headerFlagMask              = headerFlagCompressed | headerFlagSentTime

	headerSessionShift = 12
	headerSessionMask  = 3 << headerSessionShift
)

// commandHeader is the 4-byte header shared by every command (§3, §6.1).
type commandHeader struct {
	command      uint8
	channelID    uint8
	reliableSeq  uint16
}

const commandHeaderSize = 4

func (h commandHeader) kind() command { return command(h.command & uint8(commandMask)) }

func (h commandHeader) encode(b []byte) {
	b[0] = h.command
	b[1] = h.channelID
	binary.BigEndian.PutUint16(b[2:4], h.reliableSeq)
}

func decodeCommandHeader(b []byte) commandHeader {
	return commandHeader{
		command:     b[0],
		channelID:   b[1],
		reliableSeq: binary.BigEndian.Uint16(b[2:4]),
	}
}

// commandSizes gives the full wire size (header included) of each command
// kind, used both to validate an incoming datagram and to size outgoing
// buffers (§6.1 table). A size of 0 (cmdNone) is never sent.
var commandSizes = [cmdCount]int{
	cmdNone:                   0,
	cmdAcknowledge:            8,
	cmdConnect:                48,
	cmdVerifyConnect:          44,
	cmdDisconnect:             8,
	cmdPing:                   4,
	cmdSendReliable:           6,
	cmdSendUnreliable:         8,
	cmdSendFragment:           24,
	cmdSendUnsequenced:        8,
	cmdBandwidthLimit:         12,
	cmdThrottleConfigure:      16,
	cmdSendUnreliableFragment: 24,
}

// protocolHeader is the 2-4 byte datagram header (§6.1). sentTime is only
// present on the wire when flagSentTime (in peerIDAndFlags) is set.
type protocolHeader struct {
	peerIDAndFlags uint16
	sentTime       uint16
}

const protocolHeaderMinSize = 2
const protocolHeaderMaxSize = 4

func (h protocolHeader) peerID() uint16   { return h.peerIDAndFlags & maximumPeerID }
func (h protocolHeader) sessionID() uint8 { return uint8((h.peerIDAndFlags & headerSessionMask) >> headerSessionShift) }
func (h protocolHeader) compressed() bool { return h.peerIDAndFlags&headerFlagCompressed != 0 }
func (h protocolHeader) hasSentTime() bool {
	return h.peerIDAndFlags&headerFlagSentTime != 0
}

// ackCommand is the tail of an ACKNOWLEDGE command (§3, §6.1).
type ackCommand struct {
	header                  commandHeader
	receivedReliableSeq     uint16
	receivedSentTime        uint16
}

func (a ackCommand) encode(b []byte) {
	a.header.encode(b)
	binary.BigEndian.PutUint16(b[4:6], a.receivedReliableSeq)
	binary.BigEndian.PutUint16(b[6:8], a.receivedSentTime)
}

func decodeAckCommand(b []byte) ackCommand {
	return ackCommand{
		header:              decodeCommandHeader(b),
		receivedReliableSeq: binary.BigEndian.Uint16(b[4:6]),
		receivedSentTime:    binary.BigEndian.Uint16(b[6:8]),
	}
}

// connectCommand is the tail of CONNECT (48 bytes total with header) and,
// minus the trailing data field, VERIFY_CONNECT (44 bytes). Both share this
// shape (§6.1).
type connectCommand struct {
	header                     commandHeader
	outgoingPeerID             uint16
	incomingSessionID          uint8
	outgoingSessionID          uint8
	mtu                        uint32
	windowSize                 uint32
	channelCount               uint32
	incomingBandwidth          uint32
	outgoingBandwidth          uint32
	packetThrottleInterval     uint32
	packetThrottleAcceleration uint32
	packetThrottleDeceleration uint32
	connectID                  uint32
	data                       uint32 // CONNECT only
}

func (c connectCommand) encodeConnect(b []byte) {
	c.encodeCommon(b)
	binary.BigEndian.PutUint32(b[44:48], c.data)
}

func (c connectCommand) encodeVerifyConnect(b []byte) {
	c.encodeCommon(b)
}

func (c connectCommand) encodeCommon(b []byte) {
	c.header.encode(b)
	binary.BigEndian.PutUint16(b[4:6], c.outgoingPeerID)
	b[6] = c.incomingSessionID
	b[7] = c.outgoingSessionID
	binary.BigEndian.PutUint32(b[8:12], c.mtu)
	binary.BigEndian.PutUint32(b[12:16], c.windowSize)
	binary.BigEndian.PutUint32(b[16:20], c.channelCount)
	binary.BigEndian.PutUint32(b[20:24], c.incomingBandwidth)
	binary.BigEndian.PutUint32(b[24:28], c.outgoingBandwidth)
	binary.BigEndian.PutUint32(b[28:32], c.packetThrottleInterval)
	binary.BigEndian.PutUint32(b[32:36], c.packetThrottleAcceleration)
	binary.BigEndian.PutUint32(b[36:40], c.packetThrottleDeceleration)
	binary.BigEndian.PutUint32(b[40:44], c.connectID)
}

func decodeConnectCommand(b []byte, hasData bool) connectCommand {
	c := connectCommand{
		header:                     decodeCommandHeader(b),
		outgoingPeerID:             binary.BigEndian.Uint16(b[4:6]),
		incomingSessionID:          b[6],
		outgoingSessionID:          b[7],
		mtu:                        binary.BigEndian.Uint32(b[8:12]),
		windowSize:                 binary.BigEndian.Uint32(b[12:16]),
		channelCount:               binary.BigEndian.Uint32(b[16:20]),
		incomingBandwidth:          binary.BigEndian.Uint32(b[20:24]),
		outgoingBandwidth:          binary.BigEndian.Uint32(b[24:28]),
		packetThrottleInterval:     binary.BigEndian.Uint32(b[28:32]),
		packetThrottleAcceleration: binary.BigEndian.Uint32(b[32:36]),
		packetThrottleDeceleration: binary.BigEndian.Uint32(b[36:40]),
		connectID:                  binary.BigEndian.Uint32(b[40:44]),
	}
	if hasData {
		c.data = binary.BigEndian.Uint32(b[44:48])
	}
	return c
}

// disconnectCommand is the tail of DISCONNECT (§6.1).
type disconnectCommand struct {
	header commandHeader
	data   uint32
}

func (d disconnectCommand) encode(b []byte) {
	d.header.encode(b)
	binary.BigEndian.PutUint32(b[4:8], d.data)
}

func decodeDisconnectCommand(b []byte) disconnectCommand {
	return disconnectCommand{header: decodeCommandHeader(b), data: binary.BigEndian.Uint32(b[4:8])}
}

// sendReliableCommand is the tail of SEND_RELIABLE (§6.1); the payload of
// length dataLength follows immediately on the wire.
type sendReliableCommand struct {
	header     commandHeader
	dataLength uint16
}

func (s sendReliableCommand) encode(b []byte) {
	s.header.encode(b)
	binary.BigEndian.PutUint16(b[4:6], s.dataLength)
}

func decodeSendReliableCommand(b []byte) sendReliableCommand {
	return sendReliableCommand{header: decodeCommandHeader(b), dataLength: binary.BigEndian.Uint16(b[4:6])}
}

// sendUnreliableCommand is the tail of SEND_UNRELIABLE (§6.1).
type sendUnreliableCommand struct {
	header          commandHeader
	unreliableSeq   uint16
	dataLength      uint16
}

func (s sendUnreliableCommand) encode(b []byte) {
	s.header.encode(b)
	binary.BigEndian.PutUint16(b[4:6], s.unreliableSeq)
	binary.BigEndian.PutUint16(b[6:8], s.dataLength)
}

func decodeSendUnreliableCommand(b []byte) sendUnreliableCommand {
	return sendUnreliableCommand{
		header:        decodeCommandHeader(b),
		unreliableSeq: binary.BigEndian.Uint16(b[4:6]),
		dataLength:    binary.BigEndian.Uint16(b[6:8]),
	}
}

// sendUnsequencedCommand is the tail of SEND_UNSEQUENCED (§6.1).
type sendUnsequencedCommand struct {
	header           commandHeader
	unsequencedGroup uint16
	dataLength       uint16
}

func (s sendUnsequencedCommand) encode(b []byte) {
	s.header.encode(b)
	binary.BigEndian.PutUint16(b[4:6], s.unsequencedGroup)
	binary.BigEndian.PutUint16(b[6:8], s.dataLength)
}

func decodeSendUnsequencedCommand(b []byte) sendUnsequencedCommand {
	return sendUnsequencedCommand{
		header:           decodeCommandHeader(b),
		unsequencedGroup: binary.BigEndian.Uint16(b[4:6]),
		dataLength:       binary.BigEndian.Uint16(b[6:8]),
	}
}

// sendFragmentCommand is the tail shared by SEND_FRAGMENT and
// SEND_UNRELIABLE_FRAGMENT (§6.1); the payload of length dataLength follows.
type sendFragmentCommand struct {
	header          commandHeader
	startSeq        uint16
	dataLength      uint16
	fragmentCount   uint32
	fragmentNumber  uint32
	totalLength     uint32
	fragmentOffset  uint32
}

func (s sendFragmentCommand) encode(b []byte) {
	s.header.encode(b)
	binary.BigEndian.PutUint16(b[4:6], s.startSeq)
	binary.BigEndian.PutUint16(b[6:8], s.dataLength)
	binary.BigEndian.PutUint32(b[8:12], s.fragmentCount)
	binary.BigEndian.PutUint32(b[12:16], s.fragmentNumber)
	binary.BigEndian.PutUint32(b[16:20], s.totalLength)
	binary.BigEndian.PutUint32(b[20:24], s.fragmentOffset)
}

func decodeSendFragmentCommand(b []byte) sendFragmentCommand {
	return sendFragmentCommand{
		header:         decodeCommandHeader(b),
		startSeq:       binary.BigEndian.Uint16(b[4:6]),
		dataLength:     binary.BigEndian.Uint16(b[6:8]),
		fragmentCount:  binary.BigEndian.Uint32(b[8:12]),
		fragmentNumber: binary.BigEndian.Uint32(b[12:16]),
		totalLength:    binary.BigEndian.Uint32(b[16:20]),
		fragmentOffset: binary.BigEndian.Uint32(b[20:24]),
	}
}

// bandwidthLimitCommand is the tail of BANDWIDTH_LIMIT (§6.1).
type bandwidthLimitCommand struct {
	header            commandHeader
	incomingBandwidth uint32
	outgoingBandwidth uint32
}

func (b2 bandwidthLimitCommand) encode(b []byte) {
	b2.header.encode(b)
	binary.BigEndian.PutUint32(b[4:8], b2.incomingBandwidth)
	binary.BigEndian.PutUint32(b[8:12], b2.outgoingBandwidth)
}

func decodeBandwidthLimitCommand(b []byte) bandwidthLimitCommand {
	return bandwidthLimitCommand{
		header:            decodeCommandHeader(b),
		incomingBandwidth: binary.BigEndian.Uint32(b[4:8]),
		outgoingBandwidth: binary.BigEndian.Uint32(b[8:12]),
	}
}

// throttleConfigureCommand is the tail of THROTTLE_CONFIGURE (§6.1).
type throttleConfigureCommand struct {
	header       commandHeader
	interval     uint32
	acceleration uint32
	deceleration uint32
}

func (t throttleConfigureCommand) encode(b []byte) {
	t.header.encode(b)
	binary.BigEndian.PutUint32(b[4:8], t.interval)
	binary.BigEndian.PutUint32(b[8:12], t.acceleration)
	binary.BigEndian.PutUint32(b[12:16], t.deceleration)
}

func decodeThrottleConfigureCommand(b []byte) throttleConfigureCommand {
	return throttleConfigureCommand{
		header:       decodeCommandHeader(b),
		interval:     binary.BigEndian.Uint32(b[4:8]),
		acceleration: binary.BigEndian.Uint32(b[8:12]),
		deceleration: binary.BigEndian.Uint32(b[12:16]),
	}
}

// errMalformedCommand reports that a command's declared/implied size did
// not fit within the remaining datagram bytes.
func errMalformedCommand(kind command, reason string) error {
	return fmt.Errorf("%w: command %d: %s", ErrProtocolViolation, kind, reason)
}
