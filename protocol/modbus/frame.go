package modbus

import (
	"encoding/binary"
	"fmt"
)

// mbapHeaderLen is the fixed MBAP header size: transaction id (2),
// protocol id (2, always 0), length (2), unit id (1).
const mbapHeaderLen = 7

// EncodeMBAPFrame wraps a PDU in a Modbus TCP MBAP header (§4.5.4).
func EncodeMBAPFrame(transactionID uint16, unitID uint8, pdu []byte) []byte {
	frame := make([]byte, mbapHeaderLen+len(pdu))
	binary.BigEndian.PutUint16(frame[0:2], transactionID)
	binary.BigEndian.PutUint16(frame[2:4], 0) // protocol id
	binary.BigEndian.PutUint16(frame[4:6], uint16(len(pdu)+1))
	frame[6] = unitID
	copy(frame[mbapHeaderLen:], pdu)
	return frame
}

// DecodeMBAPFrame validates the MBAP header's declared length against
// the actual frame length and returns the transaction id, unit id, and
// PDU.
func DecodeMBAPFrame(frame []byte) (transactionID uint16, unitID uint8, pdu []byte, err error) {
	if len(frame) < mbapHeaderLen {
		return 0, 0, nil, fmt.Errorf("modbus: MBAP frame too short: %d bytes", len(frame))
	}
	transactionID = binary.BigEndian.Uint16(frame[0:2])
	length := binary.BigEndian.Uint16(frame[4:6])
	unitID = frame[6]

	wantTotal := mbapHeaderLen + int(length) - 1
	if len(frame) != wantTotal {
		return 0, 0, nil, fmt.Errorf("modbus: MBAP length field declares %d bytes, frame has %d", wantTotal, len(frame))
	}
	return transactionID, unitID, frame[mbapHeaderLen:], nil
}

// EncodeRTUFrame appends a slave id and CRC-16 to a PDU (§4.5.4).
func EncodeRTUFrame(slaveID uint8, pdu []byte) []byte {
	body := append([]byte{slaveID}, pdu...)
	crc := crc16(body)
	frame := make([]byte, len(body)+2)
	copy(frame, body)
	binary.LittleEndian.PutUint16(frame[len(body):], crc)
	return frame
}

// DecodeRTUFrame validates the trailing CRC-16 and returns the slave id
// and PDU.
func DecodeRTUFrame(frame []byte) (slaveID uint8, pdu []byte, err error) {
	if len(frame) < 4 {
		return 0, nil, fmt.Errorf("modbus: RTU frame too short: %d bytes", len(frame))
	}
	body := frame[:len(frame)-2]
	want := binary.LittleEndian.Uint16(frame[len(frame)-2:])
	got := crc16(body)
	if want != got {
		return 0, nil, fmt.Errorf("modbus: RTU CRC mismatch: frame=%04x computed=%04x", want, got)
	}
	return body[0], body[1:], nil
}

// crc16 computes the Modbus CRC-16 (polynomial 0xA001, init 0xFFFF) over
// a frame body.
func crc16(data []byte) uint16 {
	var crc uint16 = 0xFFFF
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc >>= 1
				crc ^= 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// InterFrameSilence returns the minimum inter-frame silence duration at
// the given baud rate: 3.5 character times, each character 11 bits on
// the wire (start + 8 data + parity/stop) (§4.5.4).
func InterFrameSilence(baudRate int) (microseconds int64) {
	if baudRate <= 0 {
		baudRate = 9600
	}
	const bitsPerChar = 11
	const silenceChars = 3.5
	charTimeUs := float64(bitsPerChar) * 1_000_000 / float64(baudRate)
	return int64(charTimeUs * silenceChars)
}
