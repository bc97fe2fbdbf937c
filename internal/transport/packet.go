package transport

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// Live event frames carry command code 500 in the first header word.
const eventCommandCode = 500

const (
	tcpHeaderLen = 16
	udpHeaderLen = 8
	minRecordLen = 10
)

// DecodeEventFrame extracts punch events from one raw frame read off the
// device socket. Frames that are not live attendance events decode to an
// empty slice, not an error. Unknown record layouts stop decoding at the
// current offset; everything parsed so far is still returned.
func DecodeEventFrame(frame []byte, tcp bool) ([]PunchEvent, error) {
	var header []byte
	var payload []byte

	if tcp {
		if len(frame) < tcpHeaderLen {
			return nil, fmt.Errorf("transport: short tcp frame (%d bytes)", len(frame))
		}
		header = frame[8:tcpHeaderLen]
		payload = frame[tcpHeaderLen:]
	} else {
		if len(frame) < udpHeaderLen {
			return nil, fmt.Errorf("transport: short udp frame (%d bytes)", len(frame))
		}
		header = frame[:udpHeaderLen]
		payload = frame[udpHeaderLen:]
	}

	if binary.LittleEndian.Uint16(header[:2]) != eventCommandCode {
		return nil, nil
	}

	var events []PunchEvent
	for len(payload) >= minRecordLen {
		ev, rest, ok := decodePunchRecord(payload)
		if !ok {
			break
		}
		events = append(events, ev)
		payload = rest
	}
	return events, nil
}

// decodePunchRecord handles the record layouts devices are known to emit.
// Short layouts carry a numeric user id and are matched on exact payload
// length, so they arrive one per frame; only the 52-byte wide layout, with
// its 24-byte NUL-padded string id, is ever batched.
func decodePunchRecord(data []byte) (PunchEvent, []byte, bool) {
	var userID string
	var status, verify byte
	var timehex []byte
	var consumed int

	switch {
	case len(data) == 10:
		userID = fmt.Sprintf("%d", binary.LittleEndian.Uint16(data[:2]))
		status, verify = data[2], data[3]
		timehex = data[4:10]
		consumed = 10
	case len(data) == 12:
		userID = fmt.Sprintf("%d", binary.LittleEndian.Uint32(data[:4]))
		status, verify = data[4], data[5]
		timehex = data[6:12]
		consumed = 12
	case len(data) == 14:
		userID = fmt.Sprintf("%d", binary.LittleEndian.Uint16(data[:2]))
		status, verify = data[2], data[3]
		timehex = data[4:10]
		consumed = 14
	case len(data) == 32, len(data) == 36, len(data) == 37:
		userID = decodeUserID(data[:24])
		status, verify = data[24], data[25]
		timehex = data[26:32]
		consumed = len(data)
	case len(data) >= 52:
		userID = decodeUserID(data[:24])
		status, verify = data[24], data[25]
		timehex = data[26:32]
		consumed = 52
	default:
		return PunchEvent{}, nil, false
	}

	ev := PunchEvent{
		UserID:    userID,
		Status:    int(status),
		Verify:    int(verify),
		Timestamp: decodeTimestamp(timehex),
	}
	return ev, data[consumed:], true
}

func decodeUserID(raw []byte) string {
	s := string(raw)
	if i := strings.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// decodeTimestamp unpacks the 6-byte YY MM DD HH MM SS device clock.
// Out-of-range components yield the zero time; callers substitute their own
// clock rather than storing garbage.
func decodeTimestamp(b []byte) time.Time {
	if len(b) != 6 {
		return time.Time{}
	}

	year := int(b[0])
	if year < 100 {
		year += 2000
	}
	month, day := int(b[1]), int(b[2])
	hour, min, sec := int(b[3]), int(b[4]), int(b[5])

	if month < 1 || month > 12 || day < 1 || day > 31 ||
		hour > 23 || min > 59 || sec > 59 {
		return time.Time{}
	}

	return time.Date(year, time.Month(month), day, hour, min, sec, 0, time.Local)
}
