package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"
)

// Protocol command codes.
const (
	cmdConnect  = 1000
	cmdExit     = 1001
	cmdEnable   = 1002
	cmdDisable  = 1003
	cmdGetTime  = 201
	cmdAuth     = 1102
	cmdRegEvent = 500

	cmdAckOK     = 2000
	cmdAckUnauth = 2005
)

// TCP frames are prefixed with a fixed two-word machine header plus the
// payload length.
const (
	machineWord1 = 0x5050
	machineWord2 = 0x7d82
)

const eventRegisterMask = 0xFFFF // subscribe to all realtime event kinds

// NetDialer produces sessions speaking the terminals' binary protocol over
// TCP, or UDP when the device is configured for it.
type NetDialer struct{}

func (NetDialer) Dial(cfg Config) Session {
	return &netSession{cfg: cfg, tcp: !cfg.ForceUDP}
}

type netSession struct {
	cfg Config
	tcp bool

	conn      net.Conn
	sessionID uint16
	replyID   uint16

	// events decoded from a frame but not yet handed out
	pending []PunchEvent
}

func (s *netSession) Connect(ctx context.Context) error {
	network := "tcp"
	if !s.tcp {
		network = "udp"
	}

	dialer := net.Dialer{Timeout: s.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, network, fmt.Sprintf("%s:%d", s.cfg.IP, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", network, err)
	}
	s.conn = conn
	s.sessionID = 0
	s.replyID = 0
	s.pending = nil

	cmd, _, err := s.roundTrip(cmdConnect, nil)
	if err != nil {
		conn.Close()
		s.conn = nil
		return fmt.Errorf("transport: connect handshake: %w", err)
	}

	if cmd == cmdAckUnauth {
		key := makeCommKey(uint32(s.cfg.Password), uint32(s.sessionID))
		cmd, _, err = s.roundTrip(cmdAuth, key)
		if err != nil {
			conn.Close()
			s.conn = nil
			return fmt.Errorf("transport: auth: %w", err)
		}
	}
	if cmd != cmdAckOK {
		conn.Close()
		s.conn = nil
		return fmt.Errorf("transport: device refused connection (reply %d)", cmd)
	}

	// Subscribe to live events.
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, eventRegisterMask)
	if cmd, _, err = s.roundTrip(cmdRegEvent, data); err != nil || cmd != cmdAckOK {
		conn.Close()
		s.conn = nil
		if err == nil {
			err = fmt.Errorf("reply %d", cmd)
		}
		return fmt.Errorf("transport: event registration: %w", err)
	}
	return nil
}

func (s *netSession) Disconnect() error {
	if s.conn == nil {
		return nil
	}
	s.roundTrip(cmdExit, nil)
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *netSession) IsConnected() bool {
	return s.conn != nil
}

func (s *netSession) Ping(ctx context.Context) error {
	cmd, _, err := s.command(ctx, cmdGetTime, nil)
	if err != nil {
		return err
	}
	if cmd != cmdAckOK && cmd != cmdGetTime {
		return fmt.Errorf("transport: ping rejected (reply %d)", cmd)
	}
	return nil
}

func (s *netSession) Enable(ctx context.Context) error {
	return s.simpleCommand(ctx, cmdEnable)
}

func (s *netSession) Disable(ctx context.Context) error {
	return s.simpleCommand(ctx, cmdDisable)
}

func (s *netSession) simpleCommand(ctx context.Context, code uint16) error {
	cmd, _, err := s.command(ctx, code, nil)
	if err != nil {
		return err
	}
	if cmd != cmdAckOK {
		return fmt.Errorf("transport: command %d rejected (reply %d)", code, cmd)
	}
	return nil
}

// ReadEvent blocks up to timeout for the next live punch. A frame can carry
// several records; surplus ones are buffered for subsequent calls.
func (s *netSession) ReadEvent(ctx context.Context, timeout time.Duration) (*PunchEvent, error) {
	if s.conn == nil {
		return nil, ErrNotConnected
	}

	if len(s.pending) > 0 {
		ev := s.pending[0]
		s.pending = s.pending[1:]
		return &ev, nil
	}

	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	s.conn.SetReadDeadline(time.Now().Add(timeout))

	frame, err := s.readFrame()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrReadTimeout
		}
		return nil, err
	}

	events, err := DecodeEventFrame(frame, s.tcp)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrReadTimeout
	}

	s.ackEvent()

	ev := events[0]
	s.pending = events[1:]
	return &ev, nil
}

// ackEvent acknowledges a live event frame so the device keeps streaming.
func (s *netSession) ackEvent() {
	payload := buildPayload(cmdAckOK, s.sessionID, s.replyID, nil)
	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.Timeout))
	s.conn.Write(s.wrapFrame(payload))
}

func (s *netSession) command(ctx context.Context, code uint16, data []byte) (uint16, []byte, error) {
	if s.conn == nil {
		return 0, nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	return s.roundTrip(code, data)
}

// roundTrip sends one command and reads frames until a direct reply shows
// up, decoding and buffering any live events that arrive in between.
func (s *netSession) roundTrip(code uint16, data []byte) (uint16, []byte, error) {
	s.replyID++
	payload := buildPayload(code, s.sessionID, s.replyID, data)

	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.Timeout))
	if _, err := s.conn.Write(s.wrapFrame(payload)); err != nil {
		return 0, nil, fmt.Errorf("transport: write: %w", err)
	}

	s.conn.SetReadDeadline(time.Now().Add(s.cfg.Timeout))
	for {
		frame, err := s.readFrame()
		if err != nil {
			return 0, nil, fmt.Errorf("transport: read reply: %w", err)
		}

		header, body := splitFrame(frame, s.tcp)
		if header == nil {
			return 0, nil, fmt.Errorf("transport: short reply frame")
		}

		cmd := binary.LittleEndian.Uint16(header[:2])
		if cmd == cmdRegEvent {
			if events, err := DecodeEventFrame(frame, s.tcp); err == nil {
				s.pending = append(s.pending, events...)
			}
			continue
		}

		// Connect replies establish the session id.
		if s.sessionID == 0 {
			s.sessionID = binary.LittleEndian.Uint16(header[4:6])
		}
		return cmd, body, nil
	}
}

func (s *netSession) wrapFrame(payload []byte) []byte {
	if !s.tcp {
		return payload
	}
	frame := make([]byte, 8+len(payload))
	binary.LittleEndian.PutUint16(frame[0:2], machineWord1)
	binary.LittleEndian.PutUint16(frame[2:4], machineWord2)
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[8:], payload)
	return frame
}

// readFrame returns one raw frame including any machine header, matching
// what DecodeEventFrame expects.
func (s *netSession) readFrame() ([]byte, error) {
	if s.tcp {
		header := make([]byte, 8)
		if _, err := readFull(s.conn, header); err != nil {
			return nil, err
		}
		if binary.LittleEndian.Uint16(header[0:2]) != machineWord1 ||
			binary.LittleEndian.Uint16(header[2:4]) != machineWord2 {
			return nil, fmt.Errorf("transport: bad frame prefix")
		}
		size := binary.LittleEndian.Uint32(header[4:8])
		if size > 1<<20 {
			return nil, fmt.Errorf("transport: oversized frame (%d bytes)", size)
		}
		payload := make([]byte, size)
		if _, err := readFull(s.conn, payload); err != nil {
			return nil, err
		}
		return append(header, payload...), nil
	}

	buf := make([]byte, 4096)
	n, err := s.conn.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func splitFrame(frame []byte, tcp bool) (header, body []byte) {
	if tcp {
		if len(frame) < tcpHeaderLen {
			return nil, nil
		}
		return frame[8:tcpHeaderLen], frame[tcpHeaderLen:]
	}
	if len(frame) < udpHeaderLen {
		return nil, nil
	}
	return frame[:udpHeaderLen], frame[udpHeaderLen:]
}

func buildPayload(command, sessionID, replyID uint16, data []byte) []byte {
	payload := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint16(payload[0:2], command)
	binary.LittleEndian.PutUint16(payload[4:6], sessionID)
	binary.LittleEndian.PutUint16(payload[6:8], replyID)
	copy(payload[8:], data)

	binary.LittleEndian.PutUint16(payload[2:4], checksum(payload))
	return payload
}

// checksum is the ones' complement of the 16-bit word sum, computed with the
// checksum field zeroed.
func checksum(payload []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(payload); i += 2 {
		if i == 2 {
			continue // checksum field itself
		}
		sum += uint32(binary.LittleEndian.Uint16(payload[i : i+2]))
	}
	if len(payload)%2 == 1 {
		sum += uint32(payload[len(payload)-1])
	}
	for sum > 0xFFFF {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return uint16(^sum) & 0xFFFF
}

// makeCommKey derives the authentication blob from the device password and
// the session id assigned during the handshake.
func makeCommKey(password, sessionID uint32) []byte {
	var k uint32
	for i := 0; i < 32; i++ {
		if password&(1<<uint(i)) != 0 {
			k = k<<1 | 1
		} else {
			k <<= 1
		}
	}
	k += sessionID

	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, k)
	b[0] ^= 'Z'
	b[1] ^= 'K'
	b[2] ^= 'S'
	b[3] ^= 'O'

	lo := binary.LittleEndian.Uint16(b[0:2])
	hi := binary.LittleEndian.Uint16(b[2:4])
	binary.LittleEndian.PutUint16(b[0:2], hi)
	binary.LittleEndian.PutUint16(b[2:4], lo)

	const ticks = 50
	b[0] ^= ticks
	b[1] ^= ticks
	b[2] = ticks
	b[3] ^= ticks
	return b
}
