package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/openclock/attendsync/internal/models"
	"github.com/openclock/attendsync/internal/repositories"
)

// PushService implements the server side of the iclock push protocol:
// devices poll for commands, announce themselves, and upload attendance,
// user and biometric data over plain-text HTTP bodies.
type PushService struct {
	devices    repositories.DeviceRepository
	users      repositories.UserRepository
	attendance repositories.AttendanceRepository
	commands   repositories.CommandRepository
	presence   repositories.PresenceRepository
	stream     *EventStream

	biodataDir string
}

func NewPushService(
	devices repositories.DeviceRepository,
	users repositories.UserRepository,
	attendance repositories.AttendanceRepository,
	commands repositories.CommandRepository,
	presence repositories.PresenceRepository,
	stream *EventStream,
	biodataDir string,
) *PushService {
	return &PushService{
		devices:    devices,
		users:      users,
		attendance: attendance,
		commands:   commands,
		presence:   presence,
		stream:     stream,
		biodataDir: biodataDir,
	}
}

// PushParams carries the identification fields a device sends on its
// handshake request.
type PushParams struct {
	PushVersion string
	Options     string
	Language    string
}

// touch registers the serial if unseen and refreshes its presence. Every
// protocol entry point goes through it.
func (s *PushService) touch(ctx context.Context, serial string, params *PushParams) (*models.Device, error) {
	meta := &models.PushMeta{RegisteredAt: time.Now().UTC()}
	if params != nil {
		meta.PushVersion = params.PushVersion
		meta.Options = params.Options
		meta.Language = params.Language
	}

	device, err := s.devices.EnsurePushDevice(ctx, serial, meta)
	if err != nil {
		return nil, fmt.Errorf("ensure push device: %w", err)
	}

	if err := s.presence.Touch(ctx, serial); err != nil {
		slog.Warn("failed to refresh push presence", "serial", serial, "error", err)
	}
	return device, nil
}

// HandlePoll answers a device's command poll: the queued command formatted
// for the wire, or the idle acknowledgement.
func (s *PushService) HandlePoll(ctx context.Context, serial string) (string, error) {
	if _, err := s.touch(ctx, serial, nil); err != nil {
		return "", err
	}

	cmd, err := s.commands.Take(ctx, serial)
	if err != nil {
		return "", fmt.Errorf("take command: %w", err)
	}
	if cmd == nil {
		return "OK\r\n", nil
	}

	slog.Info("delivering command to device", "serial", serial, "command", cmd.Command)
	return fmt.Sprintf("C:%s\r\n", cmd.Command), nil
}

// HandleHandshake registers the device and returns its exchange parameters.
func (s *PushService) HandleHandshake(ctx context.Context, serial string, params *PushParams) (string, error) {
	if _, err := s.touch(ctx, serial, params); err != nil {
		return "", err
	}

	return fmt.Sprintf("GET OPTION FROM: %s\r\n"+
		"Stamp=9999\r\n"+
		"OpStamp=9999\r\n"+
		"ErrorDelay=30\r\n"+
		"Delay=10\r\n"+
		"TransTimes=00:00;14:05\r\n"+
		"TransInterval=1\r\n"+
		"TransFlag=1111000000\r\n"+
		"Realtime=1\r\n"+
		"Encrypt=0\r\n", serial), nil
}

// HandleTable ingests one uploaded data table and returns the number of
// accepted rows. Malformed rows are skipped, not fatal.
func (s *PushService) HandleTable(ctx context.Context, serial, table string, body []byte) (int, error) {
	device, err := s.touch(ctx, serial, nil)
	if err != nil {
		return 0, err
	}

	switch strings.ToUpper(table) {
	case "ATTLOG":
		return s.ingestAttendance(ctx, device, body)
	case "OPERLOG":
		return s.ingestOperlog(ctx, device, body)
	case "BIODATA":
		return s.ingestBiodata(ctx, device, body)
	default:
		slog.Warn("unknown upload table", "serial", serial, "table", table)
		return 0, nil
	}
}

// ingestAttendance parses tab-separated ATTLOG rows:
// pin \t timestamp \t status \t verify \t ...
// A row needs at least pin and timestamp; missing status defaults to the
// undefined code and missing verify to password.
func (s *PushService) ingestAttendance(ctx context.Context, device *models.Device, body []byte) (int, error) {
	accepted := 0
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			slog.Warn("malformed attendance row", "serial", device.SerialNumber, "row", line)
			continue
		}

		userID := strings.TrimSpace(fields[0])
		ts, err := parsePushTimestamp(strings.TrimSpace(fields[1]))
		if userID == "" || err != nil {
			slog.Warn("malformed attendance row", "serial", device.SerialNumber, "row", line)
			continue
		}

		status := models.StatusUndefined
		if len(fields) > 2 {
			if n, err := strconv.Atoi(strings.TrimSpace(fields[2])); err == nil {
				status = n
			}
		}
		verify := models.MethodPassword
		if len(fields) > 3 {
			if n, err := strconv.Atoi(strings.TrimSpace(fields[3])); err == nil {
				verify = n
			}
		}

		action, err := resolveAction(ctx, s.attendance, userID, device.ID, status, ts)
		if err != nil {
			slog.Error("failed to resolve action", "serial", device.SerialNumber, "user_id", userID, "error", err)
			continue
		}

		event := &models.AttendanceEvent{
			UserID:         userID,
			DeviceID:       device.ID,
			SerialNumber:   device.SerialNumber,
			Timestamp:      ts,
			Method:         verify,
			Action:         action,
			OriginalStatus: status,
		}

		inserted, err := s.attendance.Insert(ctx, event)
		if err != nil {
			slog.Error("failed to store pushed punch", "serial", device.SerialNumber, "user_id", userID, "error", err)
			continue
		}
		// Duplicates still count as accepted: the device uploaded the row
		// successfully, it just was not new.
		accepted++
		if inserted {
			s.stream.Publish(event)
		}
	}
	return accepted, nil
}

// ingestOperlog handles operation-log uploads. USER lines upsert roster
// entries; OPLOG lines (device-side operation records) are acknowledged
// without being stored.
func (s *PushService) ingestOperlog(ctx context.Context, device *models.Device, body []byte) (int, error) {
	accepted := 0
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "USER "):
			if err := s.upsertPushedUser(ctx, device, strings.TrimPrefix(line, "USER ")); err != nil {
				slog.Warn("malformed user row", "serial", device.SerialNumber, "error", err)
				continue
			}
			accepted++
		case strings.HasPrefix(line, "OPLOG "):
			accepted++
		default:
			slog.Warn("unknown operlog row", "serial", device.SerialNumber, "row", line)
		}
	}
	return accepted, nil
}

// upsertPushedUser parses "PIN=1 Name=Alice Pri=0 Grp=1 ..." (tab-separated
// key=value pairs). PIN is mandatory.
func (s *PushService) upsertPushedUser(ctx context.Context, device *models.Device, row string) error {
	kv := parseKeyValues(row)
	pin, ok := kv["PIN"]
	if !ok || pin == "" {
		return fmt.Errorf("user row missing PIN: %q", row)
	}

	user := &models.User{
		UserID:       pin,
		Name:         kv["Name"],
		DeviceID:     &device.ID,
		SerialNumber: device.SerialNumber,
	}
	if n, err := strconv.Atoi(kv["Pri"]); err == nil {
		user.Privilege = n
	}
	if n, err := strconv.Atoi(kv["Grp"]); err == nil {
		user.GroupID = n
	}

	if err := s.users.Upsert(ctx, user); err != nil {
		return fmt.Errorf("upsert user %s: %w", pin, err)
	}
	return nil
}

// ingestBiodata stores uploaded biometric templates (face data) on disk,
// keyed by pin and serial. Rows carry Pin= and Tmp= fields; the template is
// base64.
func (s *PushService) ingestBiodata(ctx context.Context, device *models.Device, body []byte) (int, error) {
	if err := os.MkdirAll(s.biodataDir, 0o755); err != nil {
		return 0, fmt.Errorf("create biodata dir: %w", err)
	}

	accepted := 0
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		kv := parseKeyValues(line)
		pin := kv["Pin"]
		if pin == "" {
			pin = kv["PIN"]
		}
		tmpl := kv["Tmp"]
		if pin == "" || tmpl == "" {
			slog.Warn("malformed biodata row", "serial", device.SerialNumber)
			continue
		}

		raw, err := base64.StdEncoding.DecodeString(tmpl)
		if err != nil {
			slog.Warn("invalid biodata template", "serial", device.SerialNumber, "pin", pin, "error", err)
			continue
		}

		name := fmt.Sprintf("face_pin%s_%s.dat", pin, device.SerialNumber)
		if err := os.WriteFile(filepath.Join(s.biodataDir, name), raw, 0o644); err != nil {
			slog.Error("failed to write biodata file", "serial", device.SerialNumber, "pin", pin, "error", err)
			continue
		}
		accepted++
	}
	return accepted, nil
}

// HandleFileUpload stores a raw uploaded file (fdata endpoint).
func (s *PushService) HandleFileUpload(ctx context.Context, serial, pin string, body []byte) error {
	if _, err := s.touch(ctx, serial, nil); err != nil {
		return err
	}

	if err := os.MkdirAll(s.biodataDir, 0o755); err != nil {
		return fmt.Errorf("create biodata dir: %w", err)
	}

	name := fmt.Sprintf("fdata_%s_%s_%d.dat", pin, serial, time.Now().Unix())
	if err := os.WriteFile(filepath.Join(s.biodataDir, name), body, 0o644); err != nil {
		return fmt.Errorf("write uploaded file: %w", err)
	}
	return nil
}

// QueueCommand places a command in the device's slot for its next poll.
func (s *PushService) QueueCommand(ctx context.Context, serial, command string) error {
	if err := s.commands.Queue(ctx, serial, command); err != nil {
		return fmt.Errorf("queue command: %w", err)
	}
	return nil
}

func (s *PushService) DevicePresence(ctx context.Context, serial string) (*models.Presence, error) {
	return s.presence.Get(ctx, serial)
}

// parseKeyValues splits "K1=v1\tK2=v2" (or &-separated) rows into a map.
func parseKeyValues(row string) map[string]string {
	sep := "\t"
	if !strings.Contains(row, "\t") && strings.Contains(row, "&") {
		sep = "&"
	}

	kv := make(map[string]string)
	for _, part := range strings.Split(row, sep) {
		if i := strings.IndexByte(part, '='); i > 0 {
			kv[strings.TrimSpace(part[:i])] = strings.TrimSpace(part[i+1:])
		}
	}
	return kv
}

func parsePushTimestamp(value string) (time.Time, error) {
	ts, err := time.ParseInLocation("2006-01-02 15:04:05", value, time.Local)
	if err == nil {
		return ts, nil
	}
	return time.ParseInLocation("2006/01/02 15:04:05", value, time.Local)
}
