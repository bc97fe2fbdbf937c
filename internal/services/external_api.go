package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const upstreamTimeFormat = "2006-01-02 15:04:05"

// CheckinRecord is one user-day entry in an upstream submission.
type CheckinRecord struct {
	ID            int64   `json:"id"`
	EmployeeID    int64   `json:"employeeId"`
	FirstCheckin  *string `json:"firstCheckinTime"`
	LastCheckout  *string `json:"lastCheckoutTime"`
	FirstRecordID int64   `json:"firstRecordId,omitempty"`
	LastRecordID  int64   `json:"lastRecordId,omitempty"`
}

type upstreamPayload struct {
	Timestamp       string          `json:"timestamp"`
	Date            string          `json:"date"`
	DeviceSerial    string          `json:"device_serial"`
	CheckinDataList []CheckinRecord `json:"checkin_data_list"`
}

// UpstreamRecordError is one failed operation in an upstream response.
type UpstreamRecordError struct {
	UserID       string `json:"userId"`
	Operation    string `json:"operation"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	RecordID     int64  `json:"recordId"`
}

// UpstreamResult is the acknowledgement body for a batch submission.
type UpstreamResult struct {
	SuccessOperations []struct {
		OperationID int64 `json:"operationId"`
	} `json:"successOperations"`
	Errors []UpstreamRecordError `json:"errors"`
}

type upstreamEnvelope struct {
	Status string         `json:"status"`
	Data   UpstreamResult `json:"data"`
}

// UpstreamSubmitter posts check-in batches to the upstream system. The sync
// engine depends on this interface so tests can fake the upstream.
type UpstreamSubmitter interface {
	SubmitCheckins(ctx context.Context, date, serial string, batch []CheckinRecord) (*UpstreamResult, error)
}

// UpstreamClient talks to the upstream attendance API over HTTP.
type UpstreamClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewUpstreamClient(baseURL, apiKey string) *UpstreamClient {
	return &UpstreamClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *UpstreamClient) SubmitCheckins(ctx context.Context, date, serial string, batch []CheckinRecord) (*UpstreamResult, error) {
	payload := upstreamPayload{
		Timestamp:       time.Now().Format(upstreamTimeFormat),
		Date:            date,
		DeviceSerial:    serial,
		CheckinDataList: batch,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/time-clock-employees/sync-checkin-data", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("x-device-sync", serial)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, respBody)
	}

	var envelope upstreamEnvelope
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("decode upstream response: %w", err)
	}
	return &envelope.Data, nil
}

func formatUpstreamTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(upstreamTimeFormat)
	return &s
}

var _ UpstreamSubmitter = (*UpstreamClient)(nil)
