package datasource

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"airwatch-service/models"
	"airwatch-service/telemetry"
)

const (
	// maxBodyBytes bounds the rows kept from one CSV download. Longer sheets
	// keep their header and the newest rows.
	maxBodyBytes = 8 << 20
	// maxTransferBytes bounds what is read off the wire at all
	maxTransferBytes = 256 << 20
)

var (
	// ErrNoSourceURL is returned for a room without a configured source
	ErrNoSourceURL = errors.New("room has no source URL")
	// ErrUnexpectedContentType is returned when the source serves a web page or JSON instead of CSV
	ErrUnexpectedContentType = errors.New("unexpected content type")
	// ErrBodyTooLarge is returned when a source serves more than the transfer limit
	ErrBodyTooLarge = errors.New("response body too large")
)

// RoomSource defines the interface for anything that can produce a room's series
type RoomSource interface {
	// FetchSeries always returns a usable series. A non-nil error reports that
	// the series was degraded to synthetic data and why.
	FetchSeries(ctx context.Context, room models.Room) (models.RoomSeries, error)

	// Name returns the source's name
	Name() string
}

// HTTPRoomSource downloads each room's published CSV over HTTP
type HTTPRoomSource struct {
	normalizer  *telemetry.Normalizer
	httpClient  *http.Client
	logger      *slog.Logger
	now         func() time.Time
	maxBody     int
	maxTransfer int64
}

// NewHTTPRoomSource creates a new HTTP source that normalizes through n
func NewHTTPRoomSource(n *telemetry.Normalizer, timeout time.Duration) *HTTPRoomSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRoomSource{
		normalizer: n,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger:      slog.Default(),
		now:         time.Now,
		maxBody:     maxBodyBytes,
		maxTransfer: maxTransferBytes,
	}
}

// SetLogger sets the logger used to report trimmed downloads
func (s *HTTPRoomSource) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// Name returns the source name
func (s *HTTPRoomSource) Name() string {
	return "HTTP CSV"
}

// FetchCSV downloads the raw CSV body of a room, bypassing every cache on the way
func (s *HTTPRoomSource) FetchCSV(ctx context.Context, room models.Room) (string, error) {
	if room.SourceURL == "" {
		return "", ErrNoSourceURL
	}

	u, err := url.Parse(room.SourceURL)
	if err != nil {
		return "", fmt.Errorf("invalid source URL: %w", err)
	}
	params := u.Query()
	params.Set("t", strconv.FormatInt(s.now().UnixMilli(), 10))
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Accept", "text/csv, text/plain;q=0.9, */*;q=0.1")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("source error (status %d)", resp.StatusCode)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mediaType, _, err := mime.ParseMediaType(ct)
		if err == nil && (mediaType == "text/html" || mediaType == "application/json") {
			return "", fmt.Errorf("%w: %s", ErrUnexpectedContentType, mediaType)
		}
	}

	body, dropped, err := readWindow(resp.Body, s.maxBody, s.maxTransfer)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if dropped > 0 {
		s.logger.Info("source_body_trimmed", "room", room.ID, "dropped_bytes", dropped, "kept_bytes", len(body))
	}

	return body, nil
}

// readWindow reads a CSV body, keeping the header line and at most limit
// bytes of the newest rows. Kept rows always start on a line boundary. It
// returns the number of bytes dropped from the middle of the body.
func readWindow(r io.Reader, limit int, maxTransfer int64) (string, int64, error) {
	lr := &io.LimitedReader{R: r, N: maxTransfer + 1}
	br := bufio.NewReader(lr)

	header, err := br.ReadString('\n')
	if err == io.EOF {
		return header, 0, tooLarge(lr)
	}
	if err != nil {
		return "", 0, err
	}

	var (
		tail    []byte
		dropped int64
		chunk   = make([]byte, 32<<10)
	)
	for {
		n, rerr := br.Read(chunk)
		tail = append(tail, chunk[:n]...)
		if len(tail) > 2*limit {
			cut := len(tail) - limit
			dropped += int64(cut)
			tail = append(tail[:0], tail[cut:]...)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", 0, rerr
		}
	}
	if err := tooLarge(lr); err != nil {
		return "", 0, err
	}

	if len(tail) > limit {
		cut := len(tail) - limit
		dropped += int64(cut)
		tail = tail[cut:]
	}
	if dropped > 0 {
		// the window may start mid-row
		i := bytes.IndexByte(tail, '\n')
		if i < 0 {
			i = len(tail) - 1
		}
		dropped += int64(i + 1)
		tail = tail[i+1:]
	}
	return header + string(tail), dropped, nil
}

func tooLarge(lr *io.LimitedReader) error {
	if lr.N <= 0 {
		return ErrBodyTooLarge
	}
	return nil
}

// FetchSeries fetches and normalizes a room. Transport and parse failures
// degrade to a synthetic series tagged with the reason.
func (s *HTTPRoomSource) FetchSeries(ctx context.Context, room models.Room) (models.RoomSeries, error) {
	body, err := s.FetchCSV(ctx, room)
	if err != nil {
		return s.normalizer.Mock(room.ID, err.Error()), fmt.Errorf("fetch %s: %w", room.ID, err)
	}

	series, err := s.normalizer.NormalizeOrMock(room.ID, body)
	if err != nil {
		return series, fmt.Errorf("parse %s: %w", room.ID, err)
	}
	return series, nil
}

var _ RoomSource = (*HTTPRoomSource)(nil)
