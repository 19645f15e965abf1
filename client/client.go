package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"

	"boardsync/domain"
	"boardsync/wire"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerConnectionID   = "X-Connection-Id"
	responseMaxSize      = 4 << 20
)

// APIError is a non-2xx answer from the REST API.
type APIError struct {
	Status    int
	Message   string
	Retryable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// Unwrap maps the status back onto the domain error taxonomy.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusBadRequest:
		return domain.ErrValidation
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrUnauthorized
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusConflict:
		return domain.ErrConflict
	default:
		return domain.ErrTransport
	}
}

// Client talks to one ordering service instance.
type Client struct {
	BaseURL string
	Bearer  string
	// Origin is sent on the WebSocket handshake. Defaults to BaseURL.
	Origin string
	HTTP   *http.Client
	Logger *log.Logger

	mu     sync.RWMutex
	connID domain.ConnectionID
}

func New(baseURL, bearer string, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Bearer:  bearer,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Logger:  logger,
	}
}

// ConnectionID is the ID announced by the last dialed stream. REST writes
// carry it so the stream does not echo the caller's own events.
func (c *Client) ConnectionID() domain.ConnectionID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connID
}

type eventResponse struct {
	Event     domain.DomainEvent `json:"event"`
	Duplicate bool               `json:"duplicate"`
}

type itemsResponse struct {
	ContainerID domain.ContainerID   `json:"containerId"`
	Items       []domain.OrderedItem `json:"items"`
}

// MoveItem submits intent. A request the server already applied under the
// same idempotency key returns a zero event.
func (c *Client) MoveItem(ctx context.Context, intent domain.MoveIntent) (domain.DomainEvent, error) {
	body := map[string]any{
		"targetContainerId": intent.TargetContainerID,
		"targetIndex":       intent.TargetIndex,
	}
	if intent.SourceContainerID != "" {
		body["sourceContainerId"] = intent.SourceContainerID
	}
	return c.write(ctx, http.MethodPost, "/api/items/"+url.PathEscape(string(intent.ItemID))+"/move", body)
}

func (c *Client) ReorderContainer(ctx context.Context, id domain.ContainerID, order []domain.ItemID) (domain.DomainEvent, error) {
	return c.write(ctx, http.MethodPut, "/api/containers/"+url.PathEscape(string(id))+"/order", map[string]any{"order": order})
}

func (c *Client) CreateItem(ctx context.Context, containerID domain.ContainerID, itemID domain.ItemID) (domain.DomainEvent, error) {
	body := map[string]any{}
	if itemID != "" {
		body["id"] = itemID
	}
	return c.write(ctx, http.MethodPost, "/api/containers/"+url.PathEscape(string(containerID))+"/items", body)
}

func (c *Client) DeleteItem(ctx context.Context, itemID domain.ItemID) (domain.DomainEvent, error) {
	return c.write(ctx, http.MethodDelete, "/api/items/"+url.PathEscape(string(itemID)), nil)
}

// Items fetches the authoritative order of a container.
func (c *Client) Items(ctx context.Context, id domain.ContainerID) ([]domain.OrderedItem, error) {
	var out itemsResponse
	if err := c.do(ctx, http.MethodGet, "/api/containers/"+url.PathEscape(string(id))+"/items", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Move applies intent to board optimistically, submits it and reconciles
// the answer.
func (c *Client) Move(ctx context.Context, board *Board, intent domain.MoveIntent) (State, error) {
	ticket, err := board.BeginMove(intent)
	if err != nil {
		return 0, err
	}
	ev, err := c.MoveItem(ctx, ticket.Intent)
	state := board.Resolve(ticket, ev, err)
	if err != nil {
		c.Logger.WithError(err).WithFields(log.Fields{
			"item_id": intent.ItemID,
			"seq":     ticket.Seq,
		}).Warn("move rejected, local order dropped")
	}
	return state, err
}

func (c *Client) write(ctx context.Context, method, path string, body any) (domain.DomainEvent, error) {
	header := http.Header{}
	header.Set(headerIdempotencyKey, uuid.NewString())
	if id := c.ConnectionID(); id != "" {
		header.Set(headerConnectionID, string(id))
	}
	var out eventResponse
	if err := c.do(ctx, method, path, header, body, &out); err != nil {
		return domain.DomainEvent{}, err
	}
	if out.Duplicate {
		return domain.DomainEvent{}, nil
	}
	return out.Event, nil
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := sonic.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, responseMaxSize))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var payload struct {
			Error     string `json:"error"`
			Retryable bool   `json:"retryable"`
		}
		if sonic.Unmarshal(data, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.Retryable = payload.Retryable
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrTransport, err)
	}
	return nil
}

// Stream is a live connection to the event channel.
type Stream struct {
	conn   *websocket.Conn
	id     domain.ConnectionID
	logger *log.Logger

	writeMu sync.Mutex
	seq     uint64
}

// Dial opens the event stream and waits for the server greeting.
func (c *Client) Dial(ctx context.Context) (*Stream, error) {
	wsURL, err := streamURL(c.BaseURL)
	if err != nil {
		return nil, err
	}
	origin := c.Origin
	if origin == "" {
		origin = c.BaseURL
	}
	cfg, err := websocket.NewConfig(wsURL, origin)
	if err != nil {
		return nil, err
	}
	if c.Bearer != "" {
		cfg.Header.Set("Authorization", "Bearer "+c.Bearer)
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: dial stream: %v", domain.ErrTransport, err)
	}
	s := &Stream{conn: conn, logger: c.Logger}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	hello, err := s.Receive()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if hello.Type != wire.TypeHello || hello.ConnectionID == "" {
		conn.Close()
		return nil, fmt.Errorf("%w: unexpected greeting %q", domain.ErrTransport, hello.Type)
	}
	s.id = hello.ConnectionID

	c.mu.Lock()
	c.connID = hello.ConnectionID
	c.mu.Unlock()
	return s, nil
}

func (s *Stream) ConnectionID() domain.ConnectionID { return s.id }

// Join subscribes to room. The answer arrives as a joined or error frame.
func (s *Stream) Join(room domain.RoomID) (string, error) {
	return s.send(wire.TypeJoin, room)
}

func (s *Stream) Leave(room domain.RoomID) (string, error) {
	return s.send(wire.TypeLeave, room)
}

func (s *Stream) Ping() (string, error) {
	return s.send(wire.TypePing, "")
}

func (s *Stream) send(typ string, room domain.RoomID) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.seq++
	reqID := fmt.Sprintf("%s-%d", typ, s.seq)
	data, err := sonic.Marshal(wire.ClientFrame{Type: typ, RequestID: reqID, Room: string(room)})
	if err != nil {
		return "", err
	}
	if err := websocket.Message.Send(s.conn, string(data)); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	return reqID, nil
}

// Receive blocks for the next server frame.
func (s *Stream) Receive() (wire.ServerFrame, error) {
	var data []byte
	if err := websocket.Message.Receive(s.conn, &data); err != nil {
		return wire.ServerFrame{}, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	frame, err := wire.DecodeServer(data)
	if err != nil {
		return wire.ServerFrame{}, fmt.Errorf("%w: decode frame: %v", domain.ErrTransport, err)
	}
	return frame, nil
}

// Feed applies every event frame to board until ctx ends or the
// connection drops. Other frames go to onFrame when it is set.
func (s *Stream) Feed(ctx context.Context, board *Board, onFrame func(wire.ServerFrame)) error {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	for {
		frame, err := s.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch frame.Type {
		case wire.TypeEvent:
			if frame.Event != nil {
				board.ApplyRemote(*frame.Event)
			}
		case wire.TypeError:
			if frame.Error != nil {
				s.logger.WithFields(log.Fields{
					"code":       frame.Error.Code,
					"request_id": frame.RequestID,
				}).Warn(frame.Error.Message)
			}
		}
		if onFrame != nil {
			onFrame(frame)
		}
	}
}

func (s *Stream) Close() error {
	return s.conn.Close()
}

func streamURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("client: unsupported base URL scheme " + u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}
