// Package stream serves the real-time WebSocket endpoint: clients join
// rooms and receive the events the bus fans out to them.
package stream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/websocket"

	"boardsync/bus"
	"boardsync/domain"
	"boardsync/presence"
	"boardsync/wire"
)

const (
	maxFramePayloadBytes = 16 * 1024
	maxFramesPerSecond   = 40
	maxDecodeErrors      = 5
	membershipTimeout    = 5 * time.Second
)

// Authenticator resolves the user behind a bearer Authorization header.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Membership answers room authorization questions.
type Membership interface {
	IsBoardMember(ctx context.Context, user domain.UserID, board domain.BoardID) (bool, error)
	IsWorkspaceMember(ctx context.Context, user domain.UserID, workspace domain.WorkspaceID) (bool, error)
}

type Config struct {
	Registry *presence.Registry
	Auth     Authenticator
	Members  Membership
	// Origins lists accepted Origin headers. Empty accepts any origin.
	Origins   []string
	QueueSize int
	Overflow  bus.Overflow
	Logger    *log.Logger
}

// Server is an http.Handler for the WebSocket endpoint.
type Server struct {
	registry  *presence.Registry
	auth      Authenticator
	members   Membership
	origins   []string
	queueSize int
	overflow  bus.Overflow
	log       *log.Logger
	ws        websocket.Server
}

type userIDContextKey struct{}

func New(cfg Config) *Server {
	if cfg.Registry == nil || cfg.Auth == nil || cfg.Members == nil {
		panic("stream: registry, auth and members are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	s := &Server{
		registry:  cfg.Registry,
		auth:      cfg.Auth,
		members:   cfg.Members,
		origins:   cfg.Origins,
		queueSize: cfg.QueueSize,
		overflow:  cfg.Overflow,
		log:       cfg.Logger,
	}
	s.ws = websocket.Server{Handshake: s.checkOrigin, Handler: s.handleConn}
	return s
}

// ServeHTTP authenticates the request before upgrading it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		if token := r.URL.Query().Get("access_token"); token != "" {
			header = "Bearer " + token
		}
	}
	userID, err := s.auth.UserIDFromAuthHeader(header)
	if err != nil || strings.TrimSpace(userID) == "" {
		s.log.WithFields(log.Fields{
			"remote": r.RemoteAddr,
			"path":   r.URL.Path,
		}).WithError(err).Info("websocket unauthorized")
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}
	ctx := context.WithValue(r.Context(), userIDContextKey{}, domain.UserID(strings.TrimSpace(userID)))
	s.ws.ServeHTTP(w, r.WithContext(ctx))
}

func (s *Server) checkOrigin(_ *websocket.Config, r *http.Request) error {
	if len(s.origins) == 0 {
		return nil
	}
	if slices.Contains(s.origins, r.Header.Get("Origin")) {
		return nil
	}
	return errors.New("origin not allowed")
}

// wsConn serializes writes to one WebSocket connection.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return websocket.Message.Send(c.conn, string(data))
}

type session struct {
	id   domain.ConnectionID
	user domain.UserID
	peer *bus.QueuedPeer
	w    *wsConn
}

func (s *session) reply(f wire.ServerFrame) {
	data, err := wire.Encode(f)
	if err != nil {
		return
	}
	_ = s.peer.Send(data)
}

func (s *session) fail(requestID, code, message string, retryable bool) {
	_ = s.peer.Send(wire.EncodeError(requestID, code, message, retryable))
}

// fatal writes an error frame directly so it reaches the client before
// the connection closes.
func (s *session) fatal(requestID, code, message string) {
	_ = s.w.WriteFrame(wire.EncodeError(requestID, code, message, false))
}

func (s *Server) handleConn(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()
	conn.MaxPayloadBytes = maxFramePayloadBytes

	req := conn.Request()
	user, _ := req.Context().Value(userIDContextKey{}).(domain.UserID)
	w := &wsConn{conn: conn}
	id := domain.ConnectionID(uuid.NewString())
	sess := &session{
		id:   id,
		user: user,
		peer: bus.NewQueuedPeer(id, w, s.queueSize, s.overflow),
		w:    w,
	}
	entry := s.log.WithFields(log.Fields{"connection_id": id, "user_id": user})

	if err := s.registry.Register(id, user, sess.peer); err != nil {
		entry.WithError(err).Error("register connection")
		return
	}
	entry.Debug("connection opened")
	sess.reply(wire.ServerFrame{Type: wire.TypeHello, ConnectionID: id})

	ctx, cancel := context.WithCancel(req.Context())
	defer func() {
		cancel()
		rooms := s.registry.Disconnect(id)
		_ = sess.peer.Close()
		entry.WithField("rooms", len(rooms)).Debug("connection closed")
	}()

	go func() {
		if err := sess.peer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			entry.WithError(err).Warn("connection writer stopped")
		}
		_ = conn.Close()
	}()

	s.readLoop(ctx, conn, sess, entry)
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *session, entry *log.Entry) {
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			if errors.Is(err, websocket.ErrFrameTooLarge) {
				sess.fatal("", wire.CodeInvalidArgument, "frame too large")
				return
			}
			if !errors.Is(err, io.EOF) {
				entry.WithError(err).Debug("connection read failed")
			}
			return
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			sess.fatal("", wire.CodeResourceExhausted, "rate limit exceeded")
			return
		}

		frame, err := wire.DecodeClient(data)
		if err != nil {
			decodeErrors++
			if decodeErrors > maxDecodeErrors {
				sess.fatal("", wire.CodeInvalidArgument, "too many invalid frames")
				return
			}
			sess.fail("", wire.CodeInvalidArgument, "invalid frame payload", false)
			continue
		}
		decodeErrors = 0

		switch frame.Type {
		case wire.TypeJoin:
			s.join(ctx, sess, frame, entry)
		case wire.TypeLeave:
			s.leave(sess, frame)
		case wire.TypePing:
			sess.reply(wire.ServerFrame{Type: wire.TypePong, RequestID: frame.RequestID})
		default:
			sess.fail(frame.RequestID, wire.CodeInvalidArgument, "unsupported frame type", false)
		}
	}
}

func (s *Server) join(ctx context.Context, sess *session, frame wire.ClientFrame, entry *log.Entry) {
	room, err := domain.ParseRoomID(frame.Room)
	if err != nil {
		sess.fail(frame.RequestID, wire.CodeInvalidArgument, err.Error(), false)
		return
	}
	ok, err := s.allowed(ctx, sess.user, room)
	if err != nil {
		entry.WithError(err).WithField("room", room).Error("room authorization failed")
		sess.fail(frame.RequestID, wire.CodeInternal, "membership check unavailable", true)
		return
	}
	if !ok {
		sess.fail(frame.RequestID, wire.CodeUnauthorized, "not a member of "+room.String(), false)
		return
	}
	if _, err := s.registry.Join(sess.id, room); err != nil {
		sess.fail(frame.RequestID, wire.CodeNotFound, "connection is not registered", false)
		return
	}
	entry.WithField("room", room).Debug("joined room")
	sess.reply(wire.ServerFrame{Type: wire.TypeJoined, RequestID: frame.RequestID, Room: room})
}

func (s *Server) leave(sess *session, frame wire.ClientFrame) {
	room, err := domain.ParseRoomID(frame.Room)
	if err != nil {
		sess.fail(frame.RequestID, wire.CodeInvalidArgument, err.Error(), false)
		return
	}
	s.registry.Leave(sess.id, room)
	sess.reply(wire.ServerFrame{Type: wire.TypeLeft, RequestID: frame.RequestID, Room: room})
}

func (s *Server) allowed(ctx context.Context, user domain.UserID, room domain.RoomID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, membershipTimeout)
	defer cancel()
	switch room.Kind() {
	case domain.RoomBoard:
		return s.members.IsBoardMember(ctx, user, domain.BoardID(room.Target()))
	case domain.RoomWorkspace:
		return s.members.IsWorkspaceMember(ctx, user, domain.WorkspaceID(room.Target()))
	case domain.RoomUser:
		return domain.UserID(room.Target()) == user, nil
	default:
		return false, nil
	}
}
