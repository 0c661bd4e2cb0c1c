package server

import (
	"sync"
	"time"

	"swapkline/internal/broadcast"
	"swapkline/internal/kline"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	controlBuffer  = 16
)

const (
	NotificationSubscribed   = "subscribed"
	NotificationUnsubscribed = "unsubscribed"
	NotificationError        = "error"
)

// clientMessage is a subscription request sent by a WebSocket client.
type clientMessage struct {
	Action   string `json:"action" validate:"required,oneof=subscribe unsubscribe"`
	Token0   string `json:"token_0" validate:"required"`
	Token1   string `json:"token_1" validate:"required"`
	Interval string `json:"interval" validate:"required"`
}

// serverMessage is every frame the server sends. Point is set for bar events.
type serverMessage struct {
	Notification string     `json:"notification"`
	Token0       string     `json:"token_0,omitempty"`
	Token1       string     `json:"token_1,omitempty"`
	Interval     string     `json:"interval,omitempty"`
	Point        *kline.Bar `json:"point,omitempty"`
	Error        string     `json:"error,omitempty"`
}

type seriesKey struct {
	pair     kline.Pair
	interval kline.Interval
}

// session is one WebSocket client. A client may watch both orientations of a
// pair; the hub subscription is shared and dropped with the last orientation.
type session struct {
	id      string
	ws      *websocket.Conn
	conn    *broadcast.Conn
	control chan serverMessage
	done    chan struct{} // closed when the writer exits
	logger  *zap.Logger

	mu   sync.Mutex
	subs map[seriesKey]map[bool]struct{} // canonical series -> requested orientations
}

// ServeWS handles GET /ws.
func (s *Server) ServeWS(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	id := uuid.New().String()
	sess := &session{
		id:      id,
		ws:      ws,
		conn:    s.hub.Connect(id),
		control: make(chan serverMessage, controlBuffer),
		done:    make(chan struct{}),
		logger:  s.logger.With(zap.String("conn_id", id)),
		subs:    make(map[seriesKey]map[bool]struct{}),
	}
	sess.logger.Debug("websocket connected")

	go func() {
		defer close(sess.done)
		sess.writeLoop()
	}()

	s.readLoop(sess)

	s.hub.DropConnection(id)
	<-sess.done
	_ = ws.Close()
	sess.logger.Debug("websocket disconnected")
}

func (s *Server) readLoop(sess *session) {
	sess.ws.SetReadLimit(maxMessageSize)
	_ = sess.ws.SetReadDeadline(time.Now().Add(pongWait))
	sess.ws.SetPongHandler(func(string) error {
		return sess.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := sess.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sess.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		reply := s.handleClientMessage(sess, data)
		select {
		case sess.control <- reply:
		case <-sess.done:
			return
		}
	}
}

func (s *Server) handleClientMessage(sess *session, data []byte) serverMessage {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return serverMessage{Notification: NotificationError, Error: "malformed message"}
	}
	if err := s.validate.Struct(msg); err != nil {
		return serverMessage{Notification: NotificationError, Error: err.Error()}
	}

	ack := serverMessage{Token0: msg.Token0, Token1: msg.Token1, Interval: msg.Interval}
	interval, err := kline.ParseInterval(msg.Interval)
	if _, enabled := s.intervals[interval]; err != nil || !enabled {
		ack.Notification = NotificationError
		ack.Error = "unsupported interval " + msg.Interval
		return ack
	}

	views := s.seriesViews(msg.Token0, msg.Token1, interval)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		for _, v := range views {
			if err := s.hub.Subscribe(sess.id, v.key.pair, interval); err != nil {
				ack.Notification = NotificationError
				ack.Error = err.Error()
				return ack
			}
			if sess.subs[v.key] == nil {
				sess.subs[v.key] = make(map[bool]struct{}, 2)
			}
			sess.subs[v.key][v.reversed] = struct{}{}
		}
		ack.Notification = NotificationSubscribed

	case "unsubscribe":
		// Both orientations are checked since the pool may have been
		// registered after the subscription was made.
		req := kline.Pair{Token0: msg.Token0, Token1: msg.Token1}
		for _, v := range []seriesView{
			{key: seriesKey{pair: req, interval: interval}},
			{key: seriesKey{pair: req.Reverse(), interval: interval}, reversed: true},
		} {
			orientations, ok := sess.subs[v.key]
			if !ok {
				continue
			}
			delete(orientations, v.reversed)
			if len(orientations) == 0 {
				delete(sess.subs, v.key)
				s.hub.Unsubscribe(sess.id, v.key.pair, interval)
			}
		}
		ack.Notification = NotificationUnsubscribed
	}
	return ack
}

// seriesView is a canonical series and whether the client sees it reversed.
type seriesView struct {
	key      seriesKey
	reversed bool
}

// seriesViews maps a client pair onto the series it is published under. A pair
// the registry does not know yet is watched in both orientations, so the client
// is served whichever way the pool is later registered.
func (s *Server) seriesViews(token0, token1 string, interval kline.Interval) []seriesView {
	pair, reversed, known := s.resolver.Resolve(token0, token1)
	views := []seriesView{{key: seriesKey{pair: pair, interval: interval}, reversed: reversed}}
	if !known && pair.Token0 != pair.Token1 {
		views = append(views, seriesView{key: seriesKey{pair: pair.Reverse(), interval: interval}, reversed: !reversed})
	}
	return views
}

// writeLoop is the only writer of the connection.
func (sess *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case m := <-sess.conn.Outbound():
			for _, frame := range sess.framesFor(m) {
				if err := sess.write(frame); err != nil {
					sess.closeRead()
					return
				}
			}
		case msg := <-sess.control:
			if err := sess.write(msg); err != nil {
				sess.closeRead()
				return
			}
		case <-ticker.C:
			_ = sess.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				sess.closeRead()
				return
			}
		case <-sess.conn.Done():
			_ = sess.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			sess.closeRead()
			return
		}
	}
}

// framesFor renders a mutation once per orientation the client asked for.
func (sess *session) framesFor(m kline.Mutation) []serverMessage {
	sess.mu.Lock()
	orientations := sess.subs[seriesKey{pair: m.Pair, interval: m.Interval}]
	var frames []serverMessage
	for reversed := range orientations {
		pair, bar := m.Pair, m.Bar
		if reversed {
			pair, bar = pair.Reverse(), bar.Reversed()
		}
		frames = append(frames, serverMessage{
			Notification: string(m.Kind),
			Token0:       pair.Token0,
			Token1:       pair.Token1,
			Interval:     string(m.Interval),
			Point:        &bar,
		})
	}
	sess.mu.Unlock()
	return frames
}

func (sess *session) write(msg serverMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = sess.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return sess.ws.WriteMessage(websocket.TextMessage, data)
}

// closeRead unblocks the read loop after a write failure.
func (sess *session) closeRead() {
	_ = sess.ws.SetReadDeadline(time.Now())
}
