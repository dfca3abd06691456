package handlers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/karthikraju391/support-console/config"
	"github.com/karthikraju391/support-console/console"
	"github.com/karthikraju391/support-console/feed"
	"github.com/karthikraju391/support-console/logger"
	"github.com/karthikraju391/support-console/models"
	"github.com/karthikraju391/support-console/support"
)

// Client is one websocket connection. Outbound frames are queued on Out
// and written by HandleWrite.
type Client struct {
	Conn     *websocket.Conn
	ID       string
	Out      chan any
	DoneChan chan struct{}
}

func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		Conn:     conn,
		ID:       uuid.NewString(),
		Out:      make(chan any, 256),
		DoneChan: make(chan struct{}),
	}
}

// Queue hands a frame to the writer without blocking the caller for long.
func (c *Client) Queue(ctx context.Context, frame any) {
	select {
	case c.Out <- frame:
	case <-time.After(time.Second):
		slog.WarnContext(ctx, "timeout queueing frame for client")
	case <-c.DoneChan:
	}
}

// HandleWrite writes queued frames and pings until the reader is done.
func (c *Client) HandleWrite(ctx context.Context) {
	ticker := time.NewTicker(config.PingPeriod)
	defer func() {
		ticker.Stop()
		slog.DebugContext(ctx, "writer closed")
	}()

	for {
		select {
		case frame := <-c.Out:
			c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := c.Conn.WriteJSON(frame); err != nil {
				slog.WarnContext(ctx, "websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.WarnContext(ctx, "websocket ping error", "error", err)
				return
			}

		case <-c.DoneChan:
			return
		}
	}
}

// HandleRead passes every inbound JSON frame to handle until the connection
// closes, then signals the writer to stop.
func (c *Client) HandleRead(ctx context.Context, handle func(frame *inboundFrame)) {
	defer close(c.DoneChan)

	c.Conn.SetReadLimit(config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(config.PongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(config.PongWait))
		return nil
	})

	for {
		var frame inboundFrame
		if err := c.Conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.WarnContext(ctx, "websocket read error", "error", err)
			} else {
				slog.DebugContext(ctx, "websocket closed", "error", err)
			}
			return
		}
		handle(&frame)
	}
}

type inboundFrame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Text string `json:"text,omitempty"`
}

type errorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// HandleDashboard streams the console state to an operator: the current
// state first, then every published change. Operators may move their
// focus with {"type":"focus","id":...}.
func HandleDashboard(conn *websocket.Conn, con *console.Console) {
	client := NewClient(conn)
	ctx := logger.WithLogFields(context.Background(), logger.LogFields{
		Component: "console.handlers.dashboard",
		ClientID:  logger.Ptr(client.ID),
	})
	slog.InfoContext(ctx, "dashboard connected")

	events, unsubscribe := con.Hub().Subscribe(64)
	defer func() {
		unsubscribe()
		conn.Close()
		slog.InfoContext(ctx, "dashboard disconnected")
	}()

	state, err := con.State(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "reading console state", "error", err)
		return
	}
	client.Out <- console.Event{Type: "state", Data: state}

	go func() {
		for {
			select {
			case e, ok := <-events:
				if !ok {
					return
				}
				client.Queue(ctx, e)
			case <-client.DoneChan:
				return
			}
		}
	}()
	go client.HandleWrite(ctx)

	client.HandleRead(ctx, func(frame *inboundFrame) {
		if frame.Type != "focus" {
			return
		}
		if _, err := con.Focus(ctx, frame.ID); err != nil {
			client.Queue(ctx, errorFrame{Type: "error", Error: err.Error()})
		}
	})
}

// HandleChat serves the counterparty side of a conversation: it streams
// the conversation's messages and sends what the counterparty types. The
// account type is set by requireCounterparty.
func HandleChat(conn *websocket.Conn, store feed.Subscriber, sessions *support.Sessions) {
	client := NewClient(conn)
	conversationID := conn.Params("conversationID")
	kind, _ := conn.Locals(localKind).(models.Kind)
	ctx := logger.WithLogFields(context.Background(), logger.LogFields{
		Component:      "console.handlers.chat",
		ConversationID: logger.Ptr(conversationID),
		ClientID:       logger.Ptr(client.ID),
	})

	if err := support.ValidateID(conversationID); err != nil || !kind.Valid() {
		conn.WriteJSON(fiber.Map{"error": "conversation id and a valid type are required"})
		conn.Close()
		return
	}
	actor := models.CounterpartyActor(conversationID, kind)
	slog.InfoContext(ctx, "counterparty connected")

	unsubscribe, err := store.Subscribe(ctx, support.MessagesQuery(conversationID),
		func(snap feed.Snapshot) {
			for _, change := range snap.Changes {
				if change.Type != feed.Added {
					continue
				}
				var msg models.Message
				if err := feed.Decode(change.Record, &msg); err != nil {
					slog.WarnContext(ctx, "skipping undecodable message", "error", err)
					continue
				}
				msg.ConversationID = conversationID
				client.Queue(ctx, msg)
			}
		},
		func(err error) {
			slog.ErrorContext(ctx, "message feed failed", "error", err)
		},
	)
	if err != nil {
		slog.ErrorContext(ctx, "failed to subscribe client", "error", err)
		conn.Close()
		return
	}

	defer func() {
		unsubscribe()
		conn.Close()
		slog.InfoContext(ctx, "counterparty disconnected")
	}()

	if err := sessions.MarkViewed(ctx, conversationID, actor); err != nil {
		slog.WarnContext(ctx, "clearing counterparty unread flag", "error", err)
	}

	go client.HandleWrite(ctx)

	client.HandleRead(ctx, func(frame *inboundFrame) {
		sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		switch frame.Type {
		case "", "message":
			_, err := sessions.Send(sendCtx, conversationID, actor, frame.Text)
			if errors.Is(err, support.ErrEmptyMessage) {
				return
			}
			if err != nil {
				slog.ErrorContext(ctx, "failed to send message", "error", err)
				client.Queue(ctx, errorFrame{Type: "error", Error: "message not sent"})
			}
		case "viewed":
			if err := sessions.MarkViewed(sendCtx, conversationID, actor); err != nil {
				slog.WarnContext(ctx, "clearing counterparty unread flag", "error", err)
			}
		}
	})
}
