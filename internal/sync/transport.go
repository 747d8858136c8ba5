package sync

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"catalogd/internal/apperrors"
	"catalogd/internal/logger"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	writeWait  = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// DisconnectNotifier is the dependent-session hook fired once a push
// connection closes, e.g. a playback session manager that needs to know
// a device dropped.
type DisconnectNotifier interface {
	OnDeviceDisconnected(userID, deviceID string)
}

type noopDisconnectNotifier struct{}

func (noopDisconnectNotifier) OnDeviceDisconnected(string, string) {}

// Transport upgrades HTTP connections to the push websocket protocol and
// wires them into the connection registry.
type Transport struct {
	registry      *ConnectionRegistry
	notifier      DisconnectNotifier
	serverVersion string
}

func NewTransport(registry *ConnectionRegistry, notifier DisconnectNotifier, serverVersion string) *Transport {
	if notifier == nil {
		notifier = noopDisconnectNotifier{}
	}
	return &Transport{registry: registry, notifier: notifier, serverVersion: serverVersion}
}

// Serve upgrades the request and runs the connection's lifecycle until
// the peer disconnects or an error occurs. userID/deviceID/deviceType
// must already be authenticated by the caller; a missing deviceID is
// rejected.
func (t *Transport) Serve(w http.ResponseWriter, r *http.Request, userID, deviceID string, deviceType DeviceType) error {
	if deviceID == "" {
		http.Error(w, "device id required", http.StatusBadRequest)
		return apperrors.New("sync.Transport.Serve", apperrors.KindInvalidMessage, "device id required")
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return apperrors.Wrap("sync.Transport.Serve", apperrors.KindConnection, err)
	}
	defer conn.Close()

	outbound := t.registry.Register(userID, deviceID, deviceType)
	defer func() {
		t.registry.Unregister(userID, deviceID)
		t.notifier.OnDeviceDisconnected(userID, deviceID)
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	if err := conn.WriteJSON(Message{Type: "connected", Body: ConnectedMessage{DeviceID: deviceID, ServerVersion: t.serverVersion}}); err != nil {
		return apperrors.Wrap("sync.Transport.Serve", apperrors.KindConnection, err)
	}

	readErrCh := make(chan error, 1)
	go t.readLoop(conn, readErrCh)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-outbound:
			if !ok {
				return nil // drop-and-replace: a newer registration took over this slot
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return apperrors.Wrap("sync.Transport.Serve", apperrors.KindConnection, err)
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return apperrors.Wrap("sync.Transport.Serve", apperrors.KindConnection, err)
			}
		case err := <-readErrCh:
			return err
		}
	}
}

// readLoop drains inbound frames; binary frames are a no-op, everything
// else just keeps the read deadline alive via the pong handler. On a
// terminal read error (peer close or failure) it sends nil on errCh, so
// Serve returns without an error.
func (t *Transport) readLoop(conn *websocket.Conn, errCh chan<- error) {
	for {
		msgType, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Log.Debug().Err(err).Msg("push transport read error")
			}
			errCh <- nil
			return
		}
		if msgType == websocket.BinaryMessage {
			continue
		}
	}
}
