package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/guseggert/hostagent/agent/hosterr"
	"github.com/guseggert/hostagent/agent/hub"
	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
)

// websocket subscribes the connection to the hub and echoes every text frame it sends to all subscribers.
func (a *Agent) websocket(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if a.hub.Full() {
		a.writeUnavailable(w, "ws", hub.ErrFull)
		return
	}
	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Debugf("ws accept error: %s", err)
		return
	}
	conn := hub.NewWebsocketConn(wsConn)
	_, err = a.hub.Subscribe(conn)
	if err != nil {
		wsConn.Close(websocket.StatusTryAgainLater, err.Error())
		return
	}
	defer a.hub.Unsubscribe(conn)

	ctx := r.Context()
	for {
		typ, data, err := wsConn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				a.logger.Debugf("ws read error on %s: %s", conn.ID(), err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		a.hub.Broadcast(ctx, "echo", string(data))
	}
}

type BroadcastResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
}

// broadcast relays an arbitrary JSON body to every subscriber.
func (a *Agent) broadcast(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	var data any
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	err := dec.Decode(&data)
	if err != nil && !errors.Is(err, io.EOF) {
		a.writeError(w, "broadcast", hosterr.Wrap(hosterr.InvalidArgument, "broadcast", fmt.Errorf("decoding request body: %w", err)))
		return
	}
	delivered := a.hub.Broadcast(r.Context(), "broadcast", data)
	a.logger.Debugw("broadcast", "Delivered", delivered)
	a.writeJSON(w, http.StatusOK, BroadcastResponse{Status: "broadcasted", Connections: a.hub.Count()})
}
