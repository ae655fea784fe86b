package handler

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-messaging/internal/dto"
	"github.com/noah-isme/gema-messaging/internal/messaging"
)

func (fx handlerFixture) listen(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = fx.app.Listener(ln) }()
	t.Cleanup(func() { _ = fx.app.Shutdown() })
	return ln.Addr().String()
}

func (fx handlerFixture) startThread(t *testing.T, staffID, guardianID uint) messaging.ThreadView {
	t.Helper()
	_, env := fx.do(t, http.MethodPost, "/api/v2/messaging/threads", staffID, "teacher", dto.StartThreadRequest{CounterpartID: guardianID})
	var started dto.StartThreadResponse
	require.NoError(t, json.Unmarshal(env.Data, &started))
	return started.Thread
}

func testHeaders(userID uint, role string) http.Header {
	header := http.Header{}
	header.Set("X-Test-User", fmt.Sprint(userID))
	header.Set("X-Test-Role", role)
	return header
}

func readControl(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame map[string]any
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestRealtimeHandlerWebsocketDeliversThreadEvents(t *testing.T) {
	fx := newHandlerFixture(t)
	thread := fx.startThread(t, 2, 3)
	addr := fx.listen(t)

	url := fmt.Sprintf("ws://%s/api/v2/messaging/ws?thread_ids=%d,999", addr, thread.ID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, testHeaders(3, "parent"))
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	ack := readControl(t, conn)
	require.Equal(t, "subscribed", ack["type"])
	require.Equal(t, []any{float64(thread.ID)}, ack["thread_ids"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	require.Equal(t, "pong", readControl(t, conn)["type"])

	path := fmt.Sprintf("/api/v2/messaging/threads/%d/messages", thread.ID)
	fx.do(t, http.MethodPost, path, 2, "teacher", dto.SendMessageRequest{Body: "See you tomorrow"})

	kinds := map[messaging.Kind]messaging.Event{}
	for len(kinds) < 3 {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		event, err := messaging.DecodeEvent(data)
		require.NoError(t, err)
		kinds[event.Kind] = event
	}
	require.Equal(t, "See you tomorrow", kinds[messaging.KindNewMessage].Message.Body)
	require.True(t, kinds[messaging.KindUpdatedParticipant].Participant.Unread)
	require.Contains(t, kinds, messaging.KindUpdatedThread)
}

func TestRealtimeHandlerWebsocketRequiresUpgradeAndUser(t *testing.T) {
	fx := newHandlerFixture(t)
	addr := fx.listen(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/api/v2/messaging/ws", addr))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/api/v2/messaging/ws", addr), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/api/v2/messaging/ws?thread_ids=x", addr), testHeaders(3, "parent"))
	require.Error(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRealtimeHandlerStreamWritesServerSentEvents(t *testing.T) {
	fx := newHandlerFixture(t)
	thread := fx.startThread(t, 2, 3)
	addr := fx.listen(t)

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://%s/api/v2/messaging/stream?thread_ids=%d", addr, thread.ID), nil)
	require.NoError(t, err)
	req.Header = testHeaders(3, "parent")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var kind, data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				kind = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && kind != "":
				return kind, data
			}
		}
	}

	kind, data := readEvent()
	require.Equal(t, "subscribed", kind)
	require.JSONEq(t, fmt.Sprintf(`{"type":"subscribed","thread_ids":[%d]}`, thread.ID), data)

	path := fmt.Sprintf("/api/v2/messaging/threads/%d/messages", thread.ID)
	fx.do(t, http.MethodPost, path, 2, "teacher", dto.SendMessageRequest{Body: "Bring a coat"})

	for {
		kind, data = readEvent()
		if kind == string(messaging.KindNewMessage) {
			break
		}
	}
	event, err := messaging.DecodeEvent([]byte(data))
	require.NoError(t, err)
	require.Equal(t, "Bring a coat", event.Message.Body)

	require.NoError(t, resp.Body.Close())
	done := make(chan error, 1)
	go func() { done <- fx.app.Shutdown() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown waited on a disconnected stream")
	}
}

func TestRealtimeHandlerStreamRequiresUser(t *testing.T) {
	fx := newHandlerFixture(t)

	resp, env := fx.do(t, http.MethodGet, "/api/v2/messaging/stream", 0, "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.False(t, env.Success)
}
