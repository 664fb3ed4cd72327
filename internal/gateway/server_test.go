package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworld/agentworld/internal/config"
	"github.com/agentworld/agentworld/internal/providers"
	"github.com/agentworld/agentworld/internal/runtime"
	"github.com/agentworld/agentworld/internal/store"
	"github.com/agentworld/agentworld/internal/store/memstore"
	"github.com/agentworld/agentworld/pkg/protocol"
)

type stubProvider struct {
	mu      sync.Mutex
	replies []string
}

func (p *stubProvider) pop() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.replies) == 0 {
		return ""
	}
	r := p.replies[0]
	p.replies = p.replies[1:]
	return r
}

func (p *stubProvider) Chat(context.Context, providers.ChatRequest) (*providers.ChatResponse, error) {
	return &providers.ChatResponse{Content: p.pop(), FinishReason: "stop"}, nil
}

func (p *stubProvider) ChatStream(_ context.Context, _ providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	content := p.pop()
	if onChunk != nil {
		if content != "" {
			onChunk(providers.StreamChunk{Content: content})
		}
		onChunk(providers.StreamChunk{Done: true})
	}
	return &providers.ChatResponse{Content: content, FinishReason: "stop"}, nil
}

func (p *stubProvider) DefaultModel() string { return "stub-1" }
func (p *stubProvider) Name() string         { return "stub" }

func startGateway(t *testing.T) (string, *stubProvider) {
	t.Helper()

	prov := &stubProvider{}
	reg := providers.NewRegistry()
	reg.Register(prov)

	rt := runtime.New(runtime.Options{Store: memstore.New(), Providers: reg})
	t.Cleanup(rt.Close)

	cfg := &config.Config{
		Storage: config.StorageConfig{Type: config.StorageMemory},
		Gateway: config.GatewayConfig{Host: "127.0.0.1"},
	}
	srv := NewServer(cfg, rt, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	addr, start := StartTestServer(ctx, srv)
	go start()

	require.Eventually(t, func() bool {
		res, err := http.Get("http://" + addr + "/health")
		if err != nil {
			return false
		}
		defer res.Body.Close()
		return res.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	return addr, prov
}

// frame is the union of response and event frames for test decoding.
type frame struct {
	Type    string              `json:"type"`
	ID      string              `json:"id"`
	OK      bool                `json:"ok"`
	Result  json.RawMessage     `json:"result"`
	Error   *protocol.ErrorBody `json:"error"`
	WorldID string              `json:"worldId"`
	ChatID  string              `json:"chatId"`
	Channel string              `json:"channel"`
	Seq     int64               `json:"seq"`
	Payload json.RawMessage     `json:"payload"`
}

type wsClient struct {
	t      *testing.T
	conn   *websocket.Conn
	events []frame
}

func dial(t *testing.T, addr string) *wsClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

// call sends one request and reads frames until its response arrives,
// stashing any events seen along the way.
func (c *wsClient) call(method string, params interface{}) frame {
	c.t.Helper()
	req := map[string]interface{}{
		"type":   protocol.FrameRequest,
		"id":     uuid.NewString(),
		"method": method,
	}
	if params != nil {
		req["params"] = params
	}
	require.NoError(c.t, c.conn.WriteJSON(req))

	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		var f frame
		require.NoError(c.t, c.conn.ReadJSON(&f))
		if f.Type == protocol.FrameEvent {
			c.events = append(c.events, f)
			continue
		}
		if f.ID == req["id"] {
			return f
		}
	}
}

func (c *wsClient) mustCall(method string, params interface{}) json.RawMessage {
	c.t.Helper()
	f := c.call(method, params)
	require.True(c.t, f.OK, "method %s failed: %+v", method, f.Error)
	return f.Result
}

// waitEvent reads until an event on the given channel satisfies match.
func (c *wsClient) waitEvent(channel string, match func(payload json.RawMessage) bool) frame {
	c.t.Helper()
	for _, f := range c.events {
		if f.Channel == channel && match(f.Payload) {
			return f
		}
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		var f frame
		require.NoError(c.t, c.conn.ReadJSON(&f))
		if f.Type != protocol.FrameEvent {
			continue
		}
		c.events = append(c.events, f)
		if f.Channel == channel && match(f.Payload) {
			return f
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	addr, _ := startGateway(t)
	res, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	defer res.Body.Close()

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, protocol.ProtocolVersion, body["protocol"])
}

func TestWorldLifecycleOverWebSocket(t *testing.T) {
	addr, prov := startGateway(t)
	c := dial(t, addr)

	var w struct {
		ID            string `json:"id"`
		CurrentChatID string `json:"currentChatId"`
	}
	require.NoError(t, json.Unmarshal(c.mustCall(protocol.MethodCreateWorld, map[string]string{"name": "Demo World"}), &w))
	assert.Equal(t, "demo-world", w.ID)
	require.NotEmpty(t, w.CurrentChatID)

	var worlds []json.RawMessage
	require.NoError(t, json.Unmarshal(c.mustCall(protocol.MethodListWorlds, nil), &worlds))
	assert.Len(t, worlds, 1)

	c.mustCall(protocol.MethodCreateAgent, map[string]interface{}{
		"worldId":  w.ID,
		"name":     "Alice",
		"provider": "stub",
	})

	sub := struct {
		SubscriptionID string `json:"subscriptionId"`
	}{}
	require.NoError(t, json.Unmarshal(c.mustCall(protocol.MethodSubscribe, map[string]interface{}{
		"worldId": w.ID,
	}), &sub))
	require.NotEmpty(t, sub.SubscriptionID)

	prov.mu.Lock()
	prov.replies = append(prov.replies, "hello from alice")
	prov.mu.Unlock()

	c.mustCall(protocol.MethodSendMessage, map[string]interface{}{
		"worldId": w.ID,
		"chatId":  w.CurrentChatID,
		"content": "@alice say hello",
		"sender":  "human",
	})

	evt := c.waitEvent(protocol.ChannelMessage, func(payload json.RawMessage) bool {
		var p struct {
			Sender  string `json:"sender"`
			Content string `json:"content"`
		}
		if json.Unmarshal(payload, &p) != nil {
			return false
		}
		return p.Sender == "alice" && p.Content == "hello from alice"
	})
	assert.Equal(t, w.ID, evt.WorldID)
	assert.Positive(t, evt.Seq)

	c.mustCall(protocol.MethodUnsubscribe, map[string]string{"subscriptionId": sub.SubscriptionID})
}

func TestSubscribeReplaysPastEvents(t *testing.T) {
	addr, prov := startGateway(t)
	c := dial(t, addr)

	var w struct {
		ID            string `json:"id"`
		CurrentChatID string `json:"currentChatId"`
	}
	require.NoError(t, json.Unmarshal(c.mustCall(protocol.MethodCreateWorld, map[string]string{"name": "Replay"}), &w))
	c.mustCall(protocol.MethodCreateAgent, map[string]interface{}{
		"worldId": w.ID, "name": "Bob", "provider": "stub",
	})

	prov.mu.Lock()
	prov.replies = append(prov.replies, "archived reply")
	prov.mu.Unlock()
	c.mustCall(protocol.MethodSendMessage, map[string]interface{}{
		"worldId": w.ID, "chatId": w.CurrentChatID, "content": "@bob hi", "sender": "human",
	})

	// Give the turn time to complete before attaching.
	time.Sleep(300 * time.Millisecond)

	c2 := dial(t, addr)
	c2.mustCall(protocol.MethodSubscribe, map[string]interface{}{"worldId": w.ID, "sinceSeq": 0})
	c2.waitEvent(protocol.ChannelMessage, func(payload json.RawMessage) bool {
		var p struct {
			Content string `json:"content"`
		}
		return json.Unmarshal(payload, &p) == nil && p.Content == "archived reply"
	})
}

func TestSubscriptionTokenIsSingleUse(t *testing.T) {
	addr, _ := startGateway(t)
	c := dial(t, addr)

	var w struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(c.mustCall(protocol.MethodCreateWorld, map[string]string{"name": "Tokens"}), &w))

	token := uuid.NewString()
	c.mustCall(protocol.MethodSubscribe, map[string]interface{}{
		"worldId": w.ID, "subscriptionId": token,
	})

	f := c.call(protocol.MethodSubscribe, map[string]interface{}{
		"worldId": w.ID, "subscriptionId": token,
	})
	require.False(t, f.OK)
	assert.Equal(t, protocol.ErrKindValidation, f.Error.Kind)

	// The token stays burned even after a clean unsubscribe.
	c.mustCall(protocol.MethodUnsubscribe, map[string]string{"subscriptionId": token})
	f = c.call(protocol.MethodSubscribe, map[string]interface{}{
		"worldId": w.ID, "subscriptionId": token,
	})
	require.False(t, f.OK)
}

func TestUnknownMethodAndMissingWorld(t *testing.T) {
	addr, _ := startGateway(t)
	c := dial(t, addr)

	f := c.call("no-such-method", nil)
	require.False(t, f.OK)
	assert.Equal(t, protocol.ErrKindValidation, f.Error.Kind)

	f = c.call(protocol.MethodGetWorld, map[string]string{"worldId": "ghost"})
	require.False(t, f.OK)
	assert.Equal(t, protocol.ErrKindNotFound, f.Error.Kind)
}

func TestMalformedFrameRejected(t *testing.T) {
	addr, _ := startGateway(t)
	c := dial(t, addr)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, c.conn.ReadJSON(&f))
	require.False(t, f.OK)
	assert.Equal(t, protocol.ErrKindValidation, f.Error.Kind)
}

func TestTokenRegistryConsumeOnce(t *testing.T) {
	reg := newTokenRegistry()
	assert.True(t, reg.consume("a"))
	assert.False(t, reg.consume("a"))
	assert.True(t, reg.consume("b"))
}

func TestErrKindMapping(t *testing.T) {
	assert.Equal(t, protocol.ErrKindBusy, errKind(runtime.ErrBusy))
	assert.Equal(t, protocol.ErrKindNotFound, errKind(store.ErrWorldNotFound))
	assert.Equal(t, protocol.ErrKindNotFound, errKind(fmt.Errorf("load: %w", store.ErrChatNotFound)))
	assert.Equal(t, protocol.ErrKindValidation, errKind(errors.New("boom")))
}
