package runtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a1hang/slack-issue-agent/internal/logging"
	"github.com/a1hang/slack-issue-agent/internal/models"
	"github.com/a1hang/slack-issue-agent/internal/natstest"
)

// serveRuntime answers invocations on subject the way the agent runtime does.
func serveRuntime(t *testing.T, url, subject string, handle func(ForwardRequest, nats.Header) natsReply) {
	t.Helper()
	conn, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	_, err = conn.Subscribe(subject, func(m *nats.Msg) {
		var req ForwardRequest
		if err := json.Unmarshal(m.Data, &req); err != nil {
			_ = m.Respond([]byte(`{"error":"bad request"}`))
			return
		}
		data, _ := json.Marshal(handle(req, m.Header))
		_ = m.Respond(data)
	})
	require.NoError(t, err)
	require.NoError(t, conn.Flush())
}

func TestDialNATS_InvokeRoundTrip(t *testing.T) {
	url := natstest.Start(t)

	var gotHeader string
	serveRuntime(t, url, "agent.invoke.it", func(req ForwardRequest, h nats.Header) natsReply {
		gotHeader = h.Get(HeaderSessionID)
		return natsReply{
			Result:    json.RawMessage(`{"content":[{"text":"echo: ` + req.Prompt + `"}]}`),
			SessionID: req.SessionID,
		}
	})

	b, err := DialNATS(url, "agent.invoke.it", logging.Discard())
	require.NoError(t, err)
	defer b.Close()

	f := NewForwarder(b, 5*time.Second, logging.Discard())
	req := ForwardRequest{Prompt: "hello", SessionID: NewSessionID(), EventID: "Ev1"}

	res, err := f.Forward(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", res.Text())
	assert.Equal(t, req.SessionID, res.SessionID)
	assert.Equal(t, req.SessionID, gotHeader)
}

func TestDialNATS_RuntimeErrors(t *testing.T) {
	url := natstest.Start(t)

	serveRuntime(t, url, "agent.failing", func(req ForwardRequest, h nats.Header) natsReply {
		return natsReply{Error: "model overloaded"}
	})

	failing, err := DialNATS(url, "agent.failing", logging.Discard())
	require.NoError(t, err)
	defer failing.Close()

	_, err = failing.Invoke(context.Background(), ForwardRequest{Prompt: "x", SessionID: NewSessionID()})
	assert.Equal(t, models.KindBackendError, models.KindOf(err))

	nobody, err := DialNATS(url, "agent.nobody", logging.Discard())
	require.NoError(t, err)
	defer nobody.Close()

	_, err = nobody.Invoke(context.Background(), ForwardRequest{Prompt: "x", SessionID: NewSessionID()})
	assert.Equal(t, models.KindBackendError, models.KindOf(err))
	assert.ErrorIs(t, err, nats.ErrNoResponders)
}

func TestDialNATS_SlowRuntimeTimesOut(t *testing.T) {
	url := natstest.Start(t)

	serveRuntime(t, url, "agent.slow", func(req ForwardRequest, h nats.Header) natsReply {
		time.Sleep(2 * time.Second)
		return natsReply{Result: json.RawMessage(`"late"`)}
	})

	b, err := DialNATS(url, "agent.slow", logging.Discard())
	require.NoError(t, err)
	defer b.Close()

	f := NewForwarder(b, 200*time.Millisecond, logging.Discard())
	start := time.Now()
	_, err = f.Forward(context.Background(), ForwardRequest{Prompt: "x"})
	assert.ErrorIs(t, err, models.ErrBackendTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestNewBackend_NATSRefAgainstServer(t *testing.T) {
	url := natstest.Start(t)

	serveRuntime(t, url, "agent.fromref", func(req ForwardRequest, h nats.Header) natsReply {
		return natsReply{Result: json.RawMessage(`"ok"`)}
	})

	b, closeFn, err := NewBackend(BackendConfig{Ref: url + "/agent.fromref", Logger: logging.Discard()})
	require.NoError(t, err)
	defer closeFn()

	res, err := b.Invoke(context.Background(), ForwardRequest{Prompt: "x", SessionID: NewSessionID()})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text())
}
