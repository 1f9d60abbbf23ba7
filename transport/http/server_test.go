package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/loomkit/loom/kernel/session"
	"github.com/loomkit/loom/kernel/signal"
	"github.com/loomkit/loom/kernel/store/inmem"
)

// harness wires a server around a test-controlled launcher.
type harness struct {
	router *gin.Engine
	server *Server
}

func newHarness(t *testing.T, launch Launcher, opts Options) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	opts.Launch = launch
	srv, err := NewServer(opts)
	require.NoError(t, err)
	router := gin.New()
	srv.RegisterRoutes(router)
	return &harness{router: router, server: srv}
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestCreateAndGetSession(t *testing.T) {
	release := make(chan struct{})
	var created *session.Session
	launch := func(ctx context.Context, input map[string]any) (*session.Session, *session.Machine, error) {
		sess := session.New(session.Config{})
		created = sess
		err := sess.Run(ctx, func(ctx context.Context, rc *session.RunContext) error {
			<-release
			return nil
		})
		return sess, nil, err
	}
	h := newHarness(t, launch, Options{})

	w := h.do(t, http.MethodPost, "/sessions", map[string]any{"input": map[string]any{"goal": "demo"}})
	require.Equal(t, http.StatusCreated, w.Code)
	sessionID, _ := decodeBody(t, w)["sessionId"].(string)
	require.NotEmpty(t, sessionID)

	w = h.do(t, http.MethodGet, "/sessions/"+sessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	require.Equal(t, sessionID, body["sessionId"])
	require.Equal(t, true, body["running"])

	close(release)
	require.NoError(t, created.Wait(context.Background()))

	w = h.do(t, http.MethodGet, "/sessions/"+sessionID, nil)
	body = decodeBody(t, w)
	require.Equal(t, false, body["running"])
	require.Equal(t, string(session.StatusComplete), body["status"])
}

func TestGetUnknownSession(t *testing.T) {
	h := newHarness(t, nopLauncher(), Options{})
	w := h.do(t, http.MethodGet, "/sessions/nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "not_found", decodeBody(t, w)["kind"])
}

func TestPauseResumeIdempotence(t *testing.T) {
	release := make(chan struct{})
	var created *session.Session
	launch := func(ctx context.Context, input map[string]any) (*session.Session, *session.Machine, error) {
		sess := session.New(session.Config{})
		created = sess
		err := sess.Run(ctx, func(ctx context.Context, rc *session.RunContext) error {
			<-release
			return nil
		})
		return sess, nil, err
	}
	h := newHarness(t, launch, Options{})
	w := h.do(t, http.MethodPost, "/sessions", map[string]any{})
	sessionID, _ := decodeBody(t, w)["sessionId"].(string)

	w = h.do(t, http.MethodPost, "/sessions/"+sessionID+"/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, decodeBody(t, w)["wasPaused"])

	w = h.do(t, http.MethodPost, "/sessions/"+sessionID+"/pause", nil)
	require.Equal(t, false, decodeBody(t, w)["wasPaused"])

	w = h.do(t, http.MethodPost, "/sessions/"+sessionID+"/resume", map[string]any{"message": "carry on"})
	require.Equal(t, true, decodeBody(t, w)["wasResumed"])
	require.True(t, created.HasMessages())

	w = h.do(t, http.MethodPost, "/sessions/"+sessionID+"/resume", nil)
	require.Equal(t, false, decodeBody(t, w)["wasResumed"])

	close(release)
	require.NoError(t, created.Wait(context.Background()))
}

func TestInputReply(t *testing.T) {
	var created *session.Session
	answered := make(chan string, 1)
	launch := func(ctx context.Context, input map[string]any) (*session.Session, *session.Machine, error) {
		sess := session.New(session.Config{Interactive: true})
		created = sess
		err := sess.Run(ctx, func(ctx context.Context, rc *session.RunContext) error {
			resp, err := rc.WaitForUser(ctx, "proceed?")
			if err != nil {
				return err
			}
			answered <- resp
			return nil
		})
		return sess, nil, err
	}
	h := newHarness(t, launch, Options{})

	w := h.do(t, http.MethodPost, "/sessions", map[string]any{})
	sessionID, _ := decodeBody(t, w)["sessionId"].(string)

	var promptID string
	require.Eventually(t, func() bool {
		ids := created.PendingPrompts()
		if len(ids) == 0 {
			return false
		}
		promptID = ids[0]
		return true
	}, time.Second, 5*time.Millisecond)

	w = h.do(t, http.MethodPost, "/sessions/"+sessionID+"/input", map[string]any{
		"event": map[string]any{
			"name":    "session:reply",
			"payload": map[string]any{"promptId": promptID, "content": "yes"},
		},
	})
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, "yes", <-answered)
	require.NoError(t, created.Wait(context.Background()))

	// Resolved prompts are gone.
	w = h.do(t, http.MethodPost, "/sessions/"+sessionID+"/input", map[string]any{
		"event": map[string]any{
			"name":    "session:reply",
			"payload": map[string]any{"promptId": promptID, "content": "again"},
		},
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestInputValidation(t *testing.T) {
	launch := func(ctx context.Context, input map[string]any) (*session.Session, *session.Machine, error) {
		return session.New(session.Config{}), nil, nil
	}
	h := newHarness(t, launch, Options{})
	w := h.do(t, http.MethodPost, "/sessions", map[string]any{})
	sessionID, _ := decodeBody(t, w)["sessionId"].(string)

	w = h.do(t, http.MethodPost, "/sessions/"+sessionID+"/input", map[string]any{
		"event": map[string]any{"name": "session:reply", "payload": map[string]any{}},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodPost, "/sessions/"+sessionID+"/input", map[string]any{"bogus": true})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStateSnapshotAndReplay(t *testing.T) {
	st := inmem.New()
	release := make(chan struct{})
	var created *session.Session
	launch := func(ctx context.Context, input map[string]any) (*session.Session, *session.Machine, error) {
		machine := session.NewMachine(session.State{"ticks": 0}).
			OnReduce("tick", func(state session.State, sig signal.Enriched) {
				n, _ := state["ticks"].(int)
				state["ticks"] = n + 1
			})
		sess := session.New(session.Config{Store: st, Machine: machine})
		created = sess
		err := sess.Run(ctx, func(ctx context.Context, rc *session.RunContext) error {
			rc.Emit(ctx, "tick", nil)
			rc.Emit(ctx, "tick", nil)
			rc.Emit(ctx, "tick", nil)
			<-release
			return nil
		})
		return sess, machine, err
	}
	h := newHarness(t, launch, Options{Store: st})

	w := h.do(t, http.MethodPost, "/sessions", map[string]any{})
	sessionID, _ := decodeBody(t, w)["sessionId"].(string)

	require.Eventually(t, func() bool {
		w := h.do(t, http.MethodGet, "/sessions/"+sessionID+"/state", nil)
		state, _ := decodeBody(t, w)["state"].(map[string]any)
		return state["ticks"] == float64(3)
	}, time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, created.Wait(context.Background()))

	// Position 2 covers harness:start plus the first tick.
	w = h.do(t, http.MethodGet, "/sessions/"+sessionID+"/state?position=2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	state, _ := body["state"].(map[string]any)
	require.Equal(t, float64(1), state["ticks"])

	w = h.do(t, http.MethodGet, "/sessions/"+sessionID+"/state?position=oops", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStateWithoutMachine(t *testing.T) {
	h := newHarness(t, nopLauncher(), Options{})
	w := h.do(t, http.MethodPost, "/sessions", map[string]any{})
	sessionID, _ := decodeBody(t, w)["sessionId"].(string)

	w = h.do(t, http.MethodGet, "/sessions/"+sessionID+"/state", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventsHistoryReplay(t *testing.T) {
	st := inmem.New()
	var created *session.Session
	launch := func(ctx context.Context, input map[string]any) (*session.Session, *session.Machine, error) {
		sess := session.New(session.Config{Store: st})
		created = sess
		err := sess.Run(ctx, func(ctx context.Context, rc *session.RunContext) error {
			rc.Emit(ctx, "work:step", map[string]any{"n": 1})
			return nil
		})
		return sess, nil, err
	}
	h := newHarness(t, launch, Options{Store: st})

	w := h.do(t, http.MethodPost, "/sessions", map[string]any{})
	sessionID, _ := decodeBody(t, w)["sessionId"].(string)
	require.NoError(t, created.Wait(context.Background()))

	w = h.do(t, http.MethodGet, "/sessions/"+sessionID+"/events?history=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	var names []string
	for _, line := range strings.Split(w.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var sig signal.Enriched
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &sig))
		names = append(names, sig.Name)
	}
	require.Equal(t, []string{
		session.NameHarnessStart, "work:step", session.NameHarnessComplete,
	}, names)
}

func TestFork(t *testing.T) {
	st := inmem.New()
	var created *session.Session
	launch := func(ctx context.Context, input map[string]any) (*session.Session, *session.Machine, error) {
		sess := session.New(session.Config{Store: st})
		created = sess
		err := sess.Run(ctx, func(ctx context.Context, rc *session.RunContext) error {
			rc.Emit(ctx, "work:step", nil)
			return nil
		})
		return sess, nil, err
	}
	h := newHarness(t, launch, Options{Store: st})

	w := h.do(t, http.MethodPost, "/sessions", map[string]any{})
	sessionID, _ := decodeBody(t, w)["sessionId"].(string)
	require.NoError(t, created.Wait(context.Background()))

	w = h.do(t, http.MethodPost, "/sessions/"+sessionID+"/fork", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	forkedID, _ := body["sessionId"].(string)
	require.NotEmpty(t, forkedID)
	require.NotEqual(t, sessionID, forkedID)
	require.Equal(t, sessionID, body["originalSessionId"])
	require.Equal(t, float64(3), body["eventsCopied"])

	w = h.do(t, http.MethodGet, "/sessions/"+forkedID, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestForkWithoutStore(t *testing.T) {
	h := newHarness(t, nopLauncher(), Options{})
	w := h.do(t, http.MethodPost, "/sessions", map[string]any{})
	sessionID, _ := decodeBody(t, w)["sessionId"].(string)

	w = h.do(t, http.MethodPost, "/sessions/"+sessionID+"/fork", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func nopLauncher() Launcher {
	return func(ctx context.Context, input map[string]any) (*session.Session, *session.Machine, error) {
		return session.New(session.Config{}), nil, nil
	}
}
