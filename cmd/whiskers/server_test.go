package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/chriskillpack/whiskers/action"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// echoAction returns its input and state.
type echoAction struct{}

func (echoAction) Name() string { return "echo" }

func (echoAction) Handle(_ context.Context, req action.Request) action.Response {
	out := req.Input.Text
	if form, ok := req.Input.Form(); ok {
		out = "form:" + form["pic"]
	}
	return action.Response{Output: out, State: req.State, Streaming: true}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := NewServer("", []action.Action{echoAction{}}, zap.NewNop())
	ts := httptest.NewServer(srv.serveHandler())
	t.Cleanup(ts.Close)
	return ts
}

func decodeResponse(t *testing.T, resp *http.Response) action.Response {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var ar action.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ar))
	return ar
}

func TestServeActionPost(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/my/whiskers/echo", "application/json",
		strings.NewReader(`{"input":"meow","state":"cats:30"}`))
	require.NoError(t, err)

	ar := decodeResponse(t, resp)
	assert.Equal(t, "meow", ar.Output)
	assert.Equal(t, "cats:30", ar.State)
	assert.True(t, ar.Streaming)
}

func TestServeActionForm(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Post(ts.URL+"/api/my/whiskers/echo", "application/json",
		strings.NewReader(`{"input":{"form":{"pic":"aW1n"}}}`))
	require.NoError(t, err)

	assert.Equal(t, "form:aW1n", decodeResponse(t, resp).Output)
}

func TestServeActionGet(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/my/whiskers/echo")
	require.NoError(t, err)

	assert.Equal(t, "", decodeResponse(t, resp).Output)
}

func TestServeActionErrors(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/my/whiskers/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Post(ts.URL+"/api/my/whiskers/echo", "application/json", strings.NewReader(`{"input":`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
