package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronos-project/chronos/internal/chronosd/callback"
	"github.com/chronos-project/chronos/internal/chronosd/cluster"
	"github.com/chronos-project/chronos/internal/chronosd/handler"
	"github.com/chronos-project/chronos/internal/chronosd/stats"
	"github.com/chronos-project/chronos/internal/chronosd/store"
	"github.com/chronos-project/chronos/internal/chronosd/timer"
)

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(t *timer.Timer, results chan<- callback.Result) {
	results <- callback.Result{ID: t.ID, Success: true}
}

func newTestServer() (*httptest.Server, *handler.Handler) {
	mgr := cluster.NewManager(cluster.View{
		ViewID:            "view-1",
		NewCluster:        []string{"self:1", "peer:1"},
		LocalAddr:         "self:1",
		ReplicationFactor: 2,
	})
	h := handler.New(store.New(0), mgr, noopDispatcher{}, handler.Config{NetworkDelayMs: 200}, handler.WithStats(stats.NewMemorySink()))
	ids := timer.NewIDGenerator(1, 0)
	api := New(h, ids, "self:1", 10, nil)

	router := mux.NewRouter()
	api.RegisterRoutes(router)
	return httptest.NewServer(router), h
}

func timerBody(uri, opaque string, intervalSec int) []byte {
	doc := map[string]interface{}{
		"timing":   map[string]interface{}{"interval": intervalSec},
		"callback": map[string]interface{}{"http": map[string]interface{}{"uri": uri, "opaque": opaque}},
	}
	body, _ := json.Marshal(doc)
	return body
}

func TestCreateTimerAssignsIDAndLocation(t *testing.T) {
	srv, h := newTestServer()
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/timers", "application/json", bytes.NewReader(timerBody("http://client/cb", "opaque", 5)))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Location"))
	assert.Equal(t, int64(1), h.LiveCount())
}

func TestCreateTimerRejectsMalformedBody(t *testing.T) {
	srv, _ := newTestServer()
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/timers", "application/json", bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPutThenDeleteTimer(t *testing.T) {
	srv, h := newTestServer()
	defer srv.Close()

	path := "/timers/00000000000000aa-2"
	req, _ := http.NewRequest(http.MethodPut, srv.URL+path, bytes.NewReader(timerBody("http://client/cb", "opaque", 5)))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(1), h.LiveCount())

	delReq, _ := http.NewRequest(http.MethodDelete, srv.URL+path, nil)
	delResp, err := http.DefaultClient.Do(delReq)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusOK, delResp.StatusCode)
	assert.Equal(t, int64(0), h.LiveCount())
}

func TestGetTimerReturnsStoredTimer(t *testing.T) {
	srv, _ := newTestServer()
	defer srv.Close()

	path := "/timers/00000000000000ab-2"
	putReq, _ := http.NewRequest(http.MethodPut, srv.URL+path, bytes.NewReader(timerBody("http://client/cb", "opaque", 5)))
	putResp, err := http.DefaultClient.Do(putReq)
	require.NoError(t, err)
	putResp.Body.Close()
	require.Equal(t, http.StatusOK, putResp.StatusCode)

	getResp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer getResp.Body.Close()
	assert.Equal(t, http.StatusOK, getResp.StatusCode)

	var doc map[string]interface{}
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&doc))
	callbackDoc := doc["callback"].(map[string]interface{})["http"].(map[string]interface{})
	assert.Equal(t, "opaque", callbackDoc["opaque"])
}

func TestGetUnknownTimerReturns404(t *testing.T) {
	srv, _ := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/timers/00000000000000fe-2")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteUnknownTimerReturns404(t *testing.T) {
	srv, _ := newTestServer()
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/timers/00000000000000ff-2", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestResyncPullRequiresNodeForReplicas(t *testing.T) {
	srv, _ := newTestServer()
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/timers")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResyncPullReturnsPartialContentWithRangeHeader(t *testing.T) {
	srv, _ := newTestServer()
	defer srv.Close()

	for i := 0; i < 3; i++ {
		body := timerBody("http://client/cb", "opaque", 5)
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/timers", bytes.NewReader(body))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/timers?node-for-replicas=peer:1&cluster-view-id=view-1&time-from=0", nil)
	req.Header.Set("Range", "1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, []int{http.StatusOK, http.StatusPartialContent}, resp.StatusCode)
}

func TestClearReferencesReturnsAccepted(t *testing.T) {
	srv, _ := newTestServer()
	defer srv.Close()

	body := []byte(`{"IDs":[{"ID":1,"ReplicaIndex":0}]}`)
	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/timers/references", bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestClearReferencesRejectsMalformedEnvelope(t *testing.T) {
	srv, _ := newTestServer()
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/timers/references", bytes.NewReader([]byte("not json")))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
