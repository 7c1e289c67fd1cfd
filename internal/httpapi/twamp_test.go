// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"vmark-noded/internal/twamp"
)

func TestStartResponderThenSession_RunsToCompletion(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/api/v1/twamp/responders", map[string]any{
		"network": "udp4",
		"config":  twamp.ResponderConfig{Port: 0},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var respResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &respResp))
	addr := respResp["addr"]
	require.NotEmpty(t, addr)

	_, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/twamp/sessions", startSessionRequest{
		Network: "udp4",
		Config: twamp.SenderConfig{
			Destination: "127.0.0.1",
			Port:        port,
			Count:       5,
			Interval:    10 * time.Millisecond,
			Grace:       200 * time.Millisecond,
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var startResp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &startResp))
	id := startResp["id"]
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		rec := httptest.NewRequest(http.MethodGet, "/api/v1/twamp/sessions/"+id, nil)
		w := httptest.NewRecorder()
		s.router.ServeHTTP(w, rec)
		if w.Code != http.StatusOK {
			return false
		}
		var status sessionStatusResponse
		if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
			return false
		}
		return status.State == twamp.StateDone
	}, 2*time.Second, 10*time.Millisecond)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/twamp/sessions/"+id, nil)
	var status sessionStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.NotNil(t, status.Stats)
	require.Equal(t, 5, status.Stats.Matched)
}

func TestSessionStatus_UnknownIDReturns404(t *testing.T) {
	s, _ := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/api/v1/twamp/sessions/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
