package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aeolun/golem/pkg/database"
	"github.com/aeolun/golem/pkg/protocol"
	"github.com/aeolun/golem/pkg/snowflake"
)

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (js *journeyServer) get(t *testing.T, path string, header http.Header) *http.Response {
	t.Helper()
	resp, err := http.DefaultClient.Do(mustRequest(t, http.MethodGet, js.http.URL+path, header))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRegisterAndLogin(t *testing.T) {
	js := setupJourneyServer(t)

	id := js.register(t, "  frank ", "pw")
	user, err := js.store.GetUser(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, "frank", user.Name, "name is trimmed")

	resp := js.postJSON(t, "/api/register", CredentialsRequest{Name: "frank", Password: "other"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = js.postJSON(t, "/api/login", CredentialsRequest{Name: "frank", Password: "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = js.postJSON(t, "/api/login", CredentialsRequest{Name: "frank", Password: "pw"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	login := decodeBody[LoginResponse](t, resp)
	assert.Equal(t, id, login.User.ID)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == TokenCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.Equal(t, login.Token, cookie.Value)
	assert.True(t, cookie.HttpOnly)
}

func TestCredentialValidation(t *testing.T) {
	js := setupJourneyServer(t, func(c *ServerConfig) { c.MaxNameLength = 4 })

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing name", `{"password":"pw"}`},
		{"blank name", `{"name":"   ","password":"pw"}`},
		{"missing password", `{"name":"bob"}`},
		{"long name", `{"name":"robert","password":"pw"}`},
		{"long password", `{"name":"bob","password":"` + strings.Repeat("x", 1025) + `"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(js.http.URL+"/api/register", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, decodeBody[ErrorResponse](t, resp).Error)
		})
	}
}

func TestProtectedRoutes(t *testing.T) {
	js := setupJourneyServer(t)
	id := js.register(t, "gina", "pw")
	login := js.login(t, "gina", "pw")

	assert.Equal(t, http.StatusUnauthorized, js.get(t, "/api/user/"+id.String(), nil).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, js.get(t, "/api/user/"+id.String(), bearer("123")).StatusCode)
	assert.Equal(t, http.StatusUnauthorized, js.postJSON(t, "/api/logout", nil, nil).StatusCode)

	resp := js.get(t, "/api/user/"+id.String(), bearer(login.Token))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "password")
	assert.Contains(t, string(body), `"id":"`+id.String()+`"`)

	cookie := http.Header{"Cookie": []string{TokenCookie + "=" + login.Token}}
	assert.Equal(t, http.StatusOK, js.get(t, "/api/user/"+id.String(), cookie).StatusCode)
	assert.Equal(t, http.StatusNotFound, js.get(t, "/api/user/1", cookie).StatusCode)
	assert.Equal(t, http.StatusBadRequest, js.get(t, "/api/user/abc", cookie).StatusCode)

	resp = js.postJSON(t, "/api/logout", nil, cookie)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, http.StatusUnauthorized, js.get(t, "/api/user/"+id.String(), cookie).StatusCode)
}

func TestSnapshot(t *testing.T) {
	js := setupJourneyServer(t, func(c *ServerConfig) { c.SnapshotLimit = 2 })
	ctx := t.Context()

	for i := 0; i < 3; i++ {
		id, err := js.gen.NextID()
		require.NoError(t, err)
		require.NoError(t, js.store.AddMessage(ctx, &database.Message{
			ID: id, AuthorID: 1, AuthorName: "seed", Parent: js.room.ID, Content: "x",
		}))
	}

	resp := js.get(t, "/api/snapshot", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[[]protocol.Message](t, resp)
	require.Len(t, list, 2)
	assert.Greater(t, list[0].ID, list[1].ID)

	resp = js.get(t, "/api/snapshot?room=random", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeBody[[]protocol.Message](t, resp))

	assert.Equal(t, http.StatusNotFound, js.get(t, "/api/snapshot?room=nope", nil).StatusCode)
}

func TestSnowflakeEndpoint(t *testing.T) {
	js := setupJourneyServer(t)

	resp := js.get(t, "/api/snowflake", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	parts := decodeBody[snowflake.Parts](t, resp)
	assert.Equal(t, int64(1), parts.Node)
	assert.Equal(t, parts.ID.Node(), parts.Node)
	assert.False(t, parts.Time.Before(snowflake.DefaultEpoch))
}

func TestHealthAndMetrics(t *testing.T) {
	js := setupJourneyServer(t)
	js.connect(t, nil)

	resp := js.get(t, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	health := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "ok", health["status"])
	assert.EqualValues(t, 1, health["connections"])
	assert.EqualValues(t, 1, health["rooms"])

	families, err := js.srv.metrics.Registry().Gather()
	require.NoError(t, err)
	names := map[string]float64{}
	for _, mf := range families {
		var total float64
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
		names[mf.GetName()] = total
	}
	assert.Equal(t, float64(1), names["golem_active_connections"])
	assert.Equal(t, float64(1), names["golem_connections_total"])
	assert.Contains(t, names, "golem_http_requests_total")
	assert.Contains(t, names, "go_goroutines")
}

func TestHealthReportsUnreachableStore(t *testing.T) {
	js := setupJourneyServer(t)
	require.NoError(t, js.store.Close())

	resp := js.get(t, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	health := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "degraded", health["status"])
}

func TestListRooms(t *testing.T) {
	js := setupJourneyServer(t)

	resp := js.get(t, "/api/rooms", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rooms := decodeBody[[]database.Room](t, resp)
	require.Len(t, rooms, 2)
	assert.Equal(t, js.room.ID, rooms[0].ID)
	assert.Equal(t, "general", rooms[0].Name)
	assert.Equal(t, "random", rooms[1].Name)
}
