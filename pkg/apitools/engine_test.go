package apitools

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcphub/pkg/mcperr"
	"mcphub/pkg/models"
)

func weatherDocument(baseURL string) []byte {
	return []byte(fmt.Sprintf(`{
		"version": "1.0",
		"tools": [{
			"id": "weather-lookup",
			"name": "get_weather",
			"description": "Current weather for a city",
			"api": {
				"url": "%s/weather",
				"method": "GET",
				"headers": {"X-Api-Key": "{{env.WEATHER_KEY}}"},
				"queryParams": {"q": "{{data.city}}", "units": "{{data.units}}"}
			},
			"parameters": {
				"type": "object",
				"properties": {
					"city": {"type": "string"},
					"units": {"type": "string", "default": "metric"}
				},
				"required": ["city"]
			},
			"response": {
				"jsonata": "{\"temp\": $number(current_condition[0].temp_C)}",
				"errorPath": "error.message"
			}
		}]
	}`, baseURL))
}

func TestEngineExecuteWeather(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "London", r.URL.Query().Get("q"))
		assert.Equal(t, "metric", r.URL.Query().Get("units"), "schema default should reach the request")
		assert.Equal(t, "sk-weather-123", r.Header.Get("X-Api-Key"), "env refs resolve at load time")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"current_condition":[{"temp_C":"17"}]}`))
	}))
	defer srv.Close()

	e := NewEngine(Options{Env: testEnv(map[string]string{"WEATHER_KEY": "sk-weather-123"})})
	findings, err := e.Load(weatherDocument(srv.URL))
	require.NoError(t, err)
	assert.Empty(t, findings)

	result, err := e.Execute(context.Background(), "get_weather", map[string]any{"city": "London"}, "client-1")
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	require.Equal(t, models.ContentJSON, result.Content[0].Type)

	shaped := result.Content[0].Data.(map[string]any)
	assert.InDelta(t, 17, shaped["temp"].(float64), 0.001)

	calls := e.CallLog(0)
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Success)
	assert.Equal(t, "weather-lookup", calls[0].ToolID)
	assert.Equal(t, "client-1", calls[0].ClientID)
}

func TestEngineExecuteUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"message":"no such city"}}`))
	}))
	defer srv.Close()

	e := NewEngine(Options{Env: testEnv(map[string]string{"WEATHER_KEY": "k"})})
	_, err := e.Load(weatherDocument(srv.URL))
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), "get_weather", map[string]any{"city": "Atlantis"}, "c")
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeNotFound, mcperr.CodeOf(err))
	assert.Contains(t, err.Error(), "no such city")

	calls := e.CallLog(0)
	require.Len(t, calls, 1)
	assert.False(t, calls[0].Success)
}

func TestEngineExecuteInvalidParams(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	e := NewEngine(Options{Env: testEnv(map[string]string{"WEATHER_KEY": "k"})})
	_, err := e.Load(weatherDocument(srv.URL))
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), "get_weather", map[string]any{}, "c")
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeInvalidParams, mcperr.CodeOf(err))
	assert.Equal(t, int32(0), hits.Load(), "validation failures must not reach the upstream")
}

func TestEngineExecuteRateLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	doc := []byte(fmt.Sprintf(`{
		"version": "1.0",
		"tools": [{
			"id": "limited",
			"name": "limited",
			"api": {"url": "%s/x", "method": "GET"},
			"security": {"rateLimit": {"maxRequests": 3, "windowSeconds": 60}}
		}]
	}`, srv.URL))

	e := NewEngine(Options{})
	_, err := e.Load(doc)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := e.Execute(context.Background(), "limited", nil, "client-9")
		require.NoError(t, err, "call %d should pass", i+1)
	}

	_, err = e.Execute(context.Background(), "limited", nil, "client-9")
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeRateLimitExceeded, mcperr.CodeOf(err))

	var herr *mcperr.Error
	require.ErrorAs(t, err, &herr)
	assert.Greater(t, herr.Details["retryAfterSeconds"].(float64), float64(0))

	assert.Equal(t, int32(3), hits.Load(), "the denied call must not reach the upstream")

	events := e.Events(0)
	require.NotEmpty(t, events)
	assert.Equal(t, EventRateLimitExceeded, events[len(events)-1].Type)
}

func TestEngineExecuteWhitelistDenied(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	doc := []byte(fmt.Sprintf(`{
		"version": "1.0",
		"tools": [{
			"id": "restricted",
			"name": "restricted",
			"api": {"url": "%s/x", "method": "GET"},
			"security": {"domainWhitelist": ["*.example.com"]}
		}]
	}`, srv.URL))

	e := NewEngine(Options{})
	_, err := e.Load(doc)
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), "restricted", nil, "c")
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeAccessDenied, mcperr.CodeOf(err))
	assert.Equal(t, int32(0), hits.Load(), "whitelist rejection happens before any network activity")
}

func TestEngineExecuteUnknownTool(t *testing.T) {
	e := NewEngine(Options{})
	_, err := e.Execute(context.Background(), "nope", nil, "c")
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeToolNotFound, mcperr.CodeOf(err))
}

func TestEngineLoadRejectsCriticalFindings(t *testing.T) {
	doc := []byte(`{
		"version": "1.0",
		"tools": [
			{"id": "a", "name": "same", "api": {"url": "https://x.example.com", "method": "GET"}},
			{"id": "b", "name": "same", "api": {"url": "https://x.example.com", "method": "GET"}}
		]
	}`)

	e := NewEngine(Options{})
	findings, err := e.Load(doc)
	require.Error(t, err)
	assert.Equal(t, mcperr.CodeConfigError, mcperr.CodeOf(err))
	assert.Contains(t, findingCodes(findings), CodeDuplicateName)
	assert.Empty(t, e.Tools(), "a rejected document must not replace the active set")
}

func TestEngineLoadSwapsToolSet(t *testing.T) {
	e := NewEngine(Options{})

	first := []byte(`{"version":"1.0","tools":[{"id":"a","name":"alpha","api":{"url":"https://a.example.com","method":"GET"}}]}`)
	_, err := e.Load(first)
	require.NoError(t, err)
	assert.True(t, e.HasTool("alpha"))

	second := []byte(`{"version":"2.0","tools":[{"id":"b","name":"beta","api":{"url":"https://b.example.com","method":"GET"}}]}`)
	_, err = e.Load(second)
	require.NoError(t, err)

	assert.False(t, e.HasTool("alpha"))
	assert.True(t, e.HasTool("beta"))
	assert.Equal(t, "2.0", e.Version())
}

func TestEngineToolsCatalogue(t *testing.T) {
	e := NewEngine(Options{})
	doc := []byte(`{"version":"1.0","tools":[
		{"id": "z-id", "name": "zeta", "api": {"url": "https://x.example.com", "method": "GET"}},
		{"id": "a-id", "name": "alpha", "description": "first", "api": {"url": "https://x.example.com", "method": "GET"}}
	]}`)
	_, err := e.Load(doc)
	require.NoError(t, err)

	tools := e.Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "alpha", tools[0].Name, "catalogue is sorted by name")
	assert.Equal(t, models.OriginAPI, tools[0].Origin.Kind)
	assert.Equal(t, "a-id", tools[0].Origin.ID)
	assert.Equal(t, "first", tools[0].Description)
}

func TestEngineRedactsCallLog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	doc := []byte(fmt.Sprintf(`{
		"version": "1.0",
		"tools": [{
			"id": "t",
			"name": "t",
			"api": {"url": "%s/x", "method": "POST", "body": {"key": "{{data.api_key}}"}},
			"parameters": {
				"type": "object",
				"properties": {"api_key": {"type": "string"}},
				"required": ["api_key"]
			}
		}]
	}`, srv.URL))

	e := NewEngine(Options{})
	_, err := e.Load(doc)
	require.NoError(t, err)

	_, err = e.Execute(context.Background(), "t", map[string]any{"api_key": "supersecretvalue"}, "c")
	require.NoError(t, err)

	calls := e.CallLog(0)
	require.Len(t, calls, 1)
	params := calls[0].Parameters.(map[string]any)
	assert.Equal(t, "***alue", params["api_key"], "credentials never land in the audit log")
}
