package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sleuthhq/sleuth/internal/tool"
)

const petSpec = `{
  "openapi": "3.0.0",
  "paths": {
    "/pets": {
      "get": {
        "operationId": "listPets",
        "summary": "List all pets",
        "parameters": [
          {"name": "limit", "in": "query", "schema": {"type": "integer"}}
        ]
      },
      "post": {
        "operationId": "createPet",
        "summary": "Create a pet",
        "requestBody": {
          "content": {
            "application/json": {
              "schema": {"type": "object", "properties": {"name": {"type": "string"}}}
            }
          }
        }
      }
    },
    "/pets/{petId}": {
      "get": {
        "operationId": "getPet",
        "parameters": [
          {"name": "petId", "in": "path", "required": true, "schema": {"type": "string"}}
        ]
      },
      "delete": {
        "operationId": "deletePet",
        "parameters": [
          {"name": "petId", "in": "path", "required": true, "schema": {"type": "string"}}
        ]
      }
    }
  }
}`

func openapiTestServer(t *testing.T) (*httptest.Server, *[]*http.Request) {
	t.Helper()
	var seen []*http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/openapi.json" {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(petSpec))
			return
		}
		seen = append(seen, r.Clone(r.Context()))
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &seen
}

func TestOpenAPIEnumeratesOperations(t *testing.T) {
	srv, _ := openapiTestServer(t)
	ic := IntegrationConfig{SpecURL: srv.URL + "/openapi.json", BaseURL: srv.URL}

	_, tools, err := loadOpenAPIIntegration(context.Background(), "petstore", ic, srv.Client())
	require.NoError(t, err)
	require.Len(t, tools, 4)

	byName := map[string]*tool.Tool{}
	for _, tl := range tools {
		byName[tl.Name] = tl
	}
	require.Contains(t, byName, "petstore_listPets")
	require.Contains(t, byName, "petstore_createPet")
	require.Contains(t, byName, "petstore_getPet")
	require.Contains(t, byName, "petstore_deletePet")

	assert.Equal(t, tool.TierReadOnly, byName["petstore_listPets"].Tier)
	assert.Equal(t, tool.TierSafeWrite, byName["petstore_createPet"].Tier)
	assert.Equal(t, tool.TierDestructive, byName["petstore_deletePet"].Tier)
	assert.Equal(t, "List all pets", byName["petstore_listPets"].Description)

	params := byName["petstore_getPet"].Parameters
	props := params["properties"].(map[string]interface{})
	assert.Contains(t, props, "petId")
	assert.Contains(t, params["required"], "petId")
}

func TestOpenAPIPathAndQuerySubstitution(t *testing.T) {
	srv, seen := openapiTestServer(t)
	ic := IntegrationConfig{SpecURL: srv.URL + "/openapi.json", BaseURL: srv.URL}

	_, tools, err := loadOpenAPIIntegration(context.Background(), "petstore", ic, srv.Client())
	require.NoError(t, err)

	byName := map[string]*tool.Tool{}
	for _, tl := range tools {
		byName[tl.Name] = tl
	}

	res, err := byName["petstore_getPet"].Execute(context.Background(), map[string]interface{}{"petId": "42"}, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "/pets/42", (*seen)[len(*seen)-1].URL.Path)

	res, err = byName["petstore_listPets"].Execute(context.Background(), map[string]interface{}{"limit": 5}, nil)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "5", (*seen)[len(*seen)-1].URL.Query().Get("limit"))

	// Missing path parameter fails without issuing a request.
	calls := len(*seen)
	res, err = byName["petstore_getPet"].Execute(context.Background(), map[string]interface{}{}, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, `missing path parameter "petId"`)
	assert.Len(t, *seen, calls)
}

func TestOpenAPIBaseURLFromServers(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		w.Write([]byte("servers:\n  - url: " + srv.URL + "/v2\npaths:\n  /ping:\n    get:\n      operationId: ping\n"))
	}))
	t.Cleanup(srv.Close)

	rest, tools, err := loadOpenAPIIntegration(context.Background(), "svc",
		IntegrationConfig{SpecURL: srv.URL + "/spec.yaml"}, srv.Client())
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, srv.URL+"/v2", rest.baseURL)
}

func TestOpenAPISpecFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	_, _, err := loadOpenAPIIntegration(context.Background(), "svc",
		IntegrationConfig{SpecURL: srv.URL + "/spec.json"}, srv.Client())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}
