package api

import "net/http"

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the dispatch API.
func buildOpenAPIDoc() map[string]any {
	secured := []any{map[string]any{"BearerAuth": []string{}}}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "dispatchd",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/healthz": map[string]any{
				"get": operation("healthz", "Liveness, breaker and task summary", nil, nil),
			},
			"/v1/dispatch": map[string]any{
				"post": operation("dispatch", "Parse model output and execute the instruction batch", secured,
					bodySchema("text")),
			},
			"/v1/ask": map[string]any{
				"post": operation("ask", "Prompt the model gateway and execute its reply", secured,
					bodySchema("prompt")),
			},
			"/v1/tasks": map[string]any{
				"get": operation("listTasks", "List recurring tasks", secured, nil),
			},
			"/v1/tasks/{taskID}": map[string]any{
				"get":    operation("getTask", "Describe one recurring task", secured, nil),
				"delete": operation("stopTask", "Stop a recurring task", secured, nil),
			},
			"/v1/events": map[string]any{
				"get": operation("events", "Server-sent stream of trace events", secured, nil),
			},
		},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func operation(id, summary string, security []any, body map[string]any) map[string]any {
	op := map[string]any{
		"operationId": id,
		"summary":     summary,
		"responses": map[string]any{
			"200": map[string]any{"description": "OK"},
		},
	}
	if security != nil {
		op["security"] = security
		op["responses"].(map[string]any)["401"] = map[string]any{"description": "Missing or invalid token"}
		op["responses"].(map[string]any)["403"] = map[string]any{"description": "Insufficient scope"}
	}
	if body != nil {
		op["requestBody"] = body
		op["responses"].(map[string]any)["400"] = map[string]any{"description": "Bad request"}
	}
	return op
}

func bodySchema(field string) map[string]any {
	return map[string]any{
		"required": true,
		"content": map[string]any{
			"application/json": map[string]any{
				"schema": map[string]any{
					"type":       "object",
					"required":   []string{field},
					"properties": map[string]any{field: map[string]any{"type": "string"}},
				},
			},
		},
	}
}
