package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// OpenAPISpec returns the OpenAPI 3.0 document for the main routes of the
// gateway's mounted surface. Kept by hand and not complete: /healthz,
// /ready, /openapi.json, /docs, /, DELETE /v1/keys/{id}, the
// /v1/providers/{name} routes and the /v1/experiments/{id} routes have no
// path entry, and POST /v1/keys and POST /v1/experiments are not listed.
func OpenAPISpec() map[string]interface{} {
	return map[string]interface{}{
		"openapi": "3.0.3",
		"info": map[string]interface{}{
			"title":       "LatticeForge Gateway",
			"description": "Multi-tenant AI model gateway: agent resolution, ensemble dispatch, metered billing",
			"version":     "1.0.0",
		},
		"servers": []map[string]interface{}{
			{"url": "http://localhost:8080", "description": "Local development"},
			{"url": "https://api.latticeforge.dev", "description": "Production"},
		},
		"paths": openAPIPaths(),
		"components": map[string]interface{}{
			"securitySchemes": map[string]interface{}{
				"BearerAuth": map[string]interface{}{
					"type":         "http",
					"scheme":       "bearer",
					"bearerFormat": "API Key",
					"description":  "gateway API key (lfk_...), or a wallet session token on /v1/keys",
				},
			},
		},
		"security": []map[string]interface{}{
			{"BearerAuth": []string{}},
		},
		"tags": []map[string]interface{}{
			{"name": "Agents", "description": "Billed agent invocation (single-model or ensemble)"},
			{"name": "Chat", "description": "Pass-through chat completion endpoints"},
			{"name": "Providers", "description": "Provider health, models, and pricing"},
			{"name": "Auth", "description": "Wallet sessions and API key management"},
			{"name": "Experiments", "description": "A/B traffic splits over providers"},
			{"name": "Health", "description": "Service health checks"},
		},
	}
}

func pathOp(method, tag, summary string, extra map[string]interface{}) map[string]interface{} {
	op := map[string]interface{}{
		"tags":    []string{tag},
		"summary": summary,
		"responses": map[string]interface{}{
			"200": map[string]interface{}{"description": "Success"},
		},
	}
	for k, v := range extra {
		op[k] = v
	}
	return map[string]interface{}{method: op}
}

func openAPIPaths() map[string]interface{} {
	agentParam := []map[string]interface{}{{
		"name": "agent", "in": "path", "required": true,
		"schema": map[string]interface{}{"type": "string"},
	}}
	return map[string]interface{}{
		"/v1/agents/{agent}/invoke": pathOp("post", "Agents",
			"Invoke an agent: resolve, reserve, dispatch, commit, settle",
			map[string]interface{}{
				"parameters": agentParam,
				"responses": map[string]interface{}{
					"200": map[string]interface{}{"description": "Completion with billing entry id and actual cost"},
					"402": map[string]interface{}{"description": "Payment challenge (pay-per-call callers)"},
					"503": map[string]interface{}{"description": "Budget circuit open / provider unavailable"},
				},
			}),
		"/v1/agents/{agent}/invoke/stream": pathOp("post", "Agents",
			"Streaming invoke: first content-bearing ensemble branch wins",
			map[string]interface{}{"parameters": agentParam}),
		"/v1/chat/completions": pathOp("post", "Chat", "Pass-through chat completion", nil),
		"/v1/embeddings":       pathOp("post", "Chat", "Pass-through embeddings", nil),
		"/v1/models":           pathOp("get", "Providers", "List available models", nil),
		"/v1/providers":        pathOp("get", "Providers", "List registered providers", nil),
		"/v1/providers/health": pathOp("get", "Providers", "Provider health snapshot", nil),
		"/v1/providers/pricing": pathOp("get", "Providers",
			"Per-model pricing in integer micro-USD per 1M tokens", nil),
		"/v1/providers/estimate": pathOp("post", "Providers", "Estimate request cost", nil),
		"/v1/auth/nonce":         pathOp("post", "Auth", "Issue a wallet sign-in nonce", nil),
		"/v1/auth/verify":        pathOp("post", "Auth", "Verify a signed nonce, mint a session token", nil),
		"/v1/keys":               pathOp("get", "Auth", "List API keys (session auth)", nil),
		"/v1/experiments":        pathOp("get", "Experiments", "List experiments", nil),
		"/health":                pathOp("get", "Health", "Liveness", nil),
		"/metrics":               pathOp("get", "Health", "Prometheus-format metrics", nil),
		"/.well-known/gateway":   pathOp("get", "Health", "Plain-text discovery document", nil),
	}
}

// OpenAPIHandler serves the OpenAPI spec at /openapi.json.
func OpenAPIHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		spec := OpenAPISpec()
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		json.NewEncoder(w).Encode(spec)
	}
}

// SwaggerUIHandler serves a minimal Swagger UI page.
func SwaggerUIHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		html := `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>LatticeForge Gateway API</title>
    <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://cdn.jsdelivr.net/npm/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
    SwaggerUI({
        url: '/openapi.json',
        dom_id: '#swagger-ui',
        deepLinking: true,
        presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
        layout: "BaseLayout"
    });
    </script>
</body>
</html>`
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, html)
	}
}
