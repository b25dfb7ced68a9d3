// Package api holds the request and response types of the SecFlow HTTP API.
//
// # Endpoints
//
//	GET    /health, /healthz, /ready, /version
//	POST   /api/v1/compile                 compile a YAML workflow without storing it
//	POST   /api/v1/workflows               compile and store a YAML workflow
//	GET    /api/v1/workflows
//	GET    /api/v1/workflows/{id}
//	PUT    /api/v1/workflows/{id}          replace, bumping the version
//	DELETE /api/v1/workflows/{id}
//	POST   /api/v1/workflows/{id}/runs     start a run with a JSON input
//	GET    /api/v1/workflows/{id}/runs
//	GET    /api/v1/runs
//	GET    /api/v1/runs/{id}
//	POST   /api/v1/runs/{id}/cancel
//
// # Authentication
//
// When API keys or a JWT secret are configured, /api/v1 requires either
//
//	X-API-Key: <key>
//
// or
//
//	Authorization: Bearer <jwt>
package api
