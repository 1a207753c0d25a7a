// Package docs registers the OpenAPI document served under /swagger.
// Regenerate with: swag init -g cmd/pipeline-api/main.go -o docs
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/pipelines": {
            "get": {"tags": ["pipelines"], "summary": "List pipeline runs", "produces": ["application/json"],
                "parameters": [{"type": "integer", "name": "limit", "in": "query"}],
                "responses": {"200": {"description": "OK"}}},
            "post": {"tags": ["pipelines"], "summary": "Create a new pipeline run", "consumes": ["application/json"], "produces": ["application/json"],
                "parameters": [{"name": "pipeline", "in": "body", "schema": {"$ref": "#/definitions/model.PipelineJobSpec"}}],
                "responses": {"202": {"description": "Run accepted"}, "400": {"description": "Invalid request payload"}}}
        },
        "/pipelines/{id}": {
            "get": {"tags": ["pipelines"], "summary": "Get pipeline run",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Run not found"}}}
        },
        "/pipelines/{id}/errors": {
            "get": {"tags": ["pipelines"], "summary": "Get pipeline errors",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Run not found"}}}
        },
        "/pipelines/{id}/logs": {
            "get": {"tags": ["pipelines"], "summary": "Get pipeline logs",
                "parameters": [
                    {"type": "string", "name": "id", "in": "path", "required": true},
                    {"type": "string", "name": "stage", "in": "query"},
                    {"type": "integer", "name": "limit", "in": "query"}
                ],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Run not found"}}}
        },
        "/pipelines/{id}/progress": {
            "get": {"tags": ["pipelines"], "summary": "Get pipeline progress",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Run not found"}}}
        },
        "/pipelines/{id}/batches": {
            "get": {"tags": ["pipelines"], "summary": "Get landing batches",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Run not found"}}}
        },
        "/pipelines/{id}/transforms": {
            "get": {"tags": ["pipelines"], "summary": "Get transform outcomes",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Run not found"}}}
        },
        "/pipelines/{id}/retry": {
            "post": {"tags": ["pipelines"], "summary": "Retry pipeline run",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"202": {"description": "Accepted"}, "404": {"description": "Run not found"}, "409": {"description": "Run is not retryable"}}}
        },
        "/pipelines/{id}/cancel": {
            "patch": {"tags": ["pipelines"], "summary": "Cancel pipeline run",
                "parameters": [{"type": "string", "name": "id", "in": "path", "required": true}],
                "responses": {"202": {"description": "Accepted"}, "409": {"description": "Run is not active"}}}
        },
        "/run": {
            "get": {"tags": ["pipelines"], "summary": "Run ingestion",
                "parameters": [
                    {"type": "integer", "name": "start_page", "in": "query"},
                    {"type": "integer", "name": "pages", "in": "query"}
                ],
                "responses": {"200": {"description": "OK"}, "400": {"description": "Invalid query parameters"}, "502": {"description": "Upstream failure"}}}
        },
        "/tables": {
            "get": {"tags": ["tables"], "summary": "List tables", "responses": {"200": {"description": "OK"}}}
        },
        "/tables/{name}/export": {
            "get": {"tags": ["tables"], "summary": "Download table", "produces": ["application/x-ndjson"],
                "parameters": [{"type": "string", "name": "name", "in": "path", "required": true}],
                "responses": {"200": {"description": "JSONL rows"}, "404": {"description": "Table not found"}}},
            "post": {"tags": ["tables"], "summary": "Export table to storage",
                "parameters": [{"type": "string", "name": "name", "in": "path", "required": true}],
                "responses": {"200": {"description": "OK"}, "404": {"description": "Table not found"}}}
        }
    },
    "definitions": {
        "model.PipelineJobSpec": {
            "type": "object",
            "properties": {
                "sources": {"type": "array", "items": {"type": "string"}},
                "start_page": {"type": "integer"},
                "pages": {"type": "integer"},
                "resume": {"type": "boolean"},
                "skip_transform": {"type": "boolean"},
                "jobTimeout": {"type": "string"}
            }
        }
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Movie Pipeline API",
	Description:      "Fetch, land and transform movie metadata.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
