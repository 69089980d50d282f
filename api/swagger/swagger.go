package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "DocFlow API",
        "description": "File lifecycle and job orchestration service",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Files", "description": "Upload, inspect, and manage file assets"},
        {"name": "Jobs", "description": "Processing jobs and batches"},
        {"name": "Shares", "description": "Public share links"},
        {"name": "Entitlements", "description": "Feature access decisions"},
        {"name": "Admin", "description": "Operator surface"}
    ],
    "paths": {
        "/files/upload": {
            "post": {
                "tags": ["Files"],
                "summary": "Upload a file",
                "consumes": ["multipart/form-data"],
                "parameters": [
                    {"name": "file", "in": "formData", "type": "file", "required": true},
                    {"name": "expiresHours", "in": "formData", "type": "integer"}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "200": {"description": "Deduplicated against an existing copy"},
                    "413": {"description": "File too large or storage quota exceeded"},
                    "422": {"description": "Validation rejected the file"}
                }
            }
        },
        "/files": {
            "get": {
                "tags": ["Files"],
                "summary": "List own files",
                "parameters": [
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "pageSize", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/files/{id}": {
            "get": {
                "tags": ["Files"],
                "summary": "Get file details",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "OK"},
                    "404": {"description": "Not found"}
                }
            },
            "delete": {
                "tags": ["Files"],
                "summary": "Delete a file",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {
                    "204": {"description": "Deleted"},
                    "403": {"description": "Not the owner"}
                }
            }
        },
        "/files/{id}/history": {
            "get": {
                "tags": ["Files"],
                "summary": "Lifecycle state log",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/files/{id}/versions": {
            "get": {
                "tags": ["Files"],
                "summary": "Version chain",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/files/{id}/download": {
            "get": {
                "tags": ["Files"],
                "summary": "Signed download redirect",
                "parameters": [
                    {"name": "id", "in": "path", "type": "string", "required": true},
                    {"name": "expiresHours", "in": "query", "type": "integer"},
                    {"name": "redirect", "in": "query", "type": "boolean"}
                ],
                "responses": {
                    "302": {"description": "Redirect to the signed URL"},
                    "200": {"description": "Signed URL as JSON when redirect=false"},
                    "409": {"description": "File is not available"}
                }
            }
        },
        "/files/{id}/share": {
            "post": {
                "tags": ["Shares"],
                "summary": "Create a share link",
                "parameters": [
                    {"name": "id", "in": "path", "type": "string", "required": true},
                    {"name": "payload", "in": "body", "schema": {"$ref": "#/definitions/CreateShareRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created"}
                }
            }
        },
        "/files/{id}/share/{shareId}": {
            "delete": {
                "tags": ["Shares"],
                "summary": "Revoke a share link",
                "parameters": [
                    {"name": "id", "in": "path", "type": "string", "required": true},
                    {"name": "shareId", "in": "path", "type": "string", "required": true}
                ],
                "responses": {
                    "204": {"description": "Revoked"}
                }
            }
        },
        "/files/rebind": {
            "post": {
                "tags": ["Files"],
                "summary": "Claim a guest upload",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/RebindRequest"}}
                ],
                "responses": {
                    "204": {"description": "Rebound"},
                    "409": {"description": "File already has an owner"}
                }
            }
        },
        "/files/usage": {
            "get": {
                "tags": ["Files"],
                "summary": "Storage usage against the tier quota",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/share/{shareId}/redeem": {
            "post": {
                "tags": ["Shares"],
                "summary": "Redeem a share link",
                "parameters": [
                    {"name": "shareId", "in": "path", "type": "string", "required": true},
                    {"name": "payload", "in": "body", "schema": {"$ref": "#/definitions/RedeemShareRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "403": {"description": "Password or limit failure"},
                    "404": {"description": "Unknown or revoked share"}
                }
            }
        },
        "/jobs": {
            "post": {
                "tags": ["Jobs"],
                "summary": "Create a processing job",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateJobRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created"},
                    "403": {"description": "Entitlement or quota denied"},
                    "429": {"description": "Rate limited"}
                }
            }
        },
        "/jobs/{id}": {
            "get": {
                "tags": ["Jobs"],
                "summary": "Get job status",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "OK"},
                    "404": {"description": "Not found"}
                }
            }
        },
        "/jobs/batch": {
            "post": {
                "tags": ["Jobs"],
                "summary": "Create a job batch",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/CreateBatchRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created"}
                }
            }
        },
        "/jobs/batch/{id}": {
            "get": {
                "tags": ["Jobs"],
                "summary": "Get batch progress",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/jobs/batch/{id}/cancel": {
            "post": {
                "tags": ["Jobs"],
                "summary": "Cancel pending batch members",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "Cancelled count"}
                }
            }
        },
        "/jobs/batch/{id}/download": {
            "get": {
                "tags": ["Jobs"],
                "summary": "Download completed outputs as a ZIP",
                "parameters": [{"name": "id", "in": "path", "type": "string", "required": true}],
                "produces": ["application/zip"],
                "responses": {
                    "200": {"description": "ZIP stream"},
                    "409": {"description": "No completed outputs yet"}
                }
            }
        },
        "/entitlements": {
            "get": {
                "tags": ["Entitlements"],
                "summary": "List resolved entitlements",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/entitlements/check": {
            "post": {
                "tags": ["Entitlements"],
                "summary": "Bulk entitlement check",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/EntitlementCheckRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/admin/queues/{name}": {
            "get": {
                "tags": ["Admin"],
                "summary": "Queue status counts",
                "parameters": [{"name": "name", "in": "path", "type": "string", "required": true}],
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/admin/audit/{targetId}": {
            "get": {
                "tags": ["Admin"],
                "summary": "Audit history for a target",
                "parameters": [
                    {"name": "targetId", "in": "path", "type": "string", "required": true},
                    {"name": "limit", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        },
        "/admin/stats": {
            "get": {
                "tags": ["Admin"],
                "summary": "Aggregated system metrics",
                "responses": {
                    "200": {"description": "OK"}
                }
            }
        }
    },
    "definitions": {
        "CreateJobRequest": {
            "type": "object",
            "required": ["fileId", "toolType"],
            "properties": {
                "fileId": {"type": "string"},
                "toolType": {"type": "string"},
                "parameters": {"type": "object"}
            }
        },
        "CreateBatchRequest": {
            "type": "object",
            "required": ["fileIds", "toolType"],
            "properties": {
                "fileIds": {"type": "array", "items": {"type": "string"}},
                "toolType": {"type": "string"},
                "parameters": {"type": "object"}
            }
        },
        "CreateShareRequest": {
            "type": "object",
            "properties": {
                "expiresHours": {"type": "integer"},
                "password": {"type": "string"},
                "maxDownloads": {"type": "integer"}
            }
        },
        "RedeemShareRequest": {
            "type": "object",
            "properties": {
                "password": {"type": "string"}
            }
        },
        "RebindRequest": {
            "type": "object",
            "required": ["fileId"],
            "properties": {
                "fileId": {"type": "string"}
            }
        },
        "EntitlementCheckRequest": {
            "type": "object",
            "required": ["features"],
            "properties": {
                "features": {"type": "array", "items": {"type": "string"}}
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "pageSize": {"type": "integer"},
                "totalCount": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"},
                "retry_after": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
