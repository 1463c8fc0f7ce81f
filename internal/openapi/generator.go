// Package openapi builds the OpenAPI document describing Nyati's HTTP API.
package openapi

import (
	"fmt"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/nyatishield/nyati/internal/shaper"
)

// Generate returns the OpenAPI 3.1 document for the proxy, the metered
// endpoints and the system API.
func Generate(version, baseURL string) *openapi3.T {
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "Nyati Security Proxy",
			Description: "API-key authenticating forwarding proxy with rate limiting and request shaping.",
			Version:     version,
		},
	}
	if baseURL != "" {
		doc.Servers = openapi3.Servers{{URL: baseURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes["apiKey"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:        "http",
			Scheme:      "bearer",
			Description: "Nyati API key (ry_ or tk_ prefix).",
		},
	}
	doc.Components.SecuritySchemes["adminSession"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
		},
	}

	doc.Components.Schemas["ErrorResponse"] = objectSchema(openapi3.Schemas{
		"error":   stringProp("Short error code or phrase."),
		"message": stringProp("Human-readable explanation."),
	}, "error")
	doc.Components.Schemas["Usage"] = objectSchema(openapi3.Schemas{
		"requests_remaining": intProp("Requests left in the current day."),
		"reset_time":         dateTimeProp("When the daily quota resets."),
	})
	doc.Components.Schemas["APIKey"] = objectSchema(openapi3.Schemas{
		"id":           stringProp(""),
		"owner_id":     stringProp(""),
		"hint":         stringProp("First and last four characters of the key."),
		"label":        stringProp(""),
		"tier":         enumProp("test", "free", "paid"),
		"is_active":    boolProp(),
		"target_url":   stringProp("Upstream for the generic proxy path; empty means ping mode."),
		"created_at":   dateTimeProp(""),
		"last_used_at": dateTimeProp(""),
	})
	doc.Components.Schemas["Admin"] = objectSchema(openapi3.Schemas{
		"id":            intProp(""),
		"email":         stringProp(""),
		"name":          stringProp(""),
		"is_active":     boolProp(),
		"last_login_at": dateTimeProp(""),
		"created_at":    dateTimeProp(""),
	})

	doc.Paths = openapi3.NewPaths()
	addProxyPaths(doc)
	addMeteredPaths(doc)
	addSystemPaths(doc)
	return doc
}

// ─── Proxy ──────────────────────────────────────────────────────────────────

func addProxyPaths(doc *openapi3.T) {
	keyAuth := openapi3.SecurityRequirements{{"apiKey": {}}}
	anyBody := &openapi3.SchemaRef{Value: &openapi3.Schema{}}

	proxyOp := func(method, path string) *openapi3.Operation {
		return &openapi3.Operation{
			Tags:        []string{"proxy"},
			Summary:     fmt.Sprintf("Forward a %s request", method),
			OperationID: fmt.Sprintf("proxy_%s_%s", path, method),
			Description: "Validates the key, enforces the per-key minute limit and forwards the request. " +
				"Keys without a target_url get a ping response.",
			Security:  &keyAuth,
			Responses: proxyResponses(),
		}
	}

	root := &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"proxy"},
			Summary:     "Proxy status, or ping/forward when a key is presented",
			OperationID: "proxy_status",
			Responses:   newResponses("200", "Status document, ping response or upstream body", anyBody),
		},
		Post:   proxyOp("POST", "root"),
		Put:    proxyOp("PUT", "root"),
		Delete: proxyOp("DELETE", "root"),
	}
	doc.Paths.Set("/api/v1/proxy", root)

	providers := make([]interface{}, 0, len(shaper.Providers()))
	for _, p := range shaper.Providers() {
		providers = append(providers, p.String())
	}
	provParam := &openapi3.ParameterRef{Value: &openapi3.Parameter{
		Name:        "provider",
		In:          "path",
		Required:    true,
		Description: "Known upstream provider. Requests routed here have max_tokens clamped.",
		Schema:      &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Enum: providers}},
	}}
	restParam := &openapi3.ParameterRef{Value: &openapi3.Parameter{
		Name:     "path",
		In:       "path",
		Required: true,
		Schema:   &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
	}}
	provItem := &openapi3.PathItem{
		Parameters: openapi3.Parameters{provParam, restParam},
		Get:        proxyOp("GET", "provider"),
		Post:       proxyOp("POST", "provider"),
		Put:        proxyOp("PUT", "provider"),
		Delete:     proxyOp("DELETE", "provider"),
	}
	doc.Paths.Set("/api/v1/proxy/{provider}/{path}", provItem)
}

func proxyResponses() *openapi3.Responses {
	responses := newResponses("200", "Upstream response, relayed", &openapi3.SchemaRef{Value: &openapi3.Schema{}})
	errorRef := openapi3.NewSchemaRef("#/components/schemas/ErrorResponse", nil)
	setResponse(responses, "429", "Per-key minute limit exceeded", errorRef)
	setResponse(responses, "502", "Upstream unreachable or answered non-2xx", errorRef)
	return responses
}

// ─── Metered endpoints ──────────────────────────────────────────────────────

func addMeteredPaths(doc *openapi3.T) {
	keyAuth := openapi3.SecurityRequirements{{"apiKey": {}}}
	usageRef := openapi3.NewSchemaRef("#/components/schemas/Usage", nil)
	errorRef := openapi3.NewSchemaRef("#/components/schemas/ErrorResponse", nil)

	chatResp := newResponses("200", "Model reply", objectSchema(openapi3.Schemas{
		"content": stringProp(""),
		"type":    stringProp(""),
		"model":   stringProp(""),
		"usage":   usageRef,
	}))
	setResponse(chatResp, "429", "Daily quota exceeded", errorRef)
	setResponse(chatResp, "502", "Model server failed", errorRef)
	doc.Paths.Set("/api/v1/ai", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"metered"},
			Summary:     "Ask the model a question",
			OperationID: "ai_chat",
			Security:    &keyAuth,
			RequestBody: jsonBody(objectSchema(openapi3.Schemas{
				"message": stringProp("Test-tier keys are limited to 500 characters."),
				"model":   stringProp(""),
			}, "message")),
			Responses: chatResp,
		},
	})

	searchResp := newResponses("200", "Ranked results", objectSchema(openapi3.Schemas{
		"results": &openapi3.SchemaRef{Value: &openapi3.Schema{
			Type: &openapi3.Types{"array"},
			Items: objectSchema(openapi3.Schemas{
				"id":      stringProp(""),
				"title":   stringProp(""),
				"content": stringProp(""),
				"url":     stringProp(""),
				"score":   &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"number"}, Format: "double"}},
			}),
		}},
		"total": intProp(""),
		"usage": usageRef,
	}))
	setResponse(searchResp, "429", "Daily quota exceeded", errorRef)
	doc.Paths.Set("/api/v1/search", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"metered"},
			Summary:     "Run a search",
			OperationID: "search",
			Security:    &keyAuth,
			RequestBody: jsonBody(objectSchema(openapi3.Schemas{
				"query": stringProp(""),
				"type":  stringProp(""),
			}, "query")),
			Responses: searchResp,
		},
	})
}

// ─── System API ─────────────────────────────────────────────────────────────

func addSystemPaths(doc *openapi3.T) {
	admin := openapi3.SecurityRequirements{{"adminSession": {}}}
	keyRef := openapi3.NewSchemaRef("#/components/schemas/APIKey", nil)
	adminRef := openapi3.NewSchemaRef("#/components/schemas/Admin", nil)
	ok := objectSchema(openapi3.Schemas{"success": boolProp(), "message": stringProp("")})

	doc.Paths.Set("/api/v1/system/admin/session", &openapi3.PathItem{
		Post: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     "Admin login",
			OperationID: "admin_login",
			RequestBody: jsonBody(objectSchema(openapi3.Schemas{
				"email":    stringProp(""),
				"password": stringProp(""),
			}, "email", "password")),
			Responses: newResponses("200", "Session token", objectSchema(openapi3.Schemas{
				"session_token": stringProp(""),
				"token_type":    stringProp(""),
				"expires_in":    intProp("Seconds until the token expires."),
				"admin_id":      intProp(""),
				"email":         stringProp(""),
				"name":          stringProp(""),
			})),
		},
		Delete: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     "Admin logout",
			OperationID: "admin_logout",
			Security:    &admin,
			Responses:   newResponses("200", "Logged out", ok),
		},
	})

	doc.Paths.Set("/api/v1/system/admin", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     "List admins",
			OperationID: "list_admins",
			Security:    &admin,
			Responses:   newResponses("200", "Admins", listSchema(adminRef)),
		},
		Post: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     "Create an admin",
			OperationID: "create_admin",
			Security:    &admin,
			RequestBody: jsonBody(objectSchema(openapi3.Schemas{
				"email":    stringProp(""),
				"password": stringProp("At least 8 characters."),
				"name":     stringProp(""),
			}, "email", "password")),
			Responses: newResponses("201", "Created", adminRef),
		},
	})

	ownerParam := &openapi3.ParameterRef{Value: &openapi3.Parameter{
		Name:        "owner_id",
		In:          "query",
		Description: "Only list keys of this account.",
		Schema:      &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
	}}
	doc.Paths.Set("/api/v1/system/api-key", &openapi3.PathItem{
		Get: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     "List API keys",
			OperationID: "list_api_keys",
			Security:    &admin,
			Parameters:  openapi3.Parameters{ownerParam},
			Responses:   newResponses("200", "Keys", listSchema(keyRef)),
		},
		Post: &openapi3.Operation{
			Tags:        []string{"system"},
			Summary:     "Issue an API key",
			Description: "The plaintext key is returned once in api_key and cannot be recovered.",
			OperationID: "create_api_key",
			Security:    &admin,
			RequestBody: jsonBody(objectSchema(openapi3.Schemas{
				"owner_id":   stringProp(""),
				"label":      stringProp(""),
				"target_url": stringProp(""),
				"tier":       enumProp("test", "free", "paid"),
			}, "owner_id")),
			Responses: newResponses("201", "Created", keyRef),
		},
	})

	idParam := &openapi3.ParameterRef{Value: &openapi3.Parameter{
		Name:     "keyId",
		In:       "path",
		Required: true,
		Schema:   &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}}},
	}}
	doc.Paths.Set("/api/v1/system/api-key/{keyId}", &openapi3.PathItem{
		Parameters: openapi3.Parameters{idParam},
		Get: &openapi3.Operation{
			Tags: []string{"system"}, Summary: "Get an API key", OperationID: "get_api_key",
			Security: &admin, Responses: newResponses("200", "Key", keyRef),
		},
		Patch: &openapi3.Operation{
			Tags: []string{"system"}, Summary: "Update an API key", OperationID: "update_api_key",
			Security: &admin,
			RequestBody: jsonBody(objectSchema(openapi3.Schemas{
				"is_active":  boolProp(),
				"target_url": stringProp(""),
				"label":      stringProp(""),
			})),
			Responses: newResponses("200", "Updated key", keyRef),
		},
		Delete: &openapi3.Operation{
			Tags: []string{"system"}, Summary: "Delete an API key", OperationID: "delete_api_key",
			Security: &admin, Responses: newResponses("200", "Deleted", ok),
		},
	})
	doc.Paths.Set("/api/v1/system/api-key/{keyId}/revoke", &openapi3.PathItem{
		Parameters: openapi3.Parameters{idParam},
		Post: &openapi3.Operation{
			Tags: []string{"system"}, Summary: "Revoke an API key", OperationID: "revoke_api_key",
			Security: &admin, Responses: newResponses("200", "Revoked", ok),
		},
	})
	doc.Paths.Set("/api/v1/system/api-key/{keyId}/usage", &openapi3.PathItem{
		Parameters: openapi3.Parameters{idParam},
		Get: &openapi3.Operation{
			Tags: []string{"system"}, Summary: "Recent usage of an API key", OperationID: "api_key_usage",
			Security: &admin,
			Responses: newResponses("200", "Usage records", listSchema(objectSchema(openapi3.Schemas{
				"id":            stringProp(""),
				"key_id":        stringProp(""),
				"endpoint":      stringProp(""),
				"status":        intProp(""),
				"validation_ms": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"number"}}},
				"forward_ms":    &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"number"}}},
				"created_at":    dateTimeProp(""),
			}))),
		},
	})
}

// ─── Builders ───────────────────────────────────────────────────────────────

// newResponses builds a Responses map with a success response and standard error responses.
func newResponses(statusCode, description string, schema *openapi3.SchemaRef) *openapi3.Responses {
	responses := openapi3.NewResponses()
	setResponse(responses, statusCode, description, schema)

	errorRef := openapi3.NewSchemaRef("#/components/schemas/ErrorResponse", nil)
	setResponse(responses, "400", "Bad request", errorRef)
	setResponse(responses, "401", "Unauthorized", errorRef)
	setResponse(responses, "500", "Internal server error", errorRef)
	return responses
}

func setResponse(responses *openapi3.Responses, status, description string, schema *openapi3.SchemaRef) {
	desc := description
	responses.Set(status, &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &desc,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	})
}

func jsonBody(schema *openapi3.SchemaRef) *openapi3.RequestBodyRef {
	return &openapi3.RequestBodyRef{
		Value: &openapi3.RequestBody{
			Required: true,
			Content:  openapi3.NewContentWithJSONSchemaRef(schema),
		},
	}
}

// listSchema is the {resource, meta} envelope of list endpoints.
func listSchema(item *openapi3.SchemaRef) *openapi3.SchemaRef {
	return objectSchema(openapi3.Schemas{
		"resource": &openapi3.SchemaRef{Value: &openapi3.Schema{
			Type:  &openapi3.Types{"array"},
			Items: item,
		}},
		"meta": objectSchema(openapi3.Schemas{"count": intProp("")}),
	})
}

func objectSchema(props openapi3.Schemas, required ...string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{
		Value: &openapi3.Schema{
			Type:       &openapi3.Types{"object"},
			Properties: props,
			Required:   required,
		},
	}
}

func stringProp(description string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Description: description}}
}

func intProp(description string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: "int64", Description: description}}
}

func boolProp() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}}
}

func dateTimeProp(description string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Format: "date-time", Description: description}}
}

func enumProp(values ...string) *openapi3.SchemaRef {
	enum := make([]interface{}, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Enum: enum}}
}
