package api

import (
	"encoding/json"
	"time"
)

// UnlockRequest is the JSON body for POST /v1/unlock. Salt and KDF come from
// the stored profile unless both are given.
type UnlockRequest struct {
	UserID   string `json:"userId"`
	Password string `json:"password"`
	SaltB64  string `json:"salt_b64,omitempty"`
	KDF      string `json:"kdf,omitempty"`
}

// FieldSummary describes one stored field without its value.
type FieldSummary struct {
	Name        string    `json:"name"`
	Version     int       `json:"version"`
	LastUpdated time.Time `json:"lastUpdated"`
}

// ListFieldsResponse is returned from GET /v1/fields.
type ListFieldsResponse struct {
	Fields []FieldSummary `json:"fields"`
	Page   PageMeta       `json:"page"`
}

// FieldResponse is returned from GET and PUT /v1/fields/{name}.
type FieldResponse struct {
	Name        string          `json:"name"`
	Value       json.RawMessage `json:"value,omitempty"`
	Version     int             `json:"version"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

// PutFieldRequest is the JSON body for PUT /v1/fields/{name}. A zero version
// keeps the stored one.
type PutFieldRequest struct {
	Value   json.RawMessage `json:"value"`
	Version int             `json:"version,omitempty"`
}
