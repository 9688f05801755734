package errors

import (
	"bytes"
	"encoding/json"
	"sort"
)

// Code is a stable error code shared across the engine's packages. Once
// published, codes should be treated as API-stable.
type Code string

// CodeMeta provides metadata useful for HTTP mapping, retry decisions, and documentation.
type CodeMeta struct {
	HTTPStatus  int    `json:"http_status"`
	Retryable   bool   `json:"retryable"`
	Kind        string `json:"kind"`        // client|server|dependency
	Description string `json:"description"` // human description
}

// ---- ANNOTATE ----
const (
	MissingSource     Code = "annotate.missing_source"
	BadClassification Code = "annotate.bad_classification"
)

// ---- MERGE ----
const (
	Incoherent Code = "merge.incoherent"
	EmptyMerge Code = "merge.empty"
)

// ---- KEYS ----
const (
	MissingSchema         Code = "keys.missing_schema"
	MissingClassification Code = "keys.missing_classification"
	MissingSourceFields   Code = "keys.missing_source_fields"
)

// ---- INGEST ----
const (
	MalformedJSON Code = "ingest.malformed_json"
	EmptyHistory  Code = "ingest.empty_history"
)

// ---- STORE ----
const (
	StoreTimeout      Code = "store.timeout"
	ConnectionFailure Code = "store.connection_failure"
	StoreConflict     Code = "store.conflict"
	RecordNotFound    Code = "store.not_found"
)

// ---- INDEX ----
const (
	IndexFailure Code = "index.failure"
)

// ---- HTTP ----
const (
	InvalidUUID Code = "http.invalid_uuid"
)

// ---- INTERNAL ----
const (
	Internal Code = "internal"
)

// registry is intentionally unexported; use Meta/Known/List/ExportJSON.
var registry = map[Code]CodeMeta{
	// annotate
	MissingSource:     {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "document has no top-level source stamp"},
	BadClassification: {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "classification subtree is not an object"},

	// merge
	Incoherent: {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "merge inputs disagree on schema or classification"},
	EmptyMerge: {HTTPStatus: 500, Retryable: false, Kind: "server", Description: "reduce called with no documents"},

	// keys
	MissingSchema:         {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "document has no $schema field"},
	MissingClassification: {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "document has no classification field"},
	MissingSourceFields:   {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "source stamp missing required fields"},

	// ingest
	MalformedJSON: {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "message payload is not valid JSON"},
	EmptyHistory:  {HTTPStatus: 404, Retryable: false, Kind: "client", Description: "entity has no history records"},

	// store
	StoreTimeout:      {HTTPStatus: 504, Retryable: true, Kind: "dependency", Description: "store call exceeded its deadline"},
	ConnectionFailure: {HTTPStatus: 503, Retryable: true, Kind: "dependency", Description: "store connection failed"},
	StoreConflict:     {HTTPStatus: 409, Retryable: true, Kind: "dependency", Description: "optimistic concurrency conflict"},
	RecordNotFound:    {HTTPStatus: 404, Retryable: false, Kind: "client", Description: "record not found"},

	// index
	IndexFailure: {HTTPStatus: 502, Retryable: true, Kind: "dependency", Description: "index backend rejected the write"},

	// http
	InvalidUUID: {HTTPStatus: 400, Retryable: false, Kind: "client", Description: "path segment is not a valid uuid"},

	// internal
	Internal: {HTTPStatus: 500, Retryable: true, Kind: "server", Description: "internal error"},
}

// Meta returns metadata for a code.
func Meta(code Code) (CodeMeta, bool) {
	m, ok := registry[code]
	return m, ok
}

func Known(code Code) bool {
	_, ok := registry[code]
	return ok
}

// List returns all known codes sorted.
func List() []Code {
	out := make([]Code, 0, len(registry))
	for k := range registry {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ExportJSON returns stable JSON of all codes + meta.
func ExportJSON() []byte {
	type row struct {
		Code Code     `json:"code"`
		Meta CodeMeta `json:"meta"`
	}
	codes := List()
	rows := make([]row, 0, len(codes))
	for _, c := range codes {
		rows = append(rows, row{Code: c, Meta: registry[c]})
	}
	b, err := json.Marshal(rows)
	if err != nil {
		return []byte("[]")
	}
	var buf bytes.Buffer
	_, _ = buf.Write(b)
	return buf.Bytes()
}
