package couchclient

import "encoding/json"

// DatabaseInfo is the subset of GET /{db} this core needs.
type DatabaseInfo struct {
	DBName       string `json:"db_name"`
	DocCount     int64  `json:"doc_count"`
	DocDelCount  int64  `json:"doc_del_count"`
}

// ChangeRow is one element of a bounded (feed=normal) _changes response's
// results array, per §4.4.
type ChangeRow struct {
	ID      string          `json:"id"`
	Seq     json.RawMessage `json:"seq"`
	Changes []struct {
		Rev string `json:"rev"`
	} `json:"changes"`
	Deleted bool `json:"deleted"`
}

// BulkGetResponse is the decoded body of POST /{db}/_bulk_get.
type BulkGetResponse struct {
	Results []struct {
		ID   string `json:"id"`
		Docs []struct {
			OK    json.RawMessage `json:"ok,omitempty"`
			Error *struct {
				ID     string `json:"id"`
				Rev    string `json:"rev"`
				Error  string `json:"error"`
				Reason string `json:"reason"`
			} `json:"error,omitempty"`
		} `json:"docs"`
	} `json:"results"`
}

// BulkDocsResult is one entry of POST /{db}/_bulk_docs's response array.
type BulkDocsResult struct {
	ID     string `json:"id"`
	Rev    string `json:"rev,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// AllDocsResponse is the decoded body of GET /{db}/_all_docs.
type AllDocsResponse struct {
	TotalRows int64 `json:"total_rows"`
	Rows      []struct {
		ID  string          `json:"id"`
		Doc json.RawMessage `json:"doc"`
	} `json:"rows"`
}
