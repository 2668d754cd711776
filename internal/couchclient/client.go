// Package couchclient is the HTTP client capability of §4.1: it knows how
// to call a CouchDB/Cloudant database's changes feed, bulk-get, bulk-docs,
// and all_docs endpoints, retrying transient failures and mapping
// terminal failures to the typed errors in internal/cberrors.
package couchclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/couchbackup-sub000/internal/cberrors"
	"github.com/IBM/couchbackup-sub000/internal/logutil"
)

// Client is the capability the backup/restore core requires from an HTTP
// transport, per §4.1 item 1 of the pipeline.
type Client interface {
	HeadDatabase(ctx context.Context) error
	GetDatabaseInformation(ctx context.Context) (DatabaseInfo, error)
	PostChanges(ctx context.Context, seqInterval int) (io.ReadCloser, error)
	PostBulkGet(ctx context.Context, ids []string, revs bool) (BulkGetResponse, error)
	PostBulkDocs(ctx context.Context, docs []json.RawMessage, newEdits *bool) ([]BulkDocsResult, error)
	PostAllDocs(ctx context.Context, limit int, startKey string, includeDocs, attachments bool) (AllDocsResponse, error)
}

// Options configures a Client.
type Options struct {
	DatabaseURL    string // includes scheme, host, and database path; may carry userinfo
	RequestTimeout time.Duration
	Parallelism    int
	IAMAPIKey      string
	IAMTokenURL    string
	Transport      http.RoundTripper // optional, for tests
}

type client struct {
	baseURL *url.URL
	http    *retryClient
	sem     chan struct{}

	mu          sync.Mutex
	iamAPIKey   string
	iamTokenURL string
	bearerToken string
}

// New constructs a Client bound to a single database URL.
func New(opts Options) (Client, error) {
	u, err := url.Parse(opts.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("couchclient: invalid database url: %w", err)
	}

	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = 5
	}

	underlying := &http.Client{Timeout: timeout}
	if opts.Transport != nil {
		underlying.Transport = opts.Transport
	}

	return &client{
		baseURL:     u,
		http:        newRetryClient(underlying, 3),
		sem:         make(chan struct{}, parallelism),
		iamAPIKey:   opts.IAMAPIKey,
		iamTokenURL: opts.IAMTokenURL,
	}, nil
}

func (c *client) acquire() { c.sem <- struct{}{} }
func (c *client) release() { <-c.sem }

func (c *client) endpoint(suffix string) string {
	u := *c.baseURL
	if suffix != "" {
		u.Path = joinPath(u.Path, suffix)
	}
	return u.String()
}

func joinPath(base, suffix string) string {
	if len(base) > 0 && base[len(base)-1] == '/' {
		base = base[:len(base)-1]
	}
	if len(suffix) > 0 && suffix[0] != '/' {
		suffix = "/" + suffix
	}
	return base + suffix
}

func (c *client) newRequest(ctx context.Context, method, endpoint string, body []byte) (*http.Request, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	req.Header.Set("Accept", "application/json")

	if err := c.applyAuth(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// applyAuth attaches an IAM bearer token when configured, exchanging the
// API key for a token on first use and refreshing it after a 401 (see
// SPEC_FULL.md's supplemented iamApiKey behavior).
func (c *client) applyAuth(ctx context.Context, req *http.Request) error {
	if c.iamAPIKey == "" {
		return nil
	}
	token, err := c.currentBearerToken(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *client) currentBearerToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bearerToken != "" {
		return c.bearerToken, nil
	}
	token, err := c.exchangeIAMToken(ctx)
	if err != nil {
		return "", err
	}
	c.bearerToken = token
	return token, nil
}

func (c *client) invalidateBearerToken() {
	c.mu.Lock()
	c.bearerToken = ""
	c.mu.Unlock()
}

func (c *client) exchangeIAMToken(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "urn:ibm:params:oauth:grant-type:apikey")
	form.Set("apikey", c.iamAPIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.iamTokenURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("couchclient: iam token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("couchclient: iam token exchange returned status %d", resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("couchclient: decoding iam token response: %w", err)
	}
	return payload.AccessToken, nil
}

// do executes req, retrying transients, and maps a terminal status to a
// typed error. On success the caller is responsible for closing
// resp.Body (it is NOT drained or closed here so the caller can stream
// it, per the changes-feed contract).
func (c *client) do(ctx context.Context, req *http.Request, bulkGetProbe bool) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("couchclient: request failed: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized && c.iamAPIKey != "" {
		c.invalidateBearerToken()
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}

	defer resp.Body.Close()
	reason := readReason(resp)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return nil, cberrors.NewUnauthorized(fmt.Errorf(reason))
	case http.StatusForbidden:
		return nil, cberrors.NewForbidden(fmt.Errorf(reason))
	case http.StatusNotFound:
		if bulkGetProbe {
			return nil, cberrors.NewBulkGetError(fmt.Errorf(reason))
		}
		return nil, cberrors.NewDatabaseNotFound(logutil.StripCredentials(req.URL.String()), fmt.Errorf(reason))
	default:
		return nil, cberrors.NewHTTPFatalError(req.Method, logutil.StripCredentials(req.URL.String()), resp.StatusCode, reason)
	}
}

func readReason(resp *http.Response) string {
	var body struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(data, &body)
	if body.Reason != "" {
		return body.Reason
	}
	if body.Error != "" {
		return body.Error
	}
	return resp.Status
}

func (c *client) HeadDatabase(ctx context.Context) error {
	c.acquire()
	defer c.release()

	req, err := c.newRequest(ctx, http.MethodHead, c.endpoint(""), nil)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, req, false)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *client) GetDatabaseInformation(ctx context.Context) (DatabaseInfo, error) {
	c.acquire()
	defer c.release()

	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint(""), nil)
	if err != nil {
		return DatabaseInfo{}, err
	}
	resp, err := c.do(ctx, req, false)
	if err != nil {
		return DatabaseInfo{}, err
	}
	defer resp.Body.Close()

	var info DatabaseInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return DatabaseInfo{}, fmt.Errorf("couchclient: decoding database info: %w", err)
	}
	return info, nil
}

// PostChanges requests a bounded changes response with the given
// seq_interval (a server hint that suppresses intermediate last_seq rows,
// per §4.4 step 2) and returns the raw response body for the caller to
// stream-decode. feed=normal, not continuous: spec.md's Non-goals
// exclude continuous/live replication, and a continuous feed only closes
// with its last_seq after an idle timeout (60s by default) elapses with
// no new changes — on a database with ongoing writes it never closes at
// all. feed=normal returns exactly one bounded JSON object, the snapshot
// §4.4 requires. The caller MUST close the returned reader.
func (c *client) PostChanges(ctx context.Context, seqInterval int) (io.ReadCloser, error) {
	endpoint := c.endpoint("_changes")
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("feed", "normal")
	q.Set("seq_interval", strconv.Itoa(seqInterval))
	u.RawQuery = q.Encode()

	req, err := c.newRequest(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *client) PostBulkGet(ctx context.Context, ids []string, revs bool) (BulkGetResponse, error) {
	c.acquire()
	defer c.release()

	docs := make([]map[string]string, len(ids))
	for i, id := range ids {
		docs[i] = map[string]string{"id": id}
	}
	payload, err := json.Marshal(map[string]any{"docs": docs})
	if err != nil {
		return BulkGetResponse{}, err
	}

	endpoint := c.endpoint("_bulk_get")
	if revs {
		endpoint += "?revs=true"
	}

	req, err := c.newRequest(ctx, http.MethodPost, endpoint, payload)
	if err != nil {
		return BulkGetResponse{}, err
	}

	resp, err := c.do(ctx, req, len(ids) == 0)
	if err != nil {
		return BulkGetResponse{}, err
	}
	defer resp.Body.Close()

	var out BulkGetResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return BulkGetResponse{}, fmt.Errorf("couchclient: decoding bulk_get response: %w", err)
	}
	return out, nil
}

func (c *client) PostBulkDocs(ctx context.Context, docs []json.RawMessage, newEdits *bool) ([]BulkDocsResult, error) {
	c.acquire()
	defer c.release()

	body := map[string]any{"docs": docs}
	if newEdits != nil {
		body["new_edits"] = *newEdits
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("_bulk_docs"), payload)
	if err != nil {
		return nil, err
	}

	resp, err := c.do(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out []BulkDocsResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("couchclient: decoding bulk_docs response: %w", err)
	}
	return out, nil
}

func (c *client) PostAllDocs(ctx context.Context, limit int, startKey string, includeDocs, attachments bool) (AllDocsResponse, error) {
	c.acquire()
	defer c.release()

	endpoint := c.endpoint("_all_docs")
	u, err := url.Parse(endpoint)
	if err != nil {
		return AllDocsResponse{}, err
	}
	q := u.Query()
	q.Set("limit", strconv.Itoa(limit))
	q.Set("include_docs", strconv.FormatBool(includeDocs))
	if attachments {
		q.Set("attachments", "true")
	}
	if startKey != "" {
		startKeyJSON, err := json.Marshal(startKey)
		if err != nil {
			return AllDocsResponse{}, err
		}
		q.Set("startkey", string(startKeyJSON))
	}
	u.RawQuery = q.Encode()

	req, err := c.newRequest(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return AllDocsResponse{}, err
	}

	resp, err := c.do(ctx, req, false)
	if err != nil {
		return AllDocsResponse{}, err
	}
	defer resp.Body.Close()

	var out AllDocsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return AllDocsResponse{}, fmt.Errorf("couchclient: decoding all_docs response: %w", err)
	}
	return out, nil
}
