// Package client is the HTTP client of the coordinator API.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/vocdoni/maci-coordinator/api"
	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/orchestrator"
	"github.com/vocdoni/maci-coordinator/types"
)

const (
	// HTTPGET is the method string used for calling Request()
	HTTPGET = http.MethodGet
	// HTTPPOST is the method string used for calling Request()
	HTTPPOST = http.MethodPost

	errCodeNot200 = "API error"

	// DefaultRetries this enables Request() to handle the situation where the server connection fails
	DefaultRetries = 3
	// DefaultTimeout is the default timeout for the HTTP client
	DefaultTimeout = 10 * time.Second
)

// HTTPclient is the coordinator API HTTP client.
type HTTPclient struct {
	c       *http.Client
	host    *url.URL
	retries int
}

// New connects to the API host and returns the handle.
func New(host string) (*HTTPclient, error) {
	hostURL, err := url.Parse(host)
	if err != nil {
		return nil, err
	}

	tr := &http.Transport{
		IdleConnTimeout:    DefaultTimeout,
		DisableCompression: false,
		WriteBufferSize:    1 * 1024 * 1024, // 1 MiB
		ReadBufferSize:     1 * 1024 * 1024, // 1 MiB
	}
	c := &HTTPclient{
		c:       &http.Client{Transport: tr, Timeout: DefaultTimeout},
		host:    hostURL,
		retries: DefaultRetries,
	}
	log.Debugw("http client created", "host", hostURL.String())
	data, status, err := c.Request(HTTPGET, nil, nil, api.PingEndpoint)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%s: %d (%s)", errCodeNot200, status, data)
	}
	return c, nil
}

// SetRetries configures the number of retries for the HTTP client.
func (c *HTTPclient) SetRetries(n int) {
	c.retries = n
}

// SetTimeout configures the timeout for the HTTP client.
func (c *HTTPclient) SetTimeout(d time.Duration) {
	c.c.Timeout = d
	if tr, ok := c.c.Transport.(*http.Transport); ok {
		tr.ResponseHeaderTimeout = d
	}
}

// Request performs a `method` type raw request to the endpoint specified in urlPath parameter.
// Method is either GET or POST. If POST, a JSON struct should be attached.  Returns the response,
// the status code and an error.
//
// Supports query parameters via `params` slice. If the slice is not empty, it should contain pairs of strings;
// the first element of each pair is the key, and the second element is the value.
func (c *HTTPclient) Request(method string, jsonBody any, params []string, urlPath ...string) ([]byte, int, error) {
	var body []byte
	if jsonBody != nil {
		var err error
		if body, err = json.Marshal(jsonBody); err != nil {
			return nil, 0, fmt.Errorf("failed to marshal JSON: %w", err)
		}
	}
	return c.do(method, body, "application/json", params, urlPath...)
}

func (c *HTTPclient) do(method string, body []byte, contentType string, params []string, urlPath ...string) ([]byte, int, error) {
	u, err := url.Parse(c.host.String())
	if err != nil {
		return nil, 0, fmt.Errorf("failed to parse host URL: %w", err)
	}
	u.Path = path.Join(u.Path, path.Join(urlPath...))

	// Expecting even-length slice: [key1, val1, key2, val2, ...]
	if len(params) > 0 {
		values := url.Values{}
		for i := 0; i < len(params)-1; i += 2 {
			values.Set(params[i], params[i+1])
		}
		u.RawQuery = values.Encode()
	}

	headers := http.Header{}
	if body != nil {
		headers.Set("Content-Type", contentType)
		headers.Set("Accept", "application/json")
	}

	log.Debugw("http client request",
		"type", method,
		"url", u.String(),
		"body", func() string {
			if len(body) > 512 {
				return string(body[:512]) + "..."
			}
			return string(body)
		}(),
	)

	var resp *http.Response
	for i := 1; i <= c.retries; i++ {
		// Create a fresh request each attempt
		var reqBody io.Reader
		if body != nil {
			reqBody = bytes.NewReader(body)
		}
		req, rerr := http.NewRequest(method, u.String(), reqBody)
		if rerr != nil {
			return nil, 0, fmt.Errorf("failed to create request: %w", rerr)
		}
		req.Header = headers

		resp, err = c.c.Do(req)
		if err != nil {
			log.Warnw("http request failed", "error", err.Error(), "attempt", i, "retries", c.retries)
			time.Sleep(500 * time.Millisecond)
			continue
		}
		break
	}
	if err != nil {
		return nil, 0, fmt.Errorf("http request ultimately failed after retries: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response body: %w", err)
	}
	return data, resp.StatusCode, nil
}

// APIError is a non 200 response of the API.
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Code    int    `json:"code"`
	Kind    string `json:"kind,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %d: %s (code %d)", errCodeNot200, e.Status, e.Message, e.Code)
}

// decode unmarshals a 200 response into out, or returns the API error.
func decode(data []byte, status int, err error, out any) error {
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		apiErr := &APIError{Status: status}
		if jerr := json.Unmarshal(data, apiErr); jerr != nil {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}
	return json.Unmarshal(data, out)
}

func pollPath(endpoint string, pid types.PollID) string {
	return api.EndpointWithParam(endpoint, api.PollURLParam, pid.String())
}

// Polls returns the polls known to the coordinator.
func (c *HTTPclient) Polls() ([]types.PollID, error) {
	list := &api.PollList{}
	data, status, err := c.Request(HTTPGET, nil, nil, api.PollsEndpoint)
	if err := decode(data, status, err, list); err != nil {
		return nil, err
	}
	return list.Polls, nil
}

// Status returns the status of the poll pid.
func (c *HTTPclient) Status(pid types.PollID) (*orchestrator.Status, error) {
	st := &orchestrator.Status{}
	data, status, err := c.Request(HTTPGET, nil, nil, pollPath(api.PollEndpoint, pid))
	return st, decode(data, status, err, st)
}

// Checkpoints returns the checkpoints committed for the poll pid.
func (c *HTTPclient) Checkpoints(pid types.PollID) ([]*api.CheckpointInfo, error) {
	list := &api.CheckpointList{}
	data, status, err := c.Request(HTTPGET, nil, nil, pollPath(api.PollCheckpointsEndpoint, pid))
	if err := decode(data, status, err, list); err != nil {
		return nil, err
	}
	return list.Checkpoints, nil
}

// Results returns the tally of the poll pid.
func (c *HTTPclient) Results(pid types.PollID) (*orchestrator.Results, error) {
	res := &orchestrator.Results{}
	data, status, err := c.Request(HTTPGET, nil, nil, pollPath(api.PollResultsEndpoint, pid))
	return res, decode(data, status, err, res)
}

// Reset recovers the poll pid and returns the phase it was recovered to.
func (c *HTTPclient) Reset(pid types.PollID) (types.Phase, error) {
	res := &api.ResetResponse{}
	data, status, err := c.Request(HTTPPOST, nil, nil, pollPath(api.PollResetEndpoint, pid))
	return res.Phase, decode(data, status, err, res)
}

// RunSuites sends the YAML or JSON suites document to the coordinator and
// waits for their results.
func (c *HTTPclient) RunSuites(document []byte) (*api.SuiteResults, error) {
	res := &api.SuiteResults{}
	data, status, err := c.do(HTTPPOST, document, "application/yaml", nil, api.SuitesEndpoint)
	return res, decode(data, status, err, res)
}
