// Package zfssa is a client for the Oracle ZFS Storage Appliance
// REST API. It maintains an authenticated session and exposes the
// LUN, snapshot and SAN configuration surface volume backends need.
package zfssa

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "zfssa")

// SetLogger configures the entry used for logging.
func SetLogger(entry *logrus.Entry) {
	log = entry
}

const (
	accessPath = "/api/access/v1"
	sessionHdr = "X-Auth-Session"
)

// Error is a failed appliance request.
type Error struct {
	Status int
	Path   string
	Body   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("zfssa: %s returned %d: %s", e.Path, e.Status, e.Body)
}

// IsNotFound reports whether err is an appliance 404.
func IsNotFound(err error) bool {
	zerr, ok := err.(*Error)
	return ok && zerr.Status == http.StatusNotFound
}

// IsAlreadyExists reports whether err is an appliance 409.
func IsAlreadyExists(err error) bool {
	zerr, ok := err.(*Error)
	return ok && zerr.Status == http.StatusConflict
}

// Client talks to one appliance management interface.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client

	mu      sync.Mutex
	session string
}

// NewClient returns a client for the appliance management URL, e.g.
// "https://zfssa.example.com:215". Appliances ship self-signed
// certificates, so verification is controlled by the caller.
func NewClient(baseURL, username, password string, insecure bool) *Client {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: insecure},
	}
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		http: &http.Client{
			Transport: transport,
			Timeout:   60 * time.Second,
		},
	}
}

// Login authenticates and stores the session token. Request methods
// call it on demand and again when the appliance expires the session.
func (c *Client) Login(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+accessPath, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Auth-User", c.username)
	req.Header.Set("X-Auth-Key", c.password)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{Status: resp.StatusCode, Path: accessPath, Body: string(body)}
	}
	c.mu.Lock()
	c.session = resp.Header.Get(sessionHdr)
	c.mu.Unlock()
	log.WithField("appliance", c.baseURL).Debug("logged in to appliance")
	return nil
}

func (c *Client) sessionToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// do runs one authenticated request and decodes the JSON response
// into out when out is non-nil. A 401 response triggers a single
// re-login and retry.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	if c.sessionToken() == "" {
		if err := c.Login(ctx); err != nil {
			return err
		}
	}
	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if body != nil {
			buf, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reader = bytes.NewReader(buf)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set(sessionHdr, c.sessionToken())
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusUnauthorized && attempt == 0 {
			resp.Body.Close()
			log.WithField("path", path).Debug("session expired, logging in again")
			if err := c.Login(ctx); err != nil {
				return err
			}
			continue
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			buf, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return &Error{Status: resp.StatusCode, Path: path, Body: string(buf)}
		}
		if out != nil {
			return json.NewDecoder(resp.Body).Decode(out)
		}
		return nil
	}
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) put(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPut, path, body, out)
}

func (c *Client) delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}
