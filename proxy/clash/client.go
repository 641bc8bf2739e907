// Package clash implements a client for the Clash external controller API.
package clash

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/karin0/ip-roam/internal/httphelper"
	"github.com/karin0/ip-roam/proxy"
)

// Client manages the selector groups of a Clash external controller.
//
// Client implements [proxy.Client].
type Client struct {
	client              *http.Client
	baseURL             string
	authorizationHeader string
}

// NewClient creates a new [Client] for the controller at the given address.
// The address may omit the scheme, in which case plain HTTP is assumed.
// If secret is empty, requests are sent unauthenticated.
// If client is nil, [http.DefaultClient] is used.
func NewClient(client *http.Client, controller, secret string) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	baseURL := controller
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	var authorizationHeader string
	if secret != "" {
		authorizationHeader = "Bearer " + secret
	}
	return &Client{
		client:              client,
		baseURL:             baseURL,
		authorizationHeader: authorizationHeader,
	}
}

var _ proxy.Client = (*Client)(nil)

func (c *Client) selectorURL(selector string) string {
	return c.baseURL + "/proxies/" + url.PathEscape(selector)
}

// selectorStatus is the relevant subset of the proxy group object returned
// by the controller.
type selectorStatus struct {
	Now string `json:"now"`
}

// Active returns the name of the selector's currently active target.
//
// Active implements [proxy.Client.Active].
func (c *Client) Active(ctx context.Context, selector string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.selectorURL(selector), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	body, err := c.do(req)
	if err != nil {
		return "", err
	}

	var status selectorStatus
	if err = json.Unmarshal(body, &status); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return status.Now, nil
}

// setActiveRequest is the request body for switching a selector's active target.
type setActiveRequest struct {
	Name string `json:"name"`
}

// SetActive makes target the selector's active target.
//
// SetActive implements [proxy.Client.SetActive].
func (c *Client) SetActive(ctx context.Context, selector, target string) error {
	req, err := httphelper.NewJSONRequest(ctx, http.MethodPut, c.selectorURL(selector), setActiveRequest{Name: target})
	if err != nil {
		return err
	}
	_, err = c.do(req)
	return err
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.authorizationHeader != "" {
		req.Header["Authorization"] = []string{c.authorizationHeader}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	buf.Grow(max(0, int(resp.ContentLength)))
	if _, err = io.Copy(&buf, resp.Body); err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	bodyBytes := buf.Bytes()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("%w: unexpected status code %d: %q", proxy.ErrAPIResponseFailure, resp.StatusCode, bodyBytes)
	}

	return bodyBytes, nil
}
