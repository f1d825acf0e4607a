// Package api is the thin client for the backend REST service that owns
// boxes, movies and users. The engines only consume it for initialization
// input (box metadata, movie URL, identity); everything stateful lives on
// the backend side.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotFound is returned for 404 responses.
var ErrNotFound = errors.New("api: not found")

// ErrUnauthorized is returned for 401/403 responses.
var ErrUnauthorized = errors.New("api: unauthorized")

// Box is one shared movie session.
type Box struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MovieID   string `json:"movieId,omitempty"`
	CreatorID string `json:"creatorId"`
}

// Movie is one playable resource.
type Movie struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// User is the authenticated identity.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type loginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Client talks to the backend. Safe for concurrent use once constructed.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// New creates a client for baseURL with the given request timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// SetToken installs a bearer token for subsequent requests.
func (c *Client) SetToken(token string) { c.token = token }

// Login authenticates and installs the returned token.
func (c *Client) Login(ctx context.Context, username, password string) (User, error) {
	var resp loginResponse
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", body, &resp); err != nil {
		return User{}, err
	}
	c.token = resp.Token
	return resp.User, nil
}

// GetBox fetches one box's metadata.
func (c *Client) GetBox(ctx context.Context, id string) (Box, error) {
	var box Box
	err := c.do(ctx, http.MethodGet, "/boxes/"+id, nil, &box)
	return box, err
}

// GetMovie fetches one movie.
func (c *Client) GetMovie(ctx context.Context, id string) (Movie, error) {
	var movie Movie
	err := c.do(ctx, http.MethodGet, "/movies/"+id, nil, &movie)
	return movie, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: marshal %s %s: %w", method, path, err)
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("api: build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrUnauthorized, path)
	case resp.StatusCode >= 300:
		return fmt.Errorf("api: %s %s: status %d", method, path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s %s: %w", method, path, err)
	}
	return nil
}
