// Sentinelarr - Media Server Session Guardian
// Copyright 2026 Sentinelarr contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/sentinelarr/sentinelarr

// Package mediaserver implements remote playback control against Plex,
// Jellyfin, and Emby servers. It is the concrete StreamController behind
// kill_stream and message_client actions; each configured server gets its
// own client and requests are routed by server ID.
package mediaserver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/sentinelarr/sentinelarr/internal/logging"
	"github.com/sentinelarr/sentinelarr/internal/models"
)

// ServerConfig describes one controllable media server.
type ServerConfig struct {
	ID     string
	Type   models.ServerType
	URL    string
	APIKey string
	Name   string
}

// Controller routes stream-control calls to per-server clients.
type Controller struct {
	clients map[string]*client
}

type client struct {
	serverType models.ServerType
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewController builds a controller over the configured servers.
func NewController(servers []ServerConfig) *Controller {
	clients := make(map[string]*client, len(servers))
	for _, s := range servers {
		clients[s.ID] = &client{
			serverType: s.Type,
			baseURL:    strings.TrimSuffix(s.URL, "/"),
			apiKey:     s.APIKey,
			httpClient: &http.Client{Timeout: 30 * time.Second},
		}
	}
	return &Controller{clients: clients}
}

// Terminate stops a stream. With a delay, the client is messaged first (where
// the platform supports it) and the stop runs after the delay elapses, giving
// the viewer the warning before playback dies.
func (c *Controller) Terminate(ctx context.Context, serverID, sessionKey string, delay time.Duration, message string) error {
	cl, ok := c.clients[serverID]
	if !ok {
		return fmt.Errorf("unknown server: %q", serverID)
	}

	if delay > 0 {
		if message != "" {
			if err := cl.sendMessage(ctx, sessionKey, message); err != nil {
				logging.Warn().Err(err).
					Str("server_id", serverID).
					Msg("Pre-termination message failed")
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return cl.terminate(ctx, sessionKey, message)
}

// SendMessage displays a message on the playback client without stopping it.
func (c *Controller) SendMessage(ctx context.Context, serverID, sessionKey, message string) error {
	cl, ok := c.clients[serverID]
	if !ok {
		return fmt.Errorf("unknown server: %q", serverID)
	}
	return cl.sendMessage(ctx, sessionKey, message)
}

func (cl *client) terminate(ctx context.Context, sessionKey, reason string) error {
	switch cl.serverType {
	case models.ServerTypePlex:
		// Plex terminates via a GET with the session and reason inline.
		endpoint := fmt.Sprintf("/status/sessions/terminate?sessionId=%s&reason=%s",
			url.QueryEscape(sessionKey), url.QueryEscape(reason))
		return cl.do(ctx, http.MethodGet, endpoint, nil)
	case models.ServerTypeJellyfin, models.ServerTypeEmby:
		endpoint := fmt.Sprintf("/Sessions/%s/Playing/Stop", url.PathEscape(sessionKey))
		return cl.do(ctx, http.MethodPost, endpoint, nil)
	default:
		return fmt.Errorf("unsupported server type: %q", cl.serverType)
	}
}

func (cl *client) sendMessage(ctx context.Context, sessionKey, message string) error {
	switch cl.serverType {
	case models.ServerTypeJellyfin, models.ServerTypeEmby:
		payload, err := json.Marshal(map[string]any{
			"Header":    "Sentinelarr",
			"Text":      message,
			"TimeoutMs": 10_000,
		})
		if err != nil {
			return fmt.Errorf("marshal message payload: %w", err)
		}
		endpoint := fmt.Sprintf("/Sessions/%s/Message", url.PathEscape(sessionKey))
		return cl.do(ctx, http.MethodPost, endpoint, payload)
	default:
		return fmt.Errorf("client messaging not supported on %q", cl.serverType)
	}
}

func (cl *client) do(ctx context.Context, method, endpoint string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, cl.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	switch cl.serverType {
	case models.ServerTypePlex:
		req.Header.Set("X-Plex-Token", cl.apiKey)
		req.Header.Set("Accept", "application/json")
	case models.ServerTypeJellyfin:
		req.Header.Set("Authorization", fmt.Sprintf(`MediaBrowser Token="%s"`, cl.apiKey))
	case models.ServerTypeEmby:
		req.Header.Set("X-Emby-Token", cl.apiKey)
	}

	resp, err := cl.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s returned status %d: %s", method, endpoint, resp.StatusCode, string(data))
	}
	return nil
}
