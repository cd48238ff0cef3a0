// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianDAQ/services/daq/api"
)

// monitorAPI is what the monitor needs from a running pipeline.
type monitorAPI interface {
	Status(ctx context.Context) (api.StatusResponse, error)
	Anomalies(ctx context.Context, limit int) (api.AnomaliesResponse, error)
	Pause(ctx context.Context) (api.StatusResponse, error)
	Resume(ctx context.Context) (api.StatusResponse, error)
}

// apiClient talks to the pipeline's HTTP API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

// newAPIClient creates a client for base. token, when set, is sent as a
// bearer token on every request.
func newAPIClient(base, token string) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *apiClient) Status(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	return out, c.do(ctx, http.MethodGet, "/v1/status", &out)
}

func (c *apiClient) Anomalies(ctx context.Context, limit int) (api.AnomaliesResponse, error) {
	var out api.AnomaliesResponse
	return out, c.do(ctx, http.MethodGet, fmt.Sprintf("/v1/anomalies?limit=%d", limit), &out)
}

func (c *apiClient) Pause(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	return out, c.do(ctx, http.MethodPost, "/v1/pause", &out)
}

func (c *apiClient) Resume(ctx context.Context) (api.StatusResponse, error) {
	var out api.StatusResponse
	return out, c.do(ctx, http.MethodPost, "/v1/resume", &out)
}

func (c *apiClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr api.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%s)", method, path, apiErr.Error, apiErr.Code)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
