// Copyright 2025 Apptank
// SPDX-License-Identifier: Apache-2.0

package horus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// NetworkValidator reports connectivity and notifies on transitions.
// Callbacks may fire on arbitrary goroutines; subscribers must hand off
// any I/O instead of doing it inline.
type NetworkValidator interface {
	IsNetworkAvailable() bool
	OnNetworkChange(func(available bool))
}

// SessionHolder answers whether an authenticated user session exists.
type SessionHolder interface {
	IsUserAuthenticated() bool
	UserID() (string, bool)
}

// RemoteService is the sync endpoint contract. Every call returns a
// tri-state Result; transport and decode errors are folded into the
// Failure state and a rejected session into NotAuthorized.
type RemoteService interface {
	PostQueueActions(ctx context.Context, actions []SyncAction) Result[Unit]
	GetQueueActions(ctx context.Context, checkpoint int64, excludeTimestamps []int64) Result[[]SyncAction]
	PostValidateEntitiesData(ctx context.Context, hashes []EntityHash) Result[[]EntityHashValidation]
	PostValidateHashing(ctx context.Context, data map[string]any, hash string) Result[HashingValidation]
	GetEntityHashes(ctx context.Context, entity string) Result[[]EntityIdHash]
	GetDataEntity(ctx context.Context, entity string, ids []string) Result[[]EntityData]
	GetDataShared(ctx context.Context) Result[[]EntityData]
	GetMigration(ctx context.Context) Result[[]EntityScheme]
}

// HTTPService is the JSON-over-HTTP implementation of RemoteService.
type HTTPService struct {
	BaseURL string
	Token   func(context.Context) (string, error) // returns the bearer token
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewHTTPService creates a RemoteService client against baseURL.
func NewHTTPService(baseURL string, token func(context.Context) (string, error), logger *slog.Logger) *HTTPService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPService{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: 120 * time.Second},
		logger:  logger,
	}
}

func (s *HTTPService) PostQueueActions(ctx context.Context, actions []SyncAction) Result[Unit] {
	req := QueueActionsRequest{Actions: actions}
	return requestJSON[Unit](ctx, s, http.MethodPost, "/sync/queue/actions", &req, func([]byte) (Unit, error) {
		return Unit{}, nil
	})
}

func (s *HTTPService) GetQueueActions(ctx context.Context, checkpoint int64, excludeTimestamps []int64) Result[[]SyncAction] {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(checkpoint, 10))
	if len(excludeTimestamps) > 0 {
		parts := make([]string, len(excludeTimestamps))
		for i, ts := range excludeTimestamps {
			parts[i] = strconv.FormatInt(ts, 10)
		}
		q.Set("exclude", strings.Join(parts, ","))
	}
	path := "/sync/queue/actions?" + q.Encode()
	return requestJSON[[]SyncAction](ctx, s, http.MethodGet, path, nil, func(body []byte) ([]SyncAction, error) {
		var resp QueueActionsResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		return resp.Actions, nil
	})
}

func (s *HTTPService) PostValidateEntitiesData(ctx context.Context, hashes []EntityHash) Result[[]EntityHashValidation] {
	req := ValidateEntitiesRequest{Entities: hashes}
	return requestJSON[[]EntityHashValidation](ctx, s, http.MethodPost, "/sync/validate/data", &req, func(body []byte) ([]EntityHashValidation, error) {
		var resp ValidateEntitiesResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		return resp.Entities, nil
	})
}

func (s *HTTPService) PostValidateHashing(ctx context.Context, data map[string]any, hash string) Result[HashingValidation] {
	req := ValidateHashingRequest{Data: data, Hash: hash}
	return requestJSON[HashingValidation](ctx, s, http.MethodPost, "/sync/validate/hashing", &req, func(body []byte) (HashingValidation, error) {
		var resp HashingValidation
		err := json.Unmarshal(body, &resp)
		return resp, err
	})
}

func (s *HTTPService) GetEntityHashes(ctx context.Context, entity string) Result[[]EntityIdHash] {
	path := "/sync/entity/" + url.PathEscape(entity) + "/hashes"
	return requestJSON[[]EntityIdHash](ctx, s, http.MethodGet, path, nil, func(body []byte) ([]EntityIdHash, error) {
		var resp EntityHashesResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		return resp.Hashes, nil
	})
}

func (s *HTTPService) GetDataEntity(ctx context.Context, entity string, ids []string) Result[[]EntityData] {
	path := "/sync/entity/" + url.PathEscape(entity) + "/data"
	if len(ids) > 0 {
		q := url.Values{}
		q.Set("ids", strings.Join(ids, ","))
		path += "?" + q.Encode()
	}
	return requestJSON[[]EntityData](ctx, s, http.MethodGet, path, nil, decodeEntityData)
}

func (s *HTTPService) GetDataShared(ctx context.Context) Result[[]EntityData] {
	return requestJSON[[]EntityData](ctx, s, http.MethodGet, "/sync/data/shared", nil, decodeEntityData)
}

func (s *HTTPService) GetMigration(ctx context.Context) Result[[]EntityScheme] {
	return requestJSON[[]EntityScheme](ctx, s, http.MethodGet, "/sync/migration", nil, func(body []byte) ([]EntityScheme, error) {
		var resp MigrationResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		return resp.Entities, nil
	})
}

func decodeEntityData(body []byte) ([]EntityData, error) {
	var resp EntityDataResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// requestJSON performs one authenticated JSON round-trip and folds the
// outcome into a tri-state Result.
func requestJSON[T any](ctx context.Context, s *HTTPService, method, path string, payload any, decode func([]byte) (T, error)) Result[T] {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Failure[T](fmt.Errorf("failed to marshal request: %w", err))
		}
		body = bytes.NewBuffer(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, s.BaseURL+path, body)
	if err != nil {
		return Failure[T](fmt.Errorf("failed to create HTTP request: %w", err))
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	token, err := s.Token(ctx)
	if err != nil {
		return Failure[T](fmt.Errorf("failed to get bearer token: %w", err))
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.HTTP.Do(httpReq)
	if err != nil {
		return Failure[T](fmt.Errorf("failed to send HTTP request: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Failure[T](fmt.Errorf("failed to read response body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		s.logger.Warn("sync request rejected as not authorized", "method", method, "path", path)
		return NotAuthorized[T]()
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Failure[T](fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(respBody)))
	}

	data, err := decode(respBody)
	if err != nil {
		return Failure[T](fmt.Errorf("failed to decode response: %w", err))
	}
	return Success(data)
}
