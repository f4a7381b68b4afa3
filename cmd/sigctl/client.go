package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// apiClient は署名保管APIのHTTPクライアント。
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string, httpClient *http.Client) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
	}
}

type consistencyReport struct {
	Clean            bool     `json:"clean"`
	Checked          int      `json:"checked"`
	BlobsWithoutKeys []string `json:"blobs_without_keys"`
	KeysWithoutBlobs []string `json:"keys_without_blobs"`
}

// do はリクエストを送信し、期待したステータス以外はエラーに変換する。
// リクエストごとに X-Request-Id を付与する。
func (c *apiClient) do(ctx context.Context, method, path string, body io.Reader, contentType string, want ...int) (int, []byte, error) {
	if c.baseURL == "" {
		return 0, nil, fmt.Errorf("--api-url is required (or set SIGCTL_API_URL)")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}

	for _, status := range want {
		if resp.StatusCode == status {
			return resp.StatusCode, respBody, nil
		}
	}
	return resp.StatusCode, nil, handleErrorResponse(resp.StatusCode, respBody)
}

func (c *apiClient) save(ctx context.Context, name string, image []byte) ([]byte, error) {
	path := "/v1/signatures?name=" + url.QueryEscape(name)
	_, body, err := c.do(ctx, http.MethodPost, path, bytes.NewReader(image), "application/octet-stream", http.StatusCreated)
	return body, err
}

func (c *apiClient) load(ctx context.Context, id string) ([]byte, error) {
	_, body, err := c.do(ctx, http.MethodGet, "/v1/signatures/"+escapeID(id), nil, "", http.StatusOK)
	return body, err
}

func (c *apiClient) delete(ctx context.Context, id string) error {
	_, _, err := c.do(ctx, http.MethodDelete, "/v1/signatures/"+escapeID(id), nil, "", http.StatusNoContent)
	return err
}

func (c *apiClient) list(ctx context.Context) ([]byte, error) {
	_, body, err := c.do(ctx, http.MethodGet, "/v1/signatures", nil, "", http.StatusOK)
	return body, err
}

// consistency は整合性検査の結果を取得する。不整合（409）もエラーとはしない。
func (c *apiClient) consistency(ctx context.Context) (*consistencyReport, []byte, error) {
	_, body, err := c.do(ctx, http.MethodGet, "/v1/signatures/consistency", nil, "", http.StatusOK, http.StatusConflict)
	if err != nil {
		return nil, nil, err
	}
	var report consistencyReport
	if err := json.Unmarshal(body, &report); err != nil {
		return nil, nil, fmt.Errorf("parsing response: %w", err)
	}
	return &report, body, nil
}

func escapeID(id string) string {
	return url.PathEscape(id)
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&errResp); err == nil && errResp.Message != "" {
		return fmt.Errorf("%s (%s)", errResp.Message, errResp.Code)
	}
	return fmt.Errorf("server returned status %d", statusCode)
}
