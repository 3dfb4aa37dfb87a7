// Package jobclient provides the stateless request functions for the
// narration backend: submitting synthesis jobs, reading job status, uploading
// voice samples and reading the voice library.
//
// The client performs no retries, caching or scheduling. Callers own all
// polling semantics.
package jobclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// API endpoints and paths.
const (
	apiGenerate     = "/audio/generate"
	apiTaskStatus   = "/audio/tasks/"
	apiVoices       = "/voices"
	apiDefaultVoice = "/voices/default"
	apiVoiceLibrary = "/voices/library"
	apiHealth       = "/health"
)

// HTTP headers.
const (
	headerContentType = "Content-Type"
	headerAccept      = "Accept"
	contentTypeJSON   = "application/json"
)

// Multipart form fields of POST /voices.
const (
	formFieldFile         = "file"
	formFieldName         = "name"
	formFieldDescription  = "description"
	formFieldExaggeration = "exaggeration"
	formFieldIsDefault    = "is_default"
)

// Default synthesis parameters applied when the caller leaves them unset.
const (
	DefaultTemperature = 0.85
	DefaultCFGWeight   = 0.2
)

// Operation names used in NetworkError.
const (
	opSubmitSynthesis = "submit synthesis"
	opTaskStatus      = "fetch task status"
	opUploadVoice     = "upload voice"
	opDefaultVoice    = "fetch default voice"
	opListVoices      = "list voices"
	opHealthCheck     = "health check"
	opDownload        = "download asset"
)

const errFmtGenericStatus = "request failed with status %s"

// HTTPClient talks to the narration backend over HTTP.
type HTTPClient struct {
	httpClient *http.Client
	baseURL    string
	assetBase  *url.URL
}

// NewHTTPClient creates a client for the backend at baseURL, which may carry
// a path prefix such as "http://host:8000/api/v1". Asset locators returned by
// the backend are resolved against the scheme and host of baseURL unless
// WithAssetBase overrides it. The timeout applies to every request.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	trimmed := strings.TrimRight(baseURL, "/")

	client := &HTTPClient{
		baseURL: trimmed,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}

	parsed, err := url.Parse(trimmed)
	if err == nil {
		client.assetBase = &url.URL{Scheme: parsed.Scheme, Host: parsed.Host}
	}

	return client
}

// WithAssetBase overrides the base URL used by ResolveURL. Invalid values are
// ignored.
func (c *HTTPClient) WithAssetBase(base string) *HTTPClient {
	if base == "" {
		return c
	}

	parsed, err := url.Parse(base)
	if err == nil {
		c.assetBase = parsed
	}

	return c
}

// Float64 returns a pointer to v, for the optional SynthesisRequest fields.
func Float64(v float64) *float64 {
	return &v
}

// SubmitSynthesis creates a synthesis job and returns the backend task id.
func (c *HTTPClient) SubmitSynthesis(ctx context.Context, req SynthesisRequest) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return "", ErrTextEmpty
	}

	if req.VoiceID == "" {
		return "", ErrVoiceIDEmpty
	}

	if req.Temperature == nil {
		req.Temperature = Float64(DefaultTemperature)
	}

	if req.CFGWeight == nil {
		req.CFGWeight = Float64(DefaultCFGWeight)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal synthesis request: %w", err)
	}

	var resp submitResponse

	err = c.doJSON(ctx, opSubmitSynthesis, http.MethodPost, c.baseURL+apiGenerate,
		contentTypeJSON, bytes.NewReader(body), &resp)
	if err != nil {
		return "", err
	}

	if resp.TaskID == "" {
		return "", fmt.Errorf("%s: %w", opSubmitSynthesis, ErrEmptyResponse)
	}

	return resp.TaskID, nil
}

// TaskStatus fetches the current status of a synthesis job.
func (c *HTTPClient) TaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	if taskID == "" {
		return nil, ErrTaskIDEmpty
	}

	var status TaskStatus

	endpoint := c.baseURL + apiTaskStatus + url.PathEscape(taskID)

	err := c.doJSON(ctx, opTaskStatus, http.MethodGet, endpoint, "", http.NoBody, &status)
	if err != nil {
		return nil, err
	}

	return &status, nil
}

// UploadVoice sends a voice sample as multipart form data and returns the
// stored voice profile. The whole call is a single blocking request; the
// backend reports no intermediate progress.
func (c *HTTPClient) UploadVoice(ctx context.Context, upload VoiceUpload) (*Voice, error) {
	if upload.File == nil || upload.FileName == "" {
		return nil, ErrFileEmpty
	}

	if strings.TrimSpace(upload.Name) == "" {
		return nil, ErrNameEmpty
	}

	var buf bytes.Buffer

	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile(formFieldFile, upload.FileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}

	_, err = io.Copy(part, upload.File)
	if err != nil {
		return nil, fmt.Errorf("failed to copy voice sample: %w", err)
	}

	fields := [][2]string{
		{formFieldName, upload.Name},
		{formFieldExaggeration, strconv.FormatFloat(upload.Exaggeration, 'f', -1, 64)},
		{formFieldIsDefault, strconv.FormatBool(upload.IsDefault)},
	}
	if upload.Description != "" {
		fields = append(fields, [2]string{formFieldDescription, upload.Description})
	}

	for _, field := range fields {
		err = writer.WriteField(field[0], field[1])
		if err != nil {
			return nil, fmt.Errorf("failed to write %s field: %w", field[0], err)
		}
	}

	err = writer.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	var voice Voice

	err = c.doJSON(ctx, opUploadVoice, http.MethodPost, c.baseURL+apiVoices,
		writer.FormDataContentType(), &buf, &voice)
	if err != nil {
		return nil, err
	}

	if voice.VoiceID == "" {
		return nil, fmt.Errorf("%s: %w", opUploadVoice, ErrEmptyResponse)
	}

	return &voice, nil
}

// DefaultVoice returns the caller's default voice, or the system default.
func (c *HTTPClient) DefaultVoice(ctx context.Context) (*Voice, error) {
	var voice Voice

	err := c.doJSON(ctx, opDefaultVoice, http.MethodGet, c.baseURL+apiDefaultVoice, "", http.NoBody, &voice)
	if err != nil {
		return nil, err
	}

	if voice.VoiceID == "" {
		return nil, fmt.Errorf("%s: %w", opDefaultVoice, ErrEmptyResponse)
	}

	return &voice, nil
}

// ListVoices returns the voice library visible to the caller.
func (c *HTTPClient) ListVoices(ctx context.Context) ([]Voice, error) {
	var resp voiceLibraryResponse

	err := c.doJSON(ctx, opListVoices, http.MethodGet, c.baseURL+apiVoiceLibrary, "", http.NoBody, &resp)
	if err != nil {
		return nil, err
	}

	return resp.Voices, nil
}

// HealthCheck performs a lightweight GET against the health endpoint.
func (c *HTTPClient) HealthCheck(ctx context.Context) error {
	return c.doJSON(ctx, opHealthCheck, http.MethodGet, c.baseURL+apiHealth, "", http.NoBody, nil)
}

// Download fetches the bytes behind an asset locator returned by the backend.
func (c *HTTPClient) Download(ctx context.Context, locator string) ([]byte, error) {
	if locator == "" {
		return nil, ErrLocatorEmpty
	}

	resp, err := c.send(ctx, opDownload, http.MethodGet, c.ResolveURL(locator), "", http.NoBody)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Op: opDownload, Err: err}
	}

	return data, nil
}

// ResolveURL turns a backend locator such as "/files/a.wav" into an absolute
// URL. Absolute locators are returned unchanged.
func (c *HTTPClient) ResolveURL(locator string) string {
	ref, err := url.Parse(locator)
	if err != nil || ref.IsAbs() || c.assetBase == nil {
		return locator
	}

	return c.assetBase.ResolveReference(ref).String()
}

// doJSON sends a request and decodes a 2xx JSON body into target. A nil
// target discards the body.
func (c *HTTPClient) doJSON(
	ctx context.Context,
	op, method, endpoint, contentType string,
	body io.Reader,
	target any,
) error {
	resp, err := c.send(ctx, op, method, endpoint, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// A body cut short after a 2xx status is a transport failure; only a
	// complete but malformed body is a decode error.
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}

	if target == nil {
		return nil
	}

	err = json.Unmarshal(raw, target)
	if err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}

	return nil
}

// send performs the round trip and converts transport failures and non-2xx
// responses into NetworkError and APIError. On success the caller owns the
// response body.
func (c *HTTPClient) send(
	ctx context.Context,
	op, method, endpoint, contentType string,
	body io.Reader,
) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", op, err)
	}

	req.Header.Set(headerAccept, contentTypeJSON)

	if contentType != "" {
		req.Header.Set(headerContentType, contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		defer resp.Body.Close()

		return nil, parseErrorResponse(resp)
	}

	return resp, nil
}

// parseErrorResponse builds an APIError from the `detail` field of the body,
// falling back to a generic message when the body is empty or not JSON.
func parseErrorResponse(resp *http.Response) error {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf(errFmtGenericStatus, resp.Status),
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil || len(bytes.TrimSpace(raw)) == 0 {
		return apiErr
	}

	var errorResp errorResponse

	err = json.Unmarshal(raw, &errorResp)
	if err != nil || len(errorResp.Detail) == 0 {
		return apiErr
	}

	var detail string

	err = json.Unmarshal(errorResp.Detail, &detail)
	if err != nil {
		detail = string(errorResp.Detail)
	}

	if detail != "" && detail != "null" {
		apiErr.Message = detail
	}

	return apiErr
}

// IsNetworkError reports whether err is a transport failure.
func IsNetworkError(err error) bool {
	var netErr *NetworkError

	return errors.As(err, &netErr)
}
