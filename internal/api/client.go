package api

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
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"example.com/scpgate/internal/common"
)

// Client talks to the external ECG analysis service. Anonymized recordings
// are uploaded for analysis; results and PDF reports come back by analysis
// id. The auth endpoints live on the base host, uploads on a separate host.
type Client struct {
	baseURL   string
	uploadURL string
	http      *http.Client

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	expiresAt    time.Time
}

// ErrNotAuthenticated is returned when a call requires a token and
// Authenticate has not been called.
var ErrNotAuthenticated = errors.New("api: not authenticated")

// ErrAnalysisTimeout is returned by WaitForAnalysis when the context expires
// before the service reports a terminal status.
var ErrAnalysisTimeout = errors.New("api: analysis did not complete in time")

// NewClient builds a client for the given hosts. Empty strings select the
// staging service.
func NewClient(baseURL, uploadURL string) *Client {
	if baseURL == "" {
		baseURL = "https://api.staging.idoven.ai"
	}
	if uploadURL == "" {
		uploadURL = "https://upload.staging.idoven.ai"
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		uploadURL: strings.TrimRight(uploadURL, "/"),
		http:      &http.Client{Timeout: 60 * time.Second},
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Authenticate performs the password-grant login and stores the tokens.
func (c *Client) Authenticate(ctx context.Context, clientID, clientSecret string) error {
	form := url.Values{
		"username": {clientID},
		"password": {clientSecret},
	}
	var tok tokenResponse
	if err := c.postForm(ctx, c.baseURL+"/auth/login", form, &tok); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	c.storeToken(tok)
	return nil
}

// Refresh exchanges the stored refresh token for a new access token.
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.Lock()
	refresh := c.refreshToken
	c.mu.Unlock()
	if refresh == "" {
		return ErrNotAuthenticated
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refresh},
	}
	var tok tokenResponse
	if err := c.postForm(ctx, c.baseURL+"/oauth/token", form, &tok); err != nil {
		return fmt.Errorf("refresh token: %w", err)
	}
	c.storeToken(tok)
	return nil
}

func (c *Client) storeToken(tok tokenResponse) {
	expires := tok.ExpiresIn
	if expires <= 0 {
		expires = 3600
	}
	c.mu.Lock()
	c.accessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		c.refreshToken = tok.RefreshToken
	}
	c.expiresAt = time.Now().Add(time.Duration(expires) * time.Second)
	c.mu.Unlock()
}

// bearer returns the current access token, refreshing it when expired.
func (c *Client) bearer(ctx context.Context) (string, error) {
	c.mu.Lock()
	token := c.accessToken
	expired := !c.expiresAt.IsZero() && time.Now().After(c.expiresAt)
	hasRefresh := c.refreshToken != ""
	c.mu.Unlock()
	if token == "" {
		return "", ErrNotAuthenticated
	}
	if expired && hasRefresh {
		common.Logf("access token expired, refreshing")
		if err := c.Refresh(ctx); err != nil {
			return "", err
		}
		c.mu.Lock()
		token = c.accessToken
		c.mu.Unlock()
	}
	return token, nil
}

func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{Status: resp.StatusCode, Body: string(body)}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// HTTPError carries a non-2xx response.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("api: HTTP %d: %s", e.Status, e.Body)
}

// UploadResult is the upload endpoint's response.
type UploadResult struct {
	AnalysisID string `json:"analysis_id"`
}

// defaultChannelMapping tells the service which decoded leads map to which
// model inputs.
const defaultChannelMapping = `{"I": "I","II": "II", "V1": "V1", "V2": "V2", "V4": "V4", "V6": "V6"}`

// UploadECG sends one anonymized recording for analysis. patientID is
// optional and should be the anonymous id, never the real one.
func (c *Client) UploadECG(ctx context.Context, path, patientID string) (UploadResult, error) {
	var result UploadResult
	token, err := c.bearer(ctx)
	if err != nil {
		return result, err
	}
	f, err := os.Open(path)
	if err != nil {
		return result, err
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return result, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return result, err
	}
	fields := map[string]string{
		"model_name":            "hf",
		"model_version":         "1",
		"channels_mapping_json": defaultChannelMapping,
	}
	if patientID != "" {
		fields["patient_id"] = patientID
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return result, err
		}
	}
	if err := mw.Close(); err != nil {
		return result, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL+"/research/upload", &body)
	if err != nil {
		return result, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	if err := c.do(req, &result); err != nil {
		return result, fmt.Errorf("upload %s: %w", filepath.Base(path), err)
	}
	return result, nil
}

// Analysis is the status document returned for an analysis id.
type Analysis struct {
	AnalysisID string          `json:"analysis_id"`
	Status     string          `json:"status"`
	Results    json.RawMessage `json:"results,omitempty"`
}

// Terminal reports whether the status will not change anymore.
func (a Analysis) Terminal() bool {
	switch strings.ToLower(a.Status) {
	case "completed", "success", "done", "failed", "error":
		return true
	}
	return false
}

// Failed reports a terminal failure status.
func (a Analysis) Failed() bool {
	switch strings.ToLower(a.Status) {
	case "failed", "error":
		return true
	}
	return false
}

// GetAnalysis fetches the current status and results for an analysis.
func (c *Client) GetAnalysis(ctx context.Context, analysisID string) (Analysis, error) {
	var result Analysis
	token, err := c.bearer(ctx)
	if err != nil {
		return result, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/research/analysis/"+url.PathEscape(analysisID), nil)
	if err != nil {
		return result, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	err = c.do(req, &result)
	return result, err
}

// WaitForAnalysis polls until the analysis reaches a terminal status or the
// context expires. A 404 means the analysis is not visible yet and keeps the
// poll going.
func (c *Client) WaitForAnalysis(ctx context.Context, analysisID string, pollInterval time.Duration) (Analysis, error) {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		result, err := c.GetAnalysis(ctx, analysisID)
		if err != nil {
			var httpErr *HTTPError
			if !errors.As(err, &httpErr) || httpErr.Status != http.StatusNotFound {
				return result, err
			}
			common.Logf("analysis %s not visible yet", analysisID)
		} else if result.Terminal() {
			return result, nil
		}
		select {
		case <-ctx.Done():
			return Analysis{}, fmt.Errorf("%w: %v", ErrAnalysisTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// DownloadPDF fetches the rendered report for a completed analysis and
// writes it to outPath.
func (c *Client) DownloadPDF(ctx context.Context, analysisID, outPath string) error {
	token, err := c.bearer(ctx)
	if err != nil {
		return err
	}
	endpoint := c.baseURL + "/research/analysis/" + url.PathEscape(analysisID) + "/download?format=pdf"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	var link struct {
		DownloadLink string `json:"download_link"`
	}
	if err := c.do(req, &link); err != nil {
		return err
	}
	if link.DownloadLink == "" {
		return errors.New("api: no download link in response")
	}

	dlReq, err := http.NewRequestWithContext(ctx, http.MethodGet, link.DownloadLink, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(dlReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &HTTPError{Status: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return common.WriteFileAtomic(outPath, data, 0o644)
}
