// Package backend is the REST client for the processing backend: login,
// processing control, uploads and the biker/ride/violation listings.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"ridewatch-console/internal/domain/ride"
)

// HTTPClient is the subset of *http.Client the backend client needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewHTTPClient returns an *http.Client that keeps the backend's session
// cookies between calls.
func NewHTTPClient(timeout time.Duration) *http.Client {
	jar, _ := cookiejar.New(nil)
	return &http.Client{Timeout: timeout, Jar: jar}
}

// APIError is a non-2xx reply from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type LoginResult struct {
	User      User       `json:"user"`
	Token     string     `json:"token,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type Biker struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Email       string `json:"email,omitempty"`
	CreatedAt   string `json:"created_at,omitempty"`
}

type RideVideo struct {
	ID            int64   `json:"id"`
	CameraType    string  `json:"camera_type,omitempty"`
	FilePath      string  `json:"file_path,omitempty"`
	AnnotatedPath string  `json:"annotated_path,omitempty"`
	ProcessedAt   *string `json:"processed_at,omitempty"`
}

type Ride struct {
	ID          int64       `json:"id"`
	BikerID     int64       `json:"biker_id,omitempty"`
	PlateNumber string      `json:"plate_number,omitempty"`
	CreatedAt   string      `json:"created_at,omitempty"`
	Videos      []RideVideo `json:"videos,omitempty"`
	Biker       *Biker      `json:"biker,omitempty"`
}

type ViolationRecord struct {
	ID            int64   `json:"id"`
	RideID        int64   `json:"ride_id"`
	ViolationType string  `json:"violation_type"`
	Description   string  `json:"description,omitempty"`
	CameraType    string  `json:"camera_type,omitempty"`
	Speed         float64 `json:"speed,omitempty"`
	Latitude      float64 `json:"latitude,omitempty"`
	Longitude     float64 `json:"longitude,omitempty"`
	DetectedAt    string  `json:"detected_at,omitempty"`
}

// StartRequest asks the backend to start processing a camera's footage.
type StartRequest struct {
	FilePath   string
	Camera     ride.CameraType
	DetectMode ride.DetectMode
}

type Client struct {
	base *url.URL
	http HTTPClient
	log  zerolog.Logger

	mu    sync.RWMutex
	token string
}

func NewClient(baseURL string, httpClient HTTPClient, log zerolog.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("invalid backend url %q: %w", baseURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid backend url %q: want http(s)://host", baseURL)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	if httpClient == nil {
		httpClient = NewHTTPClient(30 * time.Second)
	}
	return &Client{
		base: u,
		http: httpClient,
		log:  log.With().Str("component", "backend_client").Logger(),
	}, nil
}

// Login authenticates against the backend. A bearer token in the reply is
// kept for later calls.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	form := url.Values{}
	form.Set("username", username)
	form.Set("password", password)

	var res LoginResult
	if err := c.postForm(ctx, "auth/login", form, &res); err != nil {
		return nil, err
	}
	if res.User.Username == "" {
		return nil, &APIError{Status: http.StatusUnauthorized, Message: "login reply carried no user"}
	}
	if res.Token != "" {
		c.mu.Lock()
		c.token = res.Token
		c.mu.Unlock()
		res.ExpiresAt = tokenExpiry(res.Token)
	}
	c.log.Info().Str("username", res.User.Username).Str("role", res.User.Role).Msg("backend login succeeded")
	return &res, nil
}

// tokenExpiry reads the exp claim of a backend token without verifying it;
// the console only uses it to know when to log in again.
func tokenExpiry(token string) *time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	t := exp.Time
	return &t
}

func (c *Client) StartProcessing(ctx context.Context, req StartRequest) error {
	form := url.Values{}
	form.Set("file_path", req.FilePath)
	form.Set("camera_type", string(req.Camera))
	form.Set("detect_mode", string(req.DetectMode))
	if err := c.postForm(ctx, "start-processing", form, nil); err != nil {
		return fmt.Errorf("start processing %s: %w", req.Camera, err)
	}
	return nil
}

func (c *Client) StopProcessing(ctx context.Context, camera ride.CameraType) error {
	form := url.Values{}
	form.Set("camera_type", string(camera))
	if err := c.postForm(ctx, "stop-processing", form, nil); err != nil {
		return fmt.Errorf("stop processing %s: %w", camera, err)
	}
	return nil
}

// UploadVideo streams a footage file to the backend and returns the path the
// backend stored it under.
func (c *Client) UploadVideo(ctx context.Context, camera ride.CameraType, filename string, r io.Reader) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("camera_type", string(camera)); err != nil {
		return "", err
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("read upload: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var res struct {
		FilePath string `json:"file_path"`
	}
	if err := c.do(ctx, http.MethodPost, "upload-video", nil, &body, mw.FormDataContentType(), &res); err != nil {
		return "", fmt.Errorf("upload %s video: %w", camera, err)
	}
	if res.FilePath == "" {
		return "", &APIError{Status: http.StatusBadGateway, Message: "upload reply carried no file_path"}
	}
	return res.FilePath, nil
}

func (c *Client) ListBikers(ctx context.Context) ([]Biker, error) {
	var res struct {
		Bikers []Biker `json:"bikers"`
	}
	if err := c.get(ctx, "bikers", nil, &res); err != nil {
		return nil, fmt.Errorf("list bikers: %w", err)
	}
	if res.Bikers == nil {
		res.Bikers = []Biker{}
	}
	return res.Bikers, nil
}

func (c *Client) ListRides(ctx context.Context, bikerID int64) ([]Ride, error) {
	q := url.Values{}
	q.Set("biker_id", strconv.FormatInt(bikerID, 10))
	var res struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Rides   []Ride `json:"rides"`
	}
	if err := c.get(ctx, "rides/", q, &res); err != nil {
		return nil, fmt.Errorf("list rides: %w", err)
	}
	if res.Status != "" && res.Status != "success" {
		return nil, &APIError{Status: http.StatusBadGateway, Message: res.Message}
	}
	if res.Rides == nil {
		res.Rides = []Ride{}
	}
	return res.Rides, nil
}

func (c *Client) ListViolations(ctx context.Context, rideID int64) ([]ViolationRecord, error) {
	q := url.Values{}
	q.Set("ride_id", strconv.FormatInt(rideID, 10))
	var res struct {
		Violations []ViolationRecord `json:"violations"`
	}
	if err := c.get(ctx, "violations/", q, &res); err != nil {
		return nil, fmt.Errorf("list violations: %w", err)
	}
	if res.Violations == nil {
		res.Violations = []ViolationRecord{}
	}
	return res.Violations, nil
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	return c.do(ctx, http.MethodGet, path, q, nil, "", out)
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, out any) error {
	return c.do(ctx, http.MethodPost, path, nil, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded", out)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, body io.Reader, contentType string, out any) error {
	u := c.base.ResolveReference(&url.URL{Path: path})
	if q != nil {
		u.RawQuery = q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Str("method", method).Str("path", path).Msg("backend request failed")
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read %s %s reply: %w", method, path, err)
	}
	c.log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("backend request")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Message: errorMessage(resp.StatusCode, raw)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s %s reply: %w", method, path, err)
	}
	return nil
}

// errorMessage pulls a human readable message out of an error body.
func errorMessage(status int, raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Detail  any    `json:"detail"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		switch {
		case body.Message != "":
			return body.Message
		case body.Error != "":
			return body.Error
		case body.Detail != nil:
			if s, ok := body.Detail.(string); ok {
				return s
			}
			b, _ := json.Marshal(body.Detail)
			return string(b)
		}
	}
	if text := strings.TrimSpace(string(raw)); text != "" && len(text) < 200 {
		return text
	}
	return http.StatusText(status)
}
