// Package blueiris is a client for the Blue Iris JSON control API.
package blueiris

import (
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/elad-bar/ha-blueiris/pkg/common"
)

const (
	resultSuccess = "success"
	resultFail    = "fail"

	// PTZ preset buttons start at 101 for preset 1.
	presetButtonOffset = 100

	retryWait = 500 * time.Millisecond
)

var (
	ErrLoginFailed   = errors.New("login failed")
	ErrNoSession     = errors.New("server did not return a session id")
	ErrCommandFailed = errors.New("command failed")
	// ErrCameraList marks an update whose camera list could not be loaded.
	ErrCameraList = errors.New("camera list unavailable")
)

// State is the login state of the client.
type State int

const (
	StateNotInitialized State = iota
	StateSessionRequested
	StateLoginAttempted
	StateLoggedIn
	StateLoginFailed
)

func (s State) String() string {
	switch s {
	case StateNotInitialized:
		return "not-initialized"
	case StateSessionRequested:
		return "session-requested"
	case StateLoginAttempted:
		return "login-attempted"
	case StateLoggedIn:
		return "logged-in"
	case StateLoginFailed:
		return "login-failed"
	default:
		return "unknown"
	}
}

type Options struct {
	BaseURL   string
	Username  string
	Password  string
	VerifySSL bool
	Timeout   time.Duration
	Retries   int
}

// RequestObserver receives one call per JSON command sent to the server.
type RequestObserver interface {
	ObserveRequest(cmd, result string, duration time.Duration)
}

type Client struct {
	http     *resty.Client
	options  Options
	logger   *logrus.Logger
	observer RequestObserver

	mutex      sync.RWMutex
	state      State
	sessionID  string
	data       Attributes
	status     Attributes
	cameras    []Camera
	loaded     bool
	lastUpdate time.Time
}

type response struct {
	Result  string          `json:"result"`
	Session string          `json:"session"`
	Data    json.RawMessage `json:"data"`
}

func NewClient(options Options, logger *logrus.Logger) *Client {
	r := resty.New()
	r.SetBaseURL(options.BaseURL)
	r.SetHeader("Content-Type", "application/json")
	r.SetHeader("Accept", "application/json")
	r.SetHeader("User-Agent", common.UserAgent())
	r.SetTimeout(options.Timeout)
	// Equal wait bounds turn resty's jittered backoff into a fixed delay.
	r.SetRetryCount(options.Retries)
	r.SetRetryWaitTime(retryWait)
	r.SetRetryMaxWaitTime(retryWait)
	r.SetLogger(logger)

	// Blue Iris servers commonly run with self-signed certificates.
	r.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: !options.VerifySSL}) //nolint:gosec

	return &Client{
		http:    r,
		options: options,
		logger:  logger,
		data:    Attributes{},
		status:  Attributes{},
	}
}

func (c *Client) SetObserver(observer RequestObserver) {
	c.observer = observer
}

// Initialize resets all cached data and logs in.
func (c *Client) Initialize(ctx context.Context) error {
	c.logger.WithField("url", c.options.BaseURL).Info("Initializing Blue Iris client")

	c.mutex.Lock()
	c.state = StateNotInitialized
	c.sessionID = ""
	c.data = Attributes{}
	c.status = Attributes{}
	c.cameras = nil
	c.loaded = false
	c.mutex.Unlock()

	return c.Login(ctx)
}

// Login runs the challenge-response login. A valid guest login succeeds with
// Data().Admin set to false.
func (c *Client) Login(ctx context.Context) error {
	c.logger.Debug("Performing login")

	c.setState(StateSessionRequested)

	resp, err := c.post(ctx, map[string]any{"cmd": "login"})
	if err != nil {
		c.setState(StateLoginFailed)
		return fmt.Errorf("failed to request session: %w", err)
	}
	if resp.Session == "" {
		c.setState(StateLoginFailed)
		return ErrNoSession
	}

	c.mutex.Lock()
	c.sessionID = resp.Session
	c.state = StateLoginAttempted
	c.mutex.Unlock()

	request := map[string]any{
		"cmd":      "login",
		"session":  resp.Session,
		"response": loginToken(c.options.Username, resp.Session, c.options.Password),
	}

	resp, err = c.post(ctx, request)
	if err != nil {
		c.setState(StateLoginFailed)
		return fmt.Errorf("failed to login: %w", err)
	}
	if resp.Result != resultSuccess {
		c.setState(StateLoginFailed)
		c.logger.WithField("result", resp.Result).Warn("Blue Iris rejected the credentials")
		return ErrLoginFailed
	}

	data, err := decodeObject(resp.Data)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to decode login data")
	}

	c.mutex.Lock()
	for key, value := range data {
		c.data[key] = value
	}
	c.state = StateLoggedIn
	c.mutex.Unlock()

	c.logger.WithFields(logrus.Fields{
		"admin":   data.Bool("admin"),
		"version": data.String("version"),
	}).Info("Logged in to Blue Iris")

	return nil
}

// Update loads the camera list and the status. Failed commands keep the
// previously known values, so the returned snapshot is always usable.
func (c *Client) Update(ctx context.Context) (Snapshot, error) {
	var errs []error

	if err := c.loadCameras(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.loadStatus(ctx); err != nil {
		errs = append(errs, err)
	}

	return c.Snapshot(), errors.Join(errs...)
}

// Snapshot returns the data known from the last refresh.
func (c *Client) Snapshot() Snapshot {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	cameras := make([]Camera, len(c.cameras))
	copy(cameras, c.cameras)

	return Snapshot{
		Cameras:   cameras,
		Data:      NewLoginData(c.data.clone()),
		Status:    NewStatus(c.status.clone()),
		BaseURL:   c.options.BaseURL,
		SessionID: c.sessionID,
		FetchedAt: c.lastUpdate,

		CamerasLoaded: c.loaded,
	}
}

func (c *Client) loadCameras(ctx context.Context) error {
	c.logger.Debug("Retrieving camera list")

	resp, err := c.verifiedPost(ctx, map[string]any{"cmd": "camlist"})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCameraList, err)
	}

	var items []Attributes
	if len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, &items); err != nil {
			return fmt.Errorf("%w: failed to decode: %w", ErrCameraList, err)
		}
	}

	cameras := make([]Camera, 0, len(items))
	for _, item := range items {
		if item == nil {
			continue
		}
		cameras = append(cameras, NewCamera(item))
	}

	c.mutex.Lock()
	c.cameras = cameras
	c.loaded = true
	c.mutex.Unlock()

	return nil
}

func (c *Client) loadStatus(ctx context.Context) error {
	c.logger.Debug("Retrieving status")

	resp, err := c.verifiedPost(ctx, map[string]any{"cmd": "status"})
	if err != nil {
		return fmt.Errorf("failed to load status: %w", err)
	}

	c.mergeStatus(resp)
	return nil
}

// SetProfile switches the active profile. When the server reports the
// schedule lock not held the request is repeated once.
func (c *Client) SetProfile(ctx context.Context, profileID int) error {
	c.logger.WithField("profile", profileID).Info("Setting profile")

	return c.setStatus(ctx, "profile", profileID, true)
}

func (c *Client) SetSchedule(ctx context.Context, schedule string) error {
	c.logger.WithField("schedule", schedule).Info("Setting schedule")

	return c.setStatus(ctx, "schedule", schedule, true)
}

func (c *Client) setStatus(ctx context.Context, key string, value any, checkLock bool) error {
	resp, err := c.verifiedPost(ctx, map[string]any{"cmd": "status", key: value})
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}

	data, err := decodeObject(resp.Data)
	if err != nil {
		return fmt.Errorf("failed to decode status: %w", err)
	}

	if checkLock && data.Int("lock", 0) != 1 {
		return c.setStatus(ctx, key, value, false)
	}

	c.mergeStatus(resp)
	return nil
}

func (c *Client) Trigger(ctx context.Context, cameraID string) error {
	c.logger.WithField("camera", cameraID).Info("Triggering camera")

	if _, err := c.verifiedPost(ctx, map[string]any{"cmd": "trigger", "camera": cameraID}); err != nil {
		return fmt.Errorf("failed to trigger camera %s: %w", cameraID, err)
	}
	return nil
}

func (c *Client) MoveToPreset(ctx context.Context, cameraID string, preset int) error {
	c.logger.WithFields(logrus.Fields{
		"camera": cameraID,
		"preset": preset,
	}).Info("Moving camera to preset")

	request := map[string]any{
		"cmd":    "ptz",
		"camera": cameraID,
		"button": presetButtonOffset + preset,
	}
	if _, err := c.verifiedPost(ctx, request); err != nil {
		return fmt.Errorf("failed to move camera %s to preset %d: %w", cameraID, preset, err)
	}
	return nil
}

// Image downloads a full size JPEG snapshot of the camera.
func (c *Client) Image(ctx context.Context, cameraID string) ([]byte, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":       "100",
			"s":       "100",
			"session": c.SessionID(),
		}).
		Get("/image/" + cameraID)
	if err != nil {
		return nil, fmt.Errorf("failed to get image of %s: %w", cameraID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("failed to get image of %s: status %d", cameraID, resp.StatusCode())
	}
	if len(resp.Body()) == 0 {
		return nil, fmt.Errorf("empty image for %s", cameraID)
	}

	return resp.Body(), nil
}

// verifiedPost sends a session command. A "fail" result triggers one login
// and one retry.
func (c *Client) verifiedPost(ctx context.Context, request map[string]any) (*response, error) {
	var resp *response

	for attempt := 0; attempt < 2; attempt++ {
		request["session"] = c.SessionID()

		var err error
		resp, err = c.post(ctx, request)
		if err != nil {
			return nil, err
		}

		if resp.Result != resultFail {
			return resp, nil
		}

		c.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"cmd":     request["cmd"],
			"url":     c.options.BaseURL,
		}).Warn("Blue Iris request failed, logging in again")

		if err := c.Login(ctx); err != nil {
			c.logger.WithError(err).Warn("Re-login failed")
		}
	}

	return nil, fmt.Errorf("%w: %v", ErrCommandFailed, request["cmd"])
}

func (c *Client) post(ctx context.Context, request map[string]any) (*response, error) {
	cmd := fmt.Sprint(request["cmd"])
	start := time.Now()

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(request).
		Post("/json")
	if err != nil {
		c.observe(cmd, "error", start)
		c.logger.WithError(err).WithFields(logrus.Fields{
			"cmd": cmd,
			"url": c.options.BaseURL,
		}).Error("Failed to connect to Blue Iris")
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"cmd":    cmd,
		"status": resp.StatusCode(),
	}).Debug("Blue Iris response")

	if resp.IsError() {
		c.observe(cmd, "error", start)
		c.logger.WithFields(logrus.Fields{
			"cmd":    cmd,
			"status": resp.StatusCode(),
		}).Error("Blue Iris returned an error status")
		return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode(), cmd)
	}

	result := &response{}
	if err := json.Unmarshal(resp.Body(), result); err != nil {
		c.observe(cmd, "error", start)
		return nil, fmt.Errorf("failed to decode %s response: %w", cmd, err)
	}

	c.observe(cmd, result.Result, start)

	c.mutex.Lock()
	c.lastUpdate = time.Now()
	c.mutex.Unlock()

	return result, nil
}

func (c *Client) observe(cmd, result string, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveRequest(cmd, result, time.Since(start))
	}
}

func (c *Client) mergeStatus(resp *response) {
	data, err := decodeObject(resp.Data)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to decode status")
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	for key, value := range data {
		c.status[key] = value
	}
}

func (c *Client) setState(state State) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.state = state
}

func (c *Client) State() State {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.state
}

func (c *Client) IsLoggedIn() bool {
	return c.State() == StateLoggedIn
}

func (c *Client) Data() LoginData {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return NewLoginData(c.data.clone())
}

func (c *Client) Status() Status {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return NewStatus(c.status.clone())
}

func (c *Client) Cameras() []Camera {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	cameras := make([]Camera, len(c.cameras))
	copy(cameras, c.cameras)
	return cameras
}

func (c *Client) BaseURL() string {
	return c.options.BaseURL
}

func (c *Client) SessionID() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.sessionID
}

func (c *Client) LastUpdate() time.Time {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.lastUpdate
}

func loginToken(username, session, password string) string {
	sum := md5.Sum([]byte(username + ":" + session + ":" + password)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func decodeObject(raw json.RawMessage) (Attributes, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return Attributes{}, nil
	}

	var data Attributes
	if err := json.Unmarshal(raw, &data); err != nil {
		return Attributes{}, err
	}
	if data == nil {
		data = Attributes{}
	}
	return data, nil
}

// ProfileID parses a profile reference given either as an index or a name.
func ProfileID(profiles []string, ref string) (int, bool) {
	if id, err := strconv.Atoi(ref); err == nil && id >= 0 && id < len(profiles) {
		return id, true
	}
	for id, name := range profiles {
		if name == ref {
			return id, true
		}
	}
	return 0, false
}
