package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"fieldgw/internal/core/ports"
	"fieldgw/pkg/circuitbreaker"
	"fieldgw/pkg/config"
	fgerrors "fieldgw/pkg/errors"

	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// File is the local license document.
type File struct {
	ProjectID  string   `yaml:"projectid"`
	Devices    []string `yaml:"devices"` // empty covers every device of the project
	MaxStreams int      `yaml:"max_streams"`
	ExpiresAt  string   `yaml:"expires_at"` // RFC 3339, empty never expires
}

// Cloud answers of the license service.
const (
	StatusOK         = "ok"
	StatusNotBound   = "not_bound"
	StatusNotEnough  = "not_enough"
	StatusOvertime   = "overtime"
	StatusNoDuration = "no_duration"
)

const maxResponseBytes = 64 << 10

type cloudRequest struct {
	ProjectID string `json:"projectid"`
	DeviceID  string `json:"device_id"`
	Streams   int    `json:"streams"`
	Mode      string `json:"cloud_mode"`
}

type cloudResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

var cloudStatusCodes = map[string]fgerrors.Code{
	StatusNotBound:   fgerrors.PublicLicenseNotBind,
	StatusNotEnough:  fgerrors.PublicLicenseNotEnough,
	StatusOvertime:   fgerrors.PublicLicenseOvertime,
	StatusNoDuration: fgerrors.PublicLicenseNotDuration,
}

// Validator checks license files and the cloud license service. Repeated
// transport failures open a circuit breaker so callers retrying a timed
// out check fail fast until the service has had time to recover.
type Validator struct {
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	now     func() time.Time
	logger  *zap.SugaredLogger
}

var _ ports.LicenseValidator = (*Validator)(nil)

func NewValidator(client *http.Client, logger *zap.SugaredLogger) *Validator {
	if client == nil {
		client = &http.Client{}
	}
	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Timeout:          30 * time.Second,
		Counts: func(err error) bool {
			return fgerrors.HasCode(err, fgerrors.PublicLicenseTimeout) || fgerrors.HasCode(err, fgerrors.LicenseCheckFailed)
		},
	})
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("license service breaker changed", "from", from.String(), "to", to.String())
	})
	return &Validator{client: client, breaker: breaker, now: time.Now, logger: logger}
}

// ValidateFile checks the license at path against project, device and
// stream count of cfg.
func (v *Validator) ValidateFile(ctx context.Context, path string, cfg *config.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fgerrors.Wrap(err, fgerrors.LicenseFileError, fmt.Sprintf("failed to read license %s", path))
	}
	var lic File
	if err := yaml.Unmarshal(data, &lic); err != nil {
		return fgerrors.Wrap(err, fgerrors.LicenseFileError, "failed to decode license")
	}

	if lic.ProjectID != cfg.ProjectID {
		return fgerrors.Newf(fgerrors.LicenseCheckID, "license is for project %q, device belongs to %q", lic.ProjectID, cfg.ProjectID)
	}
	if len(lic.Devices) > 0 && !contains(lic.Devices, cfg.DeviceID) {
		return fgerrors.Newf(fgerrors.LicenseCheckDevice, "license does not list device %q", cfg.DeviceID)
	}
	if lic.MaxStreams > 0 && len(cfg.Streams) > lic.MaxStreams {
		return fgerrors.Newf(fgerrors.LicenseCheckStream, "%d streams configured, license allows %d", len(cfg.Streams), lic.MaxStreams)
	}
	if lic.ExpiresAt != "" {
		expires, err := time.Parse(time.RFC3339, lic.ExpiresAt)
		if err != nil {
			return fgerrors.Wrap(err, fgerrors.LicenseFileError, "invalid license expiry")
		}
		if !v.now().Before(expires) {
			return fgerrors.Newf(fgerrors.LicenseCheckTimeFailed, "license expired at %s", lic.ExpiresAt)
		}
	}

	v.logger.Infow("license file accepted", "path", path, "project_id", lic.ProjectID, "expires_at", lic.ExpiresAt)
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// CheckCloud asks the license service whether the device may start.
// Timeouts and unreachable services report PublicLicenseTimeout.
func (v *Validator) CheckCloud(ctx context.Context, cfg *config.Config) error {
	err := v.breaker.Execute(ctx, func(ctx context.Context) error {
		return v.checkCloud(ctx, cfg)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return fgerrors.Wrap(err, fgerrors.PublicLicenseTimeout, "license service unavailable")
	}
	return err
}

func (v *Validator) checkCloud(ctx context.Context, cfg *config.Config) error {
	timeout := cfg.License.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(cloudRequest{
		ProjectID: cfg.ProjectID,
		DeviceID:  cfg.DeviceID,
		Streams:   len(cfg.Streams),
		Mode:      cfg.CloudMode,
	})
	if err != nil {
		return fgerrors.Wrap(err, fgerrors.LicenseCheckFailed, "failed to encode license request")
	}
	url := cfg.LicenseURL()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fgerrors.Wrap(err, fgerrors.LicenseCheckFailed, "failed to build license request")
	}
	req.Header.Set("Content-Type", "application/json")

	start := v.now()
	resp, err := v.client.Do(req)
	if err != nil {
		msg := "license service unreachable"
		if isTimeout(err) {
			msg = "license check timed out"
		}
		return fgerrors.Wrap(err, fgerrors.PublicLicenseTimeout, msg)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fgerrors.Newf(fgerrors.LicenseCheckFailed, "license service returned %s", resp.Status)
	}
	var answer cloudResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&answer); err != nil {
		if isTimeout(err) {
			return fgerrors.Wrap(err, fgerrors.PublicLicenseTimeout, "license check timed out")
		}
		return fgerrors.Wrap(err, fgerrors.LicenseCheckFailed, "failed to decode license response")
	}

	v.logger.Debugw("license service answered", "url", url, "status", answer.Status, "duration", v.now().Sub(start))
	if answer.Status == StatusOK {
		return nil
	}
	if code, ok := cloudStatusCodes[answer.Status]; ok {
		msg := answer.Message
		if msg == "" {
			msg = fgerrors.Describe(code)
		}
		return fgerrors.New(code, msg)
	}
	return fgerrors.Newf(fgerrors.LicenseCheckFailed, "unexpected license status %q", answer.Status)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
