package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCode_ValueMatchesHeader(t *testing.T) {
	cases := map[Code]uint32{
		Succeed:                  0x00000001,
		CommonError:              0x00FFFFFF,
		ConfigParseFailed:        0x01000002,
		ConfigPortRangeIllegal:   0x01000008,
		InitRepeat:               0x02000007,
		PublicLicenseTimeout:     0x02000100,
		PublicLicenseNotDuration: 0x02000104,
		SignalAlreadyLoggedIn:    0x03000007,
		MessagePermission:        0x06000008,
		StartCaptureIDExist:      0x07000006,
		ExternalResize:           0x08000001,
		CallbackReserveDegrade:   0x09040000,
		Unsupported:              0x0F000001,
	}
	for c, want := range cases {
		if uint32(c.Value()) != want {
			t.Errorf("%v.Value() = 0x%08X, want 0x%08X", Describe(c), uint32(c.Value()), want)
		}
	}
}

func TestFromValue_RoundTripAndNegated(t *testing.T) {
	v := PublicLicenseTimeout.Value()
	if FromValue(v) != PublicLicenseTimeout {
		t.Errorf("FromValue(%d) = %v", v, FromValue(v))
	}
	if FromValue(-v) != PublicLicenseTimeout {
		t.Errorf("FromValue(-%d) = %v, want public license timeout", v, FromValue(-v))
	}
}

func TestMessage_IsTotal(t *testing.T) {
	if got := Message(MessageMaxExceed.Value()); got != "control data rate above the byte limit" {
		t.Errorf("Message() = %q", got)
	}
	// unknown sub-code of a known module
	if got := Message(0x07000042); !strings.Contains(got, "storage") {
		t.Errorf("Message(0x07000042) = %q, want module fallback", got)
	}
	// unknown module
	if got := Message(0x7E000001); !strings.Contains(got, "unknown") {
		t.Errorf("Message(0x7E000001) = %q, want unknown fallback", got)
	}
}

func TestError_Error(t *testing.T) {
	err := New(ConfigUnexist, "config.json not found")
	expected := "0x01000004: config.json not found"
	if err.Error() != expected {
		t.Errorf("Error() = %v, want %v", err.Error(), expected)
	}

	bare := &Error{Code: MessageBlock}
	if !strings.Contains(bare.Error(), "send buffer full") {
		t.Errorf("Error() without message should use description, got %v", bare.Error())
	}
}

func TestError_WrapKeepsCause(t *testing.T) {
	originalErr := errors.New("dial tcp: refused")
	err := Wrap(originalErr, SignalConnectTimeout, "signaling unreachable")

	if !errors.Is(err, originalErr) {
		t.Errorf("errors.Is(err, cause) = false")
	}
	if !strings.Contains(err.Error(), "dial tcp: refused") {
		t.Errorf("Error() should contain cause, got: %v", err.Error())
	}
}

func TestError_WithContext(t *testing.T) {
	err := New(ConnectStreamExists, "stream already active")
	err.WithContext("stream_id", 3).WithContext("state", "connected")

	if err.Context["stream_id"] != 3 {
		t.Errorf("Context[stream_id] = %v, want 3", err.Context["stream_id"])
	}
	if err.Context["state"] != "connected" {
		t.Errorf("Context[state] = %v, want connected", err.Context["state"])
	}
}

func TestCodeOf(t *testing.T) {
	if CodeOf(nil) != Succeed {
		t.Errorf("CodeOf(nil) = %v, want Succeed", CodeOf(nil))
	}
	if CodeOf(errors.New("plain")) != CommonError {
		t.Errorf("CodeOf(plain) = %v, want CommonError", CodeOf(errors.New("plain")))
	}

	wrapped := fmt.Errorf("start stream: %w", New(ConnectStreamUnknown, "no such stream"))
	if CodeOf(wrapped) != ConnectStreamUnknown {
		t.Errorf("CodeOf(wrapped) = %v, want ConnectStreamUnknown", CodeOf(wrapped))
	}
	if !HasCode(wrapped, ConnectStreamUnknown) {
		t.Errorf("HasCode(wrapped, ConnectStreamUnknown) = false")
	}
	if HasCode(wrapped, ConnectStreamExists) {
		t.Errorf("HasCode(wrapped, ConnectStreamExists) = true")
	}
	if ValueOf(nil) != 1 {
		t.Errorf("ValueOf(nil) = %d, want 1", ValueOf(nil))
	}
}

func TestCode_IsModuleError(t *testing.T) {
	if !ConfigError.IsModuleError() {
		t.Errorf("ConfigError should be a module error")
	}
	if ConfigParseFailed.IsModuleError() {
		t.Errorf("ConfigParseFailed should not be a module error")
	}
}

func TestCode_FormatsUnlistedCode(t *testing.T) {
	c := Code{Module: ModuleStorage, Sub: 0x42}
	assert.Contains(t, Describe(c), "0x07000042")
	// a Code is an error, so %v goes through Error()
	assert.Contains(t, fmt.Sprintf("%v", c), "storage")
	wrapped := Wrap(errors.New("disk full"), c, "")
	assert.True(t, strings.HasPrefix(wrapped.Error(), "0x07000042: "), wrapped.Error())
}
