package errors

import "fmt"

// Module identifies the subsystem that produced a result code. It occupies
// the top byte of the numeric wire value.
type Module uint8

const (
	ModuleCommon      Module = 0x00
	ModuleConfig      Module = 0x01
	ModuleInit        Module = 0x02
	ModuleSignal      Module = 0x03
	ModuleCapture     Module = 0x04
	ModuleConnect     Module = 0x05
	ModuleMessage     Module = 0x06
	ModuleStorage     Module = 0x07
	ModuleExternal    Module = 0x08
	ModuleCallback    Module = 0x09
	ModuleUnsupported Module = 0x0F
)

// moduleSub marks the generic failure of a module (0xMMFFFFFF).
const moduleSub = 0xFFFFFF

var moduleNames = map[Module]string{
	ModuleCommon:      "common",
	ModuleConfig:      "config",
	ModuleInit:        "init",
	ModuleSignal:      "signal",
	ModuleCapture:     "capture",
	ModuleConnect:     "connect",
	ModuleMessage:     "message",
	ModuleStorage:     "storage",
	ModuleExternal:    "external",
	ModuleCallback:    "callback",
	ModuleUnsupported: "unsupported",
}

func (m Module) String() string {
	if name, ok := moduleNames[m]; ok {
		return name
	}
	return fmt.Sprintf("module(0x%02X)", uint8(m))
}

// Code is a tagged result code. Numeric values are only produced at the
// boundary through Value.
type Code struct {
	Module Module
	Sub    uint32
}

// Value returns the 32-bit wire value of the code.
func (c Code) Value() int32 {
	return int32(uint32(c.Module)<<24 | c.Sub&0xFFFFFF)
}

// FromValue decodes a wire value. Negated values, as returned by some
// callers, are accepted.
func FromValue(v int32) Code {
	u := uint32(v)
	if v < 0 {
		u = uint32(-int64(v))
	}
	return Code{Module: Module(u >> 24), Sub: u & 0xFFFFFF}
}

// IsModuleError reports whether c is the generic failure of its module.
func (c Code) IsModuleError() bool {
	return c.Sub == moduleSub
}

func (c Code) String() string {
	return fmt.Sprintf("0x%08X", uint32(c.Value()))
}

// Error lets a Code be used as a sentinel with errors.Is.
func (c Code) Error() string {
	return Describe(c)
}

func code(m Module, sub uint32) Code { return Code{Module: m, Sub: sub} }

var (
	Succeed     = code(ModuleCommon, 0x000001)
	CommonError = code(ModuleCommon, moduleSub)

	ConfigError               = code(ModuleConfig, moduleSub)
	ConfigParseFailed         = code(ModuleConfig, 0x000002)
	ConfigIllegal             = code(ModuleConfig, 0x000003)
	ConfigUnexist             = code(ModuleConfig, 0x000004)
	ConfigCertificateFailed   = code(ModuleConfig, 0x000005)
	ConfigLicenseFailed       = code(ModuleConfig, 0x000006)
	ConfigStreamsSizeError    = code(ModuleConfig, 0x000007)
	ConfigPortRangeIllegal    = code(ModuleConfig, 0x000008)
	ConfigLogPermissionDenied = code(ModuleConfig, 0x000009)

	InitError                = code(ModuleInit, moduleSub)
	InitInputIllegal         = code(ModuleInit, 0x000002)
	InitParseFailed          = code(ModuleInit, 0x000003)
	InitCreateMediaFailed    = code(ModuleInit, 0x000004)
	InitParamError           = code(ModuleInit, 0x000005)
	InitInvalidInput         = code(ModuleInit, 0x000006)
	InitRepeat               = code(ModuleInit, 0x000007)
	InitNotReady             = code(ModuleInit, 0x000008)
	LicenseCheckFailed       = code(ModuleInit, 0x000010)
	LicenseFileError         = code(ModuleInit, 0x000011)
	LicenseCheckTimeFailed   = code(ModuleInit, 0x000012)
	LicenseCheckDevice       = code(ModuleInit, 0x000013)
	LicenseCheckStream       = code(ModuleInit, 0x000014)
	LicenseCheckID           = code(ModuleInit, 0x000015)
	PublicLicenseTimeout     = code(ModuleInit, 0x000100)
	PublicLicenseNotBind     = code(ModuleInit, 0x000101)
	PublicLicenseNotEnough   = code(ModuleInit, 0x000102)
	PublicLicenseOvertime    = code(ModuleInit, 0x000103)
	PublicLicenseNotDuration = code(ModuleInit, 0x000104)

	SignalError              = code(ModuleSignal, moduleSub)
	SignalRegisterFailed     = code(ModuleSignal, 0x000002)
	SignalStatusAbnormal     = code(ModuleSignal, 0x000003)
	SignalMessageFailed      = code(ModuleSignal, 0x000004)
	SignalConnectTimeout     = code(ModuleSignal, 0x000005)
	SignalCredentialRejected = code(ModuleSignal, 0x000006)
	SignalAlreadyLoggedIn    = code(ModuleSignal, 0x000007)

	CaptureError             = code(ModuleCapture, moduleSub)
	CaptureOpenDeviceFailed  = code(ModuleCapture, 0x000002)
	CaptureGetSourceFailed   = code(ModuleCapture, 0x000003)
	CaptureUnknownType       = code(ModuleCapture, 0x000004)
	CaptureUnknownID         = code(ModuleCapture, 0x000005)

	ConnectError         = code(ModuleConnect, moduleSub)
	ConnectTimeout       = code(ModuleConnect, 0x000002)
	ConnectStreamExists  = code(ModuleConnect, 0x000003)
	ConnectStreamUnknown = code(ModuleConnect, 0x000004)

	MessageError      = code(ModuleMessage, moduleSub)
	MessageChannel    = code(ModuleMessage, 0x000002)
	MessageByteExceed = code(ModuleMessage, 0x000003)
	MessageRateExceed = code(ModuleMessage, 0x000004)
	MessageMaxExceed  = code(ModuleMessage, 0x000005)
	MessageBlock      = code(ModuleMessage, 0x000006)
	MessageCompress   = code(ModuleMessage, 0x000007)
	MessagePermission = code(ModuleMessage, 0x000008)

	StorError            = code(ModuleStorage, moduleSub)
	StorUnenable         = code(ModuleStorage, 0x000001)
	StorIDExist          = code(ModuleStorage, 0x000002)
	StorIDIllegal        = code(ModuleStorage, 0x000003)
	StorParamIllegal     = code(ModuleStorage, 0x000004)
	StorUnsetFilename    = code(ModuleStorage, 0x000005)
	StartCaptureIDExist  = code(ModuleStorage, 0x000006)

	ExternalResize        = code(ModuleExternal, 0x000001)
	ExternalCodecMismatch = code(ModuleExternal, 0x000002)
	ExternalFrameInvalid  = code(ModuleExternal, 0x000003)
	ExternalModeConflict  = code(ModuleExternal, 0x000004)

	CallbackCamera         = code(ModuleCallback, 0x010000)
	CallbackMic            = code(ModuleCallback, 0x020000)
	CallbackBandwidthLimit = code(ModuleCallback, 0x030000)
	CallbackReserveDegrade = code(ModuleCallback, 0x040000)

	Unsupported = code(ModuleUnsupported, 0x000001)
)

var descriptions = map[Code]string{
	Succeed:     "success",
	CommonError: "unspecified error",

	ConfigError:               "configuration error",
	ConfigParseFailed:         "configuration could not be parsed",
	ConfigIllegal:             "configuration contains an illegal value",
	ConfigUnexist:             "configuration file does not exist",
	ConfigCertificateFailed:   "certificate could not be loaded",
	ConfigLicenseFailed:       "license configuration failed",
	ConfigStreamsSizeError:    "device_streams does not match the number of configured streams",
	ConfigPortRangeIllegal:    "port range is illegal, max_port - min_port must be at least 100",
	ConfigLogPermissionDenied: "log directory is not writable",

	InitError:                "init error",
	InitInputIllegal:         "init input is illegal",
	InitParseFailed:          "init parse failed",
	InitCreateMediaFailed:    "media mode could not be created",
	InitParamError:           "parameter error",
	InitInvalidInput:         "invalid input",
	InitRepeat:               "session already initialized",
	InitNotReady:             "session is not connected to the signaling server",
	LicenseCheckFailed:       "license check failed",
	LicenseFileError:         "license file could not be read",
	LicenseCheckTimeFailed:   "license has expired",
	LicenseCheckDevice:       "license does not cover this device",
	LicenseCheckStream:       "license does not cover the configured streams",
	LicenseCheckID:           "license does not match the device id",
	PublicLicenseTimeout:     "public license check timed out",
	PublicLicenseNotBind:     "device is not bound to a license",
	PublicLicenseNotEnough:   "not enough licenses available",
	PublicLicenseOvertime:    "license usage time exhausted",
	PublicLicenseNotDuration: "license has no remaining duration",

	SignalError:              "signaling error",
	SignalRegisterFailed:     "signaling registration failed",
	SignalStatusAbnormal:     "signaling status abnormal",
	SignalMessageFailed:      "signaling message failed",
	SignalConnectTimeout:     "signaling connection timed out",
	SignalCredentialRejected: "device id or password incorrect",
	SignalAlreadyLoggedIn:    "device already logged in",

	CaptureError:            "capture error",
	CaptureOpenDeviceFailed: "capture device could not be opened",
	CaptureGetSourceFailed:  "capture source could not be read",
	CaptureUnknownType:      "unknown capture protocol",
	CaptureUnknownID:        "unknown capture id",

	ConnectError:         "connect error",
	ConnectTimeout:       "connection timed out",
	ConnectStreamExists:  "stream id already active",
	ConnectStreamUnknown: "stream id not active",

	MessageError:      "control message error",
	MessageChannel:    "control channel unavailable",
	MessageByteExceed: "control message exceeds maximum size",
	MessageRateExceed: "control messages sent too frequently",
	MessageMaxExceed:  "control data rate above the byte limit",
	MessageBlock:      "control send buffer full",
	MessageCompress:   "control message compression failed",
	MessagePermission: "no receiver connected for control data",

	StorError:           "storage error",
	StorUnenable:        "recording is not enabled",
	StorIDExist:         "recorder id already exists",
	StorIDIllegal:       "recorder id is illegal",
	StorParamIllegal:    "recorder parameter is illegal",
	StorUnsetFilename:   "recorder file name not set",
	StartCaptureIDExist: "capture id already exists",

	ExternalResize:        "external frame size differs from the configured stream size",
	ExternalCodecMismatch: "encoded frame codec differs from the stream codec",
	ExternalFrameInvalid:  "external frame is malformed",
	ExternalModeConflict:  "frame input mode not allowed for this stream",

	CallbackCamera:         "camera error",
	CallbackMic:            "microphone error",
	CallbackBandwidthLimit: "available bandwidth below stream minimum",
	CallbackReserveDegrade: "available bandwidth degraded, bitrate reduced",

	Unsupported: "operation not supported",
}

// Describe returns the diagnostic text of c. It is total: unknown codes of a
// known module fall back to the module description.
func Describe(c Code) string {
	if d, ok := descriptions[c]; ok {
		return d
	}
	if _, ok := moduleNames[c.Module]; ok {
		return fmt.Sprintf("%s error (%s)", c.Module, c.String())
	}
	return fmt.Sprintf("unknown error code %s", c.String())
}

// Message returns the diagnostic text for a numeric wire value.
func Message(value int32) string {
	return Describe(FromValue(value))
}
