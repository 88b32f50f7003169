// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: config.go — Receiver configuration
//
// Purpose:
//   - One struct holding everything a receiver needs for an acquisition.
//   - Defaults come from the constants package; a JSON file overlays them and
//     command-line flags overlay the file.
//
// Notes:
//   - Enumerations are stored by name so the JSON file stays readable; the
//     typed accessors parse them, and Validate rejects unknown names early.
// ─────────────────────────────────────────────────────────────────────────────

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"receiver/constants"
	"receiver/geometry"
	"receiver/types"
	"receiver/zmqstream"

	"github.com/sugawarayuuta/sonnet"
)

type Config struct {
	// Detector
	DetectorType string    `json:"detectorType"`
	DynamicRange int       `json:"dynamicRange"`
	TenGiga      bool      `json:"tenGiga"`
	NumPorts     int       `json:"numPorts"`
	PixelsX      int       `json:"pixelsX"`  // generic detectors only
	PixelsY      int       `json:"pixelsY"`  // generic detectors only
	DataSize     int       `json:"dataSize"` // generic detectors only
	GapPixels    bool      `json:"gapPixels"`
	DetShape     [2]uint32 `json:"detShape"`
	FlippedDataX bool      `json:"flippedDataX"`
	Quad         bool      `json:"quad"`

	// Network
	UDPIP               string `json:"udpIp"`
	UDPPort             int    `json:"udpPort"` // port i listens on UDPPort+i
	UDPSocketBufferSize int    `json:"udpSocketBufferSize"`
	ReadTimeoutMs       int    `json:"readTimeoutMs"`
	FrameDiscardPolicy  string `json:"frameDiscardPolicy"`
	CapturePath         string `json:"capturePath"` // directory for per-port pcap files; empty disables

	// Pipeline
	FifoDepth      int   `json:"fifoDepth"` // 0 keeps the detector default
	ListenerCores  []int `json:"listenerCores"`
	ProcessorCores []int `json:"processorCores"`
	StreamerCores  []int `json:"streamerCores"`

	// Acquisition
	NumFrames           uint64 `json:"numFrames"`
	AcquisitionTimeNs   int64  `json:"acquisitionTimeNs"`
	SubExposureTimeNs   int64  `json:"subExposureTimeNs"`
	AcquisitionPeriodNs int64  `json:"acquisitionPeriodNs"`

	// Files
	FileWrite     bool   `json:"fileWrite"`
	MasterFile    bool   `json:"masterFile"`
	FileFormat    string `json:"fileFormat"`
	FilePath      string `json:"filePath"`
	FilePrefix    string `json:"filePrefix"`
	FileIndex     uint64 `json:"fileIndex"`
	FramesPerFile int    `json:"framesPerFile"` // 0 keeps the detector default
	Overwrite     bool   `json:"overwrite"`

	// Streaming
	Streaming            bool              `json:"streaming"`
	StreamTransport      string            `json:"streamTransport"`
	StreamIP             string            `json:"streamIp"`
	StreamPort           int               `json:"streamPort"` // port i publishes on StreamPort+i
	StreamRedisAddr      string            `json:"streamRedisAddr"`
	StreamChannel        string            `json:"streamChannel"`
	StreamingFrequency   uint32            `json:"streamingFrequency"` // 0 selects the timer
	StreamingTimerMs     int               `json:"streamingTimerMs"`
	AdditionalJSONHeader map[string]string `json:"additionalJsonHeader"`

	LogLevel string `json:"logLevel"`
}

// DefaultConfig returns a single-port Jungfrau receiver writing nothing.
func DefaultConfig() *Config {
	return &Config{
		DetectorType: "jungfrau",
		DynamicRange: 16,
		TenGiga:      true,
		NumPorts:     1,
		DetShape:     [2]uint32{1, 1},

		UDPIP:               constants.DefaultUDPIP,
		UDPPort:             constants.DefaultUDPPort,
		UDPSocketBufferSize: constants.DefaultUDPSocketBufferSize,
		ReadTimeoutMs:       int(constants.ListenerReadTimeout / time.Millisecond),
		FrameDiscardPolicy:  types.NoDiscard.String(),

		MasterFile: true,
		FileFormat: types.Binary.String(),
		FilePath:   ".",
		FilePrefix: constants.DefaultFilePrefix,

		StreamTransport:  zmqstream.ZMQ.String(),
		StreamIP:         constants.DefaultStreamIP,
		StreamPort:       constants.DefaultStreamPort,
		StreamRedisAddr:  "127.0.0.1:6379",
		StreamChannel:    "receiver",
		StreamingTimerMs: int(constants.DefaultStreamTimer / time.Millisecond),

		LogLevel: "info",
	}
}

// Load reads a JSON file over the defaults. Keys absent from the file keep
// their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := sonnet.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks names, ranges and the resulting geometry.
func (c *Config) Validate() error {
	var errs []error
	if c.NumPorts < 1 || c.NumPorts > 64 {
		errs = append(errs, fmt.Errorf("numPorts %d out of range 1..64", c.NumPorts))
	}
	if c.UDPPort <= 0 || c.UDPPort+c.NumPorts > 65536 {
		errs = append(errs, fmt.Errorf("udpPort %d out of range", c.UDPPort))
	}
	if _, err := c.Geometry(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Format(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.DiscardPolicy(); err != nil {
		errs = append(errs, err)
	}
	if c.Streaming {
		t, err := c.Transport()
		if err != nil {
			errs = append(errs, err)
		} else if t == zmqstream.ZMQ && (c.StreamPort <= 0 || c.StreamPort+c.NumPorts > 65536) {
			errs = append(errs, fmt.Errorf("streamPort %d out of range", c.StreamPort))
		}
	}
	if c.FileWrite && c.FilePath == "" {
		errs = append(errs, errors.New("fileWrite needs a filePath"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Geometry builds the per-port geometry the configuration describes.
func (c *Config) Geometry() (geometry.Geometry, error) {
	t, err := types.ParseDetectorType(c.DetectorType)
	if err != nil {
		return geometry.Geometry{}, err
	}
	var g geometry.Geometry
	if t == types.Generic {
		g, err = geometry.NewGeneric(c.PixelsX, c.PixelsY, c.DynamicRange, c.DataSize)
	} else {
		g, err = geometry.New(t, c.DynamicRange, c.TenGiga)
	}
	if err != nil {
		return geometry.Geometry{}, err
	}
	return g.WithGapPixels(c.GapPixels).WithFramesPerFile(c.FramesPerFile).WithFifoDepth(c.FifoDepth), nil
}

// Format parses FileFormat.
func (c *Config) Format() (types.FileFormat, error) {
	return types.ParseFileFormat(c.FileFormat)
}

// DiscardPolicy parses FrameDiscardPolicy.
func (c *Config) DiscardPolicy() (types.FrameDiscardPolicy, error) {
	return types.ParseFrameDiscardPolicy(c.FrameDiscardPolicy)
}

// Transport parses StreamTransport.
func (c *Config) Transport() (zmqstream.Transport, error) {
	return zmqstream.ParseTransport(c.StreamTransport)
}

// ReadTimeout is the listener's partial-frame flush interval.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

// StreamingTimer is the timer-mode gap between streamed frames.
func (c *Config) StreamingTimer() time.Duration {
	return time.Duration(c.StreamingTimerMs) * time.Millisecond
}

// StreamOptions returns the publisher options of port i.
func (c *Config) StreamOptions(i int) (zmqstream.Options, error) {
	t, err := c.Transport()
	if err != nil {
		return zmqstream.Options{}, err
	}
	g, err := c.Geometry()
	if err != nil {
		return zmqstream.Options{}, err
	}
	opts := zmqstream.Options{Transport: t, Channel: c.StreamChannel, HighWaterMark: g.FifoDepth}
	switch t {
	case zmqstream.Redis:
		opts.Endpoint = c.StreamRedisAddr
		if c.NumPorts > 1 {
			opts.Channel = fmt.Sprintf("%s-%d", c.StreamChannel, i)
		}
	default:
		opts.Endpoint = fmt.Sprintf("tcp://%s:%d", c.StreamIP, c.StreamPort+i)
	}
	return opts, nil
}

// Core returns the CPU for stage instance i, or -1 when not pinned.
func Core(cores []int, i int) int {
	if i < len(cores) {
		return cores[i]
	}
	return -1
}
