// Package zmqstream implements the live-viewer stream: one JSON header line
// per frame followed, when the header's data flag is set, by the raw frame
// on a publish/subscribe transport.
package zmqstream

import (
	"bytes"
	"errors"
	"fmt"

	"receiver/constants"
	"receiver/types"

	"github.com/sugawarayuuta/sonnet"
)

var (
	// ErrVersionMismatch rejects headers of another protocol version.
	ErrVersionMismatch = errors.New("zmqstream: json header version mismatch")

	// ErrMalformedHeader wraps JSON decoding failures and missing keys.
	ErrMalformedHeader = errors.New("zmqstream: malformed json header")
)

// requiredKeys lists every header key except addJsonHeader.
var requiredKeys = []string{
	"jsonversion", "bitmode", "fileIndex", "detshape", "shape", "size", "acqIndex",
	"frameIndex", "progress", "fname", "data", "completeImage", "frameNumber",
	"expLength", "packetNumber", "bunchId", "timestamp", "modId", "row", "column",
	"reserved", "debug", "roundRNumber", "detType", "version", "flippedDataX", "quad",
}

// Header is the per-frame stream header.
type Header struct {
	JSONVersion   uint32    `json:"jsonversion"`
	DynamicRange  uint32    `json:"bitmode"`
	FileIndex     uint64    `json:"fileIndex"`
	DetShape      [2]uint32 `json:"detshape"`
	Shape         [2]uint32 `json:"shape"`
	Size          uint32    `json:"size"`
	AcqIndex      uint64    `json:"acqIndex"`
	FrameIndex    uint64    `json:"frameIndex"`
	Progress      float64   `json:"progress"`
	FileName      string    `json:"fname"`
	Data          uint32    `json:"data"`
	CompleteImage uint32    `json:"completeImage"`

	FrameNumber  uint64 `json:"frameNumber"`
	ExpLength    uint32 `json:"expLength"`
	PacketNumber uint32 `json:"packetNumber"`
	BunchID      uint64 `json:"bunchId"`
	Timestamp    uint64 `json:"timestamp"`
	ModID        uint16 `json:"modId"`
	Row          uint16 `json:"row"`
	Column       uint16 `json:"column"`
	Reserved     uint16 `json:"reserved"`
	Debug        uint32 `json:"debug"`
	RoundRNumber uint16 `json:"roundRNumber"`
	DetType      uint8  `json:"detType"`
	Version      uint8  `json:"version"`

	FlippedDataX  uint32            `json:"flippedDataX"`
	Quad          uint32            `json:"quad"`
	AddJSONHeader map[string]string `json:"addJsonHeader,omitempty"`
}

// SetDetector copies the detector header fields.
func (h *Header) SetDetector(d *types.DetectorHeader) {
	h.FrameNumber = d.FrameNumber
	h.ExpLength = d.ExpLength
	h.PacketNumber = d.PacketNumber
	h.BunchID = d.BunchID
	h.Timestamp = d.Timestamp
	h.ModID = d.ModID
	h.Row = d.Row
	h.Column = d.Column
	h.Reserved = d.Reserved
	h.Debug = d.Debug
	h.RoundRNumber = d.RoundRNumber
	h.DetType = d.DetType
	h.Version = d.Version
}

// Encode serialises h as one newline-terminated JSON line. A zero
// JSONVersion is sent as the current protocol version; h is not modified.
func (h *Header) Encode() ([]byte, error) {
	c := *h
	if c.JSONVersion == 0 {
		c.JSONVersion = constants.JSONHeaderVersion
	}
	b, err := sonnet.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("zmqstream: encode header: %w", err)
	}
	return append(b, '\n'), nil
}

// ParseHeader decodes one header message. It rejects other protocol
// versions and headers missing any key but addJsonHeader.
func ParseHeader(msg []byte) (Header, error) {
	msg = bytes.TrimRight(msg, "\n\x00")
	var h Header
	if err := sonnet.Unmarshal(msg, &h); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	var keys map[string]sonnet.RawMessage
	if err := sonnet.Unmarshal(msg, &keys); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrMalformedHeader, err)
	}
	for _, k := range requiredKeys {
		if _, ok := keys[k]; !ok {
			return Header{}, fmt.Errorf("%w: missing %q", ErrMalformedHeader, k)
		}
	}
	if h.JSONVersion != constants.JSONHeaderVersion {
		return h, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, h.JSONVersion, constants.JSONHeaderVersion)
	}
	return h, nil
}
