// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: filewriter.go — Per-pipeline frame file output
//
// Purpose:
//   - Defines the narrow interface the processor drives: master file at
//     acquisition start, one data file per FramesPerFile frames, digests and
//     totals at acquisition end.
//   - Builds the writer for a FileFormat through New.
//
// Notes:
//   - A writer belongs to one processor goroutine and is not safe for
//     concurrent use.
//   - Writers refuse to clobber existing files unless Options.Overwrite is set.
// ─────────────────────────────────────────────────────────────────────────────

package filewriter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"receiver/constants"
	"receiver/types"
)

var (
	// ErrInvalidFormat is returned by New for an unknown FileFormat.
	ErrInvalidFormat = errors.New("filewriter: invalid file format")

	// ErrFileExists is returned when a target file exists and overwrite is off.
	ErrFileExists = errors.New("filewriter: file exists")

	// ErrNoFile is returned by WriteToFile before any CreateFile.
	ErrNoFile = errors.New("filewriter: no open file")
)

// MasterAttributes describe the acquisition in the master file.
type MasterAttributes struct {
	DetectorType      string        `json:"detectorType"`
	DynamicRange      int           `json:"dynamicRange"`
	TenGiga           bool          `json:"tenGiga"`
	ImageSize         int           `json:"imageSize"`
	PixelsX           int           `json:"nPixelsX"`
	PixelsY           int           `json:"nPixelsY"`
	PacketsPerFrame   uint32        `json:"packetsPerFrame"`
	MaxFramesPerFile  int           `json:"maxFramesPerFile"`
	GapPixels         bool          `json:"gapPixels"`
	TotalFrames       uint64        `json:"totalFrames"`
	AcquisitionTime   time.Duration `json:"acquisitionTimeNs"`
	SubExposureTime   time.Duration `json:"subExposureTimeNs"`
	AcquisitionPeriod time.Duration `json:"acquisitionPeriodNs"`
	HeaderVersion     int           `json:"headerVersion"`
}

// Options locate and name the files of one pipeline.
type Options struct {
	Path          string
	Prefix        string
	DetectorIndex int    // pipeline index, the d<n> part of file names
	FileIndex     uint64 // acquisition index, the trailing _<n>
	FramesPerFile int    // rollover threshold; ≤ 0 → constants.DefaultFramesPerFile
	Overwrite     bool
	Master        bool // write the master file (one pipeline per receiver)
}

// Writer is the file output of one processor.
type Writer interface {
	// CreateMasterFile records the acquisition attributes. It is a no-op
	// unless Options.Master is set.
	CreateMasterFile(attrs MasterAttributes) error

	// CreateFile closes the current data file, if any, and opens the one
	// that will hold relative frame frameIndex.
	CreateFile(frameIndex uint64) error

	// WriteToFile appends one frame. buf is the receiver header followed by
	// the payload. Rolls over to a new file every FramesPerFile frames.
	WriteToFile(buf []byte, relativeFrameIndex uint64, packetCount uint32) error

	CloseCurrentFile() error
	CloseAllFiles() error

	// EndOfAcquisition records the number of frames processed.
	EndOfAcquisition(numFrames uint64) error

	// FileName is the current (or last) data file name, empty before the first.
	FileName() string

	Format() types.FileFormat
}

// New builds the writer for format.
func New(format types.FileFormat, opts Options) (Writer, error) {
	if opts.FramesPerFile <= 0 {
		opts.FramesPerFile = constants.DefaultFramesPerFile
	}
	if opts.Prefix == "" {
		opts.Prefix = constants.DefaultFilePrefix
	}
	if opts.Path == "" {
		opts.Path = "."
	}
	switch format {
	case types.Binary:
		return newBinaryWriter(opts), nil
	case types.SQLite:
		return newSQLiteWriter(opts), nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrInvalidFormat, format)
	}
}

// create opens path for writing, honouring the overwrite policy.
func create(path string, overwrite bool) (*os.File, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if !overwrite {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("%w: %s", ErrFileExists, path)
	}
	return f, err
}

func (o Options) dataFileName(sub uint64, ext string) string {
	return filepath.Join(o.Path, fmt.Sprintf("%s_d%d_f%d_%d.%s", o.Prefix, o.DetectorIndex, sub, o.FileIndex, ext))
}

func (o Options) masterFileName() string {
	return filepath.Join(o.Path, fmt.Sprintf("%s_master_%d.json", o.Prefix, o.FileIndex))
}
