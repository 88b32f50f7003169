package filewriter

import (
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"time"

	"receiver/types"

	"github.com/google/uuid"
	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/crypto/sha3"
)

// DataFile is one closed data file as listed in the master file.
type DataFile struct {
	Name   string `json:"name"`
	Frames uint64 `json:"frames"`
	SHA3   string `json:"sha3_256"`
}

// Master is the JSON document of a binary master file.
type Master struct {
	RunID       string           `json:"runId"`
	Created     string           `json:"created"`
	Attributes  MasterAttributes `json:"attributes"`
	Files       []DataFile       `json:"files,omitempty"`
	FramesTotal uint64           `json:"framesInAcquisition"`
	Finished    string           `json:"finished,omitempty"`
}

// binaryWriter writes raw records (receiver header + payload) to
// <prefix>_d<idx>_f<sub>_<fileIndex>.raw and a JSON master file.
type binaryWriter struct {
	opts Options

	file   *os.File
	out    io.Writer // file and digest
	digest hash.Hash
	name   string
	frames uint64 // frames in the current file

	closed []DataFile
	master *Master
}

func newBinaryWriter(opts Options) *binaryWriter {
	return &binaryWriter{opts: opts, digest: sha3.New256()}
}

func (w *binaryWriter) Format() types.FileFormat { return types.Binary }

func (w *binaryWriter) FileName() string { return w.name }

func (w *binaryWriter) CreateMasterFile(attrs MasterAttributes) error {
	if !w.opts.Master {
		return nil
	}
	w.master = &Master{
		RunID:      uuid.NewString(),
		Created:    time.Now().UTC().Format(time.RFC3339Nano),
		Attributes: attrs,
	}
	f, err := create(w.opts.masterFileName(), w.opts.Overwrite)
	if err != nil {
		w.master = nil
		return fmt.Errorf("filewriter: master: %w", err)
	}
	return w.flushMaster(f)
}

// flushMaster writes the master document to f and closes it.
func (w *binaryWriter) flushMaster(f *os.File) error {
	b, err := sonnet.Marshal(w.master)
	if err == nil {
		_, err = f.Write(append(b, '\n'))
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("filewriter: master: %w", err)
	}
	return nil
}

func (w *binaryWriter) CreateFile(frameIndex uint64) error {
	if err := w.CloseCurrentFile(); err != nil {
		return err
	}
	name := w.opts.dataFileName(frameIndex/uint64(w.opts.FramesPerFile), "raw")
	f, err := create(name, w.opts.Overwrite)
	if err != nil {
		return fmt.Errorf("filewriter: %w", err)
	}
	w.file, w.name, w.frames = f, name, 0
	w.digest.Reset()
	w.out = io.MultiWriter(f, w.digest)
	return nil
}

func (w *binaryWriter) WriteToFile(buf []byte, relativeFrameIndex uint64, _ uint32) error {
	if w.file == nil {
		return ErrNoFile
	}
	if w.frames >= uint64(w.opts.FramesPerFile) {
		if err := w.CreateFile(relativeFrameIndex); err != nil {
			return err
		}
	}
	if _, err := w.out.Write(buf); err != nil {
		return fmt.Errorf("filewriter: write %s: %w", w.name, err)
	}
	w.frames++
	return nil
}

func (w *binaryWriter) CloseCurrentFile() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.closed = append(w.closed, DataFile{
		Name:   filepath.Base(w.name),
		Frames: w.frames,
		SHA3:   hex.EncodeToString(w.digest.Sum(nil)),
	})
	w.file, w.out = nil, nil
	if err != nil {
		return fmt.Errorf("filewriter: close %s: %w", w.name, err)
	}
	return nil
}

func (w *binaryWriter) CloseAllFiles() error {
	return w.CloseCurrentFile()
}

// EndOfAcquisition rewrites the master file with the closed data files and
// their digests.
func (w *binaryWriter) EndOfAcquisition(numFrames uint64) error {
	if w.master == nil {
		return nil
	}
	w.master.Files = append(w.master.Files[:0], w.closed...)
	w.master.FramesTotal = numFrames
	w.master.Finished = time.Now().UTC().Format(time.RFC3339Nano)
	f, err := os.OpenFile(w.opts.masterFileName(), os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("filewriter: master: %w", err)
	}
	return w.flushMaster(f)
}
