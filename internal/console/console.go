// Package console implements the chunked file upload helper and its inbound
// mirror over the console topic (spec §4.7): file-data/start, file-data,
// file-data/stop.
package console

import (
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

const (
	chunkSize = 1024             // 1 KiB
	maxUpload = 10 * 1024 * 1024 // 10 MiB cap
)

// Pusher sends one named console-topic event. The channel client implements
// this; defining it here (rather than importing channel) keeps this package
// free of a channel->console->channel import cycle.
type Pusher interface {
	PushConsole(event string, payload map[string]any) error
}

// SendFile streams path in 1 KiB base64 chunks bracketed by
// file-data/start and file-data/stop. Files over 10 MiB are rejected before
// the first chunk is sent.
func SendFile(pusher Pusher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("console: stat %s: %w", path, err)
	}
	if info.Size() > maxUpload {
		return fmt.Errorf("console: %s is %d bytes, exceeds %d byte cap", path, info.Size(), maxUpload)
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("console: open %s: %w", path, err)
	}
	defer f.Close()

	filename := filepath.Base(path)

	if err := pusher.PushConsole("file-data/start", map[string]any{"filename": filename}); err != nil {
		return err
	}

	buf := make([]byte, chunkSize)
	index := 0
	for {
		n, rerr := f.Read(buf)
		if n > 0 {
			chunk := map[string]any{
				"filename": filename,
				"chunk":    index,
				"data":     base64.StdEncoding.EncodeToString(buf[:n]),
			}
			if err := pusher.PushConsole("file-data", chunk); err != nil {
				return err
			}
			index++
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("console: read %s: %w", path, rerr)
		}
	}

	return pusher.PushConsole("file-data/stop", map[string]any{"filename": filename})
}

// Receiver accumulates the inbound mirror of the file transfer protocol,
// writing decoded chunks straight through to disk under dataDir.
type Receiver struct {
	dataDir string
	file    *os.File
}

// NewReceiver builds a Receiver rooted at dataDir.
func NewReceiver(dataDir string) *Receiver {
	return &Receiver{dataDir: dataDir}
}

// Start truncates or creates <data_dir>/<filename>.
func (r *Receiver) Start(filename string) error {
	if r.file != nil {
		r.file.Close()
	}
	path := filepath.Join(r.dataDir, filepath.Base(filename))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("console: create %s: %w", path, err)
	}
	r.file = f
	return nil
}

// Data appends one decoded chunk.
func (r *Receiver) Data(encoded string) error {
	if r.file == nil {
		return fmt.Errorf("console: received file-data before file-data/start")
	}
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("console: decode chunk: %w", err)
	}
	_, err = r.file.Write(decoded)
	return err
}

// Stop finalizes and closes the receiving file.
func (r *Receiver) Stop() error {
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}
