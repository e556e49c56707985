// Package transcript persists the full output of finished streaming
// commands, zstd-compressed, one file pair per handle.
package transcript

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Meta describes one stored transcript.
type Meta struct {
	HandleID    string        `json:"handleId"`
	RequesterID string        `json:"requesterId"`
	ServerID    string        `json:"serverId"`
	Command     string        `json:"command"`
	ExitCode    int           `json:"exitCode"`
	StartedAt   time.Time     `json:"startedAt"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Store writes transcripts under rootDir/<handleId>.zst with a json
// sidecar for the metadata.
type Store struct {
	rootDir string
}

// New creates a Store rooted at dir.
func New(dir string) *Store {
	return &Store{rootDir: dir}
}

var handleIDRe = regexp.MustCompile(`^[a-zA-Z0-9-]{1,64}$`)

func (s *Store) paths(handleID string) (string, string, error) {
	if !handleIDRe.MatchString(handleID) {
		return "", "", fmt.Errorf("invalid handle id %q", handleID)
	}
	base := filepath.Join(s.rootDir, handleID)
	return base + ".zst", base + ".json", nil
}

// Save writes the compressed output and its metadata.
func (s *Store) Save(meta Meta, output []byte) error {
	outPath, metaPath, err := s.paths(meta.HandleID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.rootDir, 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(outPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return err
	}
	if _, err := enc.Write(output); err != nil {
		enc.Close()
		f.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(metaPath, metaBytes, 0o644)
}

// Load reads one transcript back.
func (s *Store) Load(handleID string) (Meta, []byte, error) {
	outPath, metaPath, err := s.paths(handleID)
	if err != nil {
		return Meta{}, nil, err
	}
	metaBytes, err := os.ReadFile(metaPath)
	if err != nil {
		return Meta{}, nil, err
	}
	var meta Meta
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return Meta{}, nil, fmt.Errorf("parse transcript meta: %w", err)
	}

	f, err := os.Open(outPath)
	if err != nil {
		return Meta{}, nil, err
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		return Meta{}, nil, err
	}
	defer dec.Close()
	output, err := io.ReadAll(dec)
	if err != nil {
		return Meta{}, nil, err
	}
	return meta, output, nil
}

// List returns the metadata of all stored transcripts, unordered.
func (s *Store) List() ([]Meta, error) {
	entries, err := os.ReadDir(s.rootDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Meta
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.rootDir, e.Name()))
		if err != nil {
			continue
		}
		var meta Meta
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		out = append(out, meta)
	}
	return out, nil
}
