// Package catalog manages agent update packages: ingest, stable-version
// promotion, update checks, and checksum-verified serving.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/labfleet/labfleet/internal/clock"
	"github.com/labfleet/labfleet/internal/metrics"
)

// DefaultMaxPackageBytes caps uploaded agent packages.
const DefaultMaxPackageBytes = 50 << 20

var (
	ErrVersionRequired   = errors.New("version is required")
	ErrBadExtension      = errors.New("package extension must be .zip, .gz, or .tar")
	ErrPackageTooLarge   = errors.New("package exceeds size limit")
	ErrInvalidFilename   = errors.New("invalid filename")
	ErrUnknownVersion    = errors.New("unknown version")
	ErrVersionExists     = errors.New("version already exists")
	ErrUnparsableVersion = errors.New("version is not a valid semver")
)

var allowedExtensions = map[string]bool{".zip": true, ".gz": true, ".tar": true}

// AgentVersion is one uploaded package.
type AgentVersion struct {
	ID             int64     `json:"id"`
	Version        string    `json:"version"`
	ChecksumSHA256 string    `json:"checksum_sha256"`
	DownloadURL    string    `json:"download_url"`
	FilePath       string    `json:"file_path"`
	FileSize       int64     `json:"file_size"`
	Notes          string    `json:"notes,omitempty"`
	IsStable       bool      `json:"is_stable"`
	CreatedAt      time.Time `json:"created_at"`
}

// VersionStore is the interface for agent-version persistence.
type VersionStore interface {
	CreateAgentVersion(v AgentVersion) (int64, error)
	GetAgentVersion(id int64) (*AgentVersion, error)
	GetAgentVersionByVersion(version string) (*AgentVersion, error)
	// SetStableVersion clears is_stable on every row and sets it on id.
	SetStableVersion(id int64, stable bool) error
	GetStableVersion() (*AgentVersion, error)
	// ListAgentVersions returns rows ordered is_stable DESC, created_at DESC.
	ListAgentVersions() ([]AgentVersion, error)
	DeleteAgentVersion(id int64) error
}

// Catalog ingests and serves agent packages.
type Catalog struct {
	Versions VersionStore
	Clock    clock.Clock
	Log      *slog.Logger

	dataDir  string
	maxBytes int64
}

// New creates a Catalog storing packages under dataDir/agent-packages.
func New(versions VersionStore, clk clock.Clock, log *slog.Logger, dataDir string, maxBytes int64) (*Catalog, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxPackageBytes
	}
	dir := filepath.Join(dataDir, "agent-packages")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create package dir: %w", err)
	}
	return &Catalog{Versions: versions, Clock: clk, Log: log, dataDir: dir, maxBytes: maxBytes}, nil
}

// Ingest streams an uploaded package to disk, hashing as it writes, and
// records the new version as non-stable. The stored filename is derived
// from the version and the original extension, never from client input.
func (c *Catalog) Ingest(r io.Reader, originalName, version, notes, baseURL string) (*AgentVersion, error) {
	if version == "" {
		return nil, ErrVersionRequired
	}
	if _, ok := ParseSemVer(version); !ok {
		return nil, ErrUnparsableVersion
	}
	ext := strings.ToLower(filepath.Ext(originalName))
	if !allowedExtensions[ext] {
		return nil, ErrBadExtension
	}
	if existing, err := c.Versions.GetAgentVersionByVersion(version); err != nil {
		return nil, err
	} else if existing != nil {
		return nil, ErrVersionExists
	}

	filename := "agent-" + version + ext
	path := filepath.Join(c.dataDir, filename)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create package file: %w", err)
	}

	hasher := sha256.New()
	size, err := io.Copy(f, io.TeeReader(io.LimitReader(r, c.maxBytes+1), hasher))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write package: %w", err)
	}
	if size > c.maxBytes {
		os.Remove(path)
		return nil, ErrPackageTooLarge
	}

	v := AgentVersion{
		Version:        version,
		ChecksumSHA256: hex.EncodeToString(hasher.Sum(nil)),
		DownloadURL:    baseURL + "/agent/agent-packages/" + filename,
		FilePath:       path,
		FileSize:       size,
		Notes:          notes,
		IsStable:       false,
		CreatedAt:      c.Clock.Now().UTC(),
	}
	id, err := c.Versions.CreateAgentVersion(v)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("record version: %w", err)
	}
	v.ID = id

	c.Log.Info("agent package ingested", "version", version, "size", size, "checksum", v.ChecksumSHA256)
	return &v, nil
}

// SetStable flips the stable flag on one version. Promotion atomically
// demotes every other row so at most one stable version exists. Returns
// the updated row.
func (c *Catalog) SetStable(id int64, stable bool) (*AgentVersion, error) {
	v, err := c.Versions.GetAgentVersion(id)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrUnknownVersion
	}
	if err := c.Versions.SetStableVersion(id, stable); err != nil {
		return nil, err
	}
	v.IsStable = stable
	if stable {
		c.Log.Info("agent version promoted to stable", "version", v.Version, "id", id)
	}
	return v, nil
}

// LatestStableNewerThan returns the stable version iff it is strictly
// newer than currentVersion under semver comparison. An absent or
// unparsable currentVersion returns the stable row unconditionally.
func (c *Catalog) LatestStableNewerThan(currentVersion string) (*AgentVersion, error) {
	stable, err := c.Versions.GetStableVersion()
	if err != nil || stable == nil {
		return nil, err
	}

	cur, ok := ParseSemVer(currentVersion)
	if !ok {
		return stable, nil
	}
	candidate, ok := ParseSemVer(stable.Version)
	if !ok {
		return nil, nil
	}
	if cur.LessThan(candidate) {
		return stable, nil
	}
	return nil, nil
}

// List returns all versions, stable first, newest first.
func (c *Catalog) List() ([]AgentVersion, error) {
	return c.Versions.ListAgentVersions()
}

// Open resolves a package filename for serving. Any path separator in the
// requested name is rejected as traversal.
func (c *Catalog) Open(filename string) (*os.File, os.FileInfo, error) {
	if filename == "" || strings.ContainsAny(filename, "/\\") || strings.Contains(filename, "..") {
		return nil, nil, ErrInvalidFilename
	}
	path := filepath.Join(c.dataDir, filename)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrInvalidFilename
		}
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	metrics.VersionDownloads.Inc()
	return f, info, nil
}
