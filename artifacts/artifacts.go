// Package artifacts keeps a local, content addressed cache of circuit
// artifacts (circom wasm, zkey proving keys and JSON verification keys).
// Files are stored under their sha256 hash and downloaded on demand.
package artifacts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/vocdoni/maci-coordinator/log"
	"github.com/vocdoni/maci-coordinator/types"
	"golang.org/x/sync/errgroup"
)

// ErrNotCached is returned by Load when the artifact is not in the cache.
var ErrNotCached = errors.New("artifact not cached")

// Artifact is a file identified by the sha256 hash of its content, with an
// optional remote URL to download it from.
type Artifact struct {
	Name      string
	RemoteURL string
	Hash      types.HexBytes
	Content   []byte
}

// Cache is a directory of artifacts named by their hash.
type Cache struct {
	dir         string
	checkHashes bool
	client      *http.Client
}

// NewCache returns a cache rooted at dir, creating it if needed. If
// checkHashes is false the content of cached and downloaded files is not
// checked against the expected hash.
func NewCache(dir string, checkHashes bool) (*Cache, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			log.Warnf("unable to access user home directory, using temporary directory: %v", err)
			dir = filepath.Join(os.TempDir(), "maci-artifacts")
		} else {
			dir = filepath.Join(home, ".cache", "maci-artifacts")
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts dir %s: %w", dir, err)
	}
	return &Cache{dir: dir, checkHashes: checkHashes, client: http.DefaultClient}, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

func (c *Cache) path(hash []byte) string {
	return filepath.Join(c.dir, hex.EncodeToString(hash))
}

// Load reads the artifact content from the cache. It is a no-op if the
// content is already loaded and returns ErrNotCached if the file is missing.
func (c *Cache) Load(a *Artifact) error {
	if len(a.Content) != 0 {
		return nil
	}
	if len(a.Hash) == 0 {
		return fmt.Errorf("artifact %s: hash not provided", a.Name)
	}
	path := c.path(a.Hash)
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotCached, a.Name)
	} else if err != nil {
		return fmt.Errorf("error reading file %s: %w", path, err)
	}
	if c.checkHashes {
		if fileHash := sha256.Sum256(content); !bytes.Equal(fileHash[:], a.Hash) {
			return fmt.Errorf("hash mismatch for file %s: expected %x, got %x", path, []byte(a.Hash), fileHash)
		}
	}
	a.Content = content
	return nil
}

// Fetch loads every artifact, downloading the missing ones concurrently.
func (c *Cache) Fetch(ctx context.Context, artifacts ...*Artifact) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, a := range artifacts {
		if a == nil {
			continue
		}
		g.Go(func() error {
			err := c.Load(a)
			if !errors.Is(err, ErrNotCached) {
				return err
			}
			if err := c.download(gctx, a); err != nil {
				return fmt.Errorf("download %s: %w", a.Name, err)
			}
			return c.Load(a)
		})
	}
	return g.Wait()
}

// progressReader wraps an io.Reader and keeps track of the total bytes read.
type progressReader struct {
	reader io.Reader
	total  atomic.Int64
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	pr.total.Add(int64(n))
	return n, err
}

// download fetches the artifact from its remote URL into the cache. Partial
// downloads are resumed with a range request.
func (c *Cache) download(ctx context.Context, a *Artifact) error {
	if a.RemoteURL == "" {
		return fmt.Errorf("not cached and remote url not provided")
	}
	if _, err := url.Parse(a.RemoteURL); err != nil {
		return fmt.Errorf("error parsing the file URL provided: %w", err)
	}
	path := c.path(a.Hash)
	partialPath := path + ".partial"

	var startByte int64
	if info, err := os.Stat(partialPath); err == nil {
		startByte = info.Size()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.RemoteURL, nil)
	if err != nil {
		return fmt.Errorf("error creating the file request: %w", err)
	}
	if startByte > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", startByte))
	}
	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("error performing the request: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK && res.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("http status: %d", res.StatusCode)
	}

	hasher := sha256.New()
	fileMode := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if startByte > 0 && res.StatusCode == http.StatusPartialContent {
		fileMode = os.O_APPEND | os.O_WRONLY
		existing, err := os.ReadFile(partialPath)
		if err != nil {
			return fmt.Errorf("error reading partial file: %w", err)
		}
		hasher.Write(existing)
	}
	fd, err := os.OpenFile(partialPath, fileMode, 0o644)
	if err != nil {
		return fmt.Errorf("error opening artifact file: %w", err)
	}
	defer fd.Close()

	pr := &progressReader{reader: res.Body}
	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.MultiWriter(fd, hasher), pr)
		done <- err
	}()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for waiting := true; waiting; {
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("error copying data to file: %w", err)
			}
			waiting = false
		case <-ticker.C:
			log.Debugw("downloading artifact", "name", a.Name, "url", a.RemoteURL,
				"downloaded", fmt.Sprintf("%.2fMiB", float64(pr.total.Load())/(1024*1024)))
		}
	}
	if c.checkHashes {
		if computed := hasher.Sum(nil); !bytes.Equal(computed, a.Hash) {
			_ = os.Remove(partialPath)
			return fmt.Errorf("hash mismatch: expected %x, got %x", []byte(a.Hash), computed)
		}
	}
	if err := os.Rename(partialPath, path); err != nil {
		return fmt.Errorf("error renaming file: %w", err)
	}
	log.Infow("artifact downloaded", "name", a.Name, "path", path)
	return nil
}

// CircuitArtifacts groups the artifacts of a circom circuit.
type CircuitArtifacts struct {
	Wasm         *Artifact
	ProvingKey   *Artifact
	VerifyingKey *Artifact
}

// Fetch loads (downloading if needed) the three artifacts.
func (ca *CircuitArtifacts) Fetch(ctx context.Context, c *Cache) error {
	return c.Fetch(ctx, ca.Wasm, ca.ProvingKey, ca.VerifyingKey)
}
