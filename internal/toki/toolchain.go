package toki

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"
)

// archTriples maps ABI names to NDK compiler triples.
var archTriples = map[string]string{
	"armeabi-v7a": "armv7a-linux-androideabi",
	"arm64-v8a":   "aarch64-linux-android",
	"x86":         "i686-linux-android",
	"x86_64":      "x86_64-linux-android",
}

// ToolchainDescriptor exposes the installed toolchain to build steps. It is
// read-only once installed and safe to share across all units needing the
// same (platform, API, NDK) triple.
type ToolchainDescriptor struct {
	Platform    string
	API         int
	NDK         string
	Root        string
	Sysroot     string
	Fingerprint string
}

// Clang returns the target-prefixed C compiler path for an ABI.
func (t *ToolchainDescriptor) Clang(arch string) string {
	triple := archTriples[arch]
	return filepath.Join(t.Root, "bin", fmt.Sprintf("%s%d-clang", triple, t.API))
}

// ClangXX returns the target-prefixed C++ compiler path for an ABI.
func (t *ToolchainDescriptor) ClangXX(arch string) string {
	return t.Clang(arch) + "++"
}

// Tool returns the path of an unprefixed LLVM binutil (ar, strip, ranlib).
func (t *ToolchainDescriptor) Tool(name string) string {
	return filepath.Join(t.Root, "bin", "llvm-"+name)
}

// ToolchainManager acquires and caches toolchains under Root, one subtree
// per (platform, API, NDK) key. Concurrent acquisitions of the same key
// collapse to a single download; all callers share the result.
type ToolchainManager struct {
	Root        string
	MaxAttempts int
	Backoff     time.Duration

	// Download fetches the archive for a key into destPath. Injectable so
	// tests can serve archives without the network.
	Download func(ctx context.Context, plat string, api int, ndk, destPath string) error

	// Checksums maps keys to expected BLAKE3 digests of the archive.
	// A missing entry means trust-on-first-fetch.
	Checksums map[string]string

	group singleflight.Group
}

func NewToolchainManager(root string) *ToolchainManager {
	return &ToolchainManager{
		Root:        root,
		MaxAttempts: 3,
		Backoff:     2 * time.Second,
		Download:    downloadToolchainArchive,
		Checksums:   defaultToolchainChecksums,
	}
}

func toolchainKey(plat string, api int, ndk string) string {
	return fmt.Sprintf("%s-%d-%s", plat, api, ndk)
}

// Acquire returns the toolchain for (platform, API, NDK), downloading and
// installing it on first use. An interrupted install is never visible: the
// complete marker is written only after verification and extraction, and the
// install directory appears via a single rename.
func (m *ToolchainManager) Acquire(ctx context.Context, plat string, api int, ndk string) (*ToolchainDescriptor, error) {
	key := toolchainKey(plat, api, ndk)

	v, err, _ := m.group.Do(key, func() (any, error) {
		installDir := filepath.Join(m.Root, key)
		if tc, ok := m.loadInstalled(installDir, plat, api, ndk); ok {
			return tc, nil
		}
		return m.install(ctx, key, installDir, plat, api, ndk)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ToolchainDescriptor), nil
}

func (m *ToolchainManager) loadInstalled(installDir, plat string, api int, ndk string) (*ToolchainDescriptor, bool) {
	marker := filepath.Join(installDir, ".complete")
	data, err := os.ReadFile(marker)
	if err != nil {
		return nil, false
	}
	fp := strings.TrimSpace(string(data))
	if fp == "" {
		return nil, false
	}
	return m.describe(installDir, plat, api, ndk, fp), true
}

func (m *ToolchainManager) describe(installDir, plat string, api int, ndk, fingerprint string) *ToolchainDescriptor {
	return &ToolchainDescriptor{
		Platform:    plat,
		API:         api,
		NDK:         ndk,
		Root:        installDir,
		Sysroot:     filepath.Join(installDir, "sysroot"),
		Fingerprint: fingerprint,
	}
}

func (m *ToolchainManager) install(ctx context.Context, key, installDir, plat string, api int, ndk string) (*ToolchainDescriptor, error) {
	if err := os.MkdirAll(m.Root, 0o755); err != nil {
		return nil, &ToolchainFetchError{Platform: plat, API: api, NDK: ndk, Attempts: 0, Err: err}
	}

	archivePath := filepath.Join(m.Root, key+".download")
	expected := m.Checksums[key]

	var lastErr error
	attempts := 0
	for attempts < m.MaxAttempts {
		if err := ctx.Err(); err != nil {
			return nil, &ToolchainFetchError{Platform: plat, API: api, NDK: ndk, Attempts: attempts, Err: err}
		}
		attempts++

		if err := m.Download(ctx, plat, api, ndk, archivePath); err != nil {
			lastErr = err
		} else {
			sum, err := ComputeChecksum(archivePath)
			if err != nil {
				lastErr = err
			} else if expected != "" && !strings.EqualFold(sum, expected) {
				lastErr = fmt.Errorf("checksum mismatch: want %s, got %s", expected, sum)
			} else {
				return m.finishInstall(key, installDir, archivePath, plat, api, ndk, sum)
			}
		}

		// Discard the failed download before retrying.
		_ = os.Remove(archivePath)
		colArrow.Print("-> ")
		colWarn.Printf("Toolchain %s attempt %d/%d failed: %v\n", key, attempts, m.MaxAttempts, lastErr)

		if attempts < m.MaxAttempts {
			backoff := m.Backoff << (attempts - 1)
			select {
			case <-ctx.Done():
				return nil, &ToolchainFetchError{Platform: plat, API: api, NDK: ndk, Attempts: attempts, Err: ctx.Err()}
			case <-time.After(backoff):
			}
		}
	}

	return nil, &ToolchainFetchError{Platform: plat, API: api, NDK: ndk, Attempts: attempts, Err: lastErr}
}

func (m *ToolchainManager) finishInstall(key, installDir, archivePath, plat string, api int, ndk, archiveSum string) (*ToolchainDescriptor, error) {
	wrap := func(err error) error {
		return &ToolchainFetchError{Platform: plat, API: api, NDK: ndk, Attempts: 1, Err: err}
	}

	tmpDir, err := os.MkdirTemp(m.Root, "."+key+".install-*")
	if err != nil {
		return nil, wrap(err)
	}
	defer os.RemoveAll(tmpDir)

	if isZip(archivePath) {
		err = unzipGo(archivePath, tmpDir)
	} else {
		err = extractTar(archivePath, tmpDir)
	}
	if err != nil {
		return nil, wrap(err)
	}
	_ = os.Remove(archivePath)

	// NDK zips unpack to a single versioned top-level directory.
	root := tmpDir
	if entries, err := os.ReadDir(tmpDir); err == nil && len(entries) == 1 && entries[0].IsDir() {
		root = filepath.Join(tmpDir, entries[0].Name())
	}

	fingerprint := hashString(fmt.Sprintf("%s|%d|%s|%s", plat, api, ndk, archiveSum))
	marker := filepath.Join(root, ".complete")
	if err := os.WriteFile(marker, []byte(fingerprint+"\n"), 0o644); err != nil {
		return nil, wrap(err)
	}

	// Atomic install: the cache never holds a partial toolchain. A leftover
	// directory without a marker is an interrupted install, safe to replace.
	_ = os.RemoveAll(installDir)
	if err := os.Rename(root, installDir); err != nil {
		return nil, wrap(err)
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Toolchain %s installed\n", key)
	return m.describe(installDir, plat, api, ndk, fingerprint), nil
}

func isZip(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	var magic [4]byte
	if _, err := f.Read(magic[:]); err != nil {
		return false
	}
	return magic[0] == 'P' && magic[1] == 'K'
}

// downloadToolchainArchive fetches the NDK distribution for the key.
func downloadToolchainArchive(ctx context.Context, plat string, api int, ndk, destPath string) error {
	url := fmt.Sprintf("https://dl.google.com/android/repository/android-ndk-r%s-linux.zip", ndk)
	_ = ctx
	return downloadFile(url, destPath)
}

// Known archive digests. Keys without an entry are verified on first fetch
// and trusted thereafter.
var defaultToolchainChecksums = map[string]string{}
