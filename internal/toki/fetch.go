package toki

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gookit/color"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
)

func newHttpClient() *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// Default handshake timeout is 10s; some source hosts are slow.
	transport.TLSHandshakeTimeout = 30 * time.Second

	return &http.Client{
		Transport: transport,
		Timeout:   300 * time.Second, // 5 min total timeout for large downloads
	}
}

type downloadOptions struct {
	Quiet bool // Quiet suppresses all stdout/stderr/progress output
}

func tryRemoveCachedFile(path string) {
	lockPath := path + ".lock"
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		_ = os.Remove(path)
		return
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		// Someone is downloading or verifying the file; skip cleanup.
		return
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)
	_ = os.Remove(path)
	_ = os.Remove(lockPath)
}

func downloadFile(url, destFile string) error {
	return downloadFileWithOptions(url, destFile, downloadOptions{Quiet: false})
}

func downloadFileQuiet(url, destFile string) error {
	return downloadFileWithOptions(url, destFile, downloadOptions{Quiet: true})
}

func downloadFileWithOptions(url, destFile string, opt downloadOptions) error {
	absPath := destFile
	if !filepath.IsAbs(destFile) {
		if err := os.MkdirAll(CacheStore, 0o755); err != nil {
			return fmt.Errorf("failed to create cache directory %s: %w", CacheStore, err)
		}
		absPath = filepath.Join(CacheStore, filepath.Base(destFile))
	}

	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", absPath, err)
	}
	lockPath := absPath + ".lock"

	// Lock file prevents races between the background prefetcher and the
	// main builder downloading the same source.
	lFile, err := os.Create(lockPath)
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	defer lFile.Close()

	// Acquire an exclusive lock. This will block if another process/goroutine is downloading.
	if err := unix.Flock(int(lFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("failed to acquire lock for download: %w", err)
	}
	defer unix.Flock(int(lFile.Fd()), unix.LOCK_UN)

	// DOUBLE CHECK: now that we have the lock, the file may have appeared.
	if _, err := os.Stat(absPath); err == nil {
		debugf("File %s appeared after acquiring lock, skipping download.\n", absPath)
		_ = os.Remove(lockPath)
		return nil
	}

	defer func() {
		if _, err := os.Stat(absPath); err == nil {
			_ = os.Remove(lockPath)
		}
	}()

	debugf("Downloading %s -> %s\n", url, absPath)

	// --- Primary choice: curl with Go-native colorization ---
	if _, err := exec.LookPath("curl"); err == nil {
		curlArgs := []string{"-L", "--fail", "-o", absPath}
		if opt.Quiet {
			curlArgs = append(curlArgs, "-sS")
		} else {
			curlArgs = append(curlArgs, "-#")
		}
		curlArgs = append(curlArgs, url)
		cmd := exec.Command("curl", curlArgs...)

		if opt.Quiet {
			cmd.Stdout = io.Discard
			cmd.Stderr = io.Discard
			if err := cmd.Run(); err == nil {
				return nil
			}
			debugf("curl (quiet) failed, falling back to wget\n")
		} else {
			stderrPipe, err := cmd.StderrPipe()
			if err != nil {
				cmd.Stderr = os.Stderr
			}
			cmd.Stdout = os.Stdout

			if err := cmd.Start(); err != nil {
				return fmt.Errorf("failed to start curl: %w", err)
			}

			if stderrPipe != nil {
				go func() {
					reader := bufio.NewReader(stderrPipe)
					blue := "\x1b[" + color.Blue.Code() + "m"
					reset := "\x1b[0m"
					for {
						lineBytes, err := reader.ReadBytes('\r')
						if len(lineBytes) > 0 {
							line := string(lineBytes)
							if strings.HasPrefix(strings.TrimSpace(line), "#") {
								fmt.Fprintf(os.Stderr, "%s%s%s", blue, line, reset)
							} else {
								fmt.Fprint(os.Stderr, line)
							}
						}
						if err != nil {
							break
						}
					}
				}()
			}

			if err := cmd.Wait(); err != nil {
				debugf("\ncurl failed, falling back to wget")
			} else {
				debugf("\nDownload successful with curl.")
				return nil
			}
		}
	} else {
		debugf("curl not found, trying wget")
	}

	// --- Fallback 1: wget ---
	if _, err := exec.LookPath("wget"); err == nil {
		args := []string{"-O", absPath}
		if opt.Quiet {
			args = append([]string{"-q"}, args...)
		} else {
			args = append([]string{"-nv"}, args...)
		}
		args = append(args, url)
		cmd := exec.Command("wget", args...)
		if opt.Quiet {
			cmd.Stdout = io.Discard
			cmd.Stderr = io.Discard
		} else {
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
		}
		if err := cmd.Run(); err == nil {
			debugf("\nDownload successful with wget.")
			return nil
		}
		debugf("\nwget failed, falling back to native Go HTTP client")
	} else {
		debugf("wget not found, using native Go HTTP client")
	}

	// --- Fallback 2: native Go HTTP client ---
	client := newHttpClient()

	out, err := os.Create(absPath)
	if err != nil {
		return fmt.Errorf("failed to create destination file %s: %w", absPath, err)
	}
	defer out.Close()

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("native http get failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed with status: %s", resp.Status)
	}

	var w io.Writer = out
	if !opt.Quiet {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(absPath))
		w = io.MultiWriter(out, bar)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("failed to write to destination file: %w", err)
	}

	debugf("Download successful with native Go HTTP client.")
	return nil
}

// fetchRecipeSource downloads a recipe's source archive into the cache store
// and symlinks it into the recipe's source dir. The cache key hashes the URL
// together with the recipe version so static URLs are re-fetched on version
// bumps. Returns the path of the symlink.
func fetchRecipeSource(r *Recipe, quiet bool) (string, error) {
	if r.Source.URL == "" {
		return "", nil
	}

	recipeLinkDir := filepath.Join(SourcesDir, r.Name)
	if err := os.MkdirAll(recipeLinkDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create recipe source dir: %v", err)
	}
	if err := os.MkdirAll(CacheStore, 0o755); err != nil {
		return "", fmt.Errorf("failed to create _cache dir: %v", err)
	}

	parts := strings.Split(r.Source.URL, "/")
	origFilename := parts[len(parts)-1]

	hashInput := r.Source.URL + r.Version
	hashName := fmt.Sprintf("%s-%s", hashString(hashInput), origFilename)
	cachePath := filepath.Join(CacheStore, hashName)

	// Remove obsolete cached copies (OLDHASH-filename) for this file.
	globPattern := filepath.Join(CacheStore, "*-"+origFilename)
	if matches, err := filepath.Glob(globPattern); err == nil {
		for _, match := range matches {
			if match != cachePath {
				debugf("Removing obsolete cached file: %s\n", match)
				tryRemoveCachedFile(match)
			}
		}
	}

	if _, err := os.Stat(cachePath); os.IsNotExist(err) {
		if !quiet {
			colArrow.Print("-> ")
			colSuccess.Printf("Fetching source: %s\n", origFilename)
		}
		downloader := downloadFile
		if quiet {
			downloader = downloadFileQuiet
		}
		fetched := false
		if ArtifactMirror != "" {
			mirrorURL := fmt.Sprintf("%s/sources/%s", ArtifactMirror, hashName)
			if err := downloadFileQuiet(mirrorURL, cachePath); err == nil {
				debugf("Fetched %s from mirror\n", origFilename)
				fetched = true
			} else {
				// A failed attempt can leave a partial file behind which
				// would short-circuit the upstream download.
				tryRemoveCachedFile(cachePath)
				debugf("Mirror miss for %s, falling back to upstream\n", origFilename)
			}
		}
		if !fetched {
			if err := downloader(r.Source.URL, cachePath); err != nil {
				return "", fmt.Errorf("failed to download %s: %v", r.Source.URL, err)
			}
		}
	} else {
		debugf("Already in cache: %s\n", cachePath)
	}

	if r.Source.Checksum != "" {
		if err := verifyChecksum(cachePath, r.Source.Checksum); err != nil {
			tryRemoveCachedFile(cachePath)
			return "", err
		}
	}

	linkPath := filepath.Join(recipeLinkDir, origFilename)

	// Atomic symlink creation (temp -> rename) so the prefetcher and the
	// main thread never trip over each other.
	tmpLinkPath := fmt.Sprintf("%s.tmp.%d", linkPath, time.Now().UnixNano())
	if err := os.Symlink(cachePath, tmpLinkPath); err != nil {
		return "", fmt.Errorf("failed to create temp symlink: %v", err)
	}
	if err := os.Rename(tmpLinkPath, linkPath); err != nil {
		os.Remove(tmpLinkPath)
		return "", fmt.Errorf("failed to symlink %s -> %s: %v", cachePath, linkPath, err)
	}

	debugf("Linked %s -> %s\n", linkPath, cachePath)
	return linkPath, nil
}

// prefetchSources warms the source cache for the given recipes before the
// build phase starts. Downloads run concurrently under a semaphore; the
// call returns once every one has finished or failed.
func prefetchSources(recipes []*Recipe) {
	if len(recipes) == 0 {
		return
	}

	concurrencyLimit := 10
	debugf("Prefetching sources for %d recipes (concurrency: %d)...\n", len(recipes), concurrencyLimit)

	sem := make(chan struct{}, concurrencyLimit)
	var wg sync.WaitGroup

	for _, r := range recipes {
		sem <- struct{}{}
		wg.Add(1)

		go func(r *Recipe) {
			defer wg.Done()
			defer func() { <-sem }()

			if _, err := fetchRecipeSource(r, true); err != nil {
				// Debug only, the build path retries and surfaces failures.
				debugf("Prefetch failed for %s: %v\n", r.Name, err)
			}
		}(r)
	}

	wg.Wait()
	debugf("Prefetch completed.\n")
}
