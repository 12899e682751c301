package toki

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"lukechampine.com/blake3"
)

func hashString(s string) string {
	// Try system b3sum first
	if hasB3sum() {
		cmd := exec.Command("b3sum")
		cmd.Stdin = strings.NewReader(s)
		var out bytes.Buffer
		cmd.Stdout = &out
		if err := cmd.Run(); err == nil {
			fields := strings.Fields(out.String())
			if len(fields) > 0 {
				return fields[0]
			}
		}
	}

	// Fallback: internal Go BLAKE3 (32-byte output, no key)
	h := blake3.New(32, nil)
	h.Write([]byte(s))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// check if b3sum is installed on system
func hasB3sum() bool {
	_, err := exec.LookPath("b3sum")
	return err == nil
}

// ComputeChecksums computes BLAKE3 checksums for multiple files, using system
// b3sum if available and falling back to parallel in-process hashing.
func ComputeChecksums(paths []string) (map[string]string, error) {
	if len(paths) == 0 {
		return make(map[string]string), nil
	}

	results := make(map[string]string)
	var mu sync.Mutex

	// 1. Try system b3sum if available
	if hasB3sum() {
		// Batch files to avoid ARG_MAX issues.
		const batchSize = 5000
		for i := 0; i < len(paths); i += batchSize {
			end := i + batchSize
			if end > len(paths) {
				end = len(paths)
			}
			batch := paths[i:end]

			cmd := exec.Command("b3sum", batch...)
			var out bytes.Buffer
			cmd.Stdout = &out
			cmd.Stderr = io.Discard

			if err := cmd.Run(); err == nil {
				scanner := bufio.NewScanner(&out)
				for scanner.Scan() {
					fields := strings.Fields(scanner.Text())
					if len(fields) >= 2 {
						// b3sum output: <hash>  <path>; the path may contain spaces
						hash := fields[0]
						pathInOutput := strings.Join(fields[1:], " ")
						results[pathInOutput] = hash
					}
				}
			} else {
				debugf("b3sum batch %d-%d failed: %v\n", i, end, err)
			}
		}

		if len(results) == len(paths) {
			return results, nil
		}
	}

	// 2. Fallback: internal Go BLAKE3, parallel workers
	var remaining []string
	for _, p := range paths {
		if _, ok := results[p]; !ok {
			remaining = append(remaining, p)
		}
	}
	if len(remaining) == 0 {
		return results, nil
	}

	numWorkers := runtime.NumCPU() * 2
	if len(remaining) < numWorkers {
		numWorkers = len(remaining)
	}

	jobs := make(chan string, len(remaining))
	var wg sync.WaitGroup
	var errOnce sync.Once
	var firstErr error

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]byte, 64*1024)
			for path := range jobs {
				hash, err := computeSingleGoHash(path, buf)
				mu.Lock()
				if err != nil {
					errOnce.Do(func() { firstErr = err })
				} else {
					results[path] = hash
				}
				mu.Unlock()
			}
		}()
	}

	for _, p := range remaining {
		jobs <- p
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return results, firstErr
	}
	return results, nil
}

// ComputeChecksum computes a single file checksum.
func ComputeChecksum(path string) (string, error) {
	results, err := ComputeChecksums([]string{path})
	if err != nil {
		return "", err
	}
	if hash, ok := results[path]; ok {
		return hash, nil
	}
	return "", fmt.Errorf("failed to compute checksum for %s", path)
}

func computeSingleGoHash(path string, buf []byte) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New(32, nil)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

// verifyChecksum compares a file's BLAKE3 digest against expected.
func verifyChecksum(path, expected string) error {
	got, err := ComputeChecksum(path)
	if err != nil {
		return err
	}
	if !strings.EqualFold(got, expected) {
		return fmt.Errorf("checksum mismatch for %s: want %s, got %s", path, expected, got)
	}
	return nil
}
