package toki

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"lukechampine.com/blake3"
)

// StagingTree is the per-architecture directory accumulating installed
// artifacts from each build unit. A recipe built for one arch must never
// land in another arch's tree, so the arch is baked into the path and
// checked on merge.
type StagingTree struct {
	Arch string
	Root string
}

func NewStagingTree(workRoot, arch string) (*StagingTree, error) {
	root := filepath.Join(workRoot, "staging", arch)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &StagingTree{Arch: arch, Root: root}, nil
}

// LibDir is where native shared objects land.
func (st *StagingTree) LibDir() string {
	return filepath.Join(st.Root, "lib", st.Arch)
}

// PythonDir is where Python modules and bytecode land.
func (st *StagingTree) PythonDir() string {
	return filepath.Join(st.Root, "python")
}

// DexFile is where the bootstrap recipe installs the compiled Java entry
// point, if it produces one.
func (st *StagingTree) DexFile() string {
	return filepath.Join(st.Root, "dex", "classes.dex")
}

// MergeArtifact copies an installed artifact directory into the tree. System
// rsync is tried first, then cp -aT, then a pure-Go walk.
func (st *StagingTree) MergeArtifact(srcDir, arch string, execCtx *Executor) error {
	if arch != st.Arch {
		return fmt.Errorf("artifact built for %s cannot be staged into %s tree", arch, st.Arch)
	}

	srcPath := filepath.Clean(srcDir)

	if _, err := exec.LookPath("rsync"); err == nil {
		// rsync needs the trailing slash to copy contents, not the directory itself
		args := []string{
			"-aH",
			"--numeric-ids",
			"--no-implied-dirs",
			"--keep-dirlinks",
			srcPath + string(os.PathSeparator),
			st.Root,
		}
		cmd := exec.Command("rsync", args...)
		cmd.Stderr = os.Stderr
		if err := execCtx.Run(cmd); err == nil {
			return nil
		}
		debugf("rsync failed, falling back to cp\n")
	}

	if _, err := exec.LookPath("cp"); err == nil {
		// -a preserves links and permissions, -T avoids nesting a subdirectory.
		cmd := exec.Command("cp", "-aT", srcPath, st.Root)
		cmd.Stderr = os.Stderr
		debugf("Attempting to sync with 'cp -aT %s %s'\n", srcPath, st.Root)
		if err := execCtx.Run(cmd); err == nil {
			return nil
		}
		debugf("System 'cp -aT' failed, falling back to internal Go implementation.\n")
	}

	return copyTreeGo(srcPath, st.Root)
}

// copyTreeGo recursively copies src into dst, preserving modes, symlinks and
// timestamps.
func copyTreeGo(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		switch {
		case info.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(link, target)
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := copyFile(path, target); err != nil {
				return err
			}
			if err := os.Chmod(target, info.Mode().Perm()); err != nil {
				return err
			}
			return os.Chtimes(target, info.ModTime(), info.ModTime())
		}
	})
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// Digest computes a BLAKE3 digest over the tree's contents (paths, link
// targets and file bytes, in sorted order). Two trees with the same digest
// hold byte-identical content.
func (st *StagingTree) Digest() (string, error) {
	type entry struct {
		rel  string
		line string
	}
	var entries []entry

	err := filepath.Walk(st.Root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(st.Root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		switch {
		case info.IsDir():
			entries = append(entries, entry{rel, "dir " + rel})
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			entries = append(entries, entry{rel, "link " + rel + " -> " + link})
		default:
			sum, err := ComputeChecksum(path)
			if err != nil {
				return err
			}
			entries = append(entries, entry{rel, "file " + rel + " " + sum})
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })
	h := blake3.New(32, nil)
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(e.line)
		sb.WriteByte('\n')
	}
	h.Write([]byte(sb.String()))
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}
