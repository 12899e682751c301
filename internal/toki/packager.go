package toki

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

// permissionName is the grammar the platform metadata schema accepts for
// permission identifiers. Names failing it are rejected outright, unlike
// merely unknown permissions which pass through with a warning.
var permissionName = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// Packager assembles staged trees into APKs named from the manifest.
type Packager struct {
	OutDir string
	Exec   *Executor
}

func NewPackager(outDir string, execCtx *Executor) *Packager {
	return &Packager{OutDir: outDir, Exec: execCtx}
}

// androidManifest is the generated platform metadata document.
type androidManifest struct {
	XMLName     xml.Name `xml:"manifest"`
	XMLNS       string   `xml:"xmlns:android,attr"`
	Package     string   `xml:"package,attr"`
	VersionName string   `xml:"android:versionName,attr"`
	VersionCode int      `xml:"android:versionCode,attr"`

	SDK struct {
		Min    int `xml:"android:minSdkVersion,attr"`
		Target int `xml:"android:targetSdkVersion,attr"`
	} `xml:"uses-sdk"`

	Permissions []usesPermission `xml:"uses-permission"`

	Application struct {
		Label    string          `xml:"android:label,attr"`
		Activity androidActivity `xml:"activity"`
	} `xml:"application"`
}

type usesPermission struct {
	Name string `xml:"android:name,attr"`
}

type androidActivity struct {
	Name        string `xml:"android:name,attr"`
	Orientation string `xml:"android:screenOrientation,attr"`
	Theme       string `xml:"android:theme,attr,omitempty"`
}

// buildAndroidManifest renders the platform metadata from manifest fields.
func buildAndroidManifest(m *Manifest) ([]byte, error) {
	for _, p := range m.Permissions {
		if !permissionName.MatchString(p) {
			return nil, &PackagingError{Msg: fmt.Sprintf("permission %q rejected by platform schema", p)}
		}
	}

	doc := androidManifest{
		XMLNS:       "http://schemas.android.com/apk/res/android",
		Package:     m.PackageID(),
		VersionName: m.Version,
		VersionCode: versionCode(m.Version),
	}
	doc.SDK.Min = m.MinAPI
	doc.SDK.Target = m.API

	perms := append([]string{}, m.Permissions...)
	sort.Strings(perms)
	for _, p := range perms {
		doc.Permissions = append(doc.Permissions, usesPermission{Name: "android.permission." + p})
	}

	doc.Application.Label = m.Title
	doc.Application.Activity = androidActivity{
		Name:        "org.kivy.android.PythonActivity",
		Orientation: m.Orientation,
	}
	if m.Fullscreen {
		doc.Application.Activity.Theme = "@android:style/Theme.NoTitleBar.Fullscreen"
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, &PackagingError{Msg: "marshal AndroidManifest.xml", Err: err}
	}
	return append([]byte(xml.Header), append(out, '\n')...), nil
}

// versionCode derives a monotonic integer code from a dotted version string.
func versionCode(version string) int {
	code := 0
	parts := strings.SplitN(version, ".", 3)
	for i := 0; i < 3; i++ {
		code *= 100
		if i < len(parts) {
			n := 0
			fmt.Sscanf(parts[i], "%d", &n)
			code += n % 100
		}
	}
	if code == 0 {
		code = 1
	}
	return code
}

// apkName is the deterministic artifact name for one arch.
func apkName(m *Manifest, arch string) string {
	return fmt.Sprintf("%s-%s-%s.apk", m.PackageName, m.Version, arch)
}

// PackageAPK assembles one APK per staged architecture. trees holds the
// staging trees of the architectures whose builds succeeded; an empty set
// fails the packaging step.
func (p *Packager) PackageAPK(m *Manifest, trees []*StagingTree) ([]string, error) {
	if len(trees) == 0 {
		return nil, &PackagingError{Msg: "no architecture successfully staged"}
	}

	manifestXML, err := buildAndroidManifest(m)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(p.OutDir, 0o755); err != nil {
		return nil, &PackagingError{Msg: "create output dir", Err: err}
	}

	var outputs []string
	for _, st := range trees {
		out := filepath.Join(p.OutDir, apkName(m, st.Arch))
		if err := p.assemble(m, []*StagingTree{st}, manifestXML, out); err != nil {
			return outputs, err
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Packaged %s\n", out)
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// PackageUniversalAPK bundles the native libraries of every staged
// architecture into a single APK. Assets are shared across ABIs and come
// from the first tree.
func (p *Packager) PackageUniversalAPK(m *Manifest, trees []*StagingTree) (string, error) {
	if len(trees) < 2 {
		return "", &PackagingError{Msg: "universal apk needs at least two staged architectures"}
	}

	manifestXML, err := buildAndroidManifest(m)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(p.OutDir, 0o755); err != nil {
		return "", &PackagingError{Msg: "create output dir", Err: err}
	}

	out := filepath.Join(p.OutDir, apkName(m, "universal"))
	if err := p.assemble(m, trees, manifestXML, out); err != nil {
		return "", err
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Packaged %s\n", out)
	return out, nil
}

func (p *Packager) assemble(m *Manifest, trees []*StagingTree, manifestXML []byte, outPath string) error {
	archLabel := trees[0].Arch
	if len(trees) > 1 {
		archLabel = "universal"
	}
	wrap := func(msg string, err error) error {
		return &PackagingError{Arch: archLabel, Msg: msg, Err: err}
	}

	tmpPath := outPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return wrap("create apk", err)
	}
	defer func() {
		f.Close()
		os.Remove(tmpPath)
	}()

	zw := zip.NewWriter(f)

	// Fixed timestamp keeps repeated packaging of identical inputs
	// byte-identical.
	stamp := time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC)

	addEntry := func(name string, mode os.FileMode, method uint16, content io.Reader) error {
		hdr := &zip.FileHeader{Name: name, Method: method, Modified: stamp}
		hdr.SetMode(mode)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, content)
		return err
	}

	if err := addEntry("AndroidManifest.xml", 0o644, zip.Deflate, strings.NewReader(string(manifestXML))); err != nil {
		zw.Close()
		return wrap("write AndroidManifest.xml", err)
	}

	// The bootstrap recipe stages the Java entry point as a dex file.
	if df, err := os.Open(trees[0].DexFile()); err == nil {
		err = addEntry("classes.dex", 0o644, zip.Deflate, df)
		df.Close()
		if err != nil {
			zw.Close()
			return wrap("write classes.dex", err)
		}
	}

	// Native libraries: stored uncompressed so the platform can mmap them.
	for _, st := range trees {
		if err := addTreeToZip(zw, st.LibDir(), "lib/"+st.Arch, stamp, true); err != nil {
			zw.Close()
			return wrap("add native libs", err)
		}
	}

	// Python runtime and app code ride along as assets.
	if err := addTreeToZip(zw, trees[0].PythonDir(), "assets/python", stamp, false); err != nil {
		zw.Close()
		return wrap("add python assets", err)
	}
	if m.SourceDir != "" {
		if err := addSourceToZip(zw, m, stamp); err != nil {
			zw.Close()
			return wrap("add app sources", err)
		}
	}

	if err := zw.Close(); err != nil {
		return wrap("finalize apk", err)
	}
	if err := f.Close(); err != nil {
		return wrap("close apk", err)
	}

	// External platform steps: alignment and signing. Absent tools degrade
	// to an unaligned debug artifact with a warning.
	aligned := tmpPath
	if _, err := exec.LookPath("zipalign"); err == nil {
		alignedPath := outPath + ".aligned"
		cmd := exec.Command("zipalign", "-f", "4", tmpPath, alignedPath)
		cmd.Stdout = io.Discard
		if err := p.Exec.Run(cmd); err != nil {
			return wrap("zipalign", err)
		}
		_ = os.Remove(tmpPath)
		aligned = alignedPath
	} else {
		colArrow.Print("-> ")
		colWarn.Println("zipalign not found, producing unaligned apk")
	}

	if err := os.Rename(aligned, outPath); err != nil {
		return wrap("rename apk", err)
	}

	if _, err := exec.LookPath("apksigner"); err == nil {
		if keystore := os.Getenv("TOKI_KEYSTORE"); keystore != "" {
			cmd := exec.Command("apksigner", "sign", "--ks", keystore, outPath)
			if err := p.Exec.Run(cmd); err != nil {
				return wrap("apksigner", err)
			}
		} else {
			debugf("TOKI_KEYSTORE not set, leaving apk unsigned\n")
		}
	} else {
		colArrow.Print("-> ")
		colWarn.Println("apksigner not found, producing unsigned apk")
	}

	return nil
}

// addTreeToZip adds every regular file under root to the archive beneath
// prefix, in sorted path order. store picks STORE over DEFLATE.
func addTreeToZip(zw *zip.Writer, root, prefix string, stamp time.Time, store bool) error {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}

	var files []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, path := range files {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		method := uint16(zip.Deflate)
		if store || strings.HasSuffix(rel, ".arsc") {
			method = zip.Store
		}
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		hdr := &zip.FileHeader{
			Name:     prefix + "/" + filepath.ToSlash(rel),
			Method:   method,
			Modified: stamp,
		}
		hdr.SetMode(info.Mode().Perm())
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, src)
		src.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// addSourceToZip bundles the application's own sources, filtered by the
// manifest's include_exts when set.
func addSourceToZip(zw *zip.Writer, m *Manifest, stamp time.Time) error {
	exts := make(map[string]bool)
	for _, e := range m.IncludeExts {
		exts["."+strings.TrimPrefix(e, ".")] = true
	}

	var files []string
	err := filepath.Walk(m.SourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if len(exts) > 0 && !exts[filepath.Ext(path)] {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(files)

	for _, path := range files {
		rel, err := filepath.Rel(m.SourceDir, path)
		if err != nil {
			return err
		}
		hdr := &zip.FileHeader{
			Name:     "assets/app/" + filepath.ToSlash(rel),
			Method:   zip.Deflate,
			Modified: stamp,
		}
		hdr.SetMode(0o644)
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		_, err = io.Copy(w, src)
		src.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
