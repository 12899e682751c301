package toki

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Supported target ABIs.
var knownArchs = map[string]bool{
	"armeabi-v7a": true,
	"arm64-v8a":   true,
	"x86":         true,
	"x86_64":      true,
}

// Android permissions we recognize without a warning. The platform list grows
// faster than any vendored table, so unknown entries pass through with a
// warning and aapt has the final word.
var knownPermissions = map[string]bool{
	"INTERNET":               true,
	"ACCESS_NETWORK_STATE":   true,
	"ACCESS_WIFI_STATE":      true,
	"ACCESS_FINE_LOCATION":   true,
	"ACCESS_COARSE_LOCATION": true,
	"BLUETOOTH":              true,
	"BLUETOOTH_ADMIN":        true,
	"CAMERA":                 true,
	"READ_EXTERNAL_STORAGE":  true,
	"WRITE_EXTERNAL_STORAGE": true,
	"RECORD_AUDIO":           true,
	"VIBRATE":                true,
	"WAKE_LOCK":              true,
	"FOREGROUND_SERVICE":     true,
	"POST_NOTIFICATIONS":     true,
}

var identSegment = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Manifest is the typed, validated model of a buildozer.spec-style file.
// Requirements keep declaration order; the real build order comes from
// resolution. Extra preserves unrecognized keys verbatim.
type Manifest struct {
	Path string

	Title         string
	PackageName   string
	PackageDomain string
	Version       string
	Requirements  []string
	Orientation   string
	Fullscreen    bool

	Archs          []string
	Permissions    []string
	API            int
	MinAPI         int
	NDK            string
	PrivateStorage bool
	AcceptLicense  bool

	SourceDir   string
	IncludeExts []string
	P4ABranch   string

	LogLevel int

	// Unrecognized keys, keyed "section.key", preserved but not interpreted.
	Extra map[string]string

	// Warnings collected during validation (unknown permissions).
	Warnings []string
}

// PackageID returns the fully qualified application id.
func (m *Manifest) PackageID() string {
	return m.PackageDomain + "." + m.PackageName
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ValidationError{Path: path, Msg: err.Error()}
	}
	defer f.Close()
	return parseManifest(path, f)
}

func parseManifest(path string, r io.Reader) (*Manifest, error) {
	m := &Manifest{
		Path:  path,
		Extra: make(map[string]string),
		// buildozer defaults
		Orientation: "landscape",
		API:         31,
		MinAPI:      21,
		LogLevel:    1,
	}

	section := ""
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return nil, &ValidationError{Path: path, Line: lineNo, Msg: "malformed section header"}
			}
			section = strings.TrimSpace(line[1 : len(line)-1])
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, &ValidationError{Path: path, Line: lineNo, Msg: "expected key = value"}
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if section != "" {
			key = section + "." + key
		}
		if err := m.apply(path, lineNo, key, val); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ValidationError{Path: path, Msg: err.Error()}
	}

	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manifest) apply(path string, line int, key, val string) error {
	boolVal := func() bool { return val == "1" || strings.EqualFold(val, "true") }
	intVal := func() (int, error) {
		n, err := strconv.Atoi(val)
		if err != nil {
			return 0, &ValidationError{Path: path, Line: line, Key: key, Msg: "expected integer, got " + strconv.Quote(val)}
		}
		return n, nil
	}

	var err error
	switch key {
	case "app.title":
		m.Title = val
	case "app.package.name":
		m.PackageName = val
	case "app.package.domain":
		m.PackageDomain = val
	case "app.version":
		m.Version = val
	case "app.requirements":
		m.Requirements = splitList(val)
	case "app.orientation":
		m.Orientation = val
	case "app.fullscreen":
		m.Fullscreen = boolVal()
	case "app.android.arch", "app.android.archs":
		m.Archs = splitList(val)
	case "app.android.permissions":
		m.Permissions = splitList(val)
	case "app.android.api":
		m.API, err = intVal()
	case "app.android.minapi":
		m.MinAPI, err = intVal()
	case "app.android.ndk":
		m.NDK = val
	case "app.android.private_storage":
		m.PrivateStorage = boolVal()
	case "app.android.accept_sdk_license":
		m.AcceptLicense = boolVal()
	case "app.source.dir":
		m.SourceDir = val
	case "app.source.include_exts":
		m.IncludeExts = splitList(val)
	case "app.p4a.branch":
		m.P4ABranch = val
	case "buildozer.log_level":
		m.LogLevel, err = intVal()
	default:
		// Forward compatibility: unknown keys are preserved, never an error.
		m.Extra[key] = val
	}
	return err
}

func (m *Manifest) validate() error {
	fail := func(key, msg string) error {
		return &ValidationError{Path: m.Path, Key: key, Msg: msg}
	}

	if m.PackageName == "" {
		return fail("package.name", "missing")
	}
	if !identSegment.MatchString(m.PackageName) {
		return fail("package.name", fmt.Sprintf("%q is not a valid identifier", m.PackageName))
	}
	if m.PackageDomain == "" {
		return fail("package.domain", "missing")
	}
	for _, seg := range strings.Split(m.PackageDomain, ".") {
		if !identSegment.MatchString(seg) {
			return fail("package.domain", fmt.Sprintf("segment %q is not a valid identifier", seg))
		}
	}
	if m.Version == "" {
		return fail("version", "missing or empty")
	}
	if len(m.Archs) == 0 {
		m.Archs = []string{"arm64-v8a"}
	}
	for _, a := range m.Archs {
		if !knownArchs[a] {
			return fail("android.arch", fmt.Sprintf("unknown architecture %q", a))
		}
	}
	if m.MinAPI > m.API {
		return fail("android.minapi", fmt.Sprintf("minapi %d exceeds api %d", m.MinAPI, m.API))
	}
	for _, p := range m.Permissions {
		if !knownPermissions[p] {
			m.Warnings = append(m.Warnings, fmt.Sprintf("unknown permission %q, passed through", p))
		}
	}
	return nil
}

// WriteRecognized re-serializes the modeled subset of the manifest. Unknown
// keys are appended in sorted order so output is stable.
func (m *Manifest) WriteRecognized(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "[app]")
	fmt.Fprintf(bw, "title = %s\n", m.Title)
	fmt.Fprintf(bw, "package.name = %s\n", m.PackageName)
	fmt.Fprintf(bw, "package.domain = %s\n", m.PackageDomain)
	fmt.Fprintf(bw, "version = %s\n", m.Version)
	fmt.Fprintf(bw, "requirements = %s\n", strings.Join(m.Requirements, ","))
	fmt.Fprintf(bw, "orientation = %s\n", m.Orientation)
	fmt.Fprintf(bw, "fullscreen = %s\n", boolStr(m.Fullscreen))
	if m.SourceDir != "" {
		fmt.Fprintf(bw, "source.dir = %s\n", m.SourceDir)
	}
	if len(m.IncludeExts) > 0 {
		fmt.Fprintf(bw, "source.include_exts = %s\n", strings.Join(m.IncludeExts, ","))
	}
	fmt.Fprintf(bw, "android.archs = %s\n", strings.Join(m.Archs, ","))
	if len(m.Permissions) > 0 {
		fmt.Fprintf(bw, "android.permissions = %s\n", strings.Join(m.Permissions, ","))
	}
	fmt.Fprintf(bw, "android.api = %d\n", m.API)
	fmt.Fprintf(bw, "android.minapi = %d\n", m.MinAPI)
	if m.NDK != "" {
		fmt.Fprintf(bw, "android.ndk = %s\n", m.NDK)
	}
	fmt.Fprintf(bw, "android.private_storage = %s\n", boolStr(m.PrivateStorage))
	if m.AcceptLicense {
		fmt.Fprintf(bw, "android.accept_sdk_license = 1\n")
	}
	if m.P4ABranch != "" {
		fmt.Fprintf(bw, "p4a.branch = %s\n", m.P4ABranch)
	}
	fmt.Fprintln(bw, "\n[buildozer]")
	fmt.Fprintf(bw, "log_level = %d\n", m.LogLevel)

	if len(m.Extra) > 0 {
		keys := make([]string, 0, len(m.Extra))
		for k := range m.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(bw)
		for _, k := range keys {
			fmt.Fprintf(bw, "# unrecognized: %s = %s\n", k, m.Extra[k])
		}
	}
	return bw.Flush()
}

func splitList(val string) []string {
	var out []string
	for _, item := range strings.Split(val, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func boolStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
