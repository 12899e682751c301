package toki

import (
	"context"
	"fmt"
)

// requirementAliases maps names commonly seen in manifests to registry names.
var requirementAliases = map[string]string{
	"jnius":      "pyjnius",
	"python":     "python3",
	"hostpython": "hostpython3",
}

// normalizeRequirements rewrites manifest requirement names to registry
// names and force-includes the Python base every Android app needs.
func normalizeRequirements(reqs []string) []string {
	out := make([]string, 0, len(reqs)+1)
	seen := make(map[string]bool)
	add := func(name string) {
		if alias, ok := requirementAliases[name]; ok {
			name = alias
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	add("python3")
	for _, r := range reqs {
		add(r)
	}
	return out
}

// shellStep runs one shell fragment in the unit's source dir.
func shellStep(kind Step, script string) BuildStep {
	return BuildStep{
		Kind: kind,
		Run: func(ctx context.Context, env *BuildEnv) error {
			tail, err := env.Exec.RunLogged(env.SrcDir, envSlice(env.Env), env.Log, env.StepTimeout, script)
			if err != nil {
				return &BuildStepError{Step: kind, Tail: tailLines(tail, 40), Err: err}
			}
			return nil
		},
	}
}

// autotoolsSteps is the standard cross-compiled configure/make/make-install
// sequence shared by most native recipes.
func autotoolsSteps(configureArgs string) func(arch string, tc *ToolchainDescriptor) []BuildStep {
	return func(arch string, tc *ToolchainDescriptor) []BuildStep {
		triple := archTriples[arch]
		return []BuildStep{
			shellStep(StepConfigure, fmt.Sprintf("./configure --host=%s --prefix=/usr %s", triple, configureArgs)),
			shellStep(StepCompile, "make -j\"$(nproc)\""),
			shellStep(StepInstall, `make DESTDIR="$DESTDIR" install`),
		}
	}
}

// purePythonSteps installs a source tree into the staged site-packages.
// Identical across architectures; the resulting artifact is still cached
// per arch because the cache key includes the toolchain fingerprint.
func purePythonSteps() func(arch string, tc *ToolchainDescriptor) []BuildStep {
	return func(arch string, tc *ToolchainDescriptor) []BuildStep {
		return []BuildStep{
			shellStep(StepInstall,
				`mkdir -p "$DESTDIR/python/site-packages" && cp -r . "$DESTDIR/python/site-packages/"`),
		}
	}
}

// setupPySteps cross-builds a native Python extension with setup.py.
func setupPySteps(buildArgs string) func(arch string, tc *ToolchainDescriptor) []BuildStep {
	return func(arch string, tc *ToolchainDescriptor) []BuildStep {
		return []BuildStep{
			shellStep(StepCompile, fmt.Sprintf("python3 setup.py build_ext %s", buildArgs)),
			shellStep(StepInstall,
				`python3 setup.py install --root="$DESTDIR" --prefix=/python --old-and-unmanageable`),
		}
	}
}

func init() {
	RegisterRecipe(&Recipe{
		Name:    "hostpython3",
		Version: "3.11.5",
		Source: Source{
			URL: "https://www.python.org/ftp/python/3.11.5/Python-3.11.5.tar.xz",
		},
		BuildSteps: func(arch string, tc *ToolchainDescriptor) []BuildStep {
			// Host python runs on the build machine; no cross flags.
			return []BuildStep{
				shellStep(StepConfigure, `CC=cc CFLAGS= LDFLAGS= ./configure --prefix="$DESTDIR/host"`),
				shellStep(StepCompile, `CC=cc CFLAGS= LDFLAGS= make -j"$(nproc)"`),
				shellStep(StepInstall, `make install`),
			}
		},
	})

	RegisterRecipe(&Recipe{
		Name:      "python3",
		Version:   "3.11.5",
		DependsOn: []string{"hostpython3", "openssl", "libffi"},
		Source: Source{
			URL: "https://www.python.org/ftp/python/3.11.5/Python-3.11.5.tar.xz",
		},
		BuildSteps: func(arch string, tc *ToolchainDescriptor) []BuildStep {
			triple := archTriples[arch]
			return []BuildStep{
				shellStep(StepConfigure, fmt.Sprintf(
					`./configure --host=%s --build="$(uname -m)-linux-gnu" --prefix=/usr `+
						`--enable-shared --without-ensurepip `+
						`ac_cv_file__dev_ptmx=yes ac_cv_file__dev_ptc=no`, triple)),
				shellStep(StepCompile, "make -j\"$(nproc)\""),
				shellStep(StepInstall, `make DESTDIR="$DESTDIR" install`),
			}
		},
	})

	RegisterRecipe(&Recipe{
		Name:    "libffi",
		Version: "3.4.4",
		Source: Source{
			URL: "https://github.com/libffi/libffi/releases/download/v3.4.4/libffi-3.4.4.tar.gz",
		},
		BuildSteps: autotoolsSteps("--disable-docs"),
	})

	RegisterRecipe(&Recipe{
		Name:    "openssl",
		Version: "1.1.1w",
		Source: Source{
			URL: "https://www.openssl.org/source/openssl-1.1.1w.tar.gz",
		},
		BuildSteps: func(arch string, tc *ToolchainDescriptor) []BuildStep {
			target := map[string]string{
				"armeabi-v7a": "android-arm",
				"arm64-v8a":   "android-arm64",
				"x86":         "android-x86",
				"x86_64":      "android-x86_64",
			}[arch]
			return []BuildStep{
				shellStep(StepConfigure, fmt.Sprintf(
					`./Configure %s -D__ANDROID_API__=$ANDROID_API no-tests --prefix=/usr`, target)),
				shellStep(StepCompile, "make -j\"$(nproc)\" SHLIB_VERSION_NUMBER= SHLIB_EXT=.so build_libs"),
				shellStep(StepInstall, `make DESTDIR="$DESTDIR" install_sw`),
			}
		},
	})

	RegisterRecipe(&Recipe{
		Name:    "sdl2",
		Version: "2.28.5",
		Source: Source{
			URL: "https://github.com/libsdl-org/SDL/releases/download/release-2.28.5/SDL2-2.28.5.tar.gz",
		},
		BuildSteps: autotoolsSteps(""),
	})

	RegisterRecipe(&Recipe{
		Name:      "sdl2_image",
		Version:   "2.8.0",
		DependsOn: []string{"sdl2"},
		Source: Source{
			URL: "https://github.com/libsdl-org/SDL_image/releases/download/release-2.8.0/SDL2_image-2.8.0.tar.gz",
		},
		BuildSteps: autotoolsSteps(""),
	})

	RegisterRecipe(&Recipe{
		Name:      "sdl2_mixer",
		Version:   "2.6.3",
		DependsOn: []string{"sdl2"},
		Source: Source{
			URL: "https://github.com/libsdl-org/SDL_mixer/releases/download/release-2.6.3/SDL2_mixer-2.6.3.tar.gz",
		},
		BuildSteps: autotoolsSteps(""),
	})

	RegisterRecipe(&Recipe{
		Name:      "sdl2_ttf",
		Version:   "2.20.2",
		DependsOn: []string{"sdl2"},
		Source: Source{
			URL: "https://github.com/libsdl-org/SDL_ttf/releases/download/release-2.20.2/SDL2_ttf-2.20.2.tar.gz",
		},
		BuildSteps: autotoolsSteps("--disable-freetype-builtin"),
	})

	RegisterRecipe(&Recipe{
		Name:    "setuptools",
		Version: "69.0.2",
		Source: Source{
			URL: "https://pypi.io/packages/source/s/setuptools/setuptools-69.0.2.tar.gz",
		},
		DependsOn:  []string{"python3"},
		BuildSteps: purePythonSteps(),
	})

	RegisterRecipe(&Recipe{
		Name:    "six",
		Version: "1.16.0",
		Source: Source{
			URL: "https://pypi.io/packages/source/s/six/six-1.16.0.tar.gz",
		},
		DependsOn:  []string{"python3"},
		BuildSteps: purePythonSteps(),
	})

	RegisterRecipe(&Recipe{
		Name:      "pyjnius",
		Version:   "1.6.1",
		DependsOn: []string{"python3", "six", "setuptools"},
		Source: Source{
			URL: "https://pypi.io/packages/source/p/pyjnius/pyjnius-1.6.1.tar.gz",
		},
		BuildSteps: setupPySteps(`--plat-name="$TARGET"`),
	})

	RegisterRecipe(&Recipe{
		Name:      "kivy",
		Version:   "2.3.0",
		DependsOn: []string{"python3", "sdl2", "sdl2_image", "sdl2_mixer", "sdl2_ttf"},
		Source: Source{
			URL: "https://pypi.io/packages/source/K/Kivy/Kivy-2.3.0.tar.gz",
		},
		BuildSteps: setupPySteps(`--plat-name="$TARGET"`),
	})

	RegisterRecipe(&Recipe{
		Name:       "android",
		Version:    "1.0",
		DependsOn:  []string{"pyjnius"},
		Source:     Source{},
		BuildSteps: purePythonSteps(),
	})
}
