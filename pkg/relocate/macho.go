package relocate

import (
	"context"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	zberr "github.com/tj-moody/zerobrew/pkg/errors"
)

// fixMachONames rewrites load commands (dependent library paths and the
// install name ID) that still reference placeholders or a wrong version of
// this package, using otool to read them and install_name_tool to rewrite.
// Patched binaries are ad-hoc re-signed since patching invalidates the
// signature. Only used on darwin.
func fixMachONames(ctx context.Context, files []string, opts Options) error {
	if len(files) == 0 {
		return nil
	}
	if _, err := exec.LookPath("otool"); err != nil {
		// Without the toolchain the byte-level patch already applied is
		// the best available relocation.
		return nil
	}

	versionRE, err := regexp.Compile(`(/` + regexp.QuoteMeta(opts.Name) + `/)([^/]+)(/)`)
	if err != nil {
		versionRE = nil
	}

	rewrite := func(old string) (string, bool) {
		updated := strings.NewReplacer(
			"@@HOMEBREW_CELLAR@@", opts.NewCellar,
			"@@HOMEBREW_PREFIX@@", opts.NewPrefix,
		).Replace(old)

		if versionRE != nil && opts.Version != "" {
			updated = versionRE.ReplaceAllStringFunc(updated, func(m string) string {
				sub := versionRE.FindStringSubmatch(m)
				if sub[2] != opts.Version {
					return sub[1] + opts.Version + sub[3]
				}
				return m
			})
		}
		return updated, updated != old
	}

	var failures atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for _, path := range files {
		g.Go(func() error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			restore, err := makeWritable(path)
			if err != nil {
				failures.Add(1)
				return nil
			}
			defer restore()

			patched := false

			if out, err := exec.CommandContext(ctx, "otool", "-L", path).Output(); err == nil {
				for _, line := range strings.Split(string(out), "\n")[1:] {
					dep := strings.Fields(strings.TrimSpace(line))
					if len(dep) == 0 {
						continue
					}
					if updated, changed := rewrite(dep[0]); changed {
						if exec.CommandContext(ctx, "install_name_tool", "-change", dep[0], updated, path).Run() == nil {
							patched = true
						} else {
							failures.Add(1)
						}
					}
				}
			}

			if out, err := exec.CommandContext(ctx, "otool", "-D", path).Output(); err == nil {
				for _, line := range strings.Split(string(out), "\n")[1:] {
					id := strings.TrimSpace(line)
					if id == "" {
						continue
					}
					if updated, changed := rewrite(id); changed {
						if exec.CommandContext(ctx, "install_name_tool", "-id", updated, path).Run() == nil {
							patched = true
						} else {
							failures.Add(1)
						}
					}
				}
			}

			if patched {
				adhocSign(path)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return zberr.Wrap(zberr.CodeCancelled, err, "patching install names")
	}
	if n := failures.Load(); n > 0 {
		return zberr.New(zberr.CodeRelocationFailed, "failed to patch install names in %d files", n)
	}
	return nil
}

// adhocSign force-signs a patched binary with the ad-hoc identity. Failures
// are tolerated: unsigned binaries still run on Intel and the caller
// surfaces broken signatures at execution time.
func adhocSign(path string) {
	if _, err := exec.LookPath("codesign"); err != nil {
		return
	}
	_ = exec.Command("codesign", "--force", "--sign", "-", path).Run()
}

// stripQuarantine removes the quarantine and provenance attributes Gatekeeper
// attaches to downloaded trees.
func stripQuarantine(root string) {
	if _, err := exec.LookPath("xattr"); err != nil {
		return
	}
	_ = exec.Command("xattr", "-rd", "com.apple.quarantine", root).Run()
	_ = exec.Command("xattr", "-rd", "com.apple.provenance", root).Run()
}
