package builtin

import (
	"bufio"
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/basket/goprobe/internal/table"
)

var osVersionColumns = []string{
	"name", "version", "major", "minor", "patch", "build",
	"platform", "platform_like", "codename", "arch",
}

// OSVersion reports the operating system release from /etc/os-release and
// the kernel's machine type.
func OSVersion(opts Options) table.Adapter {
	return table.Func("os_version", osVersionColumns, func(context.Context, table.Constraints) (table.Result, error) {
		rel := parseOSRelease(opts.path("/etc/os-release"))
		if len(rel) == 0 {
			rel = parseOSRelease(opts.path("/usr/lib/os-release"))
		}
		u := readUname()

		row := table.Row{
			"name":          firstNonEmpty(rel["NAME"], runtime.GOOS),
			"version":       firstNonEmpty(rel["VERSION"], rel["VERSION_ID"], u.release),
			"build":         rel["BUILD_ID"],
			"platform":      firstNonEmpty(rel["ID"], runtime.GOOS),
			"platform_like": rel["ID_LIKE"],
			"codename":      rel["VERSION_CODENAME"],
			"arch":          firstNonEmpty(u.machine, runtime.GOARCH),
		}
		major, minor, patch := splitVersion(firstNonEmpty(rel["VERSION_ID"], u.release))
		row["major"], row["minor"], row["patch"] = major, minor, patch
		return table.Result{Rows: []table.Row{row}}, nil
	})
}

// parseOSRelease reads KEY=value lines, stripping optional quotes. A missing
// file yields an empty map.
func parseOSRelease(path string) map[string]string {
	out := map[string]string{}
	f, err := os.Open(path)
	if err != nil {
		return out
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if uq, err := strconv.Unquote(v); err == nil {
			v = uq
		} else {
			v = strings.Trim(v, `'"`)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out
}

// splitVersion extracts up to three leading numeric components.
func splitVersion(v string) (major, minor, patch string) {
	parts := strings.FieldsFunc(v, func(r rune) bool { return r == '.' || r == '-' || r == ' ' })
	nums := make([]string, 0, 3)
	for _, p := range parts {
		if len(nums) == 3 {
			break
		}
		if _, err := strconv.Atoi(p); err != nil {
			break
		}
		nums = append(nums, p)
	}
	for len(nums) < 3 {
		nums = append(nums, "")
	}
	return nums[0], nums[1], nums[2]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
