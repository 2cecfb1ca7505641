package builtin

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/basket/goprobe/internal/table"
)

const hostUUIDKey = "host_uuid"

var systemInfoColumns = []string{
	"hostname", "uuid", "cpu_type", "cpu_brand", "cpu_logical_cores",
	"hardware_vendor", "hardware_model", "hardware_serial", "computer_name",
}

// SystemInfo reports host identity and hardware descriptors.
func SystemInfo(opts Options) table.Adapter {
	return table.Func("system_info", systemInfoColumns, func(ctx context.Context, _ table.Constraints) (table.Result, error) {
		hostUUID, err := resolveHostUUID(ctx, opts)
		if err != nil {
			return table.Result{}, err
		}
		hostname, _ := os.Hostname()
		u := readUname()

		row := table.Row{
			"hostname":          hostname,
			"uuid":              hostUUID,
			"cpu_type":          firstNonEmpty(u.machine, runtime.GOARCH),
			"cpu_brand":         cpuBrand(opts.path("/proc/cpuinfo")),
			"cpu_logical_cores": strconv.Itoa(runtime.NumCPU()),
			"hardware_vendor":   opts.readTrimmed("/sys/class/dmi/id/sys_vendor"),
			"hardware_model":    opts.readTrimmed("/sys/class/dmi/id/product_name"),
			"hardware_serial":   opts.readTrimmed("/sys/class/dmi/id/product_serial"),
			"computer_name":     hostname,
		}
		return table.Result{Rows: []table.Row{row}}, nil
	})
}

// resolveHostUUID prefers the firmware UUID, then the machine id, then a
// UUID generated once and kept in the store.
func resolveHostUUID(ctx context.Context, opts Options) (string, error) {
	if v := opts.readTrimmed("/sys/class/dmi/id/product_uuid"); v != "" {
		if id, err := uuid.Parse(v); err == nil {
			return strings.ToUpper(id.String()), nil
		}
	}
	if v := opts.readTrimmed("/etc/machine-id"); v != "" {
		if id, err := uuid.Parse(v); err == nil {
			return strings.ToUpper(id.String()), nil
		}
	}
	if opts.Store == nil {
		return "", nil
	}
	stored, err := opts.Store.KVGet(ctx, hostUUIDKey)
	if err != nil {
		return "", fmt.Errorf("read host uuid: %w", err)
	}
	if stored != "" {
		return stored, nil
	}
	generated := strings.ToUpper(uuid.NewString())
	if err := opts.Store.KVSet(ctx, hostUUIDKey, generated); err != nil {
		return "", fmt.Errorf("persist host uuid: %w", err)
	}
	return generated, nil
}

func cpuBrand(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(k) {
		case "model name", "Hardware", "cpu model":
			return strings.TrimSpace(v)
		}
	}
	return ""
}
