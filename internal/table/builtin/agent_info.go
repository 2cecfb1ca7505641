package builtin

import (
	"context"
	"os"
	"runtime"
	"strconv"

	"github.com/basket/goprobe/internal/table"
)

// AgentInfo describes the running agent process.
func AgentInfo(opts Options) table.Adapter {
	cols := []string{"version", "pid", "start_time", "instance_id", "platform"}
	return table.Func("agent_info", cols, func(context.Context, table.Constraints) (table.Result, error) {
		return table.Result{Rows: []table.Row{{
			"version":     opts.Version,
			"pid":         strconv.Itoa(os.Getpid()),
			"start_time":  strconv.FormatInt(opts.StartTime.Unix(), 10),
			"instance_id": opts.InstanceID,
			"platform":    runtime.GOOS,
		}}}, nil
	})
}
