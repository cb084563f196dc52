package executor

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"leasegate/pkg/logger"
)

// HostIdentity describes the machine a lease holder runs on.
type HostIdentity struct {
	Hostname string `json:"hostname"`
	HostID   string `json:"host_id,omitempty"`
	Platform string `json:"platform,omitempty"`
	CPUs     int    `json:"cpus"`
	MemoryMB uint64 `json:"memory_mb,omitempty"`
}

// DetectHost gathers the host identity. Missing facts are left empty rather
// than failing; only the hostname is required for a lease identifier.
func DetectHost(ctx context.Context) HostIdentity {
	id := HostIdentity{CPUs: runtime.NumCPU()}

	info, err := host.InfoWithContext(ctx)
	if err != nil {
		logger.Warn("failed to read host info", zap.Error(err))
	} else {
		id.Hostname = info.Hostname
		id.HostID = info.HostID
		id.Platform = info.Platform + " " + info.PlatformVersion
	}
	if id.Hostname == "" {
		id.Hostname, _ = os.Hostname()
	}

	if v, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		id.MemoryMB = v.Total / 1024 / 1024
	}
	return id
}

// DefaultIdentifier is the lease payload used when the caller gives none.
func DefaultIdentifier(ctx context.Context) string {
	if h := DetectHost(ctx).Hostname; h != "" {
		return h
	}
	return "unknown"
}
