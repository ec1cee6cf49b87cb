// Package hardware 提供主机资源探测能力。
package hardware

import (
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"

	"github.com/lk2023060901/chatrelay-go/pkg/log"
)

var (
	cpuNumOnce sync.Once
	cpuNum     int
)

// GetCPUNum 返回当前进程可用的 CPU 核数。
//
// 优先使用 GOMAXPROCS（在容器中由 automaxprocs 按配额修正），
// 再与 gopsutil 探测到的逻辑核数取较小值。
func GetCPUNum() int {
	cpuNumOnce.Do(func() {
		cpuNum = runtime.GOMAXPROCS(0)
		logical, err := cpu.Counts(true)
		if err != nil {
			log.Warn("failed to detect logical cpu count", zap.Error(err))
			return
		}
		if logical > 0 && logical < cpuNum {
			cpuNum = logical
		}
	})
	return cpuNum
}
