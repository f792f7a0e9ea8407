package api

import (
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/mindlabs/quest-engine/internal/ws"
)

// healthProbe samples the server's own process through gopsutil.
type healthProbe struct {
	once sync.Once
	proc *process.Process
	err  error
}

func newHealthProbe() *healthProbe { return &healthProbe{} }

type processHealth struct {
	RSSBytes      uint64  `json:"rssBytes,omitempty"`
	CPUPercent    float64 `json:"cpuPercent"`
	Goroutines    int     `json:"goroutines"`
	SystemMemUsed float64 `json:"systemMemUsedPercent,omitempty"`
}

func (h *healthProbe) sample() processHealth {
	h.once.Do(func() {
		h.proc, h.err = process.NewProcess(int32(os.Getpid()))
	})

	out := processHealth{Goroutines: runtime.NumGoroutine()}
	if h.err == nil {
		if mi, err := h.proc.MemoryInfo(); err == nil {
			out.RSSBytes = mi.RSS
		}
		if cpu, err := h.proc.CPUPercent(); err == nil {
			out.CPUPercent = cpu
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		out.SystemMemUsed = vm.UsedPercent
	}
	return out
}

type healthResponse struct {
	Status    string                   `json:"status"`
	Time      string                   `json:"time"`
	Uptime    string                   `json:"uptime"`
	WSClients int                      `json:"wsClients"`
	Process   processHealth            `json:"process"`
	Sources   []ws.SourceHealthPayload `json:"sources,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "healthy",
		Time:    time.Now().UTC().Format(time.RFC3339),
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Process: s.health.sample(),
	}
	if s.deps.WSClients != nil {
		resp.WSClients = s.deps.WSClients()
	}
	if s.deps.Sources != nil {
		resp.Sources = s.deps.Sources()
		for _, src := range resp.Sources {
			if src.Status != ws.StatusHealthy {
				resp.Status = "degraded"
			}
		}
	}
	respondJSON(w, http.StatusOK, resp)
}
