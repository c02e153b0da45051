package hybridpool

import "github.com/prometheus/client_golang/prometheus"

// collector exports per-pool accounting the way the GPU exporters in the
// wild do: gauges keyed by pool name, read live from the shared records.
type collector struct {
	p *Pool

	allocated   *prometheus.Desc
	budget      *prometheus.Desc
	freeBuffers *prometheus.Desc
	liveHandles *prometheus.Desc
}

func newCollector(p *Pool) *collector {
	return &collector{
		p: p,
		allocated: prometheus.NewDesc(
			"hybridpool_allocated_bytes",
			"Bytes charged against a pool's budget.",
			[]string{"pool"}, nil),
		budget: prometheus.NewDesc(
			"hybridpool_budget_bytes",
			"Byte budget of a pool.",
			[]string{"pool"}, nil),
		freeBuffers: prometheus.NewDesc(
			"hybridpool_free_buffers",
			"Buffers waiting on a pool's free lists.",
			[]string{"pool"}, nil),
		liveHandles: prometheus.NewDesc(
			"hybridpool_live_local_handles",
			"Local handles this process holds.",
			[]string{"kind"}, nil),
	}
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.allocated
	ch <- c.budget
	ch <- c.freeBuffers
	ch <- c.liveHandles
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	p := c.p
	budgets := map[*sharedPool]uint64{
		p.cpu:   uint64(float64(p.cfg.CPUBudget) * maxSHMUsageFrac),
		p.gpu:   p.cfg.GPUBudget,
		p.gpuDL: p.cfg.GPUBudget,
	}
	for _, sp := range []*sharedPool{p.cpu, p.gpu, p.gpuDL} {
		ch <- prometheus.MustNewConstMetric(c.allocated,
			prometheus.GaugeValue, float64(sp.allocatedBytes()), sp.name)
		ch <- prometheus.MustNewConstMetric(c.budget,
			prometheus.GaugeValue, float64(budgets[sp]), sp.name)
		ch <- prometheus.MustNewConstMetric(c.freeBuffers,
			prometheus.GaugeValue, float64(sp.freeListTotal()), sp.name)
	}
	p.mu.Lock()
	cpuHandles := len(p.ptrs)
	gpuHandles := len(p.handles)
	p.mu.Unlock()
	ch <- prometheus.MustNewConstMetric(c.liveHandles,
		prometheus.GaugeValue, float64(cpuHandles), "cpu")
	ch <- prometheus.MustNewConstMetric(c.liveHandles,
		prometheus.GaugeValue, float64(gpuHandles), "gpu")
}
