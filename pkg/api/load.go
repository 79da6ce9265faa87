package api

import "time"

// LoadMetrics is a resource utilisation report for a single node.
// Utilisation fields are fractions in [0, 1].
type LoadMetrics struct {
	CpuUsage     float64   `json:"cpu_usage"`
	MemoryUsage  float64   `json:"memory_usage"`
	GpuUsage     float64   `json:"gpu_usage"`
	NetworkIO    float64   `json:"network_io"`
	DiskIO       float64   `json:"disk_io"`
	ActiveTasks  int       `json:"active_tasks"`
	QueueLength  int       `json:"queue_length"`
	ResponseTime float64   `json:"response_time"`
	Throughput   float64   `json:"throughput"`
	Timestamp    time.Time `json:"timestamp"`
}

// CompositeLoad combines the utilisation fields into a single score,
// weighting cpu and gpu most heavily.
func (m LoadMetrics) CompositeLoad() float64 {
	return 0.3*m.CpuUsage + 0.2*m.MemoryUsage + 0.3*m.GpuUsage + 0.1*m.NetworkIO + 0.1*m.DiskIO
}
