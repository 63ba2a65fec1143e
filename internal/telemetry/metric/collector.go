package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Inventory is a point-in-time count of the objects vmsnap manages.
type Inventory struct {
	// MachinesByState counts machines per machine state.
	MachinesByState map[string]int
	Snapshots       int
	Media           int
	MediaBytes      uint64
}

// InventoryFunc produces the current inventory. It is called on every
// scrape.
type InventoryFunc func() Inventory

// Collector turns an InventoryFunc into gauges.
type Collector struct {
	source InventoryFunc

	machines   *prometheus.Desc
	snapshots  *prometheus.Desc
	media      *prometheus.Desc
	mediaBytes *prometheus.Desc
}

// NewCollector creates a collector reading from source.
func NewCollector(source InventoryFunc) *Collector {
	return &Collector{
		source: source,
		machines: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "machines"),
			"Registered machines by state", []string{"state"}, nil),
		snapshots: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "snapshots"),
			"Snapshots across all machines", nil, nil),
		media: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "media"),
			"Registered disk images", nil, nil),
		mediaBytes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "media_allocated_bytes"),
			"Bytes allocated by registered disk images", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.machines
	ch <- c.snapshots
	ch <- c.media
	ch <- c.mediaBytes
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	inv := c.source()
	for state, n := range inv.MachinesByState {
		ch <- prometheus.MustNewConstMetric(c.machines, prometheus.GaugeValue, float64(n), state)
	}
	ch <- prometheus.MustNewConstMetric(c.snapshots, prometheus.GaugeValue, float64(inv.Snapshots))
	ch <- prometheus.MustNewConstMetric(c.media, prometheus.GaugeValue, float64(inv.Media))
	ch <- prometheus.MustNewConstMetric(c.mediaBytes, prometheus.GaugeValue, float64(inv.MediaBytes))
}

// RegisterInventory adds an inventory collector to the registry.
func (r *Registry) RegisterInventory(source InventoryFunc) error {
	return r.registry.Register(NewCollector(source))
}
