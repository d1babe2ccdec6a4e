package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net" //cloudwatch

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type channelStat struct {
	messages int64
	bytes    int64
}

type levelStat struct {
	warns  int64
	errors int64
}

var (
	eventsRead      int64
	eventsDropped   int64
	gapsDetected    int64
	reconnects      int64
	intentsEmitted  int64
	ordersSubmitted int64
	ordersAccepted  int64
	ordersRejected  int64
	ordersFailed    int64
	components      sync.Map // map[string]*levelStat
	channels        sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	atomic.AddInt64(&componentStat(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&componentStat(component).errors, 1)
}

func componentStat(component string) *levelStat {
	v, _ := components.LoadOrStore(component, &levelStat{})
	return v.(*levelStat)
}

func IncrementEventRead(size int) {
	atomic.AddInt64(&eventsRead, 1)
	recordChannel("feed_ws", size)
}

func IncrementEventDropped() {
	atomic.AddInt64(&eventsDropped, 1)
}

func IncrementGapDetected() {
	atomic.AddInt64(&gapsDetected, 1)
}

func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

func IncrementIntentEmitted() {
	atomic.AddInt64(&intentsEmitted, 1)
}

func IncrementOrderSubmitted() {
	atomic.AddInt64(&ordersSubmitted, 1)
	recordChannel("broker_rest", 0)
}

// IncrementOrderOutcome tallies a resolved submission by its final status.
func IncrementOrderOutcome(status string) {
	switch status {
	case "accepted":
		atomic.AddInt64(&ordersAccepted, 1)
	case "rejected":
		atomic.AddInt64(&ordersRejected, 1)
	case "failed":
		atomic.AddInt64(&ordersFailed, 1)
	}
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and pipeline statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	warnData := map[string]int64{}
	errorData := map[string]int64{}
	components.Range(func(k, v any) bool {
		name := k.(string)
		ls := v.(*levelStat)
		if w := atomic.LoadInt64(&ls.warns); w > 0 {
			warnData[name] = w
		}
		if e := atomic.LoadInt64(&ls.errors); e > 0 {
			errorData[name] = e
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"events_read":      atomic.LoadInt64(&eventsRead),
		"events_dropped":   atomic.LoadInt64(&eventsDropped),
		"gaps_detected":    atomic.LoadInt64(&gapsDetected),
		"reconnects":       atomic.LoadInt64(&reconnects),
		"intents_emitted":  atomic.LoadInt64(&intentsEmitted),
		"orders_submitted": atomic.LoadInt64(&ordersSubmitted),
		"orders_accepted":  atomic.LoadInt64(&ordersAccepted),
		"orders_rejected":  atomic.LoadInt64(&ordersRejected),
		"orders_failed":    atomic.LoadInt64(&ordersFailed),
		"warns":            warnData,
		"errors":           errorData,
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuPct,
		"memory_mb":        int64(memStats.Used) / 1024 / 1024,
		"disk_mb":          int64(diskStats.Used) / 1024 / 1024,
		"channels":         channelData,
		"net_bytes_sent":   int64(bytesSent),
		"net_bytes_recv":   int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("EventsRead"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["events_read"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("EventsDropped"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["events_dropped"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("GapsDetected"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["gaps_detected"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["reconnects"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("IntentsEmitted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["intents_emitted"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("OrdersSubmitted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["orders_submitted"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("OrdersAccepted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["orders_accepted"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("OrdersRejected"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["orders_rejected"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("OrdersFailed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["orders_failed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
