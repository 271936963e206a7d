package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorCounts     sync.Map // map[string]*int64 by component
	warnCounts      sync.Map // map[string]*int64 by component
	framesRead      int64
	framesSent      int64
	framesDropped   int64
	commandsHandled int64
	storeWrites     int64
	storePublishes  int64
	reconnects      int64
	channels        sync.Map // map[string]*channelStat
)

func counter(m *sync.Map, key string) *int64 {
	v, _ := m.LoadOrStore(key, new(int64))
	return v.(*int64)
}

func recordWarn(component string) {
	atomic.AddInt64(counter(&warnCounts, component), 1)
}

func recordError(component string) {
	atomic.AddInt64(counter(&errorCounts, component), 1)
}

// IncrementFrameRead counts one inbound exchange frame of the given size.
func IncrementFrameRead(size int) {
	atomic.AddInt64(&framesRead, 1)
	recordChannel("exchange_ws", size)
}

// IncrementFrameSent counts one outbound exchange frame.
func IncrementFrameSent(size int) {
	atomic.AddInt64(&framesSent, 1)
	recordChannel("exchange_ws_out", size)
}

// IncrementFrameDropped counts one frame dropped before processing.
func IncrementFrameDropped() {
	atomic.AddInt64(&framesDropped, 1)
}

// IncrementCommandHandled counts one control-plane command.
func IncrementCommandHandled() {
	atomic.AddInt64(&commandsHandled, 1)
}

// IncrementStoreWrite counts one record written to the store.
func IncrementStoreWrite() {
	atomic.AddInt64(&storeWrites, 1)
}

// IncrementStorePublish counts one broker publish.
func IncrementStorePublish(size int) {
	atomic.AddInt64(&storePublishes, 1)
	recordChannel("broker_publish", size)
}

// IncrementReconnect counts one supervisor reconnect attempt.
func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of system and gateway statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
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

func sumCounts(m *sync.Map) int64 {
	var total int64
	m.Range(func(_, v any) bool {
		total += atomic.LoadInt64(v.(*int64))
		return true
	})
	return total
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()

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

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	usedMB := int64(0)
	if memStats != nil {
		usedMB = int64(memStats.Used) / 1024 / 1024
	}

	fields := Fields{
		"errors":           sumCounts(&errorCounts),
		"warns":            sumCounts(&warnCounts),
		"frames_read":      atomic.LoadInt64(&framesRead),
		"frames_sent":      atomic.LoadInt64(&framesSent),
		"frames_dropped":   atomic.LoadInt64(&framesDropped),
		"commands_handled": atomic.LoadInt64(&commandsHandled),
		"store_writes":     atomic.LoadInt64(&storeWrites),
		"store_publishes":  atomic.LoadInt64(&storePublishes),
		"reconnects":       atomic.LoadInt64(&reconnects),
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuPct,
		"memory_mb":        usedMB,
		"channels":         channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(usedMB))},
		{MetricName: aws.String("Errors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(sumCounts(&errorCounts)))},
		{MetricName: aws.String("Warns"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(sumCounts(&warnCounts)))},
		{MetricName: aws.String("FramesRead"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&framesRead)))},
		{MetricName: aws.String("FramesSent"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&framesSent)))},
		{MetricName: aws.String("CommandsHandled"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&commandsHandled)))},
		{MetricName: aws.String("StoreWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&storeWrites)))},
		{MetricName: aws.String("StorePublishes"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&storePublishes)))},
		{MetricName: aws.String("Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&reconnects)))},
	}

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
