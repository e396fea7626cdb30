package dxlarm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.viam.com/rdk/logging"
)

// HardwareRegistry shares one Hardware (and its serial bus and control
// cycle) per port, so the arm and gripper components drive the same chain.
type HardwareRegistry struct {
	entries map[string]*hardwareEntry // port path -> entry
	mu      sync.RWMutex
}

type hardwareEntry struct {
	hw        *Hardware
	conf      *Config
	refCount  int64 // atomic
	lastError error
	stopLoop  chan struct{}
	loopDone  chan struct{}
	mu        sync.Mutex
}

func NewHardwareRegistry() *HardwareRegistry {
	return &HardwareRegistry{entries: make(map[string]*hardwareEntry)}
}

// sharedRegistry is the process-wide instance both component constructors go
// through.
var sharedRegistry = NewHardwareRegistry()

func registryKey(conf *Config) string {
	if conf.UseDummy && conf.USBPort == "" {
		return "dummy"
	}
	return conf.USBPort
}

// Get returns the shared Hardware for the configured port, creating,
// configuring and starting it (cycle loop included) on first use.
func (r *HardwareRegistry) Get(conf *Config, logger logging.Logger) (*Hardware, error) {
	key := registryKey(conf)

	r.mu.RLock()
	entry, exists := r.entries[key]
	r.mu.RUnlock()

	if exists {
		return r.getExisting(entry, key)
	}
	return r.createNew(conf, key, logger)
}

func (r *HardwareRegistry) getExisting(entry *hardwareEntry, key string) (*Hardware, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.hw == nil {
		if entry.lastError != nil {
			return nil, fmt.Errorf("cached hardware creation error: %w", entry.lastError)
		}
		return nil, fmt.Errorf("hardware not available for port %s", key)
	}

	atomic.AddInt64(&entry.refCount, 1)
	return entry.hw, nil
}

func (r *HardwareRegistry) createNew(conf *Config, key string, logger logging.Logger) (*Hardware, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, exists := r.entries[key]; exists {
		return r.getExisting(entry, key)
	}

	entry := &hardwareEntry{conf: conf}

	var wb Workbench
	if !conf.UseDummy {
		bus, err := OpenBus(conf.USBPort, conf.BaudRate)
		if err != nil {
			entry.lastError = err
			r.entries[key] = entry
			return nil, err
		}
		wb = bus
		logger.Infof("opened %s at %d baud", conf.USBPort, conf.BaudRate)
	}

	hw, err := NewHardware(conf, wb, logger)
	if err == nil {
		if err = hw.Configure(); err == nil {
			err = hw.Start()
		}
	}
	if err != nil {
		if wb != nil {
			wb.Close()
		}
		entry.lastError = err
		r.entries[key] = entry
		return nil, err
	}

	entry.hw = hw
	entry.stopLoop = make(chan struct{})
	entry.loopDone = make(chan struct{})
	atomic.StoreInt64(&entry.refCount, 1)
	r.entries[key] = entry

	period := time.Duration(conf.CyclePeriodMs) * time.Millisecond
	go runCycleLoop(hw, period, entry.stopLoop, entry.loopDone, logger)
	logger.Infof("control cycle running every %v for port %s", period, key)

	return hw, nil
}

func runCycleLoop(hw *Hardware, period time.Duration, stop <-chan struct{}, done chan<- struct{}, logger logging.Logger) {
	defer close(done)
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := hw.Cycle(); err != nil {
				logger.Warnf("control cycle error: %v", err)
			}
		}
	}
}

// Release drops one reference; at zero the cycle loop is stopped and the bus
// closed.
func (r *HardwareRegistry) Release(conf *Config) {
	key := registryKey(conf)

	r.mu.RLock()
	entry, exists := r.entries[key]
	r.mu.RUnlock()

	if !exists {
		return
	}

	entry.mu.Lock()
	if atomic.AddInt64(&entry.refCount, -1) > 0 {
		entry.mu.Unlock()
		return
	}
	hw := entry.hw
	stop, done := entry.stopLoop, entry.loopDone
	entry.hw = nil
	entry.lastError = nil
	atomic.StoreInt64(&entry.refCount, 0)
	entry.mu.Unlock()

	r.mu.Lock()
	delete(r.entries, key)
	r.mu.Unlock()

	if hw != nil {
		close(stop)
		<-done
		hw.Stop()
		if hw.wb != nil {
			hw.wb.Close()
		}
	}
}

// RefCount reports the reference count for a port, for tests and status.
func (r *HardwareRegistry) RefCount(conf *Config) int64 {
	r.mu.RLock()
	entry, exists := r.entries[registryKey(conf)]
	r.mu.RUnlock()
	if !exists {
		return 0
	}
	return atomic.LoadInt64(&entry.refCount)
}
