package dxlarm

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	protocol "github.com/haguro/go-dxl/protocol/v2"
	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// Workbench is the device-side capability the control cycle runs against.
// The real implementation talks Dynamixel Protocol 2.0 over a serial bus;
// tests substitute a scripted fake.
type Workbench interface {
	// Ping reads the device's model number, confirming it is present and
	// selecting its control table.
	Ping(id uint8) (uint16, error)

	// ItemInfo resolves a control table item by name for a pinged device.
	ItemInfo(id uint8, name string) (ControlItem, bool)

	// AddSyncWriteHandler and AddSyncReadHandler register a batched channel
	// over a register window and return its index.
	AddSyncWriteHandler(addr, length uint16) (int, error)
	AddSyncReadHandler(addr, length uint16) (int, error)

	// SyncRead fetches the registered window from every listed device and
	// caches the raw bytes; SyncReadData extracts one item's values from the
	// cache.
	SyncRead(index int, ids []uint8) error
	SyncReadData(index int, ids []uint8, addr, length uint16) ([]int32, error)

	// SyncWrite pushes one value per device through a registered write
	// channel.
	SyncWrite(index int, ids []uint8, values []int32) error

	TorqueOn(id uint8) error
	TorqueOff(id uint8) error

	SetPositionControlMode(id uint8) error
	SetVelocityControlMode(id uint8) error
	SetCurrentBasedPositionControlMode(id uint8) error

	// ItemWrite writes a single named register on a single device.
	ItemWrite(id uint8, name string, value int32) error

	// Unit conversions, per the pinged device's series.
	ValueToRadian(id uint8, value int32) float64
	RadianToValue(id uint8, radian float64) int32
	ValueToVelocity(id uint8, value int32) float64
	VelocityToValue(id uint8, radPerSec float64) int32
	ValueToCurrent(value int32) float64
	CurrentToValue(milliamp float64) int32

	Close() error
}

type syncChannel struct {
	addr   uint16
	length uint16
	// last successful raw window per device, written by SyncRead.
	data map[uint8][]byte
}

// BusWorkbench is the serial-bus Workbench. Sync channels issue one
// transaction per device on the wire; callers still see a single batched
// call per cycle.
type BusWorkbench struct {
	mu      sync.Mutex
	port    serial.Port
	handler *protocol.Handler
	series  map[uint8]Series
	reads   []*syncChannel
	writes  []*syncChannel
}

// OpenBus opens the serial port and wraps it in a Protocol 2.0 handler.
func OpenBus(portName string, baudRate int) (*BusWorkbench, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open serial port %s", portName)
	}
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, errors.Wrap(err, "failed to set read timeout")
	}

	return &BusWorkbench{
		port:    port,
		handler: protocol.NewHandler(port, 100*time.Millisecond),
		series:  map[uint8]Series{},
	}, nil
}

func (w *BusWorkbench) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.port == nil {
		return nil
	}
	err := w.port.Close()
	w.port = nil
	return err
}

// Ping reads Model_Number. A register read doubles as a presence check on
// every device generation and tells us which control table the device speaks.
func (w *BusWorkbench) Ping(id uint8) (uint16, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	item := xSeriesTable[itemModelNumber]
	data, err := w.handler.Read(id, item.Address, item.Length)
	if err != nil {
		return 0, errors.Wrapf(err, "no response from id %d", id)
	}
	if len(data) < 2 {
		return 0, errors.Errorf("short model number response from id %d", id)
	}
	model := binary.LittleEndian.Uint16(data)
	w.series[id] = seriesForModel(model)
	return model, nil
}

func (w *BusWorkbench) seriesOf(id uint8) Series {
	if s, ok := w.series[id]; ok {
		return s
	}
	return SeriesX
}

func (w *BusWorkbench) ItemInfo(id uint8, name string) (ControlItem, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	item, ok := tableForSeries(w.seriesOf(id))[name]
	return item, ok
}

func (w *BusWorkbench) AddSyncWriteHandler(addr, length uint16) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, &syncChannel{addr: addr, length: length})
	return len(w.writes) - 1, nil
}

func (w *BusWorkbench) AddSyncReadHandler(addr, length uint16) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reads = append(w.reads, &syncChannel{addr: addr, length: length, data: map[uint8][]byte{}})
	return len(w.reads) - 1, nil
}

// SyncRead fetches each device's window. Successful responses are cached even
// when another device fails, so the caller can extract what arrived.
func (w *BusWorkbench) SyncRead(index int, ids []uint8) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if index < 0 || index >= len(w.reads) {
		return errors.Errorf("unknown sync read handler %d", index)
	}
	ch := w.reads[index]

	var firstErr error
	for _, id := range ids {
		data, err := w.handler.Read(id, ch.addr, ch.length)
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "sync read failed for id %d", id)
			}
			continue
		}
		ch.data[id] = data
	}
	return firstErr
}

func (w *BusWorkbench) SyncReadData(index int, ids []uint8, addr, length uint16) ([]int32, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if index < 0 || index >= len(w.reads) {
		return nil, errors.Errorf("unknown sync read handler %d", index)
	}
	ch := w.reads[index]
	if addr < ch.addr || addr+length > ch.addr+ch.length {
		return nil, errors.Errorf("item %d+%d outside window %d+%d", addr, length, ch.addr, ch.length)
	}

	values := make([]int32, len(ids))
	for i, id := range ids {
		raw, ok := ch.data[id]
		if !ok {
			return nil, errors.Errorf("no data cached for id %d", id)
		}
		offset := int(addr - ch.addr)
		if offset+int(length) > len(raw) {
			return nil, errors.Errorf("short window from id %d", id)
		}
		values[i] = decodeValue(raw[offset : offset+int(length)])
	}
	return values, nil
}

func (w *BusWorkbench) SyncWrite(index int, ids []uint8, values []int32) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if index < 0 || index >= len(w.writes) {
		return errors.Errorf("unknown sync write handler %d", index)
	}
	if len(ids) != len(values) {
		return errors.Errorf("sync write: %d ids but %d values", len(ids), len(values))
	}
	ch := w.writes[index]

	for i, id := range ids {
		if err := w.handler.Write(id, ch.addr, encodeValue(values[i], ch.length)...); err != nil {
			return errors.Wrapf(err, "sync write failed for id %d", id)
		}
	}
	return nil
}

func (w *BusWorkbench) TorqueOn(id uint8) error  { return w.writeItem(id, itemTorqueEnable, 1) }
func (w *BusWorkbench) TorqueOff(id uint8) error { return w.writeItem(id, itemTorqueEnable, 0) }

func (w *BusWorkbench) SetPositionControlMode(id uint8) error {
	return w.setOperatingMode(id, operatingModePosition)
}

func (w *BusWorkbench) SetVelocityControlMode(id uint8) error {
	return w.setOperatingMode(id, operatingModeVelocity)
}

func (w *BusWorkbench) SetCurrentBasedPositionControlMode(id uint8) error {
	return w.setOperatingMode(id, operatingModeCurrentBasedPosition)
}

// setOperatingMode writes Operating_Mode on X-series devices. Legacy firmware
// has no mode register; position control is its only supported mode here.
func (w *BusWorkbench) setOperatingMode(id uint8, mode int32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seriesOf(id) == SeriesLegacy {
		if mode == operatingModePosition {
			return nil
		}
		return errors.Errorf("id %d does not support operating mode %d", id, mode)
	}
	return w.writeItemLocked(id, itemOperatingMode, mode)
}

func (w *BusWorkbench) ItemWrite(id uint8, name string, value int32) error {
	return w.writeItem(id, name, value)
}

func (w *BusWorkbench) writeItem(id uint8, name string, value int32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writeItemLocked(id, name, value)
}

func (w *BusWorkbench) writeItemLocked(id uint8, name string, value int32) error {
	item, ok := tableForSeries(w.seriesOf(id))[name]
	if !ok {
		return errors.Errorf("id %d has no control item %q", id, name)
	}
	if err := w.handler.Write(id, item.Address, encodeValue(value, item.Length)...); err != nil {
		return errors.Wrapf(err, "failed to write %s on id %d", name, id)
	}
	return nil
}

// Reboot power-cycles one device to clear latched hardware errors. Debug tool
// for the CLI, not part of the control cycle.
func (w *BusWorkbench) Reboot(id uint8) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.handler.Reboot(id); err != nil {
		return errors.Wrapf(err, "failed to reboot id %d", id)
	}
	time.Sleep(500 * time.Millisecond)
	return nil
}

func (w *BusWorkbench) ValueToRadian(id uint8, value int32) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return positionToRadian(w.seriesOf(id), value)
}

func (w *BusWorkbench) RadianToValue(id uint8, radian float64) int32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return radianToPosition(w.seriesOf(id), radian)
}

func (w *BusWorkbench) ValueToVelocity(id uint8, value int32) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return velocityToRadPerSec(w.seriesOf(id), value)
}

func (w *BusWorkbench) VelocityToValue(id uint8, radPerSec float64) int32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return radPerSecToVelocity(w.seriesOf(id), radPerSec)
}

func (w *BusWorkbench) ValueToCurrent(value int32) float64 {
	return currentValueToMilliamp(value)
}

func (w *BusWorkbench) CurrentToValue(milliamp float64) int32 {
	return milliampToCurrentValue(milliamp)
}

// decodeValue interprets a little-endian register window as a signed value.
// Two-byte items (present current, legacy registers) are sign-extended
// through int16.
func decodeValue(raw []byte) int32 {
	switch len(raw) {
	case 1:
		return int32(raw[0])
	case 2:
		return int32(int16(binary.LittleEndian.Uint16(raw)))
	case 4:
		return int32(binary.LittleEndian.Uint32(raw))
	default:
		panic(fmt.Sprintf("unsupported register width %d", len(raw)))
	}
}

func encodeValue(value int32, length uint16) []byte {
	switch length {
	case 1:
		return []byte{byte(value)}
	case 2:
		raw := make([]byte, 2)
		binary.LittleEndian.PutUint16(raw, uint16(value))
		return raw
	case 4:
		raw := make([]byte, 4)
		binary.LittleEndian.PutUint32(raw, uint32(value))
		return raw
	default:
		panic(fmt.Sprintf("unsupported register width %d", length))
	}
}
