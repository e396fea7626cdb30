// Command cli is a bench tool for poking at a Dynamixel chain directly:
// scan the bus, watch joint positions, drop torque, or reboot a device.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dxlarm"

	"go.viam.com/rdk/logging"
)

func main() {
	port := flag.String("port", "/dev/ttyUSB0", "serial port")
	baud := flag.Int("baud", 1000000, "baud rate")
	scan := flag.Bool("scan", false, "scan ids 0-30 for devices")
	watch := flag.String("watch", "", "comma-separated ids to watch, e.g. -watch 1,2,3")
	torqueOff := flag.String("torque-off", "", "ids to disable torque on")
	reboot := flag.Int("reboot", -1, "id to reboot")
	flag.Parse()

	logger := logging.NewLogger("dxl-cli")

	wb, err := dxlarm.OpenBus(*port, *baud)
	if err != nil {
		logger.Errorf("failed to open %s: %v", *port, err)
		os.Exit(1)
	}
	defer wb.Close()

	switch {
	case *scan:
		runScan(wb, logger)
	case *watch != "":
		runWatch(wb, parseIDs(*watch, logger), logger)
	case *torqueOff != "":
		for _, id := range parseIDs(*torqueOff, logger) {
			if err := wb.TorqueOff(id); err != nil {
				logger.Warnf("torque off id %d: %v", id, err)
				continue
			}
			logger.Infof("torque off id %d", id)
		}
	case *reboot >= 0:
		if err := wb.Reboot(uint8(*reboot)); err != nil {
			logger.Errorf("reboot id %d: %v", *reboot, err)
			os.Exit(1)
		}
		logger.Infof("rebooted id %d", *reboot)
	default:
		flag.Usage()
	}
}

func runScan(wb *dxlarm.BusWorkbench, logger logging.Logger) {
	found := 0
	for id := uint8(0); id <= 30; id++ {
		model, err := wb.Ping(id)
		if err != nil {
			continue
		}
		logger.Infof("id %d: model %d", id, model)
		found++
	}
	logger.Infof("%d device(s) found", found)
}

func runWatch(wb *dxlarm.BusWorkbench, ids []uint8, logger logging.Logger) {
	for _, id := range ids {
		if _, err := wb.Ping(id); err != nil {
			logger.Errorf("id %d not responding: %v", id, err)
			os.Exit(1)
		}
	}

	item, ok := wb.ItemInfo(ids[0], "Present_Position")
	if !ok {
		logger.Error("device has no Present_Position item")
		os.Exit(1)
	}
	index, err := wb.AddSyncReadHandler(item.Address, item.Length)
	if err != nil {
		logger.Errorf("failed to add read handler: %v", err)
		os.Exit(1)
	}

	for {
		if err := wb.SyncRead(index, ids); err != nil {
			logger.Warnf("read failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		values, err := wb.SyncReadData(index, ids, item.Address, item.Length)
		if err != nil {
			logger.Warnf("extraction failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		line := ""
		for i, id := range ids {
			line += fmt.Sprintf("  id %d: %.3f rad", id, wb.ValueToRadian(id, values[i]))
		}
		logger.Info(line)
		time.Sleep(200 * time.Millisecond)
	}
}

func parseIDs(s string, logger logging.Logger) []uint8 {
	var ids []uint8
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || id < 0 || id > 252 {
			logger.Errorf("bad id %q", part)
			os.Exit(1)
		}
		ids = append(ids, uint8(id))
	}
	if len(ids) == 0 {
		logger.Error("no ids given")
		os.Exit(1)
	}
	return ids
}
