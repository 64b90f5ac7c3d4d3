// s7sim - standalone Siemens S7 PLC simulator
//
// Serves ISO-on-TCP on the given address with zeroed data blocks, for
// trying s7link without hardware.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"s7link/logging"
	"s7link/s7sim"
)

var (
	addr     = flag.String("addr", "127.0.0.1:102", "Listen address")
	pduSize  = flag.Int("pdu", s7sim.DefaultPDUSize, "Largest PDU the simulator negotiates")
	ioSize   = flag.Int("io-size", 256, "Size in bytes of the PE, PA and MK areas")
	dbs      = flag.String("db", "1:256", "Data blocks to create, as number:size pairs separated by commas")
	rack     = flag.Int("rack", 0, "Rack to require with -strict")
	slot     = flag.Int("slot", 1, "Slot to require with -strict")
	strict   = flag.Bool("strict", false, "Refuse connections whose TSAP does not match -rack/-slot")
	logDebug = flag.Bool("log-debug", false, "Write protocol debug output to debug.log")
)

// parseDBs parses "1:256,2:64" into a map of DB number to size.
func parseDBs(list string) (map[int]int, error) {
	out := make(map[int]int)
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		num, size, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("invalid DB %q (want number:size)", part)
		}
		n, err := strconv.Atoi(num)
		if err != nil || n < 1 || n > 65535 {
			return nil, fmt.Errorf("invalid DB number %q", num)
		}
		sz, err := strconv.Atoi(size)
		if err != nil || sz < 1 || sz > 65535 {
			return nil, fmt.Errorf("invalid DB size %q", size)
		}
		out[n] = sz
	}
	return out, nil
}

func main() {
	flag.Parse()

	blocks, err := parseDBs(*dbs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if *logDebug {
		debugLogger, err := logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			debugLogger.SetFilter("s7sim")
			logging.SetGlobalDebugLogger(debugLogger)
			defer debugLogger.Close()
		}
	}

	sim := s7sim.New(s7sim.Config{
		PDUSize:     *pduSize,
		IOSize:      *ioSize,
		Rack:        *rack,
		Slot:        *slot,
		RequireTSAP: *strict,
	})
	for db, size := range blocks {
		sim.AddDB(db, size)
	}
	if err := sim.Start(*addr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("S7 simulator listening on %s (PDU %d, %d data blocks)\n", sim.Addr(), *pduSize, len(blocks))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	sim.Close()
	fmt.Println("Stopped")
}
