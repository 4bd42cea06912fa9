// scanbench drives a running bridge over its control channel: it lists
// devices, then issues a series of start-scan requests and reports latency and
// payload sizes.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"scanbridge/common/ws"
	"scanbridge/devices"
	"scanbridge/scan"
)

func humanBytes(n uint64) string {
	if n == 0 {
		return "0B"
	}
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := uint64(unit), 0
	for e := n / unit; e >= unit; e /= unit {
		div *= unit
		exp++
	}
	prefixes := "KMGTPE"
	return fmt.Sprintf("%.1f%ciB", float64(n)/float64(div), prefixes[exp])
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}

type reply struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func roundTrip(conn *ws.Conn, msg *ws.Message, timeout time.Duration) (reply, error) {
	var r reply
	if err := conn.WriteMessage(msg, 10*time.Second); err != nil {
		return r, err
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	raw, err := conn.ReadMessage()
	if err != nil {
		return r, err
	}
	err = json.Unmarshal(raw, &r)
	return r, err
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:8765/ws", "Control channel URL")
	device := flag.String("device", devices.SentinelID, "Device id to scan (default: demo device)")
	count := flag.Int("n", 5, "Number of scans to run")
	timeout := flag.Duration("timeout", scan.DefaultTimeout+10*time.Second, "Per-request response timeout")
	list := flag.Bool("list", false, "Only list devices and exit")
	flag.Parse()

	conn, err := ws.Dial(*url, 5*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect %s: %v\n", *url, err)
		os.Exit(2)
	}
	defer conn.Close()

	r, err := roundTrip(conn, &ws.Message{Type: ws.MessageTypeGetScanners}, 30*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "get-scanners: %v\n", err)
		os.Exit(1)
	}
	var found []devices.ScannerDevice
	if err := json.Unmarshal(r.Data, &found); err != nil {
		fmt.Fprintf(os.Stderr, "decode device list: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Devices (%d):\n", len(found))
	for _, d := range found {
		fmt.Printf("  %-40s %s (%s)\n", d.ID, d.Name, d.Model)
	}
	if *list {
		return
	}

	fmt.Printf("Scanning %q %d time(s)\n", *device, *count)
	var (
		latencies []time.Duration
		total     uint64
		failures  = map[string]int{}
	)
	for i := 0; i < *count; i++ {
		start := time.Now()
		r, err := roundTrip(conn, &ws.Message{Type: ws.MessageTypeStartScan, DeviceID: *device}, *timeout)
		elapsed := time.Since(start)
		if err != nil {
			fmt.Fprintf(os.Stderr, "scan %d: %v\n", i+1, err)
			os.Exit(1)
		}
		if r.Type == ws.MessageTypeError {
			failures[r.Error]++
			fmt.Printf("  #%d error after %s: %s\n", i+1, elapsed.Round(time.Millisecond), r.Error)
			continue
		}

		var res scan.Result
		if err := json.Unmarshal(r.Data, &res); err != nil {
			fmt.Fprintf(os.Stderr, "decode scan result: %v\n", err)
			os.Exit(1)
		}
		size := uint64(len(strings.TrimPrefix(res.Base64, scan.DataURLPrefix))) * 3 / 4
		total += size
		latencies = append(latencies, elapsed)
		fmt.Printf("  #%d ok in %s, ~%s\n", i+1, elapsed.Round(time.Millisecond), humanBytes(size))
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	fmt.Printf("Succeeded: %d/%d, payload total ~%s\n", len(latencies), *count, humanBytes(total))
	if len(latencies) > 0 {
		fmt.Printf("Latency p50=%s p95=%s max=%s\n",
			percentile(latencies, 0.50).Round(time.Millisecond),
			percentile(latencies, 0.95).Round(time.Millisecond),
			latencies[len(latencies)-1].Round(time.Millisecond))
	}
	for text, n := range failures {
		fmt.Printf("Failed %dx: %s\n", n, text)
	}
}
