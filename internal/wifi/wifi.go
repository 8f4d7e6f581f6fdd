// Package wifi associates the board with a wireless network and reports
// its link state. The NMCLI radio drives NetworkManager through its CLI,
// the same way the rest of the system is administered on the device.
package wifi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// State mirrors the link states NetworkManager reports for a device.
type State int

const (
	StateUnknown State = iota
	StateUnavailable
	StateDisconnected
	StateConnecting
	StateConnected
	StateFailed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateUnavailable:
		return "radio unavailable"
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "connection failed"
	default:
		return "unknown"
	}
}

// ErrAssociationTimeout is returned when the network did not come up in time.
var ErrAssociationTimeout = errors.New("wifi association timed out")

// Radio is the Wi-Fi interface the connectivity manager depends on.
type Radio interface {
	// State returns the current link state.
	State(ctx context.Context) State
	// Associate joins ssid and returns once the link is up, or with an error
	// when ctx expires first.
	Associate(ctx context.Context, ssid, password string) error
	// Scan returns the SSIDs currently visible.
	Scan(ctx context.Context) ([]string, error)
	// Addresses returns the interface's IPv4 and MAC addresses.
	Addresses() (ip, mac string, err error)
	// RSSI returns the signal level in dBm.
	RSSI() (int, error)
}

// Runner executes an external command and returns its stdout.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// NMCLI is a Radio backed by NetworkManager.
type NMCLI struct {
	iface        string
	run          Runner
	wirelessPath string
}

// NewNMCLI creates a radio for the named interface (for example "wlan0").
func NewNMCLI(iface string) *NMCLI {
	return &NMCLI{
		iface:        iface,
		run:          execRunner,
		wirelessPath: "/proc/net/wireless",
	}
}

// State implements Radio.
func (n *NMCLI) State(ctx context.Context) State {
	out, err := n.run(ctx, "nmcli", "-t", "-f", "DEVICE,STATE", "device", "status")
	if err != nil {
		return StateUnknown
	}
	return parseDeviceState(string(out), n.iface)
}

// Associate implements Radio. nmcli blocks until the link is up or its
// --wait deadline passes; the deadline is taken from ctx.
func (n *NMCLI) Associate(ctx context.Context, ssid, password string) error {
	wait := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	if wait < time.Second {
		wait = time.Second
	}

	args := []string{
		"--wait", strconv.Itoa(int(wait.Seconds())),
		"device", "wifi", "connect", ssid,
		"ifname", n.iface,
	}
	if password != "" {
		args = append(args, "password", password)
	}

	if _, err := n.run(ctx, "nmcli", args...); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s", ErrAssociationTimeout, ssid)
		}
		return fmt.Errorf("connect to %s: %w", ssid, err)
	}

	if state := n.State(ctx); state != StateConnected {
		return fmt.Errorf("connect to %s: link %s", ssid, state)
	}
	return nil
}

// Scan implements Radio.
func (n *NMCLI) Scan(ctx context.Context) ([]string, error) {
	out, err := n.run(ctx, "nmcli", "-t", "-f", "SSID", "device", "wifi", "list", "ifname", n.iface, "--rescan", "auto")
	if err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	var ssids []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		ssid := strings.ReplaceAll(strings.TrimSpace(scanner.Text()), `\:`, ":")
		if ssid == "" || seen[ssid] {
			continue
		}
		seen[ssid] = true
		ssids = append(ssids, ssid)
	}
	return ssids, nil
}

// Addresses implements Radio.
func (n *NMCLI) Addresses() (string, string, error) {
	return InterfaceAddresses(n.iface)
}

// RSSI implements Radio.
func (n *NMCLI) RSSI() (int, error) {
	f, err := os.Open(n.wirelessPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return parseWirelessLevel(f, n.iface)
}

// InterfaceAddresses returns the first IPv4 address and the MAC of iface.
func InterfaceAddresses(iface string) (string, string, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return "", "", fmt.Errorf("interface %s: %w", iface, err)
	}

	addrs, err := ifi.Addrs()
	if err != nil {
		return "", ifi.HardwareAddr.String(), fmt.Errorf("addresses of %s: %w", iface, err)
	}

	for _, addr := range addrs {
		var ip net.IP
		switch v := addr.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}

		if ip == nil || ip.IsLoopback() || ip.To4() == nil {
			continue
		}
		return ip.String(), strings.ToUpper(ifi.HardwareAddr.String()), nil
	}

	return "", strings.ToUpper(ifi.HardwareAddr.String()), fmt.Errorf("no IPv4 address on %s", iface)
}

// parseDeviceState reads `nmcli -t -f DEVICE,STATE device status` output.
func parseDeviceState(out, iface string) State {
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(strings.TrimSpace(line), ":", 2)
		if len(parts) != 2 || parts[0] != iface {
			continue
		}
		state := parts[1]
		switch {
		case state == "connected":
			return StateConnected
		case strings.HasPrefix(state, "connecting"):
			return StateConnecting
		case state == "disconnected":
			return StateDisconnected
		case state == "unavailable", state == "unmanaged":
			return StateUnavailable
		default:
			return StateUnknown
		}
	}
	return StateUnavailable
}

// parseWirelessLevel extracts the signal level of iface from the
// /proc/net/wireless table.
//
//	Inter-| sta-|   Quality        |   Discarded packets
//	 face | tus | link level noise |  nwid  crypt   frag
//	 wlan0: 0000   70.  -40.  -256        0      0      0
func parseWirelessLevel(f *os.File, iface string) (int, error) {
	scanner := bufio.NewScanner(f)
	return scanWirelessLevel(scanner, iface)
}

func scanWirelessLevel(scanner *bufio.Scanner, iface string) (int, error) {
	prefix := iface + ":"
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[0] != prefix {
			continue
		}
		level, err := strconv.ParseFloat(strings.TrimSuffix(fields[3], "."), 64)
		if err != nil {
			return 0, fmt.Errorf("parse signal level %q: %w", fields[3], err)
		}
		return int(level), nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, fmt.Errorf("interface %s not listed in wireless table", iface)
}
