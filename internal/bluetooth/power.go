package bluetooth

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// radio switches the host controller on through the BlueZ command-line
// tools. tinygo can only use a controller that is already powered, so
// this is how the adapter asks for Bluetooth to be turned on.
type radio struct {
	run  func(ctx context.Context, name string, args ...string) ([]byte, error)
	look func(file string) (string, error)
}

func newRadio() radio {
	return radio{
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
		look: exec.LookPath,
	}
}

// available checks if bluetoothctl is available on the system.
func (r radio) available() bool {
	_, err := r.look("bluetoothctl")
	return err == nil
}

// controllerInfo is the part of `bluetoothctl show` we care about.
type controllerInfo struct {
	Address string
	Powered bool
	Blocked bool
}

func (r radio) show(ctx context.Context) (controllerInfo, error) {
	out, err := r.run(ctx, "bluetoothctl", "show")
	if err != nil {
		return controllerInfo{}, fmt.Errorf("bluetoothctl show: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return parseShow(out)
}

// parseShow reads output like:
//
//	Controller 00:1A:7D:DA:71:13 (public)
//		Powered: yes
//		PowerState: off-blocked
func parseShow(out []byte) (controllerInfo, error) {
	var info controllerInfo
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "Controller "):
			fields := strings.Fields(line)
			if len(fields) >= 2 && isValidMAC(fields[1]) {
				info.Address = fields[1]
			}
		case strings.HasPrefix(line, "Powered:"):
			info.Powered = strings.TrimSpace(strings.TrimPrefix(line, "Powered:")) == "yes"
		case strings.HasPrefix(line, "PowerState:"):
			info.Blocked = strings.Contains(line, "blocked")
		}
	}
	if info.Address == "" {
		return info, NewError(KindBluetoothUnavailable, "show", fmt.Errorf("no default controller"))
	}
	return info, nil
}

// powerOn lifts an rfkill soft block and powers the controller.
func (r radio) powerOn(ctx context.Context) error {
	if _, err := r.look("rfkill"); err == nil {
		// Unblocking needs privileges we may not have; power on reports the real failure.
		_, _ = r.run(ctx, "rfkill", "unblock", "bluetooth")
	}
	out, err := r.run(ctx, "bluetoothctl", "power", "on")
	text := strings.TrimSpace(string(out))
	if err != nil {
		return Classify("power on", fmt.Errorf("%w: %s", err, text))
	}
	if !strings.Contains(text, "succeeded") {
		return Classify("power on", fmt.Errorf("bluetoothctl: %s", text))
	}
	return nil
}

func isValidMAC(mac string) bool {
	if len(mac) != 17 {
		return false
	}
	for i, c := range mac {
		if (i+1)%3 == 0 {
			if c != ':' {
				return false
			}
		} else if !((c >= '0' && c <= '9') || (c >= 'A' && c <= 'F') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}
