package location

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"

	"googlemaps.github.io/maps"
)

// runTool runs a network manager CLI and returns its stdout.
func runTool(ctx context.Context, name string, args ...string) (string, error) {
	if _, err := exec.LookPath(name); err != nil {
		return "", fmt.Errorf("%s not found: %w", name, err)
	}
	output, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", fmt.Errorf("failed to run %s: %w", name, err)
	}
	return string(output), nil
}

// getWiFiAccessPoints lists nearby access points through nmcli.
func getWiFiAccessPoints(ctx context.Context) ([]maps.WiFiAccessPoint, error) {
	output, err := runTool(ctx, "nmcli", "-t", "-f", "BSSID,SIGNAL", "dev", "wifi", "list")
	if err != nil {
		return nil, err
	}
	return parseWiFiList(output)
}

// parseWiFiList parses `nmcli -t -f BSSID,SIGNAL` output. Terse mode escapes
// the colons inside the BSSID, so the signal is after the last bare colon.
func parseWiFiList(output string) ([]maps.WiFiAccessPoint, error) {
	var wifiAPs []maps.WiFiAccessPoint
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		sep := strings.LastIndex(line, ":")
		if sep <= 0 || line[sep-1] == '\\' {
			continue
		}
		bssid, ok := normalizeBSSID(strings.ReplaceAll(line[:sep], `\:`, ":"))
		if !ok {
			continue
		}
		signal, err := strconv.Atoi(strings.TrimSpace(line[sep+1:]))
		if err != nil {
			continue
		}
		wifiAPs = append(wifiAPs, maps.WiFiAccessPoint{
			MACAddress:     bssid,
			SignalStrength: float64(signal),
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan nmcli output: %w", err)
	}

	return wifiAPs, nil
}

// normalizeBSSID accepts a 48-bit MAC address and returns it in lower case
// colon form.
func normalizeBSSID(s string) (string, bool) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil || len(hw) != 6 {
		return "", false
	}
	return hw.String(), true
}

// getCellTowers reads the serving cell of a modem through ModemManager's
// location interface.
func getCellTowers(ctx context.Context, modemIndex int) ([]maps.CellTower, error) {
	output, err := runTool(ctx, "mmcli", "-m", strconv.Itoa(modemIndex), "--location-get", "--output-keyvalue")
	if err != nil {
		return nil, fmt.Errorf("modem %d: %w", modemIndex, err)
	}

	tower, err := parseCellInfo(output)
	if err != nil {
		return nil, fmt.Errorf("modem %d: %w", modemIndex, err)
	}
	return []maps.CellTower{tower}, nil
}

const cellKeyPrefix = "modem.location.3gpp."

// parseCellInfo reads `mmcli --location-get --output-keyvalue` output.
// Codes are decimal, area and cell IDs hexadecimal; "--" marks an unknown
// value. LTE modems report a TAC instead of a LAC.
func parseCellInfo(output string) (maps.CellTower, error) {
	var (
		tower    maps.CellTower
		haveMCC  bool
		haveMNC  bool
		haveCell bool
		tac      int
	)

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		field, ok := strings.CutPrefix(strings.TrimSpace(key), cellKeyPrefix)
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" || value == "--" {
			continue
		}

		switch field {
		case "mcc":
			if n, err := strconv.Atoi(value); err == nil {
				tower.MobileCountryCode, haveMCC = n, true
			}
		case "mnc":
			if n, err := strconv.Atoi(value); err == nil {
				tower.MobileNetworkCode, haveMNC = n, true
			}
		case "lac":
			if n, err := strconv.ParseUint(value, 16, 32); err == nil {
				tower.LocationAreaCode = int(n)
			}
		case "tac":
			if n, err := strconv.ParseUint(value, 16, 32); err == nil {
				tac = int(n)
			}
		case "cid":
			if n, err := strconv.ParseUint(value, 16, 32); err == nil {
				tower.CellID, haveCell = int(n), true
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return maps.CellTower{}, fmt.Errorf("failed to scan mmcli output: %w", err)
	}
	if !haveMCC || !haveMNC || !haveCell {
		return maps.CellTower{}, errors.New("incomplete cell tower data")
	}
	if tower.LocationAreaCode == 0 {
		tower.LocationAreaCode = tac
	}
	return tower, nil
}
