package model

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// Options are the client options, typically parsed from a config file.
type Options struct {
	// Username is the account username.
	Username string

	// Password is the account password.
	Password string

	// Tiers are the subscription tiers to try, in order.
	Tiers []string

	// BinderAddr is the address of the binder service.
	BinderAddr string

	// CacheDir is the directory holding the credential and bridge cache.
	CacheDir string

	// ListenSOCKS is the local SOCKS5 listen address.
	ListenSOCKS string

	// ListenHTTP is the local HTTP CONNECT proxy listen address, empty
	// to disable the HTTP proxy.
	ListenHTTP string

	// ListenStatus is the local status endpoint listen address, empty
	// to disable the status endpoint.
	ListenStatus string

	// FrontProxy is an optional upstream SOCKS5 proxy through which
	// bridges are dialed, empty to dial directly.
	FrontProxy string

	// TunDevice enables the packet-level tunnel on the named TUN
	// device, empty to disable it.
	TunDevice string
}

// HasAuthInfo returns whether the options contain account credentials.
func (o *Options) HasAuthInfo() bool {
	return o.Username != "" && o.Password != ""
}

// defaultTiers is the tier order tried when the config does not name one.
var defaultTiers = []string{"plus", "free"}

// ReadConfigFile parses an Options object from the given file. The file
// format is one "key value" pair per line; empty lines and lines
// starting with '#' are ignored.
func ReadConfigFile(filePath string) (*Options, error) {
	lines, err := getLinesFromFile(filePath)
	if err != nil {
		return nil, err
	}
	return getOptionsFromLines(lines)
}

func getOptionsFromLines(lines []string) (*Options, error) {
	o := &Options{
		ListenSOCKS: "127.0.0.1:9909",
		Tiers:       defaultTiers,
	}
	for _, l := range lines {
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		p := strings.SplitN(l, " ", 2)
		if len(p) != 2 {
			return nil, fmt.Errorf("config: expected \"key value\", got %q", l)
		}
		key, value := p[0], strings.TrimSpace(p[1])
		switch key {
		case "username":
			o.Username = value
		case "password":
			o.Password = value
		case "tier":
			o.Tiers = []string{value}
		case "binder":
			o.BinderAddr = value
		case "cache-dir":
			o.CacheDir = value
		case "listen-socks":
			o.ListenSOCKS = value
		case "listen-http":
			o.ListenHTTP = value
		case "listen-status":
			o.ListenStatus = value
		case "front-proxy":
			o.FrontProxy = value
		case "tun-device":
			o.TunDevice = value
		default:
			return nil, fmt.Errorf("config: unknown key %q", key)
		}
	}
	return o, nil
}

func getLinesFromFile(filePath string) ([]string, error) {
	f, err := os.Open(filePath) //#nosec G304
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
