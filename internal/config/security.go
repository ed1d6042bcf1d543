package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

const (
	// maxWorkers bounds [workers] size
	maxWorkers = 1000
	// maxConfigFileSize bounds the configuration file read at startup and reload
	maxConfigFileSize = 1 << 20
	maxPathLength     = 4096
)

// systemPaths may never hold queue data files
var systemPaths = []string{"/etc/passwd", "/etc/shadow", "/proc/", "/sys/", "/dev/", "~/.ssh/"}

// SecurityValidator checks paths, addresses and DSNs taken from configuration
type SecurityValidator struct {
	maxFileSize int64
	blocked     []string
}

// NewSecurityValidator creates a validator with the default limits
func NewSecurityValidator() *SecurityValidator {
	return &SecurityValidator{maxFileSize: maxConfigFileSize, blocked: systemPaths}
}

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

// ValidatePath checks a data file location: the snapshot, the sqlite archive
// or the log file. An empty path is accepted; callers decide whether the
// field is required.
func (sv *SecurityValidator) ValidatePath(path, fieldName string) error {
	switch {
	case path == "":
		return nil
	case strings.ContainsRune(path, 0):
		return fmt.Errorf("null byte in %s", fieldName)
	case len(path) > maxPathLength:
		return fmt.Errorf("path too long in %s: %d characters (max %d)", fieldName, len(path), maxPathLength)
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("parent directory reference in %s: %s", fieldName, path)
		}
	}

	lower := strings.ToLower(path)
	for _, p := range sv.blocked {
		if strings.Contains(lower, p) {
			return fmt.Errorf("%s points into a system location: %s", fieldName, p)
		}
	}

	// the file is created on first use, but it must not collide with a directory
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return fmt.Errorf("%s is a directory: %s", fieldName, path)
	}
	return nil
}

// ValidateDSN parses an archive DSN with the driver's own parser so a typo is
// reported at validation time rather than on the first dead letter.
func (sv *SecurityValidator) ValidateDSN(driver, dsn, fieldName string) error {
	switch driver {
	case "sqlite3":
		path, _, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
		return sv.ValidatePath(path, fieldName)
	case "postgres":
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			if _, err := pq.ParseURL(dsn); err != nil {
				return fmt.Errorf("invalid postgres URL in %s: %w", fieldName, err)
			}
		}
		return nil
	case "mysql":
		if _, err := mysql.ParseDSN(dsn); err != nil {
			return fmt.Errorf("invalid mysql DSN in %s: %w", fieldName, err)
		}
		return nil
	}
	return fmt.Errorf("unsupported driver for %s: %s", fieldName, driver)
}

// ValidatePort validates port numbers
func (sv *SecurityValidator) ValidatePort(port int, fieldName string) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port for %s: %d (must be 1-65535)", fieldName, port)
	}
	return nil
}

// ValidateNetworkAddress validates host:port and :port addresses
func (sv *SecurityValidator) ValidateNetworkAddress(addr, fieldName string) error {
	if addr == "" {
		return fmt.Errorf("network address cannot be empty for %s", fieldName)
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format for %s: %w", fieldName, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port for %s: %s", fieldName, portStr)
	}
	if err := sv.ValidatePort(port, fieldName); err != nil {
		return err
	}
	if host == "" {
		return nil
	}
	return sv.ValidateHostname(host, fieldName)
}

// ValidateHostname accepts localhost, IP literals and RFC 1123 names
func (sv *SecurityValidator) ValidateHostname(hostname, fieldName string) error {
	switch {
	case hostname == "":
		return fmt.Errorf("hostname cannot be empty for %s", fieldName)
	case len(hostname) > 253:
		return fmt.Errorf("hostname too long for %s: %d (max 253)", fieldName, len(hostname))
	case hostname == "localhost", net.ParseIP(hostname) != nil:
		return nil
	case !hostnameRegex.MatchString(hostname):
		return fmt.Errorf("invalid hostname format for %s: %s", fieldName, hostname)
	}
	return nil
}

// ValidateConfigFileSize rejects configuration files above the size limit
func (sv *SecurityValidator) ValidateConfigFileSize(filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("cannot stat config file: %w", err)
	}
	if info.Size() > sv.maxFileSize {
		return fmt.Errorf("config file too large: %d bytes (max: %d)", info.Size(), sv.maxFileSize)
	}
	return nil
}
