package lease

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"grimm.is/dhcpd/internal/logging"
)

// Lease file format, one record per line, pipe-separated:
//
//	LEASE|<mac>|<ip>|<hostname>|<lease-seconds>|<flavor>|<allocated-epoch>|<expires-epoch>|<client-id>
//	STATIC|<mac>|<ip>|<hostname>|<description>|<lease-seconds>|<enabled>|<vendor-class>
//
// flavor is 0 for dynamic and 1 for static. Lines starting with #
// are comments. The whole file is rewritten on every save.

// SaveFile writes a snapshot to path via tempfile and rename.
func SaveFile(path string, v View) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".leases-*")
	if err != nil {
		return fmt.Errorf("lease: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	fmt.Fprintf(w, "# dhcpd lease database\n")
	fmt.Fprintf(w, "# saved %s\n", time.Now().UTC().Format(time.RFC3339))

	for _, l := range v.Leases {
		flavor := 0
		if l.Static {
			flavor = 1
		}
		fmt.Fprintf(w, "LEASE|%s|%s|%s|%d|%d|%d|%d|%s\n",
			MacKey(l.MAC), l.IP.String(),
			sanitizeField(l.Hostname),
			int64(l.Duration().Seconds()), flavor,
			l.AllocatedAt.Unix(), l.ExpiresAt.Unix(),
			sanitizeField(l.ClientID))
	}
	for _, r := range v.Statics {
		enabled := 0
		if r.Enabled {
			enabled = 1
		}
		fmt.Fprintf(w, "STATIC|%s|%s|%s|%s|%d|%d|%s\n",
			MacKey(r.MAC), r.IP.String(),
			sanitizeField(r.Hostname), sanitizeField(r.Description),
			int64(r.LeaseTime.Seconds()), enabled,
			sanitizeField(r.VendorClass))
	}

	if err := w.Flush(); err != nil {
		tmp.Close()
		return fmt.Errorf("lease: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("lease: close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("lease: rename into %s: %w", path, err)
	}
	return nil
}

// LoadFile reads a lease database. Records that fail to parse are
// skipped with a warning. Dynamic leases already expired at `now` are
// dropped; static records are accepted unconditionally.
func LoadFile(path string, now time.Time, log *logging.Logger) (View, error) {
	var v View

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return v, nil
		}
		return v, fmt.Errorf("lease: open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "|")
		switch fields[0] {
		case "LEASE":
			l, err := parseLeaseRecord(fields)
			if err != nil {
				log.Warn("skipping bad lease record", "file", path, "line", lineNo, "error", err)
				continue
			}
			if !l.Static && !l.ExpiresAt.After(now) {
				continue
			}
			v.Leases = append(v.Leases, l)
		case "STATIC":
			r, err := parseStaticRecord(fields)
			if err != nil {
				log.Warn("skipping bad static record", "file", path, "line", lineNo, "error", err)
				continue
			}
			v.Statics = append(v.Statics, r)
		default:
			log.Warn("skipping unknown record type", "file", path, "line", lineNo, "type", fields[0])
		}
	}
	if err := sc.Err(); err != nil {
		return v, fmt.Errorf("lease: read %s: %w", path, err)
	}
	return v, nil
}

func parseLeaseRecord(fields []string) (*Lease, error) {
	if len(fields) != 9 {
		return nil, fmt.Errorf("want 9 fields, got %d", len(fields))
	}
	mac, err := ParseMAC(fields[1])
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(fields[2])
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("bad ip %q", fields[2])
	}
	secs, err := strconv.ParseInt(fields[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad lease seconds %q", fields[4])
	}
	flavor, err := strconv.Atoi(fields[5])
	if err != nil || (flavor != 0 && flavor != 1) {
		return nil, fmt.Errorf("bad flavor %q", fields[5])
	}
	allocated, err := strconv.ParseInt(fields[6], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad allocated epoch %q", fields[6])
	}
	expires, err := strconv.ParseInt(fields[7], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad expires epoch %q", fields[7])
	}

	l := &Lease{
		MAC:      mac,
		IP:       ip.To4(),
		Hostname: fields[3],
		ClientID: fields[8],
		Static:   flavor == 1,
		Active:   true,
	}
	l.SetTimers(time.Unix(allocated, 0), time.Duration(secs)*time.Second)
	// Trust the recorded expiry over the derived one.
	l.ExpiresAt = time.Unix(expires, 0)
	return l, nil
}

func parseStaticRecord(fields []string) (*StaticReservation, error) {
	if len(fields) != 8 {
		return nil, fmt.Errorf("want 8 fields, got %d", len(fields))
	}
	mac, err := ParseMAC(fields[1])
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(fields[2])
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("bad ip %q", fields[2])
	}
	secs, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad lease seconds %q", fields[5])
	}
	enabled, err := strconv.Atoi(fields[6])
	if err != nil || (enabled != 0 && enabled != 1) {
		return nil, fmt.Errorf("bad enabled flag %q", fields[6])
	}
	return &StaticReservation{
		MAC:         mac,
		IP:          ip.To4(),
		Hostname:    fields[3],
		Description: fields[4],
		LeaseTime:   time.Duration(secs) * time.Second,
		Enabled:     enabled == 1,
		VendorClass: fields[7],
	}, nil
}

func sanitizeField(s string) string {
	s = strings.ReplaceAll(s, "|", "_")
	s = strings.ReplaceAll(s, "\n", " ")
	return s
}
