package geoip

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

// Resolver maps client IPs to countries. A Resolver without a database
// resolves nothing.
type Resolver struct {
	db *maxminddb.Reader
}

type countryRecord struct {
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
}

// Open loads a MaxMind country or city database. An empty path disables
// lookups; an unreadable file is logged and also disables lookups.
func Open(dbPath string) *Resolver {
	if dbPath == "" {
		return &Resolver{}
	}
	db, err := maxminddb.Open(dbPath)
	if err != nil {
		slog.Warn("geoip: failed to open database, country lookup disabled", "path", dbPath, "error", err)
		return &Resolver{}
	}
	slog.Info("geoip: loaded database", "path", dbPath, "type", db.Metadata.DatabaseType)
	return &Resolver{db: db}
}

func (r *Resolver) Enabled() bool {
	return r != nil && r.db != nil
}

// Country returns the English country name for ip, falling back to the ISO
// code. It returns "" when the address is unknown or lookups are disabled.
func (r *Resolver) Country(ip string) string {
	if !r.Enabled() || ip == "" {
		return ""
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	var rec countryRecord
	if err := r.db.Lookup(parsed, &rec); err != nil {
		slog.Debug("geoip: lookup failed", "ip", ip, "error", err)
		return ""
	}
	if name := rec.Country.Names["en"]; name != "" {
		return name
	}
	return rec.Country.ISOCode
}

func (r *Resolver) Close() error {
	if !r.Enabled() {
		return nil
	}
	if err := r.db.Close(); err != nil {
		return fmt.Errorf("close geoip database: %w", err)
	}
	return nil
}
