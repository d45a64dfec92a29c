package enrich

import (
	"errors"
	"net"
	"net/netip"
	"strings"
	"sync"

	"github.com/aak1247/sessiontap/internal/model"
	"github.com/oschwald/geoip2-golang"
)

// maxCached bounds the lookup cache. A full cache is dropped wholesale.
const maxCached = 4096

type Geo struct {
	Country string
	Region  string
	City    string
	ASNOrg  string
}

func (g Geo) empty() bool {
	return g == Geo{}
}

// GeoIP resolves client addresses against MaxMind City and ASN databases.
// A nil *GeoIP is valid and never resolves anything.
type GeoIP struct {
	city *geoip2.Reader
	asn  *geoip2.Reader

	mu    sync.Mutex
	cache map[netip.Addr]Geo
}

// NewGeoIP returns nil without error when neither path is set.
func NewGeoIP(cityPath, asnPath string) (*GeoIP, error) {
	cityPath = strings.TrimSpace(cityPath)
	asnPath = strings.TrimSpace(asnPath)
	if cityPath == "" && asnPath == "" {
		return nil, nil
	}

	g := &GeoIP{cache: make(map[netip.Addr]Geo)}
	var err error
	if cityPath != "" {
		if g.city, err = geoip2.Open(cityPath); err != nil {
			return nil, err
		}
	}
	if asnPath != "" {
		if g.asn, err = geoip2.Open(asnPath); err != nil {
			_ = g.Close()
			return nil, err
		}
	}
	return g, nil
}

func (g *GeoIP) Close() error {
	if g == nil {
		return nil
	}
	var errs []error
	for _, r := range []*geoip2.Reader{g.city, g.asn} {
		if r != nil {
			errs = append(errs, r.Close())
		}
	}
	return errors.Join(errs...)
}

// Annotate fills the location columns of b from its client IP. It reports
// whether anything was found.
func (g *GeoIP) Annotate(b *model.SessionBatch) bool {
	geo, ok := g.Lookup(b.ClientIP)
	if !ok {
		return false
	}
	b.Country = geo.Country
	b.Region = geo.Region
	b.City = geo.City
	b.ASNOrg = geo.ASNOrg
	return true
}

// Lookup accepts "ip" or "ip:port". Private and loopback addresses never
// resolve.
func (g *GeoIP) Lookup(raw string) (Geo, bool) {
	if g == nil {
		return Geo{}, false
	}
	addr, ok := publicAddr(raw)
	if !ok {
		return Geo{}, false
	}

	g.mu.Lock()
	geo, hit := g.cache[addr]
	g.mu.Unlock()
	if hit {
		return geo, !geo.empty()
	}

	geo = g.resolve(net.IP(addr.AsSlice()))

	g.mu.Lock()
	if len(g.cache) >= maxCached {
		clear(g.cache)
	}
	g.cache[addr] = geo
	g.mu.Unlock()
	return geo, !geo.empty()
}

func (g *GeoIP) resolve(ip net.IP) Geo {
	var out Geo
	if g.city != nil {
		if rec, err := g.city.City(ip); err == nil {
			out.Country = rec.Country.IsoCode
			if len(rec.Subdivisions) > 0 {
				out.Region = rec.Subdivisions[0].IsoCode
			}
			out.City = strings.TrimSpace(rec.City.Names["en"])
		}
	}
	if g.asn != nil {
		if rec, err := g.asn.ASN(ip); err == nil {
			out.ASNOrg = strings.TrimSpace(rec.AutonomousSystemOrganization)
		}
	}
	return out
}

func publicAddr(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		raw = ap.Addr().String()
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, false
	}
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() || addr.IsLinkLocalUnicast() {
		return netip.Addr{}, false
	}
	return addr, true
}
