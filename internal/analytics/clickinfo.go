package analytics

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/url"
	"strings"

	"shortlinker/internal/model"
)

// Breakdown keys used when a dimension cannot be derived from the request.
const (
	CountryUnknown = "Unknown"
	CountryLocal   = "Local"
	ReferrerDirect = "Direct"
)

// Classify turns the raw request facts into the click that gets applied to
// the store. Uniqueness is decided separately by the aggregator.
func Classify(cc model.ClickContext) model.Click {
	return model.Click{
		Country:  countryOf(cc),
		Device:   DeviceClass(cc.UserAgent),
		Referrer: ReferrerDomain(cc.Referrer),
		At:       cc.At,
	}
}

// DeviceClass buckets a User-Agent into a coarse device class. Substring
// sniffing, same as every shortener does it; order matters because mobile
// browsers advertise nearly everything.
func DeviceClass(ua string) string {
	ua = strings.ToLower(ua)
	switch {
	case ua == "":
		return "unknown"
	case strings.Contains(ua, "bot") || strings.Contains(ua, "crawler") ||
		strings.Contains(ua, "spider") || strings.Contains(ua, "curl"):
		return "bot"
	case strings.Contains(ua, "ipad") ||
		(strings.Contains(ua, "tablet") && !strings.Contains(ua, "mobile")):
		return "tablet"
	case strings.Contains(ua, "mobile") || strings.Contains(ua, "iphone") ||
		strings.Contains(ua, "android"):
		return "mobile"
	default:
		return "desktop"
	}
}

// ReferrerDomain reduces a Referer header to its host, or "Direct" when the
// visit carried none.
func ReferrerDomain(ref string) string {
	if ref == "" {
		return ReferrerDirect
	}
	u, err := url.Parse(ref)
	if err != nil || u.Hostname() == "" {
		return ReferrerDirect
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// countryOf prefers the CDN-provided country header; without one, the best
// available guess is whether the address is even routable.
func countryOf(cc model.ClickContext) string {
	if cc.Country != "" {
		return strings.ToUpper(cc.Country)
	}
	ip := net.ParseIP(cc.IP)
	if ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return CountryLocal
	}
	return CountryUnknown
}

// Fingerprint identifies a visitor for daily unique-click dedup. IP plus
// User-Agent hashed, so no raw address ever reaches Redis.
func Fingerprint(ip, ua string) string {
	sum := sha256.Sum256([]byte(ip + "|" + ua))
	return hex.EncodeToString(sum[:16])
}
