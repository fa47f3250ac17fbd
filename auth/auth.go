// Package auth determines and asserts client permissions to access and modify
// server resources.
package auth

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
)

// Headers set by the trusted frontend proxy to identify the acting user
const (
	UserHeader  = "X-Live-User"
	AdminHeader = "X-Live-Admin"
)

// Proxy describes the reverse proxy the server is deployed behind, if any
type Proxy struct {
	// Specifies, if the server is deployed behind a reverse proxy
	ReverseProxied bool

	// IP of a non-localhost reverse proxy. Used for filtering in XFF IP
	// determination.
	ProxyIP string
}

// GetIP extracts the IP of a request, honouring reverse proxies, if set
func (p Proxy) GetIP(r *http.Request) (string, error) {
	ip := p.getIP(r)
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("invalid IP: %s", ip)
	}
	return ip, nil
}

func (p Proxy) getIP(req *http.Request) string {
	if p.ReverseProxied {
		for _, h := range [...]string{"X-Forwarded-For", "X-Real-Ip"} {
			addresses := strings.Split(req.Header.Get(h), ",")

			// March from right to left until we get a public address.
			// That will be the address right before our reverse proxy.
			for i := len(addresses) - 1; i >= 0; i-- {
				// Header can contain padding spaces
				ip := strings.TrimSpace(addresses[i])

				// Filter the reverse proxy IPs
				switch {
				case ip == p.ProxyIP:
				case !net.ParseIP(ip).IsGlobalUnicast():
				default:
					return ip
				}
			}
		}
	}
	ip, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr // No port in address
	}
	return ip
}

// GetViewer reads the identity of the acting user from the headers set by
// the frontend proxy
func GetViewer(r *http.Request) Viewer {
	var v Viewer
	if s := r.Header.Get(UserHeader); s != "" {
		id, err := strconv.ParseUint(s, 10, 64)
		if err == nil && id != 0 {
			v.UserID = id
			v.LoggedIn = true
		}
	}
	v.Admin = v.LoggedIn && r.Header.Get(AdminHeader) == "1"
	return v
}

// VisitorFingerprint derives an opaque identifier of a visitor from its IP
// and user agent
func VisitorFingerprint(ip, userAgent string) string {
	h := sha1.Sum([]byte(ip + userAgent))
	return hex.EncodeToString(h[:])
}

// RandomID generates a randomID of base64 characters of desired byte length
func RandomID(length int) (string, error) {
	buf := make([]byte, length)
	_, err := rand.Read(buf)
	return base64.RawStdEncoding.EncodeToString(buf), err
}
