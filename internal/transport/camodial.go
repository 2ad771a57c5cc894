package transport

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	tls "github.com/refraction-networking/utls"

	"github.com/brume-vpn/brume/internal/model"
)

var (
	// ErrBadPin means the bridge presented a certificate whose public
	// key does not match the pinned digest from the descriptor.
	ErrBadPin = errors.New("camo: certificate pin mismatch")

	// errNoPin means the descriptor cookie lacks the required pin.
	errNoPin = errors.New("camo: descriptor has no certificate pin")
)

// dialCamo establishes a TLS connection that parrots a browser
// fingerprint. The cookie carries "sni" (the server name to present)
// and "pin" (base64 SHA-256 of the bridge certificate public key);
// the pin replaces web-PKI verification, because bridge certificates
// are self-signed on purpose.
func dialCamo(ctx context.Context, ud model.Dialer, desc *model.BridgeDescriptor) (net.Conn, error) {
	values, err := url.ParseQuery(desc.Cookie)
	if err != nil {
		return nil, fmt.Errorf("camo: bad cookie: %w", err)
	}
	pin := values.Get("pin")
	if pin == "" {
		return nil, errNoPin
	}
	sni := values.Get("sni")
	if sni == "" {
		sni, _, _ = net.SplitHostPort(desc.Endpoint)
	}

	raw, err := ud.DialContext(ctx, "tcp", desc.Endpoint)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		ServerName: sni,
		// verification happens in VerifyPeerCertificate against the pin
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: pinVerifier(pin),
		// disable DynamicRecordSizing to lower distinguishability.
		DynamicRecordSizingDisabled: true,
		MinVersion:                  tls.VersionTLS12,
		MaxVersion:                  tls.VersionTLS13,
	} //#nosec G402
	client := tls.UClient(raw, cfg, tls.HelloChrome_Auto)

	if deadline, ok := ctx.Deadline(); ok {
		_ = raw.SetDeadline(deadline)
		defer raw.SetDeadline(noDeadline)
	}
	if err := client.Handshake(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("camo: handshake: %w", err)
	}
	return client, nil
}

// noDeadline clears a previously set deadline.
var noDeadline = time.Time{}

// pinVerifier returns a verification function that accepts any chain
// whose leaf public key hashes to the pinned digest.
func pinVerifier(pin string) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return ErrBadPin
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("%w: %s", ErrBadPin, err.Error())
		}
		digest := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
		got := base64.StdEncoding.EncodeToString(digest[:])
		if subtle.ConstantTimeCompare([]byte(got), []byte(pin)) != 1 {
			return ErrBadPin
		}
		return nil
	}
}
