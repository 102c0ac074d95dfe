package push

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/p-blackswan/claude-remote/internal/store"
)

// ErrGone reports that the push service no longer knows the subscription and
// it should be dropped.
var ErrGone = errors.New("push: subscription gone")

const (
	// maxRecordSize is the encrypted record size we advertise. Everything is
	// sent as a single record, so it also bounds the payload.
	maxRecordSize = 4096

	// recordHeaderLen is salt (16) + record size (4) + key id length (1) +
	// uncompressed P-256 public key (65).
	recordHeaderLen = 86

	// recordOverhead is the header plus the record delimiter byte and the
	// AEAD tag.
	recordOverhead = recordHeaderLen + 1 + 16

	// recordDelimiter marks the end of payload in the last (only) record.
	recordDelimiter = '\x02'

	// tokenLifetime is how long a minted VAPID token stays valid. The RFC
	// caps it at 24 hours.
	tokenLifetime = 12 * time.Hour
)

// HKDF info strings from RFC 8291 section 3.3 and 3.4.
var (
	keyDerivationInfo = []byte("WebPush: info\x00")
	contentKeyInfo    = []byte("Content-Encoding: aes128gcm\x00")
	nonceInfo         = []byte("Content-Encoding: nonce\x00")
)

// send encrypts payload per RFC 8291 and POSTs it to the subscription
// endpoint with a VAPID Authorization header.
func (d *Dispatcher) send(ctx context.Context, sub store.PushSubscription, payload []byte) error {
	record, err := encrypt(payload, sub.Keys.P256dh, sub.Keys.Auth)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Endpoint, bytes.NewReader(record))
	if err != nil {
		return fmt.Errorf("building push request: %w", err)
	}
	auth, err := d.authHeader(sub.Endpoint)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Content-Encoding", "aes128gcm")
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("TTL", strconv.Itoa(int(d.ttl.Seconds())))
	req.Header.Set("Urgency", "normal")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering push: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrGone
	case resp.StatusCode >= 300:
		return fmt.Errorf("push endpoint returned %s", resp.Status)
	}
	return nil
}

// authHeader mints a VAPID token scoped to the endpoint's origin.
func (d *Dispatcher) authHeader(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("push: endpoint %q has no origin", endpoint)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"aud": u.Scheme + "://" + u.Host,
		"exp": time.Now().Add(tokenLifetime).Unix(),
		"sub": d.subscriber,
	})
	signed, err := token.SignedString(d.signer)
	if err != nil {
		return "", fmt.Errorf("signing vapid token: %w", err)
	}
	return "vapid t=" + signed + ", k=" + d.keys.PublicKey, nil
}

// encrypt produces a single aes128gcm record for the subscription identified
// by its p256dh public key and auth secret.
func encrypt(payload []byte, p256dh, auth string) ([]byte, error) {
	if len(payload) > maxRecordSize-recordOverhead {
		return nil, fmt.Errorf("push: payload of %d bytes exceeds record size", len(payload))
	}

	authSecret, err := b64Decode(auth)
	if err != nil {
		return nil, fmt.Errorf("decoding auth secret: %w", err)
	}
	uaPublicBytes, err := b64Decode(p256dh)
	if err != nil {
		return nil, fmt.Errorf("decoding p256dh key: %w", err)
	}
	uaPublic, err := ecdh.P256().NewPublicKey(uaPublicBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing p256dh key: %w", err)
	}

	// Fresh application-server key pair per message, as the RFC requires.
	asPrivate, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating message key: %w", err)
	}
	asPublicBytes := asPrivate.PublicKey().Bytes()

	sharedSecret, err := asPrivate.ECDH(uaPublic)
	if err != nil {
		return nil, fmt.Errorf("computing shared secret: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	keyInfo := make([]byte, 0, len(keyDerivationInfo)+len(uaPublicBytes)+len(asPublicBytes))
	keyInfo = append(keyInfo, keyDerivationInfo...)
	keyInfo = append(keyInfo, uaPublicBytes...)
	keyInfo = append(keyInfo, asPublicBytes...)

	ikm, err := hkdfExpand(32, sharedSecret, authSecret, keyInfo)
	if err != nil {
		return nil, err
	}
	cek, err := hkdfExpand(16, ikm, salt, contentKeyInfo)
	if err != nil {
		return nil, err
	}
	nonce, err := hkdfExpand(12, ikm, salt, nonceInfo)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}

	header := make([]byte, 0, recordOverhead+len(payload))
	header = append(header, salt...)
	header = binary.BigEndian.AppendUint32(header, maxRecordSize)
	header = append(header, byte(len(asPublicBytes)))
	header = append(header, asPublicBytes...)

	plaintext := make([]byte, 0, len(payload)+1)
	plaintext = append(plaintext, payload...)
	plaintext = append(plaintext, recordDelimiter)

	return gcm.Seal(header, nonce, plaintext, nil), nil
}

func hkdfExpand(length int, secret, salt, info []byte) ([]byte, error) {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), out); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return out, nil
}

// b64Decode accepts all four base64 variants; browsers are not consistent
// about padding or alphabet in subscription keys.
func b64Decode(s string) ([]byte, error) {
	enc := base64.RawURLEncoding
	if strings.ContainsAny(s, "+/") {
		enc = base64.RawStdEncoding
	}
	if strings.HasSuffix(s, "=") {
		if enc == base64.RawStdEncoding {
			return base64.StdEncoding.DecodeString(s)
		}
		return base64.URLEncoding.DecodeString(s)
	}
	return enc.DecodeString(s)
}
