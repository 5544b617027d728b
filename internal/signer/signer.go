// Package signer produces detached SHA256withRSA signatures over
// canonicalized claim bundles using per-facility certificates. Callers hand
// in already-canonicalized bytes; the signer signs exactly what it is given
// and records the byte digest alongside the signature.
package signer

import (
	"container/list"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"sync"
	"time"

	"github.com/sehha/claimsbridge/internal/catalogue"
	"github.com/sehha/claimsbridge/internal/envelope"
)

// Algorithm is the only signature scheme the gateway accepts.
const Algorithm = "SHA256withRSA"

const minKeyBits = 2048

// CertStore is the catalogue surface the signer needs.
type CertStore interface {
	GetActiveCert(ctx context.Context, facilityID int) (*catalogue.CertMeta, error)
}

// Signature is the detached signing result.
type Signature struct {
	SignatureB64 string    `json:"signature_b64"`
	CertSerial   string    `json:"cert_serial"`
	SignedAt     time.Time `json:"signed_at"`
	Algorithm    string    `json:"algorithm"`
	DigestHex    string    `json:"digest_hex"`
}

// Signer signs bundles with the facility's active key. Parsed private keys
// live in a bounded LRU keyed by (facility, serial); evicted keys are wiped.
type Signer struct {
	certs CertStore
	keys  KeySource

	mu       sync.Mutex
	cacheMax int
	order    *list.List
	byKey    map[string]*list.Element
}

type cachedKey struct {
	id  string
	key *rsa.PrivateKey
}

// New assembles the signer. cacheMax bounds the parsed-key cache.
func New(certs CertStore, keys KeySource, cacheMax int) *Signer {
	if cacheMax <= 0 {
		cacheMax = 64
	}
	return &Signer{
		certs:    certs,
		keys:     keys,
		cacheMax: cacheMax,
		order:    list.New(),
		byKey:    make(map[string]*list.Element),
	}
}

// Sign produces a detached signature over bundle for the facility's active
// certificate. The certificate must be inside its validity window at call
// time.
func (s *Signer) Sign(ctx context.Context, facilityID int, bundle []byte) (*Signature, error) {
	cert, err := s.certs.GetActiveCert(ctx, facilityID)
	if err != nil {
		return nil, err
	}
	if cert == nil {
		return nil, envelope.New(envelope.KindNotFound, "SIGNER_CERT_NOT_FOUND",
			fmt.Sprintf("no active certificate for facility %d", facilityID))
	}

	now := time.Now().UTC()
	if now.Before(cert.NotBefore) {
		return nil, envelope.New(envelope.KindConflict, "SIGNER_CERT_NOT_YET_VALID",
			fmt.Sprintf("certificate %s not valid before %s", cert.Serial, cert.NotBefore.Format(time.RFC3339)))
	}
	if !now.Before(cert.NotAfter) {
		return nil, envelope.New(envelope.KindConflict, "SIGNER_CERT_EXPIRED",
			fmt.Sprintf("certificate %s expired at %s", cert.Serial, cert.NotAfter.Format(time.RFC3339)))
	}

	key, err := s.privateKey(ctx, facilityID, cert)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256(bundle)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, envelope.Wrap(err, envelope.KindInternal, "SIGNER_SIGN_FAILED", "signature computation failed")
	}

	return &Signature{
		SignatureB64: base64.StdEncoding.EncodeToString(sig),
		CertSerial:   cert.Serial,
		SignedAt:     now,
		Algorithm:    Algorithm,
		DigestHex:    hex.EncodeToString(digest[:]),
	}, nil
}

func (s *Signer) privateKey(ctx context.Context, facilityID int, cert *catalogue.CertMeta) (*rsa.PrivateKey, error) {
	id := fmt.Sprintf("%d/%s", facilityID, cert.Serial)

	s.mu.Lock()
	if el, ok := s.byKey[id]; ok {
		s.order.MoveToFront(el)
		key := el.Value.(*cachedKey).key
		s.mu.Unlock()
		return key, nil
	}
	s.mu.Unlock()

	raw, err := s.keys.Fetch(ctx, cert.PrivateKeyRef)
	if err != nil {
		return nil, envelope.Wrap(err, envelope.KindUpstreamUnavailable, "SIGNER_KEY_UNAVAILABLE",
			"key source did not release the key")
	}
	key, err := parsePrivateKey(raw)
	wipe(raw)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.byKey[id]; ok {
		// Lost the race; keep the resident copy and wipe ours.
		wipeKey(key)
		s.order.MoveToFront(el)
		return el.Value.(*cachedKey).key, nil
	}
	s.byKey[id] = s.order.PushFront(&cachedKey{id: id, key: key})
	for s.order.Len() > s.cacheMax {
		oldest := s.order.Back()
		s.order.Remove(oldest)
		ck := oldest.Value.(*cachedKey)
		delete(s.byKey, ck.id)
		wipeKey(ck.key)
	}
	return key, nil
}

func parsePrivateKey(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, envelope.New(envelope.KindDataCorrupt, "SIGNER_KEY_CORRUPT", "key material is not PEM")
	}

	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, envelope.Wrap(err, envelope.KindDataCorrupt, "SIGNER_KEY_CORRUPT", "key material failed to parse")
		}
		key = k
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, envelope.Wrap(err, envelope.KindDataCorrupt, "SIGNER_KEY_CORRUPT", "key material failed to parse")
		}
		rsaKey, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, envelope.New(envelope.KindDataCorrupt, "SIGNER_KEY_CORRUPT", "key material is not RSA")
		}
		key = rsaKey
	default:
		return nil, envelope.New(envelope.KindDataCorrupt, "SIGNER_KEY_CORRUPT",
			fmt.Sprintf("unexpected PEM block %q", block.Type))
	}

	if key.N.BitLen() < minKeyBits {
		return nil, envelope.New(envelope.KindDataCorrupt, "SIGNER_KEY_TOO_SMALL",
			fmt.Sprintf("key is %d bits, minimum is %d", key.N.BitLen(), minKeyBits))
	}
	return key, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// wipeKey clears the secret components of an evicted key. The public modulus
// stays intact; only private material is scrubbed.
func wipeKey(k *rsa.PrivateKey) {
	if k == nil {
		return
	}
	k.D.SetInt64(0)
	for _, p := range k.Primes {
		p.SetInt64(0)
	}
	k.Precomputed = rsa.PrecomputedValues{}
}
