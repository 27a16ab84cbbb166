package value

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content digests. The version suffix leaves room for
// an algorithm change.
const (
	DomainDocument = "syncgate/document/v1"
	DomainResult   = "syncgate/result/v1"
	DomainQuery    = "syncgate/query/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Digest returns the domain-separated SHA-256 of v's canonical encoding.
func Digest(domain string, v Value) (string, error) {
	data, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("digest: %w", err)
	}
	return hashWithDomain(domain, data), nil
}

// DocumentDigest identifies a document's content.
func DocumentDigest(doc Object) (string, error) {
	return Digest(DomainDocument, doc)
}

// ResultDigest identifies an ordered result set. Two evaluations with the
// same digest materialized the same documents in the same order.
func ResultDigest(docs []Object) (string, error) {
	arr := make(Array, len(docs))
	for i, d := range docs {
		arr[i] = d
	}
	return Digest(DomainResult, arr)
}

// QueryDigest identifies a (query text, params) pair.
func QueryDigest(text string, params Object) (string, error) {
	if params == nil {
		params = Object{}
	}
	return Digest(DomainQuery, Object{
		"params": params,
		"query":  String(text),
	})
}

// MustDigest is like Digest but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustDigest(domain string, v Value) string {
	d, err := Digest(domain, v)
	if err != nil {
		panic(err)
	}
	return d
}
