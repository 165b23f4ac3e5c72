package httppresentation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"slices"
	"strings"
)

const proxySignatureParam = "signature"

// verifyProxySignature checks the signature the storefront app proxy adds to every
// forwarded query. An empty secret rejects all requests.
func verifyProxySignature(q url.Values, secret string) bool {
	if secret == "" {
		return false
	}
	got, err := hex.DecodeString(q.Get(proxySignatureParam))
	if err != nil || len(got) == 0 {
		return false
	}
	return hmac.Equal(got, proxySignature(q, secret))
}

// proxySignature is HMAC-SHA256 over the sorted key=value pairs of q, signature
// excluded, concatenated without a separator. Repeated keys join their values with ",".
func proxySignature(q url.Values, secret string) []byte {
	pairs := make([]string, 0, len(q))
	for k, vs := range q {
		if k == proxySignatureParam {
			continue
		}
		pairs = append(pairs, k+"="+strings.Join(vs, ","))
	}
	slices.Sort(pairs)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.Join(pairs, "")))
	return mac.Sum(nil)
}
