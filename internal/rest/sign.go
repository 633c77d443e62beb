package rest

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
)

// sign computes the API-Sign header for a private endpoint:
// base64(HMAC-SHA512(secret, urlpath + SHA256(nonce + postdata))), where the
// secret is the base64-decoded API secret.
func sign(secret, urlpath, nonce, postdata string) (string, error) {
	key, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}

	inner := sha256.Sum256([]byte(nonce + postdata))
	mac := hmac.New(sha512.New, key)
	mac.Write([]byte(urlpath))
	mac.Write(inner[:])

	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}
