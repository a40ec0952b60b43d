package monarch

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

// totpCode computes the RFC 6238 one-time code for a base32 MFA secret
// (HMAC-SHA1, 30 second step, 6 digits), matching what an authenticator
// app would show for the same secret.
func totpCode(base32Secret string, t time.Time) (string, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(base32Secret, " ", ""))

	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(normalized)
	if err != nil {
		return "", fmt.Errorf("decoding MFA secret: %w", err)
	}

	if len(secret) == 0 {
		return "", fmt.Errorf("empty MFA secret")
	}

	var buf [8]byte

	binary.BigEndian.PutUint64(buf[:], uint64(t.Unix()/30))

	mac := hmac.New(sha1.New, secret)
	mac.Write(buf[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0F
	bin := (uint32(sum[offset])&0x7F)<<24 |
		(uint32(sum[offset+1])&0xFF)<<16 |
		(uint32(sum[offset+2])&0xFF)<<8 |
		(uint32(sum[offset+3]) & 0xFF)

	return fmt.Sprintf("%06d", bin%1000000), nil
}
