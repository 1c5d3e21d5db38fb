package mapper

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/propsight/propsight-backend/internal/domain"
)

// contentHashLen is the number of bytes kept from the SHA-256 digest
const contentHashLen = 16

// ContentHash computes the deterministic fingerprint of a row's semantically
// significant fields. Identical external input always yields an identical
// hash, which is what makes the upsert idempotent.
func ContentHash(project string, txDate time.Time, price, areaSQM decimal.Decimal, district string, saleType domain.SaleType, floorRange string) string {
	parts := []string{
		strings.TrimSpace(project),
		txDate.Format("2006-01-02"),
		price.String(),
		areaSQM.String(),
		strings.TrimSpace(district),
		string(saleType),
		strings.TrimSpace(floorRange),
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:contentHashLen])
}
