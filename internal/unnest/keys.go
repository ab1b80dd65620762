package unnest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"unnest/internal/record"
)

// KeyFunc produces the local key of a nested record. It receives the record as
// it arrived, before any linkage columns are written into it.
type KeyFunc func(rec *record.Record) any

// ContentHash keys a record by the SHA-256 of its canonical text form, as a
// lowercase hex string of length 64.
//
// Structurally identical siblings get the same key. Use Sequence or RandomUUID
// when sibling rows must stay distinguishable.
func ContentHash(rec *record.Record) any {
	sum := sha256.Sum256([]byte(rec.String()))
	return hex.EncodeToString(sum[:])
}

// Sequence returns a KeyFunc handing out 1, 2, 3, ... as int64.
func Sequence() KeyFunc {
	var n atomic.Int64
	return func(*record.Record) any { return n.Add(1) }
}

// RandomUUID keys every record with a fresh random UUID string.
func RandomUUID(*record.Record) any { return uuid.NewString() }

// Key strategy names accepted by KeyStrategy.
const (
	StrategyContentHash = "content_hash"
	StrategySequence    = "sequence"
	StrategyUUID        = "uuid"
)

// KeyStrategy resolves a strategy name from configuration. Empty means
// content_hash.
func KeyStrategy(name string) (KeyFunc, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", StrategyContentHash:
		return ContentHash, nil
	case StrategySequence:
		return Sequence(), nil
	case StrategyUUID:
		return RandomUUID, nil
	default:
		return nil, fmt.Errorf("unnest: unknown key strategy %q (want %s|%s|%s)",
			name, StrategyContentHash, StrategySequence, StrategyUUID)
	}
}

func subTableName(primary, path string) string { return primary + "." + path }

// primaryLinkLabel names the foreign-key column that points at a primary row.
func primaryLinkLabel(primaryName, primaryKey string) string {
	return primaryName + "_" + primaryKey
}

// localKeyLabel names the column holding a sub-table row's own key.
func localKeyLabel(path, label string) string { return path + "_" + label }

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "_" + key
}
