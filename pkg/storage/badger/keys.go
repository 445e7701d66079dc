package badger

import (
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"
	badger "github.com/dgraph-io/badger/v4"

	"hostbeat/pkg/storage"
	"hostbeat/pkg/telemetry"
)

// Key layout, one kind byte per record family. Time-keyed families embed a
// big-endian UnixNano so iteration order within an agent prefix is ascending
// timestamp order.
const (
	kindMeta         byte = 0x00
	kindSample       byte = 0x01
	kindRollup1m     byte = 0x02
	kindRollup15m    byte = 0x03
	kindRollup1h     byte = 0x04
	kindHeartbeat    byte = 0x05
	kindLog          byte = 0x06
	kindProcSnapshot byte = 0x07
	kindAgent        byte = 0x10
	kindRule         byte = 0x11
	kindOverride     byte = 0x12
	kindActiveAlert  byte = 0x13
)

// The seq suffix disambiguates raw samples sharing (agent, timestamp): the
// natural key is not unique, a retried batch must keep both copies. Each
// process start reserves a fresh block of suffixes so a sample written after
// a restart cannot reuse (and overwrite) a previous run's key.
const (
	writeSeqKey = "write_seq_base"
	seqStride   = 1 << 22
)

// reserveWriteSeq seeds the sample sequence counter from the persisted base
// and advances the base by one stride. The uint32 base wraps; a collision
// then still needs an identical (agent, nanosecond) key in a run that many
// restarts later.
func (s *Storage) reserveWriteSeq() error {
	return s.db.Update(func(txn *badger.Txn) error {
		var base uint32
		item, err := txn.Get(metaKey(writeSeqKey))
		if err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		if err == nil {
			if err := item.Value(func(val []byte) error {
				if len(val) == 4 {
					base = binary.BigEndian.Uint32(val)
				}
				return nil
			}); err != nil {
				return err
			}
		}
		next := make([]byte, 4)
		binary.BigEndian.PutUint32(next, base+seqStride)
		if err := txn.Set(metaKey(writeSeqKey), next); err != nil {
			return err
		}
		s.seq.Store(base)
		return nil
	})
}

func agentHash(agentID string) uint64 {
	return xxhash.Sum64String(agentID)
}

// sampleKey: [kind][agent hash 8][ts 8][seq 4]
func sampleKey(agentID string, ts time.Time, seq uint32) []byte {
	key := make([]byte, 21)
	key[0] = kindSample
	binary.BigEndian.PutUint64(key[1:9], agentHash(agentID))
	binary.BigEndian.PutUint64(key[9:17], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint32(key[17:21], seq)
	return key
}

// bucketKey: [kind][agent hash 8][bucket start 8]. One bucket per
// (agent, resolution, start), so replacement overwrites in place.
func bucketKey(res telemetry.Resolution, agentID string, start time.Time) []byte {
	key := make([]byte, 17)
	key[0] = resolutionKind(res)
	binary.BigEndian.PutUint64(key[1:9], agentHash(agentID))
	binary.BigEndian.PutUint64(key[9:17], uint64(start.UnixNano()))
	return key
}

// heartbeatKey: [kind][agent hash 8][ts 8]
func heartbeatKey(agentID string, ts time.Time) []byte {
	key := make([]byte, 17)
	key[0] = kindHeartbeat
	binary.BigEndian.PutUint64(key[1:9], agentHash(agentID))
	binary.BigEndian.PutUint64(key[9:17], uint64(ts.UnixNano()))
	return key
}

// keyTimestamp extracts the embedded timestamp from a time-keyed key.
func keyTimestamp(key []byte) time.Time {
	if len(key) < 17 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[9:17])))
}

// agentPrefix scopes an iterator to one agent's rows of a time-keyed kind.
func agentPrefix(kind byte, agentID string) []byte {
	p := make([]byte, 9)
	p[0] = kind
	binary.BigEndian.PutUint64(p[1:9], agentHash(agentID))
	return p
}

// seekFrom positions an iterator at the first row of an agent prefix at or
// after ts.
func seekFrom(prefix []byte, ts time.Time) []byte {
	seek := make([]byte, len(prefix)+8)
	copy(seek, prefix)
	binary.BigEndian.PutUint64(seek[len(prefix):], uint64(ts.UnixNano()))
	return seek
}

func agentKey(id string) []byte {
	return append([]byte{kindAgent}, id...)
}

func ruleKey(tenantID, ruleID string) []byte {
	key := append([]byte{kindRule}, tenantID...)
	key = append(key, 0x00)
	return append(key, ruleID...)
}

func overrideKey(ruleID string, targetType telemetry.RuleScope, targetID string) []byte {
	key := append([]byte{kindOverride}, ruleID...)
	key = append(key, 0x00)
	key = append(key, targetType...)
	key = append(key, 0x00)
	return append(key, targetID...)
}

func alertKey(targetID, metric string) []byte {
	key := append([]byte{kindActiveAlert}, targetID...)
	key = append(key, 0x00)
	return append(key, metric...)
}

func metaKey(name string) []byte {
	return append([]byte{kindMeta}, name...)
}

func resolutionKind(res telemetry.Resolution) byte {
	switch res {
	case telemetry.Resolution1m:
		return kindRollup1m
	case telemetry.Resolution15m:
		return kindRollup15m
	case telemetry.Resolution1h:
		return kindRollup1h
	}
	return kindSample
}

func tierKind(tier storage.Tier) byte {
	switch tier {
	case storage.TierRawSamples:
		return kindSample
	case storage.TierRollup1m:
		return kindRollup1m
	case storage.TierRollup15m:
		return kindRollup15m
	case storage.TierRollup1h:
		return kindRollup1h
	case storage.TierHeartbeats:
		return kindHeartbeat
	case storage.TierLogs:
		return kindLog
	case storage.TierProcessSnapshots:
		return kindProcSnapshot
	}
	return kindSample
}
