package hostapi

import (
	"context"
	"crypto/rand"
	"encoding/json"

	"github.com/jackc/pgx/v5"
)

// RandomRange journals a single draw from [lo, hi) so replay reproduces the
// exact same "random" decision the live run made.
func (tc *TaskContext) RandomRange(ctx context.Context, lo, hi int64) (int64, error) {
	raw, err := tc.Engine.Transact(ctx, "random.range", false, func(ctx context.Context, _ pgx.Tx) (json.RawMessage, error) {
		return json.Marshal(tc.Entropy.RandomRange(lo, hi))
	})
	if err != nil {
		return 0, err
	}
	var v int64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// GetRandomBytes implements random.get-random-bytes(n): n cryptographically
// random bytes, journaled so replay sees the identical bytes rather than a
// fresh draw. The bytes come from crypto/rand directly, not through the
// detsim.Entropy seam.
func (tc *TaskContext) GetRandomBytes(ctx context.Context, n int) ([]byte, error) {
	raw, err := tc.Engine.Transact(ctx, "random.get-random-bytes", false, func(ctx context.Context, _ pgx.Tx) (json.RawMessage, error) {
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			return nil, err
		}
		return json.Marshal(buf)
	})
	if err != nil {
		return nil, err
	}
	var b []byte
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return b, nil
}

// GetRandomU64 implements random.get-random-u64(), the scalar counterpart of
// GetRandomBytes.
func (tc *TaskContext) GetRandomU64(ctx context.Context) (uint64, error) {
	raw, err := tc.Engine.Transact(ctx, "random.get-random-u64", false, func(ctx context.Context, _ pgx.Tx) (json.RawMessage, error) {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, err
		}
		var v uint64
		for _, b := range buf {
			v = v<<8 | uint64(b)
		}
		return json.Marshal(v)
	})
	if err != nil {
		return 0, err
	}
	var v uint64
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// GetInsecureRandomBytes and GetInsecureRandomU64 implement the WASI
// insecure-random interface: deliberately unjournaled, so they draw fresh
// randomness on every call including replay — the guest is opting out of
// replay-stability in exchange for not paying for a journal entry.
func (tc *TaskContext) GetInsecureRandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (tc *TaskContext) GetInsecureRandomU64() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	var v uint64
	for _, b := range buf {
		v = v<<8 | uint64(b)
	}
	return v, nil
}

// InsecureSeed implements insecure-seed(): a pair fixed for the lifetime of
// this task execution attempt, letting a guest seed its own PRNG without
// involving the journal at all.
func (tc *TaskContext) InsecureSeed() (uint64, uint64) {
	return tc.insecureSeedHi, tc.insecureSeedLo
}
