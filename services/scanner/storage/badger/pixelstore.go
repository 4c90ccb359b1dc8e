// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"

	"github.com/AleutianAI/skyscan/pkg/validation"
	"github.com/AleutianAI/skyscan/services/scanner/skymap"
)

const keyRoot = "skyscan/"

// ErrInvalidEventID is returned for event IDs that cannot form a key prefix.
var ErrInvalidEventID = errors.New("invalid event id")

// record is the stored form of a PixelResult. The key carries nside and
// pixel; the fit payload is zstd-compressed.
type record struct {
	LLH          skymap.LLH       `json:"llh"`
	EnergyInside float64          `json:"energy_inside"`
	EnergyTotal  float64          `json:"energy_total"`
	Vertex       skymap.Vertex    `json:"vertex"`
	Variation    skymap.Variation `json:"variation"`
	Fallback     bool             `json:"fallback,omitempty"`
	CompletedAt  time.Time        `json:"completed_at"`
	Payload      []byte           `json:"payload_zst,omitempty"`
}

// PixelStore persists committed pixel results, one key per pixel.
//
// Description:
//
//	Keys are laid out as
//
//	    skyscan/<event_id>/<nside:010d>/<pixel:020d>
//
//	so that an event, or one resolution of an event, is a single prefix
//	scan and iteration order matches (nside, pixel) order.
//
//	PersistOne is write-if-absent: a second write for the same key fails
//	with skymap.ErrAlreadyPresent and leaves the stored value untouched.
//
// Thread Safety: Safe for concurrent use.
type PixelStore struct {
	db      *DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

var _ skymap.Persister = (*PixelStore)(nil)

// NewPixelStore wraps an opened database.
func NewPixelStore(db *DB) (*PixelStore, error) {
	if db == nil {
		return nil, errors.New("db must not be nil")
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &PixelStore{db: db, encoder: encoder, decoder: decoder}, nil
}

// Close releases the codec resources. The database is owned by the caller.
func (s *PixelStore) Close() error {
	s.decoder.Close()
	return s.encoder.Close()
}

// PersistOne durably writes one committed pixel.
//
// Inputs:
//
//	ctx - Cancellation.
//	eventID - Owning event; must be non-empty and free of '/'.
//	result - The committed result.
//
// Outputs:
//
//	error - skymap.ErrAlreadyPresent (wrapped) when the key exists,
//	        ErrInvalidEventID, or a storage failure.
func (s *PixelStore) PersistOne(ctx context.Context, eventID string, result skymap.PixelResult) error {
	if err := checkEventID(eventID); err != nil {
		return err
	}
	key := pixelKey(eventID, result.Key)

	rec := record{
		LLH:          result.LLH,
		EnergyInside: result.EnergyInside,
		EnergyTotal:  result.EnergyTotal,
		Vertex:       result.Vertex,
		Variation:    result.Variation,
		Fallback:     result.Fallback,
		CompletedAt:  result.CompletedAt,
	}
	if len(result.Payload) > 0 {
		rec.Payload = s.encoder.EncodeAll(result.Payload, nil)
	}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode pixel %s: %w", result.Key, err)
	}

	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s/%s", skymap.ErrAlreadyPresent, eventID, result.Key)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return fmt.Errorf("check pixel %s: %w", result.Key, err)
		}
		return txn.Set(key, value)
	})
	if err != nil {
		if errors.Is(err, skymap.ErrAlreadyPresent) {
			return err
		}
		return fmt.Errorf("persist pixel %s/%s: %w", eventID, result.Key, err)
	}
	return nil
}

// LoadAll returns every stored result for eventID in (nside, pixel) order.
func (s *PixelStore) LoadAll(ctx context.Context, eventID string) ([]skymap.PixelResult, error) {
	if err := checkEventID(eventID); err != nil {
		return nil, err
	}
	return s.scan(ctx, []byte(keyRoot+eventID+"/"))
}

// LoadNSide returns the stored results of one resolution.
func (s *PixelStore) LoadNSide(ctx context.Context, eventID string, nside uint32) ([]skymap.PixelResult, error) {
	if err := checkEventID(eventID); err != nil {
		return nil, err
	}
	return s.scan(ctx, []byte(fmt.Sprintf("%s%s/%010d/", keyRoot, eventID, nside)))
}

// Count returns the number of committed pixels stored for eventID.
func (s *PixelStore) Count(ctx context.Context, eventID string) (int, error) {
	if err := checkEventID(eventID); err != nil {
		return 0, err
	}
	prefix := []byte(keyRoot + eventID + "/")
	n := 0
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count pixels for %s: %w", eventID, err)
	}
	return n, nil
}

// Events lists the distinct event IDs that have stored results, sorted.
func (s *PixelStore) Events(ctx context.Context) ([]string, error) {
	var events []string
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyRoot)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); {
			rest := strings.TrimPrefix(string(it.Item().Key()), keyRoot)
			event, _, ok := strings.Cut(rest, "/")
			if !ok {
				it.Next()
				continue
			}
			events = append(events, event)
			// '0' sorts right after '/', so this skips the event's keys.
			it.Seek([]byte(keyRoot + event + "0"))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return events, nil
}

func (s *PixelStore) scan(ctx context.Context, prefix []byte) ([]skymap.PixelResult, error) {
	var out []skymap.PixelResult
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			key, err := parsePixelKey(item.Key())
			if err != nil {
				return err
			}
			var rec record
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode pixel %s: %w", key, err)
			}
			res, err := s.fromRecord(key, rec)
			if err != nil {
				return err
			}
			out = append(out, res)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load pixels %q: %w", prefix, err)
	}
	return out, nil
}

func (s *PixelStore) fromRecord(key skymap.PixelKey, rec record) (skymap.PixelResult, error) {
	res := skymap.PixelResult{
		Key:          key,
		LLH:          rec.LLH,
		EnergyInside: rec.EnergyInside,
		EnergyTotal:  rec.EnergyTotal,
		Vertex:       rec.Vertex,
		Variation:    rec.Variation,
		Fallback:     rec.Fallback,
		CompletedAt:  rec.CompletedAt,
	}
	if len(rec.Payload) > 0 {
		payload, err := s.decoder.DecodeAll(rec.Payload, nil)
		if err != nil {
			return skymap.PixelResult{}, fmt.Errorf("decompress payload %s: %w", key, err)
		}
		res.Payload = payload
	}
	return res, nil
}

func checkEventID(eventID string) error {
	if err := validation.ValidateEventID(eventID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEventID, err)
	}
	return nil
}

func pixelKey(eventID string, key skymap.PixelKey) []byte {
	return []byte(fmt.Sprintf("%s%s/%010d/%020d", keyRoot, eventID, key.NSide, key.Pixel))
}

func parsePixelKey(raw []byte) (skymap.PixelKey, error) {
	parts := strings.Split(strings.TrimPrefix(string(raw), keyRoot), "/")
	if len(parts) != 3 {
		return skymap.PixelKey{}, fmt.Errorf("unexpected key %q", raw)
	}
	nside, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return skymap.PixelKey{}, fmt.Errorf("key %q nside: %w", raw, err)
	}
	pix, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return skymap.PixelKey{}, fmt.Errorf("key %q pixel: %w", raw, err)
	}
	return skymap.PixelKey{NSide: uint32(nside), Pixel: pix}, nil
}
