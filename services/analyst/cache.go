// Copyright (C) 2025 Cloudstrate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analyst

import (
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/cloudstrate/cloudstrate/pkg/logging"
)

// translationTTL bounds how long a cached translation is trusted. The
// graph schema is stable but prompts evolve, so entries age out daily.
const translationTTL = 24 * time.Hour

// TranslationCache persists question-to-Cypher translations so repeat
// questions skip the LLM round trip.
type TranslationCache struct {
	db     *badger.DB
	logger *logging.Logger
}

// OpenTranslationCache opens (or creates) the cache at dir.
func OpenTranslationCache(dir string, logger *logging.Logger) (*TranslationCache, error) {
	if logger == nil {
		logger = logging.Default()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open translation cache at %s: %w", dir, err)
	}
	return &TranslationCache{db: db, logger: logger}, nil
}

// Get returns the cached Cypher for a normalized question, if present.
func (c *TranslationCache) Get(question string) (string, bool) {
	var cypher string
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(question))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			cypher = string(val)
			return nil
		})
	})
	if err != nil {
		if !errors.Is(err, badger.ErrKeyNotFound) {
			c.logger.Warn("translation cache read failed", "error", err)
		}
		return "", false
	}
	return cypher, true
}

// Put stores a translation with the standard TTL.
func (c *TranslationCache) Put(question, cypher string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(question), []byte(cypher)).WithTTL(translationTTL)
		return txn.SetEntry(entry)
	})
}

// Close releases the underlying store.
func (c *TranslationCache) Close() error {
	return c.db.Close()
}
