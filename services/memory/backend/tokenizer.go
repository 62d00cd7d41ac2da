// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package backend

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultEncoding is the tokenizer used for hosted models.
const DefaultEncoding = "cl100k_base"

// Tokenizer wraps a tiktoken encoding behind the Encode/Decode half of
// the Generator interface.
//
// Thread Safety: safe for concurrent use; the underlying encoding is
// immutable after load.
type Tokenizer struct {
	enc  *tiktoken.Tiktoken
	name string
}

// NewTokenizer loads the named tiktoken encoding.
func NewTokenizer(encoding string) (*Tokenizer, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("backend: load encoding %q: %w", encoding, err)
	}
	return &Tokenizer{enc: enc, name: encoding}, nil
}

// TokenizerForModel loads the encoding tiktoken associates with the
// given model name.
func TokenizerForModel(model string) (*Tokenizer, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return nil, fmt.Errorf("backend: encoding for model %q: %w", model, err)
	}
	return &Tokenizer{enc: enc, name: model}, nil
}

// Encode tokenizes text with no special-token handling.
func (t *Tokenizer) Encode(text string) ([]int, error) {
	return t.enc.Encode(text, nil, nil), nil
}

// Decode detokenizes IDs back to text.
func (t *Tokenizer) Decode(tokens []int) (string, error) {
	return t.enc.Decode(tokens), nil
}

// Name returns the encoding name.
func (t *Tokenizer) Name() string { return t.name }
