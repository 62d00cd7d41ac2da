// Copyright (C) 2025 The Finitemem Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package policy

import "errors"

// ErrNoEmbedder is returned when the semantic variant is requested but
// the backend cannot produce embeddings.
var ErrNoEmbedder = errors.New("policy: semantic variant requires an embedding-capable backend")
