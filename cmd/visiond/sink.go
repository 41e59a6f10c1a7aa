// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/matthewtpapa/vision/services/vision/types"
)

// jsonlSink writes one MatchResult JSON line per frame to w, the frozen
// v0.1 external result contract the hot loop emits downstream.
type jsonlSink struct {
	enc *json.Encoder
}

func newJSONLSink(w io.Writer) *jsonlSink {
	return &jsonlSink{enc: json.NewEncoder(w)}
}

func (s *jsonlSink) Emit(result types.MatchResult) error {
	if err := s.enc.Encode(result); err != nil {
		return fmt.Errorf("emit match result: %w", err)
	}
	return nil
}
