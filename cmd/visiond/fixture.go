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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/matthewtpapa/vision/services/vision/pipeline"
	"github.com/matthewtpapa/vision/services/vision/types"
)

// fixtureFrame is one JSONL record in a recorded evaluation fixture: a
// pre-computed, L2-normalized embedding vector standing in for a captured
// frame's detector/tracker/embedder output.
type fixtureFrame struct {
	Vector      []float32   `json:"vector"`
	BBox        *types.BBox `json:"bbox,omitempty"`
	TimestampMs *int64      `json:"timestamp_ms,omitempty"`
}

// fixtureSource replays a JSONL fixture file as a pipeline.FrameSource.
type fixtureSource struct {
	frames []fixtureFrame
	i      int
}

func newFixtureSource(path string) (*fixtureSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open fixture %s: %w", path, err)
	}
	defer f.Close()

	var frames []fixtureFrame
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var fr fixtureFrame
		if err := json.Unmarshal(line, &fr); err != nil {
			return nil, fmt.Errorf("decode fixture line %d: %w", lineNo, err)
		}
		frames = append(frames, fr)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan fixture %s: %w", path, err)
	}
	return &fixtureSource{frames: frames}, nil
}

func (s *fixtureSource) Len() int { return len(s.frames) }

func (s *fixtureSource) Next(_ context.Context) (pipeline.Frame, bool, error) {
	if s.i >= len(s.frames) {
		return pipeline.Frame{}, false, nil
	}
	fr := s.frames[s.i]
	s.i++
	return pipeline.Frame{Data: fr.Vector, BBox: fr.BBox, TimestampMs: fr.TimestampMs}, true, nil
}
