// Package telemetry extracts token-count and phase-duration telemetry from
// the NDJSON bodies streamed back by an Ollama-compatible upstream.
package telemetry

import (
	"bytes"

	"github.com/tidwall/gjson"

	gateway "github.com/sectorflux/sectorflux/internal"
)

// Extract scans body as newline-delimited JSON from the end backward until
// it finds a line carrying a known telemetry field or "done":true, then
// reads prompt_eval_count, eval_count, prompt_eval_duration (ns), and
// eval_duration (ns) from it. Missing fields default to zero. Lines that do
// not parse as JSON are skipped. Never panics; returns the zero value on any
// unparsable or empty input.
func Extract(body []byte) gateway.Telemetry {
	rest := bytes.TrimRight(body, "\n")
	for len(rest) > 0 {
		nl := bytes.LastIndexByte(rest, '\n')
		var line []byte
		if nl == -1 {
			line, rest = rest, nil
		} else {
			line, rest = rest[nl+1:], rest[:nl]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if t, ok := extractLine(line); ok {
			return t
		}
	}
	return gateway.Telemetry{}
}

// extractLine attempts to parse line as the summary JSON object. ok is true
// only if line is valid JSON and carries "done":true or any known telemetry
// field -- that is the line the backward scan is looking for.
func extractLine(line []byte) (gateway.Telemetry, bool) {
	if !gjson.ValidBytes(line) {
		return gateway.Telemetry{}, false
	}
	parsed := gjson.ParseBytes(line)

	done := parsed.Get("done")
	promptCount := parsed.Get("prompt_eval_count")
	evalCount := parsed.Get("eval_count")
	promptDur := parsed.Get("prompt_eval_duration")
	evalDur := parsed.Get("eval_duration")

	if !done.Exists() && !promptCount.Exists() && !evalCount.Exists() &&
		!promptDur.Exists() && !evalDur.Exists() {
		return gateway.Telemetry{}, false
	}
	if done.Exists() && done.Type != gjson.True && !promptCount.Exists() &&
		!evalCount.Exists() && !promptDur.Exists() && !evalDur.Exists() {
		return gateway.Telemetry{}, false
	}

	return gateway.Telemetry{
		PromptTokens:         int(promptCount.Int()),
		CompletionTokens:     int(evalCount.Int()),
		PromptEvalDurationMs: promptDur.Int() / 1_000_000,
		EvalDurationMs:       evalDur.Int() / 1_000_000,
	}, true
}

// ExtractModel reads the "model" field out of a request JSON body, returning
// gateway.UnknownModel if the field is absent, empty, or the body does not
// parse as JSON.
func ExtractModel(body []byte) string {
	if !gjson.ValidBytes(body) {
		return gateway.UnknownModel
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		return gateway.UnknownModel
	}
	return model
}
