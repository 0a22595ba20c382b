// Package runner executes agent turns against an OpenAI-compatible chat
// completions API and exposes them as an ordered event stream: tokens, tool
// boundaries, then exactly one terminal event. A scripted implementation
// backs tests.
package runner
