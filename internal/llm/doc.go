// ABOUTME: Package documentation for the llm package
// ABOUTME: One-line client for OpenAI-compatible endpoints

// Package llm implements the chat completions client used for agent
// responses. Any OpenAI-compatible endpoint works.
package llm
