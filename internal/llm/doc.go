// Package llm extracts subscription details from email text using a hosted
// language model. It supports OpenAI and Anthropic, with retry, rate limiting
// and per-message result caching.
package llm
