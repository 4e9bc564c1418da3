// Package triage provides the business boundary for mention triage. It defines
// the Service (delivery dedup, detached pipeline, manual work-item operations),
// the Judge (LLM classification with an uncertain fallback), the Store interface
// (persistence and group invariants), and the domain models.
package triage
